package stepflow

import (
	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

// Chain is an ordered, contiguous sequence of aggregator Steps indexed by
// their 1-based StepIndex. Successor lookup is Steps[i+1] rather than an
// owning-pointer linked list.
type Chain struct {
	Steps []*Step
}

// newChain assigns 1-based StepIndex to each step in order and returns the
// chain. Duplicate step instances are rejected at build() time, not here
// (job_builder.go owns that fatal Configuration check).
func newChain(steps []*Step) *Chain {
	for i, s := range steps {
		s.StepIndex = i + 1
	}
	return &Chain{Steps: steps}
}

// Length is the number of steps in the chain.
func (c *Chain) Length() int {
	return len(c.Steps)
}

// PipelineFanIn is the product of the aggregation quantities across the
// chain: the minimum record count that must enter the chain for one record
// to reach the terminal step without a drain.
func (c *Chain) PipelineFanIn() int {
	fanIn := 1
	for _, s := range c.Steps {
		fanIn *= s.AggregationQuantity
	}
	return fanIn
}

// RecordsInChain sums the records currently parked across every step's
// pending buffers.
func (c *Chain) RecordsInChain() int {
	total := 0
	for _, s := range c.Steps {
		total += s.pendingLen()
	}
	return total
}

// Head runs the bootstrap SER through the first step and, on a SUCCESSFUL
// result, recurses into successors until the chain is exhausted or a step
// parks or fails the batch.
func (c *Chain) Head(pctx *persistence.Context, bootstrap *SER) (*SER, error) {
	return c.execute(pctx, 1, bootstrap)
}

func (c *Chain) execute(pctx *persistence.Context, stepIndex int, incoming *SER) (*SER, error) {
	step := c.Steps[stepIndex-1]
	finalStep := stepIndex == len(c.Steps)

	result, err := step.Execute(pctx, incoming, finalStep)
	if err != nil {
		return result, err
	}
	if result.Status == status.SUCCESSFUL && !finalStep {
		return c.execute(pctx, stepIndex+1, result)
	}
	return result, nil
}

// ForceTail implements the drain: starting from the tail step backwards,
// flush any step whose buffers are non-empty through the user function,
// forcing aggregators to dispatch possibly-under-quota final batches. A flushed non-final step's SUCCESSFUL output is forwarded
// into its successor exactly as Head would, continuing the chain forward.
//
// One backward pass can leave a step re-parked with the forwarded remainder
// of an earlier step it already passed over (it drained before the earlier
// step forwarded into it), so ForceTail repeats passes until one flushes
// nothing. It reports how many dependent records were finalized and how
// many failed across all passes, so the controller can fold them into the
// run's counters.
func (c *Chain) ForceTail(pctx *persistence.Context) (finalized, failed int, err error) {
	for {
		flushedAny := false
		for i := len(c.Steps); i >= 1; i-- {
			step := c.Steps[i-1]
			finalStep := i == len(c.Steps)

			result, flushed, derr := step.drain(pctx, finalStep)
			if derr != nil {
				return finalized, failed, derr
			}
			if !flushed {
				continue
			}
			flushedAny = true

			final := result
			if result.Status == status.SUCCESSFUL && !finalStep {
				final, err = c.execute(pctx, i+1, result)
				if err != nil {
					return finalized, failed, err
				}
			}

			switch final.Status {
			case status.SUCCESSFUL:
				finalized += len(final.DependentRecords)
			case status.FAILED:
				failed += len(final.DependentRecords)
			}
		}
		if !flushedAny {
			return finalized, failed, nil
		}
	}
}

// InjectRecoveredState seeds stepIndex's pending buffers with a prior run's
// checkpointed snapshot, used by retry. stepIndex is 1-based.
func (c *Chain) InjectRecoveredState(stepIndex int, snapshot *SER) {
	c.Steps[stepIndex-1].inject(snapshot.DependentRecords, snapshot.AccPayload)
}
