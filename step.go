package stepflow

import (
	"fmt"
	"sync"

	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

// StepFunc is the user-supplied per-step transformation: given the ordered
// batch of upstream output payloads an aggregator has accumulated, produce
// one output payload for the successor (or, on the last step, the batch's
// final result). May fail with any error value; failure is not fatal to the
// engine.
type StepFunc func(acc []interface{}) (interface{}, error)

// Step is one aggregator node of the chain: it buffers upstream payloads in
// pendingRecords/pendingPayloads until AggregationQuantity is reached, then
// invokes Fn and hands the outgoing SER back to Chain, which owns forwarding
// to the successor by index.
type Step struct {
	StepIndex           int
	StepName            string
	AggregationQuantity int
	Fn                  StepFunc

	mu              sync.Mutex
	pendingRecords  []string
	pendingPayloads []interface{}
}

// NewStep builds an aggregator step; aggregationQuantity must be >= 1
// (enforced at Chain build time, see job_builder.go).
func NewStep(name string, aggregationQuantity int, fn StepFunc) *Step {
	return &Step{StepName: name, AggregationQuantity: aggregationQuantity, Fn: fn}
}

// pendingLen reports how many dependent records are currently parked in
// this step's buffers, used by the chain's drain accounting. This counts
// records, not buffered payloads: once a step downstream of an aggregator
// has folded several records into one payload the two lengths diverge, and
// it is the record count that the controller compares against the pipeline
// fan-in and the in-flight window.
func (s *Step) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRecords)
}

// drain forces a flush of whatever is currently buffered, regardless of
// AggregationQuantity, bypassing the normal accumulate-then-dispatch gate.
// Used by Chain.ForceTail and by retry's seeded re-injection. Returns
// nil, false if nothing is buffered.
func (s *Step) drain(pctx *persistence.Context, finalStep bool) (*SER, bool, error) {
	s.mu.Lock()
	if len(s.pendingPayloads) == 0 {
		s.mu.Unlock()
		return nil, false, nil
	}
	records := s.pendingRecords
	payloads := s.pendingPayloads
	s.pendingRecords = nil
	s.pendingPayloads = nil
	s.mu.Unlock()

	result, err := s.dispatch(pctx, records, payloads, finalStep)
	return result, true, err
}

// inject seeds this step's pending buffers with a recovered snapshot, used
// by retry. It does not itself trigger a dispatch; the caller is expected
// to force a drain afterward.
func (s *Step) inject(records []string, payloads []interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRecords = append(s.pendingRecords, records...)
	s.pendingPayloads = append(s.pendingPayloads, payloads...)
}

// Execute rejects malformed input, buffers the incoming payload, and
// dispatches the batch once the aggregation quantity is reached, short of
// the successor recursion, which Chain owns since only it knows step
// ordering. finalStep tells the checkpoint protocol whether a SUCCESSFUL
// publication here finalizes its dependent records (this is the chain's
// last step).
func (s *Step) Execute(pctx *persistence.Context, incoming *SER, finalStep bool) (*SER, error) {
	if incoming.Status != status.SUCCESSFUL || len(incoming.DependentRecords) == 0 || incoming.OutputPayload == nil {
		bad := badInputSER(s.StepIndex, incoming.DependentRecords, fmt.Sprintf("step %q received malformed input (status=%v, dependent_records=%d)", s.StepName, incoming.Status, len(incoming.DependentRecords)))
		return bad.Publish(pctx, false)
	}

	s.mu.Lock()
	s.pendingRecords = append(s.pendingRecords, incoming.DependentRecords...)
	s.pendingPayloads = append(s.pendingPayloads, incoming.OutputPayload)
	full := len(s.pendingPayloads) >= s.AggregationQuantity
	records := append([]string(nil), s.pendingRecords...)
	payloads := append([]interface{}(nil), s.pendingPayloads...)
	if full {
		s.pendingRecords = nil
		s.pendingPayloads = nil
	}
	s.mu.Unlock()

	if !full {
		accumulating := &SER{
			StepIndex:        s.StepIndex,
			Status:           status.ACCUMULATING,
			DependentRecords: records,
			AccPayload:       payloads,
		}
		return accumulating.Publish(pctx, false)
	}

	return s.dispatch(pctx, records, payloads, finalStep)
}

// invoke calls the user function, converting a panic into an ordinary
// error: a panicking step must produce a FAILED SER like any other user
// failure, so its records are counted and left durable for retry instead
// of unwinding through the worker.
func (s *Step) invoke(payloads []interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", s.StepName, r)
		}
	}()
	return s.Fn(payloads)
}

// dispatch invokes Fn over a snapshotted batch the caller has already
// removed from the pending buffers, and runs the PROCESSING -> {SUCCESSFUL,
// FAILED} checkpoint sequence.
func (s *Step) dispatch(pctx *persistence.Context, records []string, payloads []interface{}, finalStep bool) (*SER, error) {
	working := &SER{
		StepIndex:        s.StepIndex,
		Status:           status.PROCESSING,
		DependentRecords: records,
		AccPayload:       payloads,
	}
	if _, err := working.Publish(pctx, false); err != nil {
		return working, err
	}

	out, fnErr := s.invoke(payloads)
	if fnErr != nil {
		failed := &SER{
			StepIndex:        s.StepIndex,
			Status:           status.FAILED,
			DependentRecords: records,
			AccPayload:       payloads,
			Err:              UserStepError(fnErr).Error(),
		}
		return failed.Publish(pctx, false)
	}

	successful := &SER{
		StepIndex:        s.StepIndex,
		Status:           status.SUCCESSFUL,
		DependentRecords: records,
		AccPayload:       payloads,
		OutputPayload:    out,
	}
	return successful.Publish(pctx, finalStep)
}
