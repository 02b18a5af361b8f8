package stepflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/flowforge/stepflow/internal/workerpool"
	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

// Controller is the top-level batch driver: it pumps records from the
// source, enforces concurrency, invokes the chain, handles end-of-input
// drain, and implements Run and Retry. It exclusively owns the chain, the
// status, and the persistence context for its lifetime.
type Controller struct {
	Name                  string
	concurrencyMultiplier int
	chain                 *Chain
	source                Source
	baseDir               string
	summaryDetailLimit    int

	mu            sync.Mutex
	pctx          *persistence.Context
	status        *BatchStatus
	pool          *workerpool.Pool
	maxConcurrent int
	// currentConcurrency counts records in flight: pulled from the source
	// (or re-injected by retry) but not yet finalized or failed. The drain
	// check compares it against the records parked in the chain, so it must
	// track records, not active workers; a parked record outlives the
	// worker that pumped it.
	currentConcurrency int
	stopRequested      bool
	finishedOnce       bool
	finishErr          error

	wg sync.WaitGroup
}

// Run executes a fresh batch: it opens a new run directory, launches
// pipeline-fan-in times concurrency-multiplier parallel pump workers, and
// blocks until the run reaches FINISHED_OK or FINISHED_ERR.
func (c *Controller) Run(ctx context.Context) error {
	c.maxConcurrent = c.chain.PipelineFanIn() * c.concurrencyMultiplier

	runDir := persistence.RunDirName(c.Name, string(status.RUN), now())
	pctx, err := persistence.Open(c.baseDir, runDir)
	if err != nil {
		return Wrap(ErrCodePersistence, err, "open persistence context")
	}

	pool, err := workerpool.New(c.maxConcurrent)
	if err != nil {
		pctx.Close()
		return Wrap(ErrCodeConfiguration, err, "create worker pool")
	}

	c.mu.Lock()
	c.pctx = pctx
	c.pool = pool
	c.status = NewBatchStatus(c.Name, status.RUN)
	c.stopRequested = false
	c.finishedOnce = false
	c.finishErr = nil
	c.currentConcurrency = 0
	c.mu.Unlock()
	defer pool.Release()

	if err := c.status.Start(pctx); err != nil {
		pctx.Close()
		return err
	}

	coreLogger.Info(ctx, "starting job %q, max_concurrent:%d", c.Name, c.maxConcurrent)

	c.wg.Add(c.maxConcurrent)
	for i := 0; i < c.maxConcurrent; i++ {
		c.submitPump(ctx)
	}
	c.wg.Wait()

	// Normally the last draining worker finishes the run. If every worker
	// slot was lost to failures before the source was exhausted (a FAILED
	// result never replenishes its slot), no worker remains to observe the
	// drain conditions: flush whatever is still parked and write the final
	// status snapshot here instead, so the run always terminates in a
	// FINISHED_* phase.
	if !c.status.CurrentPhase().Finished() {
		c.beginDrainingOnce(ctx)
		c.maybeForceTailAndFinish(ctx)
		c.mu.Lock()
		needFinish := !c.finishedOnce
		if needFinish {
			c.finishedOnce = true
		}
		c.mu.Unlock()
		if needFinish {
			c.finishRun(ctx)
		}
	}

	return c.finishErr
}

// Stop asks a running batch to stop accepting new records: the next pump
// worker to observe it transitions the batch to DRAINING exactly as source
// exhaustion would, without killing in-flight work.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
	coreLogger.Info(ctx, "stop requested for job %q", c.Name)
}

func (c *Controller) submitPump(ctx context.Context) {
	c.pool.Submit(func() (interface{}, error) {
		// The wg count must drop even if pump unwinds: a leaked count
		// would block Run's wg.Wait forever and the final status
		// snapshot would never be written.
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				coreLogger.Error(ctx, "panic in pump worker, job:%q, err:%v, stack:%v", c.Name, r, string(debug.Stack()))
			}
		}()
		c.pump(ctx)
		return nil, nil
	})
}

// pump is the per-record worker loop. Each call processes exactly one
// source pull and chain execution, then hands the accounting and refill
// decision to afterPumpAttempt.
func (c *Controller) pump(ctx context.Context) {
	if c.shouldStopInjecting(ctx) {
		c.afterPumpAttempt(ctx, 0, 0)
		return
	}

	rec, ok, err := c.source.GetNext(ctx)
	if err != nil {
		coreLogger.Error(ctx, "pump: source.get_next failed, job:%q, err:%v", c.Name, err)
		c.afterPumpAttempt(ctx, 0, 0)
		return
	}
	if !ok {
		c.beginDrainingOnce(ctx)
		c.afterPumpAttempt(ctx, 0, 0)
		return
	}

	// The record is in flight from this point until a terminal SER either
	// finalizes or fails it; the increment must precede the first await so
	// a concurrent drain check never undercounts it.
	c.mu.Lock()
	c.currentConcurrency++
	c.mu.Unlock()

	if perr := c.status.RecordLoaded(c.pctx, rec.Id, 1); perr != nil {
		coreLogger.Error(ctx, "pump: persist loaded counter failed, job:%q, record:%q, err:%v", c.Name, rec.Id, perr)
	}

	result, err := c.chain.Head(c.pctx, Bootstrap(rec.Id, rec.Payload))
	if err != nil {
		// A persistence failure mid-chain: the affected records are
		// counted failed and left durable for retry.
		n := 1
		if result != nil && len(result.DependentRecords) > 0 {
			n = len(result.DependentRecords)
		}
		coreLogger.Error(ctx, "pump: chain execution failed, job:%q, record:%q, err:%v", c.Name, rec.Id, err)
		if perr := c.status.RecordFailed(c.pctx, n); perr != nil {
			coreLogger.Error(ctx, "pump: persist failed counter failed, job:%q, err:%v", c.Name, perr)
		}
		c.afterPumpAttempt(ctx, 0, n)
		return
	}

	if !result.Status.Terminal() {
		// ACCUMULATING: the record is now parked in an aggregator; no
		// refill, it will be unparked by a later arrival or the drain.
		c.afterPumpAttempt(ctx, 0, 0)
		return
	}
	if result.Status == status.FAILED {
		n := len(result.DependentRecords)
		if perr := c.status.RecordFailed(c.pctx, n); perr != nil {
			coreLogger.Error(ctx, "pump: persist failed counter failed, job:%q, err:%v", c.Name, perr)
		}
		c.afterPumpAttempt(ctx, 0, n)
		return
	}
	c.afterPumpAttempt(ctx, len(result.DependentRecords), 0)
}

func (c *Controller) shouldStopInjecting(ctx context.Context) bool {
	c.mu.Lock()
	stop := c.stopRequested
	phase := c.status.CurrentPhase()
	c.mu.Unlock()

	if phase != status.INJECTING {
		return true
	}
	if stop {
		c.beginDrainingOnce(ctx)
		return true
	}
	return false
}

func (c *Controller) beginDrainingOnce(ctx context.Context) {
	c.mu.Lock()
	already := c.status.CurrentPhase() != status.INJECTING
	c.mu.Unlock()
	if already {
		return
	}
	if err := c.status.BeginDraining(c.pctx); err != nil {
		coreLogger.Error(ctx, "pump: persist draining phase failed, job:%q, err:%v", c.Name, err)
		return
	}
	coreLogger.Info(ctx, "job %q entering draining phase", c.Name)
}

// afterPumpAttempt closes out one pump call: finalized and failed records
// leave the in-flight window, and, only while still INJECTING, finalized
// fresh pump iterations are scheduled to keep the window at
// maxConcurrent. A FAILED batch's loss in concurrency is not replenished.
// Once DRAINING, no fresh pulls are scheduled; the drain-check logic in
// maybeForceTailAndFinish takes over instead.
func (c *Controller) afterPumpAttempt(ctx context.Context, finalized, failed int) {
	c.mu.Lock()
	c.currentConcurrency -= finalized + failed
	phase := c.status.CurrentPhase()
	toLaunch := 0
	if phase == status.INJECTING {
		toLaunch = finalized
	}
	c.mu.Unlock()

	if phase == status.DRAINING {
		c.maybeForceTailAndFinish(ctx)
	}

	if toLaunch > 0 {
		c.wg.Add(toLaunch)
		for i := 0; i < toLaunch; i++ {
			// Submitted from a fresh goroutine: pool.Submit blocks while
			// the pool is saturated, and this worker must be free to
			// return its own slot for the submission to proceed.
			go c.submitPump(ctx)
		}
	}
}

// maybeForceTailAndFinish is the drain check: once draining, a worker
// finishing its call checks whether every remaining in-flight record
// is now parked (records_in_chain() == current_concurrency) and under the
// chain's fan-in, and if so forces the tail to flush partial batches; once
// both the chain and the concurrency window are empty, it runs end-of-batch
// exactly once.
func (c *Controller) maybeForceTailAndFinish(ctx context.Context) {
	c.mu.Lock()
	recordsInChain := c.chain.RecordsInChain()
	fanIn := c.chain.PipelineFanIn()
	shouldForceTail := recordsInChain > 0 && recordsInChain < fanIn && recordsInChain == c.currentConcurrency
	c.mu.Unlock()

	if shouldForceTail {
		finalized, failed, err := c.chain.ForceTail(c.pctx)
		if err != nil {
			coreLogger.Error(ctx, "drain: force_tail failed, job:%q, err:%v", c.Name, err)
		}
		if failed > 0 {
			if perr := c.status.RecordFailed(c.pctx, failed); perr != nil {
				coreLogger.Error(ctx, "drain: persist failed counter failed, job:%q, err:%v", c.Name, perr)
			}
		}
		c.mu.Lock()
		c.currentConcurrency -= finalized + failed
		c.mu.Unlock()
	}

	c.mu.Lock()
	done := c.chain.RecordsInChain() == 0 && c.currentConcurrency == 0 && !c.finishedOnce
	if done {
		c.finishedOnce = true
	}
	c.mu.Unlock()

	if done {
		c.finishRun(ctx)
	}
}

func (c *Controller) finishRun(ctx context.Context) {
	if err := c.status.Finish(c.pctx); err != nil {
		coreLogger.Error(ctx, "finish: persist final status failed, job:%q, err:%v", c.Name, err)
		c.finishErr = err
	}

	snap := c.status.Snapshot()
	summaryPath := filepath.Join(c.pctx.Dir(), "execution-resume.json")
	if err := writeRunSummary(c.pctx, summaryPath, snap, c.summaryDetailLimit); err != nil {
		coreLogger.Error(ctx, "finish: write run summary failed, job:%q, err:%v", c.Name, err)
		if c.finishErr == nil {
			c.finishErr = err
		}
	}

	coreLogger.Info(ctx, "job %q finished, phase:%v, loaded:%d, failed:%d", c.Name, snap.Phase, snap.LoadedRecords, snap.FailedRecords)

	if err := c.pctx.Close(); err != nil {
		coreLogger.Error(ctx, "finish: close persistence context failed, job:%q, err:%v", c.Name, err)
	}
}

// Retry opens priorRunPath as a secondary, read-mostly persistence
// context, creates a fresh run directory, and replays only the work still
// in flight in the prior run. Recovery is two-phase: all recovered state
// is injected first, ascending by step index, and the chain is drained
// only afterward, so a step can never drain before all of its records
// have been reinjected.
func (c *Controller) Retry(ctx context.Context, priorRunPath string) error {
	c.maxConcurrent = c.chain.PipelineFanIn() * c.concurrencyMultiplier

	priorPctx, err := persistence.OpenExisting(priorRunPath)
	if err != nil {
		return Wrap(ErrCodePersistence, err, "open prior run directory")
	}
	defer priorPctx.Close()

	runDir := persistence.RunDirName(c.Name, string(status.RETRY), now())
	pctx, err := persistence.Open(c.baseDir, runDir)
	if err != nil {
		return Wrap(ErrCodePersistence, err, "open persistence context")
	}

	c.mu.Lock()
	c.pctx = pctx
	c.status = NewBatchStatus(c.Name, status.RETRY)
	c.currentConcurrency = 0
	c.finishedOnce = false
	c.finishErr = nil
	c.mu.Unlock()

	if err := c.status.Start(pctx); err != nil {
		pctx.Close()
		return err
	}

	coreLogger.Info(ctx, "retrying job %q from %q", c.Name, priorRunPath)

	if err := c.injectRecoveredState(ctx, priorPctx); err != nil {
		if ferr := c.status.Fail(c.pctx); ferr != nil {
			coreLogger.Error(ctx, "retry: persist failed phase failed, job:%q, err:%v", c.Name, ferr)
		}
		c.pctx.Close()
		return err
	}

	if err := c.status.BeginDraining(c.pctx); err != nil {
		c.pctx.Close()
		return err
	}

	finalized, failed, derr := c.chain.ForceTail(c.pctx)
	if derr != nil {
		coreLogger.Error(ctx, "retry: drain failed, job:%q, err:%v", c.Name, derr)
	}
	if failed > 0 {
		if perr := c.status.RecordFailed(c.pctx, failed); perr != nil {
			coreLogger.Error(ctx, "retry: persist failed counter failed, job:%q, err:%v", c.Name, perr)
		}
	}
	coreLogger.Info(ctx, "retry of job %q drained, finalized:%d, failed:%d", c.Name, finalized, failed)

	c.finishRun(ctx)
	return c.finishErr
}

// injectRecoveredState scans the prior run's records namespace once per
// step index, ascending (seeding deeper steps first could drain them
// before upstream records rejoin the flow), seeding
// each step's pending buffers with the checkpointed snapshot and counting
// the recovered records as loaded. Deduplication is by SER id, since a
// single checkpoint can be referenced by several record entries after a
// merge.
func (c *Controller) injectRecoveredState(ctx context.Context, priorPctx *persistence.Context) error {
	seen := make(map[string]bool)

	for i := 1; i <= c.chain.Length(); i++ {
		err := priorPctx.ScanRecords(func(id string, value []byte) error {
			var entry recordEntry
			if uerr := json.Unmarshal(value, &entry); uerr != nil {
				return Wrap(ErrCodePersistence, uerr, "unmarshal prior record entry")
			}
			if entry.StepIndex != i || seen[entry.SerId] {
				return nil
			}
			seen[entry.SerId] = true

			raw, found, gerr := priorPctx.GetStepFromDisk(entry.SerId)
			if gerr != nil {
				return Wrap(ErrCodePersistence, gerr, "read prior step snapshot")
			}
			if !found {
				coreLogger.Warn(ctx, "retry: no prior step snapshot, ser_id:%q, step_index:%d", entry.SerId, i)
				return nil
			}
			snapshot, perr := loadSERSnapshot(raw)
			if perr != nil {
				return perr
			}

			c.chain.InjectRecoveredState(i, snapshot)
			if lerr := c.status.RecordLoaded(c.pctx, "", len(snapshot.DependentRecords)); lerr != nil {
				return lerr
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
