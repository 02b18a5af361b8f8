package stepflow

import (
	"testing"

	"github.com/flowforge/stepflow/status"
)

func TestChain_PipelineFanIn(t *testing.T) {
	c := newChain([]*Step{
		NewStep("a", 2, nil),
		NewStep("b", 3, nil),
		NewStep("c", 1, nil),
	})
	if got := c.PipelineFanIn(); got != 6 {
		t.Fatalf("PipelineFanIn() = %d, want 6", got)
	}
	if got := c.Length(); got != 3 {
		t.Fatalf("Length() = %d, want 3", got)
	}
}

func TestChain_StraightThrough(t *testing.T) {
	pctx := openTestContext(t)

	var firstCalls, secondCalls int
	c := newChain([]*Step{
		NewStep("double", 1, func(acc []interface{}) (interface{}, error) {
			firstCalls++
			return acc[0].(int) * 2, nil
		}),
		NewStep("increment", 1, func(acc []interface{}) (interface{}, error) {
			secondCalls++
			return acc[0].(int) + 1, nil
		}),
	})

	result, err := c.Head(pctx, Bootstrap("rec-1", 5))
	if err != nil {
		t.Fatalf("Head() err: %v", err)
	}
	if result.Status != status.SUCCESSFUL {
		t.Fatalf("result status = %v, want SUCCESSFUL", result.Status)
	}
	if result.OutputPayload != 11 {
		t.Fatalf("result output_payload = %v, want 11", result.OutputPayload)
	}
	if firstCalls != 1 || secondCalls != 1 {
		t.Fatalf("calls = (%d, %d), want (1, 1)", firstCalls, secondCalls)
	}
	if _, ok := pctx.GetRecord("rec-1"); ok {
		t.Fatal("terminal success left rec-1 in the records namespace")
	}
}

func TestChain_AggregationAcrossTwoRecords(t *testing.T) {
	pctx := openTestContext(t)

	var calls int
	c := newChain([]*Step{
		NewStep("batch2", 2, func(acc []interface{}) (interface{}, error) {
			calls++
			return len(acc), nil
		}),
	})

	ser1, err := c.Head(pctx, Bootstrap("rec-1", "a"))
	if err != nil {
		t.Fatalf("Head() err: %v", err)
	}
	if ser1.Status != status.ACCUMULATING {
		t.Fatalf("ser1 status = %v, want ACCUMULATING", ser1.Status)
	}

	ser2, err := c.Head(pctx, Bootstrap("rec-2", "b"))
	if err != nil {
		t.Fatalf("Head() err: %v", err)
	}
	if ser2.Status != status.SUCCESSFUL {
		t.Fatalf("ser2 status = %v, want SUCCESSFUL", ser2.Status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestChain_FailurePropagatesWithoutCallingSuccessor(t *testing.T) {
	pctx := openTestContext(t)

	var secondCalls int
	c := newChain([]*Step{
		NewStep("fails", 1, func(acc []interface{}) (interface{}, error) {
			return nil, errBoom
		}),
		NewStep("never", 1, func(acc []interface{}) (interface{}, error) {
			secondCalls++
			return acc[0], nil
		}),
	})

	result, err := c.Head(pctx, Bootstrap("rec-1", "x"))
	if err != nil {
		t.Fatalf("Head() err: %v", err)
	}
	if result.Status != status.FAILED {
		t.Fatalf("status = %v, want FAILED", result.Status)
	}
	if secondCalls != 0 {
		t.Fatalf("successor invoked after upstream failure, calls=%d", secondCalls)
	}
}

func TestChain_ForceTailFlushesUnderQuotaTail(t *testing.T) {
	pctx := openTestContext(t)

	var calls int
	c := newChain([]*Step{
		NewStep("batch5", 5, func(acc []interface{}) (interface{}, error) {
			calls++
			return len(acc), nil
		}),
	})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.Head(pctx, Bootstrap(id, id)); err != nil {
			t.Fatalf("Head() err: %v", err)
		}
	}
	if got := c.RecordsInChain(); got != 3 {
		t.Fatalf("RecordsInChain() = %d, want 3", got)
	}

	finalized, failed, err := c.ForceTail(pctx)
	if err != nil {
		t.Fatalf("ForceTail() err: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 drain call", calls)
	}
	if got := c.RecordsInChain(); got != 0 {
		t.Fatalf("RecordsInChain() after drain = %d, want 0", got)
	}
	if finalized != 3 || failed != 0 {
		t.Fatalf("ForceTail() = (%d, %d), want (3, 0)", finalized, failed)
	}
}

func TestChain_ForceTailReportsFailures(t *testing.T) {
	pctx := openTestContext(t)

	c := newChain([]*Step{
		NewStep("fails", 5, func(acc []interface{}) (interface{}, error) {
			return nil, errBoom
		}),
	})

	for _, id := range []string{"a", "b"} {
		if _, err := c.Head(pctx, Bootstrap(id, id)); err != nil {
			t.Fatalf("Head() err: %v", err)
		}
	}

	finalized, failed, err := c.ForceTail(pctx)
	if err != nil {
		t.Fatalf("ForceTail() err: %v", err)
	}
	if finalized != 0 || failed != 2 {
		t.Fatalf("ForceTail() = (%d, %d), want (0, 2)", finalized, failed)
	}
}

var errBoom = &batchErr{code: ErrCodeUserStep, msg: "boom"}
