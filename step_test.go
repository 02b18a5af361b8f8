package stepflow

import (
	"errors"
	"testing"

	"github.com/flowforge/stepflow/status"
)

func TestStep_AccumulatesUntilQuantityReached(t *testing.T) {
	pctx := openTestContext(t)

	var calls int
	step := NewStep("sum", 3, func(acc []interface{}) (interface{}, error) {
		calls++
		return len(acc), nil
	})

	ser1, err := step.Execute(pctx, Bootstrap("rec-1", "a"), true)
	if err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if ser1.Status != status.ACCUMULATING {
		t.Fatalf("after 1/3: status = %v, want ACCUMULATING", ser1.Status)
	}

	ser2, err := step.Execute(pctx, Bootstrap("rec-2", "b"), true)
	if err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if ser2.Status != status.ACCUMULATING {
		t.Fatalf("after 2/3: status = %v, want ACCUMULATING", ser2.Status)
	}
	if calls != 0 {
		t.Fatalf("user fn invoked before quantity reached, calls=%d", calls)
	}

	ser3, err := step.Execute(pctx, Bootstrap("rec-3", "c"), true)
	if err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if ser3.Status != status.SUCCESSFUL {
		t.Fatalf("after 3/3: status = %v, want SUCCESSFUL", ser3.Status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
	if len(ser3.DependentRecords) != 3 {
		t.Fatalf("dependent_records = %v, want 3 entries", ser3.DependentRecords)
	}
}

func TestStep_ClearsBuffersBeforeNextBatch(t *testing.T) {
	pctx := openTestContext(t)

	step := NewStep("id", 1, func(acc []interface{}) (interface{}, error) {
		return acc[0], nil
	})

	if _, err := step.Execute(pctx, Bootstrap("rec-1", "a"), true); err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if n := step.pendingLen(); n != 0 {
		t.Fatalf("pendingLen() after dispatch = %d, want 0", n)
	}
}

func TestStep_UserFnErrorProducesFailed(t *testing.T) {
	pctx := openTestContext(t)

	boom := errors.New("boom")
	step := NewStep("fails", 1, func(acc []interface{}) (interface{}, error) {
		return nil, boom
	})

	ser, err := step.Execute(pctx, Bootstrap("rec-1", "a"), true)
	if err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if ser.Status != status.FAILED {
		t.Fatalf("status = %v, want FAILED", ser.Status)
	}
	if ser.Err == "" {
		t.Fatal("FAILED SER has no error attached")
	}
}

func TestStep_UserFnPanicProducesFailed(t *testing.T) {
	pctx := openTestContext(t)

	step := NewStep("panics", 1, func(acc []interface{}) (interface{}, error) {
		panic("kaboom")
	})

	ser, err := step.Execute(pctx, Bootstrap("rec-1", "a"), true)
	if err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if ser.Status != status.FAILED {
		t.Fatalf("status = %v, want FAILED", ser.Status)
	}
	if ser.Err == "" {
		t.Fatal("FAILED SER has no error attached")
	}
	if n := step.pendingLen(); n != 0 {
		t.Fatalf("pendingLen() after panic = %d, want 0", n)
	}
}

func TestStep_MalformedInputProducesBadInput(t *testing.T) {
	pctx := openTestContext(t)

	step := NewStep("any", 1, func(acc []interface{}) (interface{}, error) {
		return nil, nil
	})

	malformed := &SER{StepIndex: 0, Status: status.FAILED}
	ser, err := step.Execute(pctx, malformed, true)
	if err != nil {
		t.Fatalf("Execute() err: %v", err)
	}
	if ser.Status != status.FAILED {
		t.Fatalf("status = %v, want FAILED (bad input)", ser.Status)
	}
}

func TestStep_DrainFlushesUnderQuotaBatch(t *testing.T) {
	pctx := openTestContext(t)

	step := NewStep("batch5", 5, func(acc []interface{}) (interface{}, error) {
		return len(acc), nil
	})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := step.Execute(pctx, Bootstrap(id, id), true); err != nil {
			t.Fatalf("Execute() err: %v", err)
		}
	}
	if n := step.pendingLen(); n != 3 {
		t.Fatalf("pendingLen() before drain = %d, want 3", n)
	}

	result, flushed, err := step.drain(pctx, true)
	if err != nil {
		t.Fatalf("drain() err: %v", err)
	}
	if !flushed {
		t.Fatal("drain() reported nothing flushed")
	}
	if result.Status != status.SUCCESSFUL || result.OutputPayload != 3 {
		t.Fatalf("drain() result = %+v, want SUCCESSFUL output=3", result)
	}
	if n := step.pendingLen(); n != 0 {
		t.Fatalf("pendingLen() after drain = %d, want 0", n)
	}

	_, flushed, err = step.drain(pctx, true)
	if err != nil {
		t.Fatalf("second drain() err: %v", err)
	}
	if flushed {
		t.Fatal("drain() on empty buffers reported a flush")
	}
}
