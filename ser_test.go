package stepflow

import (
	"testing"
	"time"

	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

func openTestContext(t *testing.T) *persistence.Context {
	t.Helper()
	dir := t.TempDir()
	name := persistence.RunDirName("t", "RUN", time.Now())
	pctx, err := persistence.Open(dir, name)
	if err != nil {
		t.Fatalf("persistence.Open() err: %v", err)
	}
	t.Cleanup(func() { pctx.Close() })
	return pctx
}

func TestSER_PublishNonTerminalCheckpointsStepAndRecord(t *testing.T) {
	pctx := openTestContext(t)

	ser := &SER{
		StepIndex:        1,
		Status:           status.ACCUMULATING,
		DependentRecords: []string{"rec-1"},
		AccPayload:       []interface{}{"a"},
	}
	published, err := ser.Publish(pctx, false)
	if err != nil {
		t.Fatalf("Publish() err: %v", err)
	}
	if published.Id == "" {
		t.Fatal("Publish() left Id empty")
	}

	if _, ok := pctx.GetStep(published.Id); !ok {
		t.Fatal("Publish() did not checkpoint the step snapshot")
	}
	if _, ok := pctx.GetRecord("rec-1"); !ok {
		t.Fatal("Publish() did not checkpoint the record entry")
	}
}

func TestSER_PublishSupersedesPriorStep(t *testing.T) {
	pctx := openTestContext(t)

	first := &SER{
		StepIndex:        1,
		Status:           status.ACCUMULATING,
		DependentRecords: []string{"rec-1"},
		AccPayload:       []interface{}{"a"},
	}
	first, err := first.Publish(pctx, false)
	if err != nil {
		t.Fatalf("first Publish() err: %v", err)
	}
	firstId := first.Id

	second := &SER{
		StepIndex:        1,
		Status:           status.PROCESSING,
		DependentRecords: []string{"rec-1"},
		AccPayload:       []interface{}{"a", "b"},
	}
	second, err = second.Publish(pctx, false)
	if err != nil {
		t.Fatalf("second Publish() err: %v", err)
	}

	if _, ok := pctx.GetStep(firstId); ok {
		t.Fatal("Publish() left the superseded step snapshot behind")
	}
	if _, ok := pctx.GetStep(second.Id); !ok {
		t.Fatal("Publish() did not checkpoint the new step snapshot")
	}
}

func TestSER_PublishTerminalFinalizes(t *testing.T) {
	pctx := openTestContext(t)

	parked := &SER{
		StepIndex:        1,
		Status:           status.ACCUMULATING,
		DependentRecords: []string{"rec-1", "rec-2"},
		AccPayload:       []interface{}{"a"},
	}
	parked, err := parked.Publish(pctx, false)
	if err != nil {
		t.Fatalf("Publish() err: %v", err)
	}

	terminal := &SER{
		StepIndex:        2,
		Status:           status.SUCCESSFUL,
		DependentRecords: []string{"rec-1", "rec-2"},
		OutputPayload:    "done",
	}
	if _, err := terminal.Publish(pctx, true); err != nil {
		t.Fatalf("terminal Publish() err: %v", err)
	}

	if _, ok := pctx.GetRecord("rec-1"); ok {
		t.Fatal("terminal Publish() did not finalize rec-1")
	}
	if _, ok := pctx.GetRecord("rec-2"); ok {
		t.Fatal("terminal Publish() did not finalize rec-2")
	}
	if _, ok := pctx.GetStep(parked.Id); ok {
		t.Fatal("terminal Publish() left the prior parked step snapshot behind")
	}
}

func TestSER_PublishNonTerminalSuccessfulIsNotFinalized(t *testing.T) {
	pctx := openTestContext(t)

	ser := &SER{
		StepIndex:        1,
		Status:           status.SUCCESSFUL,
		DependentRecords: []string{"rec-1"},
		OutputPayload:    "mid-chain",
	}
	published, err := ser.Publish(pctx, false)
	if err != nil {
		t.Fatalf("Publish() err: %v", err)
	}

	if _, ok := pctx.GetRecord("rec-1"); !ok {
		t.Fatal("non-final SUCCESSFUL Publish() finalized rec-1 prematurely")
	}
	if _, ok := pctx.GetStep(published.Id); !ok {
		t.Fatal("non-final SUCCESSFUL Publish() did not checkpoint its step")
	}
}

func TestBootstrap(t *testing.T) {
	ser := Bootstrap("rec-1", "payload")
	if ser.StepIndex != 0 {
		t.Fatalf("Bootstrap() step_index = %d, want 0", ser.StepIndex)
	}
	if ser.Status != status.SUCCESSFUL {
		t.Fatalf("Bootstrap() status = %v, want SUCCESSFUL", ser.Status)
	}
	if len(ser.DependentRecords) != 1 || ser.DependentRecords[0] != "rec-1" {
		t.Fatalf("Bootstrap() dependent_records = %v, want [rec-1]", ser.DependentRecords)
	}
	if ser.OutputPayload != "payload" {
		t.Fatalf("Bootstrap() output_payload = %v, want payload", ser.OutputPayload)
	}
}

func TestLoadSERSnapshotRoundTrip(t *testing.T) {
	pctx := openTestContext(t)

	ser := &SER{
		StepIndex:        1,
		Status:           status.ACCUMULATING,
		DependentRecords: []string{"rec-1"},
		AccPayload:       []interface{}{"a"},
	}
	published, err := ser.Publish(pctx, false)
	if err != nil {
		t.Fatalf("Publish() err: %v", err)
	}

	raw, ok := pctx.GetStep(published.Id)
	if !ok {
		t.Fatal("GetStep() did not find the published snapshot")
	}
	loaded, err := loadSERSnapshot(raw)
	if err != nil {
		t.Fatalf("loadSERSnapshot() err: %v", err)
	}
	if loaded.StepIndex != 1 || loaded.Status != status.ACCUMULATING || len(loaded.DependentRecords) != 1 {
		t.Fatalf("loadSERSnapshot() = %+v, want a round-tripped copy of the original", loaded)
	}
}
