package stepflow

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

// StatusSnapshot is the plain-value form of a batch's run metadata: the
// fields checkpointed on every counter update and reported by the run
// summary. A copy is safe to read without coordination.
type StatusSnapshot struct {
	Name          string          `json:"name"`
	ExecType      status.ExecType `json:"exec_type"`
	Phase         status.Phase    `json:"phase"`
	LoadedRecords int             `json:"loaded_records"`
	FailedRecords int             `json:"failed_records"`
	LastLoadedId  string          `json:"last_loaded_id"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time,omitempty"`
}

// BatchStatus is the in-memory, durably-checkpointed run metadata. All
// counter mutations go through persist, which writes every field with a
// single atomic multi-key write so the on-disk snapshot is never torn.
type BatchStatus struct {
	mu sync.Mutex
	StatusSnapshot
}

// NewBatchStatus builds a NOT_STARTED status for a fresh or retried run.
func NewBatchStatus(name string, execType status.ExecType) *BatchStatus {
	return &BatchStatus{StatusSnapshot: StatusSnapshot{Name: name, ExecType: execType, Phase: status.NOT_STARTED}}
}

const (
	statusKeyName          = "name"
	statusKeyExecType      = "exec_type"
	statusKeyPhase         = "phase"
	statusKeyLoadedRecords = "loaded_records"
	statusKeyFailedRecords = "failed_records"
	statusKeyLastLoadedId  = "last_loaded_id"
	statusKeyStartTime     = "start_time"
	statusKeyEndTime       = "end_time"
)

// persist writes every field of the status as one atomic multi-key
// transaction.
func (b *BatchStatus) persist(pctx *persistence.Context) error {
	b.mu.Lock()
	snapshot := b.StatusSnapshot
	b.mu.Unlock()

	kvs := map[string][]byte{
		statusKeyName:          []byte(snapshot.Name),
		statusKeyExecType:      []byte(snapshot.ExecType),
		statusKeyPhase:         []byte(snapshot.Phase),
		statusKeyLoadedRecords: []byte(itoa(snapshot.LoadedRecords)),
		statusKeyFailedRecords: []byte(itoa(snapshot.FailedRecords)),
		statusKeyLastLoadedId:  []byte(snapshot.LastLoadedId),
		statusKeyStartTime:     marshalTime(snapshot.StartTime),
		statusKeyEndTime:       marshalTime(snapshot.EndTime),
	}
	if err := pctx.PutManyStatus(kvs); err != nil {
		return PersistenceError("put_many_status", err)
	}
	return nil
}

// Start transitions NOT_STARTED -> INJECTING and persists the snapshot.
func (b *BatchStatus) Start(pctx *persistence.Context) error {
	b.mu.Lock()
	b.Phase = status.INJECTING
	b.StartTime = now()
	b.mu.Unlock()
	return b.persist(pctx)
}

// RecordLoaded increments the loaded-records counter and updates
// last_loaded_id, then persists. count is 1 per pulled record; retry
// passes the size of each recovered batch.
func (b *BatchStatus) RecordLoaded(pctx *persistence.Context, recordId string, count int) error {
	b.mu.Lock()
	b.LoadedRecords += count
	if recordId != "" {
		b.LastLoadedId = recordId
	}
	b.mu.Unlock()
	return b.persist(pctx)
}

// RecordFailed adds a terminal FAILED batch's dependent-record count to
// the failed counter and persists.
func (b *BatchStatus) RecordFailed(pctx *persistence.Context, count int) error {
	b.mu.Lock()
	b.FailedRecords += count
	b.mu.Unlock()
	return b.persist(pctx)
}

// BeginDraining transitions INJECTING -> DRAINING on source exhaustion.
func (b *BatchStatus) BeginDraining(pctx *persistence.Context) error {
	b.mu.Lock()
	b.Phase = status.DRAINING
	b.mu.Unlock()
	return b.persist(pctx)
}

// Finish transitions to FINISHED_OK or FINISHED_ERR depending on whether
// any records failed, stamps the end time, and persists.
func (b *BatchStatus) Finish(pctx *persistence.Context) error {
	b.mu.Lock()
	if b.FailedRecords == 0 {
		b.Phase = status.FINISHED_OK
	} else {
		b.Phase = status.FINISHED_ERR
	}
	b.EndTime = now()
	b.mu.Unlock()
	return b.persist(pctx)
}

// Fail transitions straight to FINISHED_ERR regardless of the counters,
// used when the run itself cannot proceed (the persistence context failed
// fatally) but a final status snapshot must still be attempted.
func (b *BatchStatus) Fail(pctx *persistence.Context) error {
	b.mu.Lock()
	b.Phase = status.FINISHED_ERR
	b.EndTime = now()
	b.mu.Unlock()
	return b.persist(pctx)
}

// Snapshot returns a copy safe for the caller to read without racing
// concurrent pump workers.
func (b *BatchStatus) Snapshot() StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.StatusSnapshot
}

// CurrentPhase returns the current phase.
func (b *BatchStatus) CurrentPhase() status.Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Phase
}

func itoa(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func marshalTime(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	raw, _ := t.MarshalText()
	return raw
}

// now is a seam so tests can observe deterministic timestamps if needed;
// production code always uses wall-clock time.
var now = time.Now
