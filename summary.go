package stepflow

import (
	"encoding/json"
	"os"

	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

// defaultSummaryDetailLimit bounds the run summary's enumerated detail
// list; above it the summary points at the raw database instead.
const defaultSummaryDetailLimit = 10000

// RecordDetail is one residual record's resume detail: where it is parked
// and the step snapshot it is waiting on.
type RecordDetail struct {
	RecordId  string           `json:"record_id"`
	StepIndex int              `json:"step_index"`
	SerId     string           `json:"ser_id"`
	Status    status.SERStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}

// RunSummary is the human-readable resume written once a run reaches
// FINISHED_OK or FINISHED_ERR.
type RunSummary struct {
	Phase             status.Phase   `json:"phase"`
	LoadedRecords     int            `json:"loaded_records"`
	FailedRecords     int            `json:"failed_records"`
	IncompleteRecords int            `json:"incomplete_records"`
	Details           []RecordDetail `json:"incomplete_records_details,omitempty"`
	DetailsTruncated  bool           `json:"details_truncated,omitempty"`
	DatabasePath      string         `json:"database_path,omitempty"`
}

// buildRunSummary scans pctx's records namespace for every entry still
// residual at run end and assembles the resume payload.
// detailLimit bounds the enumerated detail list; once the residual count
// exceeds it, the details are dropped in favor of a pointer at the raw
// store, so a pathologically large failed run doesn't serialize an
// unbounded JSON document.
func buildRunSummary(pctx *persistence.Context, snap StatusSnapshot, detailLimit int) (*RunSummary, error) {
	summary := &RunSummary{
		Phase:         snap.Phase,
		LoadedRecords: snap.LoadedRecords,
		FailedRecords: snap.FailedRecords,
	}

	count := 0
	err := pctx.ScanRecords(func(id string, value []byte) error {
		count++
		if count > detailLimit {
			return nil
		}
		var entry recordEntry
		if uerr := json.Unmarshal(value, &entry); uerr != nil {
			return Wrap(ErrCodePersistence, uerr, "unmarshal record entry during summary scan")
		}
		detail := RecordDetail{RecordId: id, StepIndex: entry.StepIndex, SerId: entry.SerId, Status: entry.Status}
		if raw, found := pctx.GetStep(entry.SerId); found {
			if ser, serr := loadSERSnapshot(raw); serr == nil {
				detail.Error = ser.Err
			}
		}
		summary.Details = append(summary.Details, detail)
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary.IncompleteRecords = count
	if count > detailLimit {
		summary.DetailsTruncated = true
		summary.DatabasePath = pctx.Dir()
		summary.Details = nil
	}
	return summary, nil
}

// writeRunSummary builds and writes the summary to path as JSON.
func writeRunSummary(pctx *persistence.Context, path string, snap StatusSnapshot, detailLimit int) error {
	if detailLimit <= 0 {
		detailLimit = defaultSummaryDetailLimit
	}
	summary, err := buildRunSummary(pctx, snap, detailLimit)
	if err != nil {
		return err
	}
	body, jerr := json.Marshal(summary)
	if jerr != nil {
		return Wrap(ErrCodePersistence, jerr, "marshal run summary")
	}
	if werr := os.WriteFile(path, body, 0o644); werr != nil {
		return Wrap(ErrCodePersistence, werr, "write run summary")
	}
	return nil
}
