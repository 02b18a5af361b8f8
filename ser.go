package stepflow

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/flowforge/stepflow/persistence"
	"github.com/flowforge/stepflow/status"
)

// SER is a Step Execution Result: the message exchanged between aggregator
// steps and the unit of checkpointing. An SER instance is mutable only up
// to its first publication; Publish assigns a fresh Id and
// from that point the snapshot recorded in persistence is immutable under
// that Id. A later republication (e.g. ACCUMULATING -> PROCESSING) is a new
// SER value with a new Id, not a mutation of the old row.
type SER struct {
	Id               string            `json:"id"`
	StepIndex        int               `json:"step_index"`
	Status           status.SERStatus  `json:"status"`
	DependentRecords []string          `json:"dependent_records"`
	AccPayload       []interface{}     `json:"acc_payload"`
	OutputPayload    interface{}       `json:"output_payload,omitempty"`
	Err              string            `json:"error,omitempty"`
}

// recordEntry is the records-namespace value: "where is this record
// parked?"
type recordEntry struct {
	StepIndex int              `json:"step_index"`
	SerId     string           `json:"ser_id"`
	Status    status.SERStatus `json:"status"`
}

// Bootstrap builds the step_index==0 SER the controller emits for every
// fresh record pulled from the source.
func Bootstrap(recordId string, payload interface{}) *SER {
	return &SER{
		StepIndex:        0,
		Status:           status.SUCCESSFUL,
		DependentRecords: []string{recordId},
		OutputPayload:    payload,
	}
}

// badInputSER synthesizes the FAILED SER an aggregator returns when it
// receives malformed input. It carries the incoming SER's dependent
// records so the controller can count them as failed and the
// checkpoint protocol can mark their rows FAILED for retry; the rejected
// input contributes nothing else.
func badInputSER(stepIndex int, dependents []string, reason string) *SER {
	return &SER{
		StepIndex:        stepIndex,
		Status:           status.FAILED,
		DependentRecords: dependents,
		Err:              BadInput(reason).Error(),
	}
}

// Publish runs the checkpoint protocol for this SER against ctx, mirroring
// every non-terminal publication durably so a crash can rehydrate exactly
// the in-flight work. finalStep reports whether stepIndex
// is the chain's last step, which determines whether a SUCCESSFUL
// publication finalizes its dependent records instead of parking them.
//
// Publish assigns a fresh Id, so the returned SER (the same pointer, for
// caller convenience) must be treated as the one this publication concerns;
// callers must not reuse pre-publish SER values once Publish returns.
func (s *SER) Publish(pctx *persistence.Context, finalStep bool) (*SER, error) {
	s.Id = uuid.New().String()

	finalizes := s.Status == status.SUCCESSFUL && finalStep

	if !finalizes {
		snapshot, err := json.Marshal(s)
		if err != nil {
			return s, Wrap(ErrCodePersistence, err, "marshal SER snapshot")
		}
		if err := pctx.PutStep(s.Id, snapshot); err != nil {
			return s, PersistenceError("put_step", err)
		}
	}

	for _, recId := range s.DependentRecords {
		priorRaw, hadPrior := pctx.GetRecord(recId)
		var prior recordEntry
		if hadPrior {
			_ = json.Unmarshal(priorRaw, &prior)
		}

		if finalizes {
			if err := pctx.DelRecord(recId); err != nil {
				return s, PersistenceError("del_record", err)
			}
			if hadPrior {
				if err := pctx.DelStep(prior.SerId); err != nil {
					return s, PersistenceError("del_step", err)
				}
			}
			continue
		}

		entry := recordEntry{StepIndex: s.StepIndex, SerId: s.Id, Status: s.Status}
		raw, err := json.Marshal(entry)
		if err != nil {
			return s, Wrap(ErrCodePersistence, err, "marshal record entry")
		}
		if err := pctx.PutRecord(recId, raw); err != nil {
			return s, PersistenceError("put_record", err)
		}
		if hadPrior {
			if err := pctx.DelStep(prior.SerId); err != nil {
				return s, PersistenceError("del_step", err)
			}
		}
	}

	return s, nil
}

// loadSERSnapshot deserializes a steps-namespace value back into an SER, used
// by retry when rehydrating a prior run's in-flight work.
func loadSERSnapshot(raw []byte) (*SER, error) {
	var s SER
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, Wrap(ErrCodePersistence, err, "unmarshal SER snapshot")
	}
	return &s, nil
}
