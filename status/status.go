// Package status defines the small closed vocabularies used across the
// engine: the status of a single Step Execution Result and the phase of a
// batch run.
package status

// SERStatus is the status of one Step Execution Result publication.
type SERStatus string

const (
	// ACCUMULATING an aggregator buffered the payload but has not yet
	// reached its aggregation quantity.
	ACCUMULATING SERStatus = "ACCUMULATING"
	// PROCESSING the user step function has been invoked and has not
	// yet returned.
	PROCESSING SERStatus = "PROCESSING"
	// SUCCESSFUL the user step function returned without error.
	SUCCESSFUL SERStatus = "SUCCESSFUL"
	// FAILED the step rejected malformed input or the user step
	// function returned an error.
	FAILED SERStatus = "FAILED"
)

// Terminal reports whether the status represents a completed publication
// (no further checkpoints will follow for the same id).
func (s SERStatus) Terminal() bool {
	return s == SUCCESSFUL || s == FAILED
}

// ExecType distinguishes a fresh run from a retry of a prior run.
type ExecType string

const (
	RUN   ExecType = "RUN"
	RETRY ExecType = "RETRY"
)

// Phase is the lifecycle phase of a Batch Job.
type Phase string

const (
	NOT_STARTED  Phase = "NOT_STARTED"
	INJECTING    Phase = "INJECTING"
	DRAINING     Phase = "DRAINING"
	FINISHED_OK  Phase = "FINISHED_OK"
	FINISHED_ERR Phase = "FINISHED_ERR"
)

// Finished reports whether the phase is one of the two terminal phases.
func (p Phase) Finished() bool {
	return p == FINISHED_OK || p == FINISHED_ERR
}
