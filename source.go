package stepflow

import "context"

// Record is a user payload addressed by a stable string id. The engine
// treats Payload as opaque; only Id participates in bookkeeping.
type Record struct {
	Id      string
	Payload interface{}
}

// Source is the user-supplied record source: pump calls GetNext until it
// returns ok=false, the permanent end-of-stream signal. GetNext may block.
type Source interface {
	GetNext(ctx context.Context) (rec Record, ok bool, err error)
}

// SourceFunc adapts a plain function to Source, for sources that need no
// state beyond a closure.
type SourceFunc func(ctx context.Context) (Record, bool, error)

func (f SourceFunc) GetNext(ctx context.Context) (Record, bool, error) {
	return f(ctx)
}
