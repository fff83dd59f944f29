package audit

import "context"

// Appender persists audit events durably.
type Appender interface {
	AppendAudit(ctx context.Context, ev Event) error
}

// StoreSink writes events through an Appender.
type StoreSink struct {
	Store Appender
}

func (s StoreSink) Record(ctx context.Context, ev Event) error {
	return s.Store.AppendAudit(ctx, ev)
}
