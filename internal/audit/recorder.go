package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ptw.org/internal/ids"
)

// Recorder stamps events with an id, a timestamp and the request id before
// handing them to a sink. Sink failures are logged and never returned, so an
// audit outage does not change the result of the audited operation.
type Recorder struct {
	sink Sink
	now  func() time.Time
	log  zerolog.Logger
}

// NewRecorder wraps sink; a nil sink discards events.
func NewRecorder(sink Sink, log zerolog.Logger) *Recorder {
	if sink == nil {
		sink = Discard
	}
	return &Recorder{sink: sink, now: time.Now, log: log}
}

// Record stamps ev and forwards it.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	now := r.now().UTC()
	if ev.ID == "" {
		ev.ID = ids.NewAt(now)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if err := r.sink.Record(ctx, ev); err != nil {
		r.log.Error().Err(err).Str("action", ev.Action).Str("resource_id", ev.ResourceID).Msg("audit record failed")
	}
}
