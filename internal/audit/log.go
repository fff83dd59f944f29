package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes each event as one structured log line.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Record(_ context.Context, ev Event) error {
	e := s.Logger.Info().
		Str("type", "audit").
		Str("event_id", ev.ID).
		Time("occurred_at", ev.OccurredAt).
		Str("action", ev.Action).
		Str("outcome", ev.Outcome)
	if ev.ActorID != "" {
		e = e.Str("actor_id", ev.ActorID).Str("actor_role", ev.ActorRole)
	}
	if ev.ResourceID != "" {
		e = e.Str("resource_type", ev.ResourceType).Str("resource_id", ev.ResourceID)
	}
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	if ev.RequestID != "" {
		e = e.Str("request_id", ev.RequestID)
	}
	if len(ev.Metadata) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.Metadata {
			d = d.Str(k, v)
		}
		e = e.Dict("metadata", d)
	}
	e.Msg("audit")
	return nil
}
