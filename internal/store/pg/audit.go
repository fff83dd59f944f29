package pg

import (
	"context"
	"encoding/json"

	"ptw.org/internal/audit"
)

func (s *Store) AppendAudit(ctx context.Context, ev audit.Event) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events (id, occurred_at, actor_id, actor_role, action, resource_type, resource_id,
			outcome, reason, request_id, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.OccurredAt.UTC(), ev.ActorID, ev.ActorRole, ev.Action, ev.ResourceType, ev.ResourceID,
		ev.Outcome, ev.Reason, ev.RequestID, string(raw))
	return err
}
