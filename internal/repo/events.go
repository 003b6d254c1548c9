package repo

import (
	"context"

	"approvald/internal/domain"
)

// ListEvents returns audit events for an entity in insertion order.
func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
