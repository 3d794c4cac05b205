package store

import (
	"context"
	"encoding/json"
	"fmt"

	"flowlens/internal/domain"
)

// appendEvent records a lifecycle transition inside the transaction that
// performs it, so the log never disagrees with the tables.
func (s *Store) appendEvent(ctx context.Context, tx dbtx, evtType, entityKind, entityID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		s.now(), evtType, entityKind, entityID, string(data))
	return err
}

// ListEvents returns events for one entity, oldest first.
func (s *Store) ListEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
