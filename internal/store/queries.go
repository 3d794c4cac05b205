package store

import (
	"context"
	"database/sql"

	"flowlens/internal/domain"
)

// InsertQuery adds a tracked traffic query. Blank timestamps are filled
// with the current time.
func (s *Store) InsertQuery(ctx context.Context, q domain.Query) error {
	if q.CreatedAt == "" {
		q.CreatedAt = s.now()
	}
	if q.LastUpdated == "" {
		q.LastUpdated = q.CreatedAt
	}
	if q.Status == "" {
		q.Status = domain.QueryCreated
	}
	return s.withTx(ctx, true, func(tx dbtx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO queries(id,name,status,created_at,completed_at,rules_status,rules_completed_at,raw_query,last_updated)
VALUES (?,?,?,?,?,?,?,?,?)`,
			q.ID, q.Name, q.Status, q.CreatedAt,
			nullableStringPtr(q.CompletedAt), nullableStringPtr(q.RulesStatus), nullableStringPtr(q.RulesCompletedAt),
			q.RawQuery, q.LastUpdated)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "query.created", "query", q.ID, map[string]any{"name": q.Name, "status": q.Status})
	})
}

// UpdateQueryStatus moves a query to status, stamping completed_at when
// the query reaches the completed state. rules_status is untouched.
func (s *Store) UpdateQueryStatus(ctx context.Context, id, status string) error {
	now := s.now()
	var completedAt any
	if status == domain.QueryCompleted {
		completedAt = now
	}
	return s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `UPDATE queries SET status=?, last_updated=?, completed_at=COALESCE(?,completed_at) WHERE id=?`,
			status, now, completedAt, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return s.appendEvent(ctx, tx, "query.status", "query", id, map[string]any{"status": status})
	})
}

// UpdateRulesStatus records secondary-phase progress. Only rules_status
// and rules_completed_at change; the primary status and completed_at
// columns are never written here.
func (s *Store) UpdateRulesStatus(ctx context.Context, id, rulesStatus string) error {
	now := s.now()
	var rulesCompletedAt any
	if rulesStatus == domain.RulesCompleted {
		rulesCompletedAt = now
	}
	return s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `UPDATE queries SET rules_status=?, last_updated=?, rules_completed_at=COALESCE(?,rules_completed_at) WHERE id=?`,
			rulesStatus, now, rulesCompletedAt, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return s.appendEvent(ctx, tx, "query.rules_status", "query", id, map[string]any{"rules_status": rulesStatus})
	})
}

// RekeyQuery replaces a placeholder id with the real remote id in one
// transaction. Any flows already attached follow the new id.
func (s *Store) RekeyQuery(ctx context.Context, oldID, newID string) error {
	return s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO queries(id,name,status,created_at,completed_at,rules_status,rules_completed_at,raw_query,last_updated)
SELECT ?,name,status,created_at,completed_at,rules_status,rules_completed_at,raw_query,? FROM queries WHERE id=?`,
			newID, s.now(), oldID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE flows SET query_id=? WHERE query_id=?`, newID, oldID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queries WHERE id=?`, oldID); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "query.rekeyed", "query", newID, map[string]any{"previous_id": oldID})
	})
}

// GetQuery returns one tracked query.
func (s *Store) GetQuery(ctx context.Context, id string) (domain.Query, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at,completed_at,rules_status,rules_completed_at,raw_query,last_updated FROM queries WHERE id=?`, id)
	return scanQuery(row)
}

func scanQuery(row *sql.Row) (domain.Query, error) {
	var q domain.Query
	var completedAt, rulesStatus, rulesCompletedAt sql.NullString
	err := row.Scan(&q.ID, &q.Name, &q.Status, &q.CreatedAt, &completedAt, &rulesStatus, &rulesCompletedAt, &q.RawQuery, &q.LastUpdated)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.CompletedAt = optionalString(completedAt)
	q.RulesStatus = optionalString(rulesStatus)
	q.RulesCompletedAt = optionalString(rulesCompletedAt)
	return q, nil
}

// ListQueries returns tracked queries newest first, optionally filtered
// by status.
func (s *Store) ListQueries(ctx context.Context, status string) ([]domain.Query, error) {
	q := `SELECT id,name,status,created_at,completed_at,rules_status,rules_completed_at,raw_query,last_updated FROM queries`
	var args []any
	if status != "" {
		q += " WHERE status=?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC, id DESC"
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Query
	for rows.Next() {
		var item domain.Query
		var completedAt, rulesStatus, rulesCompletedAt sql.NullString
		if err := rows.Scan(&item.ID, &item.Name, &item.Status, &item.CreatedAt, &completedAt, &rulesStatus, &rulesCompletedAt, &item.RawQuery, &item.LastUpdated); err != nil {
			return nil, err
		}
		item.CompletedAt = optionalString(completedAt)
		item.RulesStatus = optionalString(rulesStatus)
		item.RulesCompletedAt = optionalString(rulesCompletedAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteQuery removes a query; its flows cascade.
func (s *Store) DeleteQuery(ctx context.Context, id string) error {
	return s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM queries WHERE id=?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return s.appendEvent(ctx, tx, "query.deleted", "query", id, nil)
	})
}
