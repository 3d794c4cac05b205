package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flowlens/internal/domain"
)

// InsertOperation adds a row to the async operation ledger. Blank
// timestamps are filled with the current time.
func (s *Store) InsertOperation(ctx context.Context, op domain.Operation) error {
	if op.CreatedAt == "" {
		op.CreatedAt = s.now()
	}
	if op.UpdatedAt == "" {
		op.UpdatedAt = op.CreatedAt
	}
	if op.Status == "" {
		op.Status = domain.OpCreated
	}
	return s.withTx(ctx, true, func(tx dbtx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO operations(id,kind,status,created_at,updated_at,completed_at,error_message,request_json,result_ref)
VALUES (?,?,?,?,?,?,?,?,?)`,
			op.ID, op.Kind, op.Status, op.CreatedAt, op.UpdatedAt,
			nullableStringPtr(op.CompletedAt), nullableStringPtr(op.ErrorMessage), op.RequestJSON, nullableStringPtr(op.ResultRef))
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "operation.created", "operation", op.ID, map[string]any{"kind": op.Kind, "status": op.Status})
	})
}

// UpdateOperationStatus moves an operation to status, stamping
// completed_at on terminal statuses and recording errMsg when set.
func (s *Store) UpdateOperationStatus(ctx context.Context, id, status string, errMsg *string) error {
	now := s.now()
	var completedAt any
	if status == domain.OpCompleted || status == domain.OpFailed {
		completedAt = now
	}
	return s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, updated_at=?, completed_at=COALESCE(?,completed_at), error_message=COALESCE(?,error_message) WHERE id=?`,
			status, now, completedAt, nullableStringPtr(errMsg), id)
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
		return s.appendEvent(ctx, tx, "operation.status", "operation", id, map[string]any{"status": status})
	})
}

// RekeyOperation replaces a placeholder id with the real remote id. The
// copy and delete run in one transaction so no reader sees both rows.
func (s *Store) RekeyOperation(ctx context.Context, oldID, newID string) error {
	return s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO operations(id,kind,status,created_at,updated_at,completed_at,error_message,request_json,result_ref)
SELECT ?,kind,status,created_at,?,completed_at,error_message,request_json,result_ref FROM operations WHERE id=?`,
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, oldID); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "operation.rekeyed", "operation", newID, map[string]any{"previous_id": oldID})
	})
}

// GetOperation returns one ledger row.
func (s *Store) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,kind,status,created_at,updated_at,completed_at,error_message,request_json,result_ref FROM operations WHERE id=?`, id)
	return scanOperation(row)
}

func scanOperation(row *sql.Row) (domain.Operation, error) {
	var op domain.Operation
	var completedAt, errMsg, resultRef sql.NullString
	err := row.Scan(&op.ID, &op.Kind, &op.Status, &op.CreatedAt, &op.UpdatedAt, &completedAt, &errMsg, &op.RequestJSON, &resultRef)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	op.CompletedAt = optionalString(completedAt)
	op.ErrorMessage = optionalString(errMsg)
	op.ResultRef = optionalString(resultRef)
	return op, nil
}

// OperationFilter narrows ListOperations; zero fields match everything.
type OperationFilter struct {
	Kind   string
	Status string
}

// ListOperations returns ledger rows newest first.
func (s *Store) ListOperations(ctx context.Context, f OperationFilter) ([]domain.Operation, error) {
	q := `SELECT id,kind,status,created_at,updated_at,completed_at,error_message,request_json,result_ref FROM operations`
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY created_at DESC, id DESC"
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Operation
	for rows.Next() {
		var op domain.Operation
		var completedAt, errMsg, resultRef sql.NullString
		if err := rows.Scan(&op.ID, &op.Kind, &op.Status, &op.CreatedAt, &op.UpdatedAt, &completedAt, &errMsg, &op.RequestJSON, &resultRef); err != nil {
			return nil, err
		}
		op.CompletedAt = optionalString(completedAt)
		op.ErrorMessage = optionalString(errMsg)
		op.ResultRef = optionalString(resultRef)
		out = append(out, op)
	}
	return out, rows.Err()
}

// CleanupOperations deletes terminal ledger rows older than cutoff and
// returns how many were removed.
func (s *Store) CleanupOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, true, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE status IN (?,?) AND created_at < ?`,
			domain.OpCompleted, domain.OpFailed, cutoff.UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "operations.cleanup", "operation", "*", map[string]any{"removed": removed, "cutoff": cutoff.UTC().Format(time.RFC3339)})
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup operations: %w", err)
	}
	return removed, nil
}
