package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/sqlutil"
	"github.com/arkilian/rollup/pkg/types"
)

// SQLiteStore implements Backend on a SQLite database.
type SQLiteStore struct {
	db   *sqlutil.DB
	opts Options
	mu   sync.Mutex // Write-only lock (reads don't need this)
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the aggregate database at dbPath.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	db, err := sqlutil.Open(dbPath, AllSchemaSQL())
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts, now: time.Now}, nil
}

// Get returns the aggregate of customerID.
func (s *SQLiteStore) Get(ctx context.Context, customerID string) (types.CustomerAggregate, error) {
	agg := types.CustomerAggregate{CustomerID: customerID}

	var total, seq, updated int64
	err := s.db.Read.QueryRowContext(ctx,
		"SELECT total_spent, last_applied_sequence, updated_at FROM customer_aggregates WHERE customer_id = ?",
		customerID,
	).Scan(&total, &seq, &updated)
	if err == sql.ErrNoRows {
		return agg, nil
	}
	if err != nil {
		return agg, sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to get aggregate", err)
	}

	agg.TotalSpent = types.Amount(total)
	agg.LastAppliedSequence = uint64(seq)
	agg.UpdatedAt = time.UnixMilli(updated).UTC()
	return agg, nil
}

// ApplyDelta adds delta to the customer's total if sequence is newer than
// the last applied one.
func (s *SQLiteStore) ApplyDelta(ctx context.Context, customerID string, delta types.Amount, sequence uint64) (bool, error) {
	if sequence == 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	if s.opts.RequireExisting {
		res, err := s.db.Write.ExecContext(ctx, `
			UPDATE customer_aggregates
			SET total_spent = total_spent + ?, last_applied_sequence = ?, updated_at = ?
			WHERE customer_id = ? AND last_applied_sequence < ?`,
			delta.Cents(), int64(sequence), now, customerID, int64(sequence))
		return s.guardedResult(ctx, customerID, res, err, "aggregate: failed to apply delta")
	}

	res, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO customer_aggregates (customer_id, total_spent, last_applied_sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			total_spent = customer_aggregates.total_spent + excluded.total_spent,
			last_applied_sequence = excluded.last_applied_sequence,
			updated_at = excluded.updated_at
		WHERE excluded.last_applied_sequence > customer_aggregates.last_applied_sequence`,
		customerID, delta.Cents(), int64(sequence), now)
	return s.guardedResult(ctx, customerID, res, err, "aggregate: failed to apply delta")
}

// Set overwrites the customer's total if sequence is not older than the last
// applied one.
func (s *SQLiteStore) Set(ctx context.Context, customerID string, total types.Amount, sequence uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	if s.opts.RequireExisting {
		res, err := s.db.Write.ExecContext(ctx, `
			UPDATE customer_aggregates
			SET total_spent = ?, last_applied_sequence = ?, updated_at = ?
			WHERE customer_id = ? AND last_applied_sequence <= ?`,
			total.Cents(), int64(sequence), now, customerID, int64(sequence))
		return s.guardedResult(ctx, customerID, res, err, "aggregate: failed to set total")
	}

	res, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO customer_aggregates (customer_id, total_spent, last_applied_sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			total_spent = excluded.total_spent,
			last_applied_sequence = excluded.last_applied_sequence,
			updated_at = excluded.updated_at
		WHERE excluded.last_applied_sequence >= customer_aggregates.last_applied_sequence`,
		customerID, total.Cents(), int64(sequence), now)
	return s.guardedResult(ctx, customerID, res, err, "aggregate: failed to set total")
}

// guardedResult interprets the result of a guarded write. Must be called
// with s.mu held.
func (s *SQLiteStore) guardedResult(ctx context.Context, customerID string, res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, sqlutil.Classify(rerrors.ErrCategoryStorage, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sqlutil.Classify(rerrors.ErrCategoryStorage, op, err)
	}
	if n > 0 {
		return true, nil
	}
	if !s.opts.RequireExisting {
		return false, nil
	}

	var exists int
	err = s.db.Write.QueryRowContext(ctx,
		"SELECT 1 FROM customer_aggregates WHERE customer_id = ?", customerID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, rerrors.NewStorageError(rerrors.CodeNotFound,
			fmt.Sprintf("aggregate: no aggregate for customer %s", customerID), nil)
	}
	if err != nil {
		return false, sqlutil.Classify(rerrors.ErrCategoryStorage, op, err)
	}
	return false, nil
}

// Create inserts an empty aggregate for customerID if none exists.
func (s *SQLiteStore) Create(ctx context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO customer_aggregates (customer_id, total_spent, last_applied_sequence, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(customer_id) DO NOTHING`,
		customerID, s.now().UnixMilli())
	return sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to create aggregate", err)
}

// List returns aggregates after the given customer in customer_id order.
func (s *SQLiteStore) List(ctx context.Context, after string, limit int) ([]types.CustomerAggregate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT customer_id, total_spent, last_applied_sequence, updated_at
		FROM customer_aggregates
		WHERE customer_id > ?
		ORDER BY customer_id
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to list aggregates", err)
	}
	defer rows.Close()

	var out []types.CustomerAggregate
	for rows.Next() {
		var agg types.CustomerAggregate
		var total, seq, updated int64
		if err := rows.Scan(&agg.CustomerID, &total, &seq, &updated); err != nil {
			return nil, fmt.Errorf("aggregate: failed to scan aggregate: %w", err)
		}
		agg.TotalSpent = types.Amount(total)
		agg.LastAppliedSequence = uint64(seq)
		agg.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: error iterating aggregates", err)
	}
	return out, nil
}

// LoadCheckpoint returns the saved sequence for name.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, name string) (uint64, error) {
	var seq int64
	err := s.db.Read.QueryRowContext(ctx,
		"SELECT sequence FROM maintainer_checkpoints WHERE name = ?", name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to load checkpoint", err)
	}
	return uint64(seq), nil
}

// SaveCheckpoint advances the checkpoint for name.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, name string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO maintainer_checkpoints (name, sequence, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			sequence = excluded.sequence,
			updated_at = excluded.updated_at
		WHERE excluded.sequence > maintainer_checkpoints.sequence`,
		name, int64(sequence), s.now().UnixMilli())
	return sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to save checkpoint", err)
}

// LoadCursor returns the saved cursor for name.
func (s *SQLiteStore) LoadCursor(ctx context.Context, name string) (string, error) {
	var customerID string
	err := s.db.Read.QueryRowContext(ctx,
		"SELECT customer_id FROM audit_cursors WHERE name = ?", name).Scan(&customerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to load cursor", err)
	}
	return customerID, nil
}

// SaveCursor stores or, for an empty customerID, clears the cursor for name.
func (s *SQLiteStore) SaveCursor(ctx context.Context, name, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if customerID == "" {
		_, err = s.db.Write.ExecContext(ctx, "DELETE FROM audit_cursors WHERE name = ?", name)
	} else {
		_, err = s.db.Write.ExecContext(ctx, `
			INSERT INTO audit_cursors (name, customer_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				customer_id = excluded.customer_id,
				updated_at = excluded.updated_at`,
			name, customerID, s.now().UnixMilli())
	}
	return sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to save cursor", err)
}

// RecordDiscrepancy appends d to the discrepancy history.
func (s *SQLiteStore) RecordDiscrepancy(ctx context.Context, d types.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	corrected := 0
	if d.Corrected {
		corrected = 1
	}
	_, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO discrepancies (customer_id, stored, recomputed, sequence, corrected, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.CustomerID, d.Stored.Cents(), d.Recomputed.Cents(), int64(d.Sequence), corrected, d.DetectedAt.UnixMilli())
	return sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to record discrepancy", err)
}

// ListDiscrepancies returns the most recent discrepancies first.
func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, limit int) ([]types.Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT customer_id, stored, recomputed, sequence, corrected, detected_at
		FROM discrepancies
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, sqlutil.Classify(rerrors.ErrCategoryStorage, "aggregate: failed to list discrepancies", err)
	}
	defer rows.Close()

	var out []types.Discrepancy
	for rows.Next() {
		var d types.Discrepancy
		var stored, recomputed, seq, corrected, detected int64
		if err := rows.Scan(&d.CustomerID, &stored, &recomputed, &seq, &corrected, &detected); err != nil {
			return nil, fmt.Errorf("aggregate: failed to scan discrepancy: %w", err)
		}
		d.Stored = types.Amount(stored)
		d.Recomputed = types.Amount(recomputed)
		d.Sequence = uint64(seq)
		d.Corrected = corrected == 1
		d.DetectedAt = time.UnixMilli(detected).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the database connections.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
