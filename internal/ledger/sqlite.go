package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/internal/sqlutil"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/mattn/go-sqlite3"
)

// SQLiteLedger implements Ledger on a SQLite database.
type SQLiteLedger struct {
	db       *sqlutil.DB
	notifier *router.Notifier
	pageSize int
	mu       sync.Mutex // Write-only lock; serializes commits so sequence order is commit order
	now      func() time.Time
}

// NewSQLiteLedger opens (creating if needed) the ledger database. notifier
// may be nil.
func NewSQLiteLedger(dbPath string, notifier *router.Notifier) (*SQLiteLedger, error) {
	db, err := sqlutil.Open(dbPath, AllSchemaSQL())
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return &SQLiteLedger{db: db, notifier: notifier, pageSize: DefaultPageSize, now: time.Now}, nil
}

// SetPageSize sets the page size of streams returned by StreamMutations.
func (l *SQLiteLedger) SetPageSize(n int) {
	if n > 0 {
		l.pageSize = n
	}
}

func (l *SQLiteLedger) classify(op string, err error) error {
	return sqlutil.Classify(rerrors.ErrCategoryLedger, op, err)
}

// QueryOrders returns the customer's orders and the sequence they reflect.
func (l *SQLiteLedger) QueryOrders(ctx context.Context, customerID string) ([]types.OrderFact, uint64, error) {
	tx, err := l.db.Read.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, l.classify("ledger: failed to begin read transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT order_id, customer_id, amount, status, created_at, updated_at
		FROM orders WHERE customer_id = ? ORDER BY order_id`, customerID)
	if err != nil {
		return nil, 0, l.classify("ledger: failed to query orders", err)
	}
	var facts []types.OrderFact
	for rows.Next() {
		var f types.OrderFact
		var amount, created, updated int64
		var status string
		if err := rows.Scan(&f.OrderID, &f.CustomerID, &amount, &status, &created, &updated); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("ledger: failed to scan order: %w", err)
		}
		f.Amount = types.Amount(amount)
		f.Status = types.OrderStatus(status)
		f.CreatedAt = time.UnixMilli(created).UTC()
		f.UpdatedAt = time.UnixMilli(updated).UTC()
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, l.classify("ledger: error iterating orders", err)
	}
	rows.Close()

	asOf, err := latestSequence(ctx, tx)
	if err != nil {
		return nil, 0, l.classify("ledger: failed to read sequence", err)
	}
	return facts, asOf, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func latestSequence(ctx context.Context, q queryRower) (uint64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM mutations").Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// StreamMutations streams mutations after since.
func (l *SQLiteLedger) StreamMutations(ctx context.Context, since uint64) *Stream {
	return NewStream(ctx, since, l.pageSize, l.mutationsPage)
}

func (l *SQLiteLedger) mutationsPage(ctx context.Context, after uint64, limit int) ([]types.MutationEvent, error) {
	rows, err := l.db.Read.QueryContext(ctx, `
		SELECT sequence, kind, order_id, customer_id, old_amount, old_status, new_amount, new_status, committed_at
		FROM mutations WHERE sequence > ? ORDER BY sequence LIMIT ?`, int64(after), limit)
	if err != nil {
		return nil, l.classify("ledger: failed to read mutations", err)
	}
	defer rows.Close()

	var page []types.MutationEvent
	for rows.Next() {
		var ev types.MutationEvent
		var seq, committed int64
		var kind string
		var oldAmount, newAmount sql.NullInt64
		var oldStatus, newStatus sql.NullString
		if err := rows.Scan(&seq, &kind, &ev.OrderID, &ev.CustomerID,
			&oldAmount, &oldStatus, &newAmount, &newStatus, &committed); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan mutation: %w", err)
		}
		// Content is passed through as stored; the maintainer decides what
		// is malformed.
		ev.Sequence = uint64(seq)
		ev.Kind = types.MutationKind(kind)
		ev.Old = nullableState(oldAmount, oldStatus)
		ev.New = nullableState(newAmount, newStatus)
		ev.CommittedAt = time.UnixMilli(committed).UTC()
		page = append(page, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, l.classify("ledger: error iterating mutations", err)
	}
	return page, nil
}

func nullableState(amount sql.NullInt64, status sql.NullString) *types.OrderState {
	if !amount.Valid && !status.Valid {
		return nil
	}
	return &types.OrderState{Amount: types.Amount(amount.Int64), Status: types.OrderStatus(status.String)}
}

// LatestSequence returns the highest committed sequence.
func (l *SQLiteLedger) LatestSequence(ctx context.Context) (uint64, error) {
	seq, err := latestSequence(ctx, l.db.Read)
	if err != nil {
		return 0, l.classify("ledger: failed to read sequence", err)
	}
	return seq, nil
}

// TouchedCustomers returns customers with mutations after since.
func (l *SQLiteLedger) TouchedCustomers(ctx context.Context, since uint64) ([]string, uint64, error) {
	tx, err := l.db.Read.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, l.classify("ledger: failed to begin read transaction", err)
	}
	defer tx.Rollback()

	asOf, err := latestSequence(ctx, tx)
	if err != nil {
		return nil, 0, l.classify("ledger: failed to read sequence", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT customer_id FROM mutations
		WHERE sequence > ? AND sequence <= ?
		ORDER BY customer_id`, int64(since), int64(asOf))
	if err != nil {
		return nil, 0, l.classify("ledger: failed to query touched customers", err)
	}
	defer rows.Close()

	customers, err := scanStrings(rows)
	if err != nil {
		return nil, 0, l.classify("ledger: failed to scan touched customers", err)
	}
	return customers, asOf, nil
}

// ListCustomers returns customers that have at least one order.
func (l *SQLiteLedger) ListCustomers(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Read.QueryContext(ctx, `
		SELECT DISTINCT customer_id FROM orders
		WHERE customer_id > ?
		ORDER BY customer_id
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, l.classify("ledger: failed to list customers", err)
	}
	defer rows.Close()

	customers, err := scanStrings(rows)
	if err != nil {
		return nil, l.classify("ledger: failed to scan customers", err)
	}
	return customers, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetOrder returns a single order.
func (l *SQLiteLedger) GetOrder(ctx context.Context, orderID string) (types.OrderFact, error) {
	f, err := getOrder(ctx, l.db.Read, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.OrderFact{}, orderNotFound(orderID)
	}
	if err != nil {
		return types.OrderFact{}, l.classify("ledger: failed to get order", err)
	}
	return f, nil
}

func getOrder(ctx context.Context, q queryRower, orderID string) (types.OrderFact, error) {
	var f types.OrderFact
	var amount, created, updated int64
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT order_id, customer_id, amount, status, created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID,
	).Scan(&f.OrderID, &f.CustomerID, &amount, &status, &created, &updated)
	if err != nil {
		return f, err
	}
	f.Amount = types.Amount(amount)
	f.Status = types.OrderStatus(status)
	f.CreatedAt = time.UnixMilli(created).UTC()
	f.UpdatedAt = time.UnixMilli(updated).UTC()
	return f, nil
}

// PlaceOrder inserts a new order.
func (l *SQLiteLedger) PlaceOrder(ctx context.Context, order types.OrderFact) (types.MutationEvent, error) {
	if err := validateOrder(order); err != nil {
		return types.MutationEvent{}, err
	}

	now := l.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	return l.commit(ctx, func(tx *sql.Tx) (types.MutationEvent, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, customer_id, amount, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			order.OrderID, order.CustomerID, order.Amount.Cents(), string(order.Status),
			order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli())
		if err != nil {
			if isConstraint(err) {
				return types.MutationEvent{}, orderExists(order.OrderID)
			}
			return types.MutationEvent{}, err
		}
		newState := order.State()
		return types.MutationEvent{
			Kind:       types.MutationInsert,
			OrderID:    order.OrderID,
			CustomerID: order.CustomerID,
			New:        &newState,
		}, nil
	})
}

// UpdateOrder changes the amount and/or status of an order.
func (l *SQLiteLedger) UpdateOrder(ctx context.Context, orderID string, change OrderChange) (types.MutationEvent, error) {
	if change.Empty() {
		return types.MutationEvent{}, rerrors.NewValidationError(rerrors.CodeInvalidRequest, "update changes nothing")
	}

	return l.commit(ctx, func(tx *sql.Tx) (types.MutationEvent, error) {
		current, err := getOrder(ctx, tx, orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.MutationEvent{}, orderNotFound(orderID)
		}
		if err != nil {
			return types.MutationEvent{}, err
		}

		oldState := current.State()
		newState := oldState
		if change.Amount != nil {
			newState.Amount = *change.Amount
		}
		if change.Status != nil {
			newState.Status = *change.Status
		}
		if err := validateState(newState); err != nil {
			return types.MutationEvent{}, err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET amount = ?, status = ?, updated_at = ? WHERE order_id = ?",
			newState.Amount.Cents(), string(newState.Status), l.now().UnixMilli(), orderID)
		if err != nil {
			return types.MutationEvent{}, err
		}
		return types.MutationEvent{
			Kind:       types.MutationUpdate,
			OrderID:    orderID,
			CustomerID: current.CustomerID,
			Old:        &oldState,
			New:        &newState,
		}, nil
	})
}

// DeleteOrder removes an order.
func (l *SQLiteLedger) DeleteOrder(ctx context.Context, orderID string) (types.MutationEvent, error) {
	return l.commit(ctx, func(tx *sql.Tx) (types.MutationEvent, error) {
		current, err := getOrder(ctx, tx, orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.MutationEvent{}, orderNotFound(orderID)
		}
		if err != nil {
			return types.MutationEvent{}, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE order_id = ?", orderID); err != nil {
			return types.MutationEvent{}, err
		}
		oldState := current.State()
		return types.MutationEvent{
			Kind:       types.MutationDelete,
			OrderID:    orderID,
			CustomerID: current.CustomerID,
			Old:        &oldState,
		}, nil
	})
}

// commit runs change and records its mutation in one transaction, then
// publishes a MutationCommitted notification.
func (l *SQLiteLedger) commit(ctx context.Context, change func(tx *sql.Tx) (types.MutationEvent, error)) (types.MutationEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return types.MutationEvent{}, l.classify("ledger: failed to begin transaction", err)
	}
	defer tx.Rollback()

	ev, err := change(tx)
	if err != nil {
		return types.MutationEvent{}, l.classify("ledger: failed to apply change", err)
	}

	ev.CommittedAt = l.now().UTC()
	var oldAmount, newAmount sql.NullInt64
	var oldStatus, newStatus sql.NullString
	if ev.Old != nil {
		oldAmount = sql.NullInt64{Int64: ev.Old.Amount.Cents(), Valid: true}
		oldStatus = sql.NullString{String: string(ev.Old.Status), Valid: true}
	}
	if ev.New != nil {
		newAmount = sql.NullInt64{Int64: ev.New.Amount.Cents(), Valid: true}
		newStatus = sql.NullString{String: string(ev.New.Status), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutations (kind, order_id, customer_id, old_amount, old_status, new_amount, new_status, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.OrderID, ev.CustomerID, oldAmount, oldStatus, newAmount, newStatus, ev.CommittedAt.UnixMilli())
	if err != nil {
		return types.MutationEvent{}, l.classify("ledger: failed to record mutation", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return types.MutationEvent{}, l.classify("ledger: failed to read mutation sequence", err)
	}
	ev.Sequence = uint64(seq)

	if err := tx.Commit(); err != nil {
		return types.MutationEvent{}, l.classify("ledger: failed to commit transaction", err)
	}

	if l.notifier != nil {
		l.notifier.Publish(router.Notification{
			Type:       router.MutationCommitted,
			CustomerID: ev.CustomerID,
			OrderID:    ev.OrderID,
			Sequence:   ev.Sequence,
		})
	}
	return ev, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// Close closes the database connections.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
