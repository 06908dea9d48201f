package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
)

// PgxPool is the minimal pool surface the repository needs; tests substitute
// a mock, production passes *pgxpool.Pool.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// OrderRepo persists orders and their log history in PostgreSQL.
type OrderRepo struct{ Pool PgxPool }

// NewOrderRepo constructs an OrderRepo with the given pool.
func NewOrderRepo(p PgxPool) *OrderRepo { return &OrderRepo{Pool: p} }

// Create inserts the order row and its initial log entry in one transaction.
func (r *OrderRepo) Create(ctx domain.Context, o domain.Order, entry domain.LogEntry) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Create")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=order.create begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	quotes, err := marshalQuotes(o.Quotes)
	if err != nil {
		return fmt.Errorf("op=order.create: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO orders
		(id, type, token_in, token_out, amount_in, slippage, status, quotes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		o.ID, o.Type, o.TokenIn, o.TokenOut, o.AmountIn.String(), o.Slippage.String(), o.Status, quotes, now)
	if err != nil {
		return fmt.Errorf("op=order.create: %w", err)
	}
	fields, err := marshalFields(entry.Fields)
	if err != nil {
		return fmt.Errorf("op=order.create: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO order_logs (order_id, seq, stage, ts, fields) VALUES ($1,1,$2,$3,$4)`,
		o.ID, entry.Stage, entry.Timestamp.UTC(), fields)
	if err != nil {
		return fmt.Errorf("op=order.create log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=order.create commit: %w", err)
	}
	return nil
}

// transitionSQL guards the current status, applies the column updates, appends
// the log entry and trims history beyond the cap, all in one statement so a
// concurrent duplicate delivery sees either the old or the new state and
// never a torn one. The DELETE only sees pre-statement rows, so it trims by
// the new sequence number computed in next_seq.
const transitionSQL = `
WITH updated AS (
    UPDATE orders SET
        status = $3,
        updated_at = $4,
        quotes = COALESCE($5::jsonb, quotes),
        dex_used = COALESCE($6, dex_used),
        tx_hash = COALESCE($7, tx_hash),
        failure_reason = COALESCE($8, failure_reason),
        expected_price = COALESCE($9, expected_price),
        executed_price = COALESCE($10, executed_price),
        amount_out = COALESCE($11, amount_out)
    WHERE id = $1 AND status = $2
    RETURNING id
), next_seq AS (
    SELECT COALESCE(MAX(seq), 0) + 1 AS seq FROM order_logs WHERE order_id = $1
), logged AS (
    INSERT INTO order_logs (order_id, seq, stage, ts, fields)
    SELECT $1, next_seq.seq, $12, $13, $14 FROM next_seq, updated
), trimmed AS (
    DELETE FROM order_logs
    WHERE order_id = $1
      AND EXISTS (SELECT 1 FROM updated)
      AND seq <= (SELECT seq FROM next_seq) - $15
)
SELECT count(*) FROM updated`

// Transition compare-and-swaps status from->to. Returns ErrStaleTransition
// when the row exists but is no longer in from, ErrNotFound when it does not
// exist, and ErrInvalidArgument for an edge the lifecycle does not allow.
func (r *OrderRepo) Transition(ctx domain.Context, id string, from, to domain.OrderStatus, upd domain.OrderUpdate, entry domain.LogEntry) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Transition")
	defer span.End()

	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=order.transition %s->%s: %w", from, to, domain.ErrInvalidArgument)
	}
	quotes, err := marshalQuotes(upd.Quotes)
	if err != nil {
		return fmt.Errorf("op=order.transition: %w", err)
	}
	fields, err := marshalFields(entry.Fields)
	if err != nil {
		return fmt.Errorf("op=order.transition: %w", err)
	}
	var updated int
	err = r.Pool.QueryRow(ctx, transitionSQL,
		id, from, to, time.Now().UTC(),
		quotes, upd.DexUsed, upd.TxHash, upd.FailureReason,
		decPtr(upd.ExpectedPrice), decPtr(upd.ExecutedPrice), decPtr(upd.AmountOut),
		entry.Stage, entry.Timestamp.UTC(), fields, domain.MaxLogEntries,
	).Scan(&updated)
	if err != nil {
		return fmt.Errorf("op=order.transition: %w", err)
	}
	if updated == 0 {
		var current string
		err := r.Pool.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&current)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=order.transition: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("op=order.transition: %w", err)
		}
		return fmt.Errorf("op=order.transition want=%s have=%s: %w", from, current, domain.ErrStaleTransition)
	}
	return nil
}

// appendLogSQL inserts one log entry for an existing order and trims history
// beyond the cap, mirroring the transition statement without the status CAS.
const appendLogSQL = `
WITH target AS (
    SELECT id FROM orders WHERE id = $1
), next_seq AS (
    SELECT COALESCE(MAX(seq), 0) + 1 AS seq FROM order_logs WHERE order_id = $1
), logged AS (
    INSERT INTO order_logs (order_id, seq, stage, ts, fields)
    SELECT $1, next_seq.seq, $2, $3, $4 FROM next_seq, target
), trimmed AS (
    DELETE FROM order_logs
    WHERE order_id = $1
      AND EXISTS (SELECT 1 FROM target)
      AND seq <= (SELECT seq FROM next_seq) - $5
)
SELECT count(*) FROM target`

// AppendLog records an entry without touching the order's status.
func (r *OrderRepo) AppendLog(ctx domain.Context, id string, entry domain.LogEntry) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.AppendLog")
	defer span.End()

	fields, err := marshalFields(entry.Fields)
	if err != nil {
		return fmt.Errorf("op=order.append_log: %w", err)
	}
	var found int
	err = r.Pool.QueryRow(ctx, appendLogSQL,
		id, entry.Stage, entry.Timestamp.UTC(), fields, domain.MaxLogEntries,
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("op=order.append_log: %w", err)
	}
	if found == 0 {
		return fmt.Errorf("op=order.append_log: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads an order with its log history ordered oldest first. When the
// history was trimmed the first entry is a synthetic truncation marker.
func (r *OrderRepo) Get(ctx domain.Context, id string) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT id, type, token_in, token_out, amount_in, slippage, status,
		amount_out, dex_used, tx_hash, failure_reason, quotes, expected_price, executed_price,
		created_at, updated_at FROM orders WHERE id=$1`, id)
	var (
		o                      domain.Order
		amountIn, slippage     string
		amountOut, expP, execP *string
		quotes                 []byte
	)
	err := row.Scan(&o.ID, &o.Type, &o.TokenIn, &o.TokenOut, &amountIn, &slippage, &o.Status,
		&amountOut, &o.DexUsed, &o.TxHash, &o.FailureReason, &quotes, &expP, &execP,
		&o.CreatedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.Order{}, fmt.Errorf("op=order.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get: %w", err)
	}
	if o.AmountIn, err = decimal.NewFromString(amountIn); err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get amount_in: %w", err)
	}
	if o.Slippage, err = decimal.NewFromString(slippage); err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get slippage: %w", err)
	}
	if o.AmountOut, err = parseDecPtr(amountOut); err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get amount_out: %w", err)
	}
	if o.ExpectedPrice, err = parseDecPtr(expP); err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get expected_price: %w", err)
	}
	if o.ExecutedPrice, err = parseDecPtr(execP); err != nil {
		return domain.Order{}, fmt.Errorf("op=order.get executed_price: %w", err)
	}
	if len(quotes) > 0 {
		if err := json.Unmarshal(quotes, &o.Quotes); err != nil {
			return domain.Order{}, fmt.Errorf("op=order.get quotes: %w", err)
		}
	}
	if o.Logs, err = r.loadLogs(ctx, id); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (r *OrderRepo) loadLogs(ctx domain.Context, id string) ([]domain.LogEntry, error) {
	rows, err := r.Pool.Query(ctx, `SELECT seq, stage, ts, fields FROM order_logs WHERE order_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("op=order.logs: %w", err)
	}
	defer rows.Close()

	var (
		logs   []domain.LogEntry
		minSeq int64 = -1
	)
	for rows.Next() {
		var (
			seq    int64
			entry  domain.LogEntry
			fields []byte
		)
		if err := rows.Scan(&seq, &entry.Stage, &entry.Timestamp, &fields); err != nil {
			return nil, fmt.Errorf("op=order.logs: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &entry.Fields); err != nil {
				return nil, fmt.Errorf("op=order.logs fields: %w", err)
			}
		}
		if minSeq < 0 {
			minSeq = seq
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=order.logs: %w", err)
	}
	if minSeq > 1 {
		marker := domain.LogEntry{
			Stage:     domain.LogEntryTruncated,
			Timestamp: logs[0].Timestamp,
			Fields:    map[string]any{"dropped": minSeq - 1},
		}
		logs = append([]domain.LogEntry{marker}, logs...)
	}
	return logs, nil
}

// FindStalePending returns pending orders untouched since cutoff, oldest
// first, without their log history.
func (r *OrderRepo) FindStalePending(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.FindStalePending")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT id, type, token_in, token_out, amount_in, slippage, status, created_at, updated_at
		FROM orders WHERE status=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`,
		domain.OrderPending, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=order.find_stale: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o                  domain.Order
			amountIn, slippage string
		)
		if err := rows.Scan(&o.ID, &o.Type, &o.TokenIn, &o.TokenOut, &amountIn, &slippage, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=order.find_stale: %w", err)
		}
		if o.AmountIn, err = decimal.NewFromString(amountIn); err != nil {
			return nil, fmt.Errorf("op=order.find_stale amount_in: %w", err)
		}
		if o.Slippage, err = decimal.NewFromString(slippage); err != nil {
			return nil, fmt.Errorf("op=order.find_stale slippage: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=order.find_stale: %w", err)
	}
	return out, nil
}

func marshalQuotes(q map[string]string) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	return json.Marshal(q)
}

func marshalFields(f map[string]any) ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

func decPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
