// Package postgres implements order.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/yourorg/payment-reconciler/internal/order"
)

// Schema creates the tables the store reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               BIGINT PRIMARY KEY,
	order_key        TEXT NOT NULL UNIQUE,
	total            NUMERIC(14, 2) NOT NULL,
	currency         TEXT NOT NULL,
	status           TEXT NOT NULL,
	transaction_id   TEXT NOT NULL DEFAULT '',
	payment_method   TEXT NOT NULL DEFAULT '',
	needs_processing BOOLEAN NOT NULL DEFAULT TRUE,
	customer_id      BIGINT NOT NULL DEFAULT 0,
	billing_email    TEXT NOT NULL DEFAULT '',
	billing_phone    TEXT NOT NULL DEFAULT '',
	billing          JSONB NOT NULL DEFAULT '{}',
	shipping         JSONB NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	paid_at          TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS order_notes (
	id         BIGSERIAL PRIMARY KEY,
	order_id   BIGINT NOT NULL REFERENCES orders(id),
	note       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const selectOrderColumns = `
	SELECT id, order_key, total, currency, status, transaction_id, payment_method,
	       needs_processing, customer_id, billing_email, billing_phone, billing, shipping,
	       created_at, updated_at, paid_at
	FROM orders`

// Store is a PostgreSQL order.Store.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL using dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return New(db), nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply order schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetByKey fetches an order and its notes by order key.
func (s *Store) GetByKey(ctx context.Context, key string) (*order.Order, error) {
	o, err := s.fetch(ctx, selectOrderColumns+` WHERE order_key = $1`, key)
	if errors.Is(err, order.ErrNotFound) {
		return nil, fmt.Errorf("order key %q: %w", key, err)
	}
	return o, err
}

// GetByID fetches an order and its notes by numeric id.
func (s *Store) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	o, err := s.fetch(ctx, selectOrderColumns+` WHERE id = $1`, id)
	if errors.Is(err, order.ErrNotFound) {
		return nil, fmt.Errorf("order id %d: %w", id, err)
	}
	return o, err
}

func (s *Store) fetch(ctx context.Context, query string, arg interface{}) (*order.Order, error) {
	var (
		o                 order.Order
		status            string
		billing, shipping []byte
		paidAt            sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&o.ID,
		&o.Key,
		&o.Total,
		&o.Currency,
		&status,
		&o.TransactionID,
		&o.PaymentMethod,
		&o.NeedsProcessing,
		&o.CustomerID,
		&o.BillingEmail,
		&o.BillingPhone,
		&billing,
		&shipping,
		&o.CreatedAt,
		&o.UpdatedAt,
		&paidAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	o.Status = order.Status(status)
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	if err := decodeAddress(billing, &o.Billing); err != nil {
		return nil, fmt.Errorf("failed to decode billing address: %w", err)
	}
	if err := decodeAddress(shipping, &o.Shipping); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT note, created_at FROM order_notes WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order notes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n order.Note
		if err := rows.Scan(&n.Text, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order note: %w", err)
		}
		o.Notes = append(o.Notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order notes: %w", err)
	}
	return &o, nil
}

// Save writes the mutable order fields and appends the notes added since the
// order was loaded, in one transaction.
func (s *Store) Save(ctx context.Context, o *order.Order) (err error) {
	if o == nil {
		return fmt.Errorf("order cannot be nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var paidAt sql.NullTime
	if o.PaidAt != nil {
		paidAt = sql.NullTime{Time: *o.PaidAt, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, transaction_id = $3, updated_at = $4, paid_at = $5
		WHERE id = $1`,
		o.ID, string(o.Status), o.TransactionID, o.UpdatedAt, paidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		err = fmt.Errorf("order id %d: %w", o.ID, order.ErrNotFound)
		return err
	}

	notes := o.PendingNotes()
	if len(notes) > 0 {
		stmt, perr := tx.PrepareContext(ctx, `INSERT INTO order_notes (order_id, note, created_at) VALUES ($1, $2, $3)`)
		if perr != nil {
			err = fmt.Errorf("failed to prepare note statement: %w", perr)
			return err
		}
		defer stmt.Close()
		for _, n := range notes {
			if _, err = stmt.ExecContext(ctx, o.ID, n.Text, n.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert order note: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	o.MarkClean()
	return nil
}

// Insert creates a new order row. Checkout owns order creation; Insert exists
// for seeding and integration tests.
func (s *Store) Insert(ctx context.Context, o *order.Order) error {
	billing, err := json.Marshal(o.Billing)
	if err != nil {
		return fmt.Errorf("failed to encode billing address: %w", err)
	}
	shipping, err := json.Marshal(o.Shipping)
	if err != nil {
		return fmt.Errorf("failed to encode shipping address: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, order_key, total, currency, status, transaction_id, payment_method,
		                    needs_processing, customer_id, billing_email, billing_phone, billing, shipping)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.Key, o.Total, o.Currency, string(o.Status), o.TransactionID, o.PaymentMethod,
		o.NeedsProcessing, o.CustomerID, o.BillingEmail, o.BillingPhone, billing, shipping,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func decodeAddress(raw []byte, dst *order.Address) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
