// Package order holds the local order entity that reconciliation mutates and
// the Store abstraction it is persisted through.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is a local order lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOnHold     Status = "on-hold"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// ErrNotFound is returned by stores when no order matches the lookup.
var ErrNotFound = errors.New("order not found")

var (
	paidStatuses     = []Status{StatusProcessing, StatusCompleted}
	terminalStatuses = []Status{StatusCompleted, StatusRefunded}
)

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOnHold, StatusProcessing, StatusCompleted,
		StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsPaid reports whether s counts as paid.
func (s Status) IsPaid() bool {
	return contains(paidStatuses, s)
}

// IsTerminal reports whether automated reconciliation may not move an order
// in status s back to a non-terminal status.
func (s Status) IsTerminal() bool {
	return contains(terminalStatuses, s)
}

// PaidStatuses returns a copy of the paid status set.
func PaidStatuses() []Status {
	return append([]Status(nil), paidStatuses...)
}

func contains(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// Address is a billing or shipping address.
type Address struct {
	FirstName  string
	LastName   string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Phone      string
	Country    string // ISO 3166-1 alpha-2
}

// Note is an order note appended by reconciliation.
type Note struct {
	Text      string
	CreatedAt time.Time
}

// Order is the local order record.
type Order struct {
	ID              int64
	Key             string
	Total           decimal.Decimal
	Currency        string
	Status          Status
	TransactionID   string
	PaymentMethod   string
	NeedsProcessing bool
	CustomerID      int64
	BillingEmail    string
	BillingPhone    string
	Billing         Address
	Shipping        Address
	Notes           []Note
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time

	dirty    bool
	newNotes int
}

// HasStatus reports whether the order is in any of the given statuses.
func (o *Order) HasStatus(statuses ...Status) bool {
	for _, s := range statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

// IsPaid reports whether the order is in a paid status.
func (o *Order) IsPaid() bool {
	return o.Status.IsPaid()
}

// SetStatus moves the order to status and, when note is non-empty, records it.
func (o *Order) SetStatus(status Status, note string) {
	if o.Status != status {
		o.Status = status
		o.touch()
	}
	if note != "" {
		o.AddNote(note)
	}
}

// AddNote appends a note to the order.
func (o *Order) AddNote(text string) {
	o.Notes = append(o.Notes, Note{Text: text, CreatedAt: time.Now().UTC()})
	o.newNotes++
	o.touch()
}

// MarkPaymentComplete records the processor transaction id and moves the order
// to processing, or to completed when the order needs no fulfilment.
func (o *Order) MarkPaymentComplete(transactionID string) {
	if transactionID != "" {
		o.TransactionID = transactionID
	}
	now := time.Now().UTC()
	o.PaidAt = &now
	if o.NeedsProcessing {
		o.Status = StatusProcessing
	} else {
		o.Status = StatusCompleted
	}
	o.touch()
}

// Dirty reports whether the order changed since it was loaded or last saved.
func (o *Order) Dirty() bool {
	return o.dirty
}

// PendingNotes returns the notes added since the order was loaded or last saved.
func (o *Order) PendingNotes() []Note {
	if o.newNotes == 0 || o.newNotes > len(o.Notes) {
		return nil
	}
	return o.Notes[len(o.Notes)-o.newNotes:]
}

// MarkClean resets change tracking. Stores call it after a successful save.
func (o *Order) MarkClean() {
	o.dirty = false
	o.newNotes = 0
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Notes = append([]Note(nil), o.Notes...)
	if o.PaidAt != nil {
		paid := *o.PaidAt
		c.PaidAt = &paid
	}
	return &c
}

func (o *Order) touch() {
	o.dirty = true
	o.UpdatedAt = time.Now().UTC()
}

// Store is the persistence boundary for orders.
type Store interface {
	GetByKey(ctx context.Context, key string) (*Order, error)
	GetByID(ctx context.Context, id int64) (*Order, error)
	Save(ctx context.Context, o *Order) error
}
