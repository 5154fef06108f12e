package reporting

import (
	"context"
	"sync"

	"github.com/yourorg/payment-reconciler/internal/events"
)

// DefaultJournalSize bounds the journal when no size is given.
const DefaultJournalSize = 10000

// Journal is an events.Publisher that keeps the most recent outcomes in
// memory for reporting.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

var _ events.Publisher = (*Journal)(nil)

// NewJournal creates a journal holding at most size entries.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{entries: make([]Entry, size)}
}

func (j *Journal) Publish(_ context.Context, e events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[j.next] = EntryFromEvent(e)
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
	return nil
}

func (j *Journal) Close() error { return nil }

// Entries returns the journaled entries, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.full {
		return append([]Entry(nil), j.entries[:j.next]...)
	}
	out := make([]Entry, 0, len(j.entries))
	out = append(out, j.entries[j.next:]...)
	return append(out, j.entries[:j.next]...)
}

// Report summarises the journal.
func (j *Journal) Report() (*RetrospectiveReport, error) {
	return NewRetrospectiveReporter().GenerateRetrospective(j.Entries())
}
