// Package reporting keeps a bounded journal of reconciliation outcomes and
// summarises it into a retrospective report.
package reporting

import (
	"time"

	"github.com/yourorg/payment-reconciler/internal/events"
)

// Entry is one journaled reconciliation.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	EventID    string    `json:"event_id"`
	OrderID    int64     `json:"order_id"`
	OrderKey   string    `json:"order_key"`
	Channel    string    `json:"channel"`
	Transition string    `json:"transition"`
	Outcome    string    `json:"outcome"` // applied, noop, mismatch, blocked, ...
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
}

// EntryFromEvent converts an outcome event into a journal entry.
func EntryFromEvent(e events.Event) Entry {
	return Entry{
		Timestamp:  e.OccurredAt,
		EventID:    e.ID,
		OrderID:    e.OrderID,
		OrderKey:   e.OrderKey,
		Channel:    e.Channel,
		Transition: e.Transition,
		Outcome:    e.Outcome,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		Detail:     e.Detail,
	}
}

// RetrospectiveReport summarises reconciliation activity.
type RetrospectiveReport struct {
	TotalReconciliations int            `json:"total_reconciliations"`
	Applied              int            `json:"applied"`
	Noops                int            `json:"noops"`
	Mismatches           int            `json:"mismatches"`
	Blocked              int            `json:"blocked"`
	GatewayErrors        int            `json:"gateway_errors"`
	OutcomeBreakdown     map[string]int `json:"outcome_breakdown"`
	ChannelUsage         map[string]int `json:"channel_usage"`
	StatusChanges        map[string]int `json:"status_changes"` // "pending->processing"
	DetailBreakdown      map[string]int `json:"detail_breakdown"`
	DateFrom             time.Time      `json:"date_from"`
	DateTo               time.Time      `json:"date_to"`
	ProcessingDuration   time.Duration  `json:"processing_duration"`
}

// RetrospectiveReporter generates retrospective reports from journal entries.
type RetrospectiveReporter struct{}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

func newReport() *RetrospectiveReport {
	return &RetrospectiveReport{
		OutcomeBreakdown: make(map[string]int),
		ChannelUsage:     make(map[string]int),
		StatusChanges:    make(map[string]int),
		DetailBreakdown:  make(map[string]int),
	}
}

// GenerateRetrospective analyzes entries and produces a RetrospectiveReport.
func (rr *RetrospectiveReporter) GenerateRetrospective(entries []Entry) (*RetrospectiveReport, error) {
	report := newReport()
	if len(entries) == 0 {
		return report, nil
	}

	report.DateFrom = entries[0].Timestamp
	report.DateTo = entries[0].Timestamp
	for _, e := range entries {
		report.TotalReconciliations++

		if e.Timestamp.Before(report.DateFrom) {
			report.DateFrom = e.Timestamp
		}
		if e.Timestamp.After(report.DateTo) {
			report.DateTo = e.Timestamp
		}
		if e.Channel != "" {
			report.ChannelUsage[e.Channel]++
		}
		if e.Outcome != "" {
			report.OutcomeBreakdown[e.Outcome]++
		}
		if e.Detail != "" {
			report.DetailBreakdown[e.Detail]++
		}

		switch e.Outcome {
		case "applied":
			report.Applied++
			if e.FromStatus != e.ToStatus {
				report.StatusChanges[e.FromStatus+"->"+e.ToStatus]++
			}
		case "noop":
			report.Noops++
		case "mismatch":
			report.Mismatches++
			if e.FromStatus != e.ToStatus {
				report.StatusChanges[e.FromStatus+"->"+e.ToStatus]++
			}
		case "blocked":
			report.Blocked++
		case "gateway_error":
			report.GatewayErrors++
		}
	}
	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	return report, nil
}
