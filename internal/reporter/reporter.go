// Package reporter assembles the end-of-session payload and hands it to
// the transport.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vincentbai/sessiontrace/internal/models"
)

// Snapshot is the finalized session data a payload is built from.
type Snapshot struct {
	BusinessID    string
	UserID        string
	UserInfo      models.UserInfo
	Events        []models.Event
	Errors        []models.TrackedError
	SessionRecord []any
	Duration      time.Duration
	EntryPage     string
	ExitPage      string
}

// Summary holds counters derived from the flat event log.
type Summary struct {
	TotalClicks       int
	TotalInputs       int
	TotalPagesVisited int
}

// Summarize scans the event log. Pages visited counts the distinct paths
// events were recorded on.
func Summarize(events []models.Event) Summary {
	var s Summary
	pages := make(map[string]struct{})
	for _, e := range events {
		switch e.Type {
		case models.EventClick:
			s.TotalClicks++
		case models.EventInput:
			s.TotalInputs++
		}
		if e.Page != "" {
			pages[e.Page] = struct{}{}
		}
	}
	s.TotalPagesVisited = len(pages)
	return s
}

// Build assembles the payload. Unresolved optional fields stay null.
func Build(s Snapshot) models.Payload {
	summary := Summarize(s.Events)

	var userID *string
	if s.UserID != "" {
		id := s.UserID
		userID = &id
	}
	errs := s.Errors
	if errs == nil {
		errs = []models.TrackedError{}
	}
	events := s.Events
	if events == nil {
		events = []models.Event{}
	}
	record := s.SessionRecord
	if record == nil {
		record = []any{}
	}

	return models.Payload{
		Errors:            errs,
		UserID:            userID,
		BusinessID:        s.BusinessID,
		UserInfo:          s.UserInfo,
		Fingerprint:       s.UserInfo.Fingerprint,
		TrackerEvents:     events,
		SessionRecord:     record,
		DurationMS:        s.Duration.Milliseconds(),
		EntryPage:         s.EntryPage,
		ExitPage:          s.ExitPage,
		TotalClicks:       summary.TotalClicks,
		TotalInputs:       summary.TotalInputs,
		TotalPagesVisited: summary.TotalPagesVisited,
	}
}

// Sender delivers an encoded payload without blocking or failing.
type Sender interface {
	Send(ctx context.Context, body []byte)
}

type Reporter struct {
	sender Sender
	logger *slog.Logger
}

func New(sender Sender, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{sender: sender, logger: logger}
}

// Report encodes the payload and hands it to the sender.
func (r *Reporter) Report(ctx context.Context, payload models.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode session payload: %w", err)
	}
	r.logger.Debug("reporting session",
		"business_id", payload.BusinessID,
		"events", len(payload.TrackerEvents),
		"errors", len(payload.Errors),
		"duration_ms", payload.DurationMS)
	r.sender.Send(ctx, body)
	return nil
}
