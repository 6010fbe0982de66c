// Package session holds the state of one browsing session: identity,
// per-page records, the flat event log and the page lifecycle.
//
// State is not safe for concurrent use; the tracker serializes access.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/vincentbai/sessiontrace/internal/models"
)

type State struct {
	SessionID string
	LeadID    string
	CreatedAt time.Time
	EntryURL  string
	ExitURL   string
	UserInfo  models.UserInfo

	startedAt time.Time
	endedAt   time.Time
	lifecycle Lifecycle
	pages     []*models.PageRecord
	pageIndex map[string]int
	events    []models.Event
	lastEvent string
}

// New creates an idle session whose entry and exit are path.
func New(path string, info models.UserInfo, now time.Time) *State {
	return &State{
		SessionID: "sess_" + uuid.NewString(),
		LeadID:    "lead_" + ulid.Make().String(),
		CreatedAt: now,
		EntryURL:  path,
		ExitURL:   path,
		UserInfo:  info,
		startedAt: now,
		pageIndex: make(map[string]int),
	}
}

func (s *State) Lifecycle() Lifecycle { return s.lifecycle }

func (s *State) StartedAt() time.Time { return s.startedAt }

// EndedAt is zero until the session has ended.
func (s *State) EndedAt() time.Time { return s.endedAt }

func (s *State) Ended() bool { return s.lifecycle.Phase == PhaseEnded }

// Duration is the session length, frozen once the session has ended.
func (s *State) Duration(now time.Time) time.Duration {
	if s.Ended() {
		return s.endedAt.Sub(s.startedAt)
	}
	return now.Sub(s.startedAt)
}

// Init opens the page record for the session's entry path.
func (s *State) Init(now time.Time) {
	s.Apply(s.lifecycle.Init(s.EntryURL, now), now)
}

// Navigate rotates the active page to path. It reports whether a page
// transition happened.
func (s *State) Navigate(path string, now time.Time) bool {
	t := s.lifecycle.Navigate(path, now)
	if !t.Changed(s.lifecycle) {
		return false
	}
	s.Apply(t, now)
	return true
}

// Finalize closes out the current page's duration.
func (s *State) Finalize(now time.Time) {
	s.Apply(s.lifecycle.Finalize(now), now)
}

// End finalizes the session. Calling it again has no effect.
func (s *State) End(now time.Time) {
	if s.Ended() {
		return
	}
	s.Apply(s.lifecycle.End(s.startedAt, now), now)
	s.endedAt = now
}

// Scroll raises the current page's scroll high-water mark and reports
// whether it moved.
func (s *State) Scroll(percent int) bool {
	t := s.lifecycle.Scroll(percent)
	if !t.Changed(s.lifecycle) {
		return false
	}
	s.lifecycle = t.Next
	if page := s.CurrentPage(); page != nil {
		page.PercentageScroll = t.Next.MaxScroll
	}
	return true
}

// Apply commits a lifecycle transition: it finalizes the closed page,
// opens the new one, records the emitted events and moves to the next
// lifecycle state.
func (s *State) Apply(t Transition, now time.Time) {
	if t.Close != nil {
		if page := s.Page(t.Close.Path); page != nil {
			page.Duration += t.Close.Duration.Milliseconds()
		}
	}
	if t.ResetDedup {
		s.lastEvent = ""
	}
	if t.Open != "" {
		s.openPage(t.Open)
	}
	if t.Next.Path != "" {
		s.ExitURL = t.Next.Path
	}
	for _, e := range t.Emit {
		s.record(e.Type, e.Page, e.Data, now)
	}
	s.lifecycle = t.Next
}

// Record appends an event for the current page unless it is identical to
// the previously recorded event. It returns false when the event was
// suppressed or the session cannot accept events.
func (s *State) Record(eventType string, data map[string]any, now time.Time) bool {
	if s.lifecycle.Phase != PhaseTracking {
		return false
	}
	return s.record(eventType, s.lifecycle.Path, data, now)
}

func (s *State) record(eventType, path string, data map[string]any, now time.Time) bool {
	page := s.Page(path)
	if page == nil {
		return false
	}
	if data == nil {
		data = map[string]any{}
	}
	event := models.Event{
		Type:         eventType,
		Data:         data,
		Page:         path,
		Timestamp:    now.UnixMilli(),
		RelativeTime: now.Sub(s.startedAt).Milliseconds(),
	}
	key := eventKey(event)
	if key == s.lastEvent {
		return false
	}
	s.lastEvent = key

	page.Events = append(page.Events, event)
	if eventType == models.EventClick {
		page.TotalClicks++
	}
	s.events = append(s.events, event)
	return true
}

func eventKey(event models.Event) string {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Sprintf("%s|%s|%d|%v", event.Type, event.Page, event.Timestamp, event.Data)
	}
	return string(encoded)
}

func (s *State) openPage(path string) {
	if _, ok := s.pageIndex[path]; ok {
		return
	}
	s.pageIndex[path] = len(s.pages)
	s.pages = append(s.pages, &models.PageRecord{Page: path, Events: []models.Event{}})
}

// Page returns the record for path, or nil if it was never visited.
func (s *State) Page(path string) *models.PageRecord {
	i, ok := s.pageIndex[path]
	if !ok {
		return nil
	}
	return s.pages[i]
}

// CurrentPage returns the active page record, or nil before Init.
func (s *State) CurrentPage() *models.PageRecord {
	if s.lifecycle.Phase == PhaseIdle {
		return nil
	}
	return s.Page(s.lifecycle.Path)
}

// Pages returns a copy of the page records in first-visit order.
func (s *State) Pages() []models.PageRecord {
	out := make([]models.PageRecord, 0, len(s.pages))
	for _, p := range s.pages {
		c := *p
		c.Events = append([]models.Event{}, p.Events...)
		out = append(out, c)
	}
	return out
}

// Events returns a copy of the flat event log.
func (s *State) Events() []models.Event {
	return append([]models.Event{}, s.events...)
}
