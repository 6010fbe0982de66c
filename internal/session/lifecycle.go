package session

import (
	"time"

	"github.com/vincentbai/sessiontrace/internal/models"
)

// Phase is the page lifecycle phase of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTracking
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTracking:
		return "tracking"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Lifecycle is the page lifecycle state. Path, EnteredAt and MaxScroll are
// only meaningful while tracking.
type Lifecycle struct {
	Phase     Phase
	Path      string
	EnteredAt time.Time
	MaxScroll int
}

// Emission is an event a transition asks the session to record.
type Emission struct {
	Type string
	Page string
	Data map[string]any
}

// PageClose finalizes the duration of a page record.
type PageClose struct {
	Path     string
	Duration time.Duration
}

// Transition is the result of applying a lifecycle input. Transitions are
// computed without touching session state; State.Apply commits them.
type Transition struct {
	Next       Lifecycle
	Close      *PageClose
	Open       string
	ResetDedup bool
	Emit       []Emission
}

// Changed reports whether the transition does anything at all.
func (t Transition) Changed(prev Lifecycle) bool {
	return t.Next != prev || t.Close != nil || t.Open != "" || len(t.Emit) > 0
}

// Init opens the first page. It is a no-op outside the idle phase.
func (l Lifecycle) Init(path string, now time.Time) Transition {
	if l.Phase != PhaseIdle {
		return Transition{Next: l}
	}
	return Transition{
		Next: Lifecycle{Phase: PhaseTracking, Path: path, EnteredAt: now},
		Open: path,
		Emit: []Emission{{
			Type: models.EventPageView,
			Page: path,
			Data: map[string]any{"page": path, "previousPage": nil},
		}},
	}
}

// Navigate rotates the active page. Navigating to the current path, or
// navigating while not tracking, does nothing.
func (l Lifecycle) Navigate(newPath string, now time.Time) Transition {
	if l.Phase != PhaseTracking || newPath == l.Path {
		return Transition{Next: l}
	}
	duration := now.Sub(l.EnteredAt)
	return Transition{
		Next:       Lifecycle{Phase: PhaseTracking, Path: newPath, EnteredAt: now},
		Close:      &PageClose{Path: l.Path, Duration: duration},
		Open:       newPath,
		ResetDedup: true,
		Emit: []Emission{
			{
				Type: models.EventPageExit,
				Page: l.Path,
				Data: map[string]any{
					"page":      l.Path,
					"duration":  duration.Milliseconds(),
					"maxScroll": l.MaxScroll,
				},
			},
			{
				Type: models.EventPageView,
				Page: newPath,
				Data: map[string]any{"page": newPath, "previousPage": l.Path},
			},
		},
	}
}

// Finalize closes out the time spent on the current page without leaving
// it. The page's clock restarts at now, so finalizing again only adds the
// time since.
func (l Lifecycle) Finalize(now time.Time) Transition {
	if l.Phase != PhaseTracking {
		return Transition{Next: l}
	}
	next := l
	next.EnteredAt = now
	return Transition{
		Next:  next,
		Close: &PageClose{Path: l.Path, Duration: now.Sub(l.EnteredAt)},
	}
}

// End finalizes the current page, emits session_end and moves to the ended
// phase. The session_end event is recorded even if it repeats the previous
// event.
func (l Lifecycle) End(sessionStart, now time.Time) Transition {
	if l.Phase == PhaseEnded {
		return Transition{Next: l}
	}
	t := l.Finalize(now)
	t.ResetDedup = true
	t.Emit = []Emission{{
		Type: models.EventSessionEnd,
		Page: l.Path,
		Data: map[string]any{
			"duration":  now.Sub(sessionStart).Milliseconds(),
			"maxScroll": l.MaxScroll,
		},
	}}
	t.Next = Lifecycle{Phase: PhaseEnded, Path: l.Path, EnteredAt: l.EnteredAt, MaxScroll: l.MaxScroll}
	return t
}

// Scroll raises the page's scroll high-water mark.
func (l Lifecycle) Scroll(percent int) Transition {
	if l.Phase != PhaseTracking || percent <= l.MaxScroll {
		return Transition{Next: l}
	}
	next := l
	next.MaxScroll = percent
	return Transition{Next: next}
}
