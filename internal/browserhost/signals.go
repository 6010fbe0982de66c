package browserhost

import (
	"encoding/json"
	"fmt"

	"github.com/vincentbai/sessiontrace/internal/activity"
	"github.com/vincentbai/sessiontrace/internal/errortrack"
	"github.com/vincentbai/sessiontrace/internal/tracker"
)

// signal is the envelope the page bridge posts for every DOM event.
type signal struct {
	Kind string `json:"kind"`

	// click
	Button     int               `json:"button"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`

	// click and input
	Tag   string `json:"tag"`
	Value string `json:"value"`

	// input
	ElementID string `json:"elementID"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	ID        string `json:"id"`

	// scroll
	ScrollY        float64 `json:"scrollY"`
	ScrollHeight   float64 `json:"scrollHeight"`
	ViewportHeight float64 `json:"viewportHeight"`

	// error and rejection
	Message string `json:"message"`
	Source  string `json:"source"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Stack   string `json:"stack"`

	// console
	Args []string `json:"args"`

	// navigate
	Path string `json:"path"`

	// replay
	Event map[string]any `json:"event"`
}

// routes are the receivers a decoded signal is delivered to. Nil
// receivers drop their signals.
type routes struct {
	handlers   tracker.Handlers
	onNavigate func(path string)
	onReplay   func(event map[string]any)
}

func dispatch(raw []byte, r routes) error {
	var s signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("failed to decode page signal: %w", err)
	}

	switch s.Kind {
	case "navigate":
		if r.onNavigate != nil {
			r.onNavigate(s.Path)
		}
		return nil
	case "replay":
		if r.onReplay != nil && s.Event != nil {
			r.onReplay(s.Event)
		}
		return nil
	}

	h := r.handlers
	if h == nil {
		return nil
	}
	switch s.Kind {
	case "click":
		h.HandleClick(activity.Click{
			Button:     s.Button,
			X:          s.X,
			Y:          s.Y,
			Tag:        s.Tag,
			Text:       s.Text,
			Value:      s.Value,
			Attributes: s.Attributes,
		})
	case "input":
		h.HandleInput(activity.Input{
			ElementID: s.ElementID,
			Tag:       s.Tag,
			Type:      s.Type,
			Name:      s.Name,
			ID:        s.ID,
			Value:     s.Value,
		})
	case "scroll":
		h.HandleScroll(activity.Scroll{
			ScrollY:        s.ScrollY,
			ScrollHeight:   s.ScrollHeight,
			ViewportHeight: s.ViewportHeight,
		})
	case "error":
		h.HandleError(errortrack.Signal{
			Message: s.Message,
			Source:  s.Source,
			Line:    s.Line,
			Column:  s.Column,
			Stack:   s.Stack,
		})
	case "rejection":
		h.HandleRejection(s.Message, s.Stack)
	case "console":
		args := make([]any, len(s.Args))
		for i, a := range s.Args {
			args[i] = a
		}
		h.HandleConsole(args...)
	case "unload":
		h.HandleUnload()
	default:
		return fmt.Errorf("unknown page signal %q", s.Kind)
	}
	return nil
}
