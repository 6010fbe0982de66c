// Package activity turns raw DOM signals (clicks, keystrokes, scrolling)
// into normalized tracker events.
package activity

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/vincentbai/sessiontrace/internal/models"
)

const (
	// DefaultInputDebounce is the trailing-edge delay before an input
	// value is recorded.
	DefaultInputDebounce = 500 * time.Millisecond

	// MaxInputValue is the number of characters of an input value kept.
	MaxInputValue = 50

	// TrackAttribute opts an arbitrary element into click tracking when
	// set to "true".
	TrackAttribute = "data-track"
)

// Sink receives the events and scroll positions produced by a Recorder.
type Sink interface {
	RecordEvent(eventType string, data map[string]any)
	ObserveScroll(percent int)
}

// Click is a click on a DOM element.
type Click struct {
	Button     int               `json:"button"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Value      string            `json:"value"`
	Attributes map[string]string `json:"attributes"`
}

// Input is a keystroke on a form element. ElementID identifies the element
// across keystrokes so that each element has its own debounce timer.
type Input struct {
	ElementID string `json:"elementId"`
	Tag       string `json:"tag"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	ID        string `json:"id"`
	Value     string `json:"value"`
}

// Scroll is a scroll position of the document.
type Scroll struct {
	ScrollY        float64 `json:"scrollY"`
	ScrollHeight   float64 `json:"scrollHeight"`
	ViewportHeight float64 `json:"viewportHeight"`
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests substitute a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Recorder applies the click filter, input debounce and scroll high-water
// logic before handing events to its sink.
type Recorder struct {
	sink      Sink
	scheduler Scheduler
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]Timer
}

type Option func(*Recorder)

func WithScheduler(s Scheduler) Option {
	return func(r *Recorder) { r.scheduler = s }
}

func WithInputDebounce(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.debounce = d
		}
	}
}

func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:      sink,
		scheduler: realScheduler{},
		debounce:  DefaultInputDebounce,
		pending:   make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trackable reports whether clicks on the element are recorded: buttons,
// links, and anything carrying data-track="true".
func (c Click) Trackable() bool {
	switch strings.ToUpper(c.Tag) {
	case "BUTTON", "A":
		return true
	}
	return c.Attributes[TrackAttribute] == "true"
}

func (r *Recorder) HandleClick(c Click) {
	if !c.Trackable() {
		return
	}
	text := c.Text
	if text == "" {
		text = c.Value
	}
	r.sink.RecordEvent(models.EventClick, map[string]any{
		"button": c.Button,
		"x":      c.X,
		"y":      c.Y,
		"target": strings.ToUpper(c.Tag),
		"text":   text,
	})
}

var nonTextInputTypes = map[string]bool{
	"button":   true,
	"checkbox": true,
	"color":    true,
	"file":     true,
	"hidden":   true,
	"image":    true,
	"password": true,
	"radio":    true,
	"range":    true,
	"reset":    true,
	"submit":   true,
}

// TextLike reports whether the element holds free text worth recording.
func (in Input) TextLike() bool {
	switch strings.ToUpper(in.Tag) {
	case "TEXTAREA":
		return true
	case "INPUT":
		return !nonTextInputTypes[strings.ToLower(in.Type)]
	}
	return false
}

// HandleInput restarts the element's debounce timer. The value is recorded
// once the element has been quiet for the debounce interval.
func (r *Recorder) HandleInput(in Input) {
	if !in.TextLike() {
		return
	}
	key := in.ElementID
	if key == "" {
		key = in.Tag + "#" + in.ID + "#" + in.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.pending[key]; ok {
		prev.Stop()
	}
	var timer Timer
	timer = r.scheduler.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		if r.pending[key] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.pending, key)
		r.mu.Unlock()
		r.flushInput(in)
	})
	r.pending[key] = timer
}

func (r *Recorder) flushInput(in Input) {
	if in.Value == "" {
		return
	}
	var name any
	switch {
	case in.Name != "":
		name = in.Name
	case in.ID != "":
		name = in.ID
	}
	runes := []rune(in.Value)
	value := in.Value
	if len(runes) > MaxInputValue {
		value = string(runes[:MaxInputValue])
	}
	r.sink.RecordEvent(models.EventInput, map[string]any{
		"tag":    strings.ToUpper(in.Tag),
		"name":   name,
		"value":  value,
		"length": len(runes),
	})
}

// Pending returns the number of inputs waiting on their debounce timer.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels every pending input timer.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.pending {
		t.Stop()
		delete(r.pending, key)
	}
}

// ScrollPercent returns the share of the scrollable distance traversed,
// or false when the document cannot scroll.
func ScrollPercent(s Scroll) (int, bool) {
	scrollable := s.ScrollHeight - s.ViewportHeight
	if scrollable <= 0 {
		return 0, false
	}
	percent := int(math.Round(s.ScrollY / scrollable * 100))
	// overscroll bounce can report positions outside the document
	return min(max(percent, 0), 100), true
}

func (r *Recorder) HandleScroll(s Scroll) {
	percent, ok := ScrollPercent(s)
	if !ok {
		return
	}
	r.sink.ObserveScroll(percent)
}
