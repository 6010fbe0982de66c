// Package errortrack collects uncaught errors, unhandled rejections and
// console errors, folding repeats of the same signature into one record.
package errortrack

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/vincentbai/sessiontrace/internal/models"
)

// Emitter records the event announcing a newly seen error.
type Emitter func(eventType string, data map[string]any)

// PageFunc returns the path current at capture time.
type PageFunc func() string

// Signal is a captured error before dedup.
type Signal struct {
	Message string
	Source  string
	Line    int
	Column  int
	Stack   string
}

// Collector deduplicates errors by the hash of their message and stack.
// It is safe for concurrent use.
type Collector struct {
	emit  Emitter
	page  PageFunc
	clock func() time.Time

	mu     sync.Mutex
	frozen bool
	errors []*models.TrackedError
	byHash map[string]*models.TrackedError
}

type Option func(*Collector)

func WithClock(clock func() time.Time) Option {
	return func(c *Collector) { c.clock = clock }
}

func NewCollector(emit Emitter, page PageFunc, opts ...Option) *Collector {
	c := &Collector{
		emit:   emit,
		page:   page,
		clock:  time.Now,
		byHash: make(map[string]*models.TrackedError),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hash is a 32-bit rolling string hash (h = h*31 + c over UTF-16 code
// units) of "message|stack", rendered as a signed decimal.
func Hash(message, stack string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(message + "|" + stack)) {
		h = h*31 + int32(unit)
	}
	return strconv.FormatInt(int64(h), 10)
}

// CaptureError records an uncaught script error.
func (c *Collector) CaptureError(s Signal) {
	c.track(s, models.EventError)
}

// CaptureRejection records an unhandled promise rejection.
func (c *Collector) CaptureRejection(reason, stack string) {
	c.track(Signal{Message: reason, Stack: stack}, models.EventUnhandledRejection)
}

// CaptureConsole records a console error call; arguments are joined with
// spaces the way the console prints them.
func (c *Collector) CaptureConsole(args ...any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	c.track(Signal{Message: strings.Join(parts, " ")}, models.EventConsoleError)
}

func (c *Collector) track(s Signal, eventType string) {
	hash := Hash(s.Message, s.Stack)
	now := c.clock().UnixMilli()
	// resolved before locking: the page func takes the tracker's lock
	var page string
	if c.page != nil {
		page = c.page()
	}

	c.mu.Lock()
	if c.frozen {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.byHash[hash]; ok {
		existing.Count++
		existing.LastOccurred = now
		c.mu.Unlock()
		return
	}
	tracked := &models.TrackedError{
		Message:      s.Message,
		Source:       s.Source,
		Lineno:       s.Line,
		Colno:        s.Column,
		Stack:        s.Stack,
		Timestamp:    now,
		Page:         page,
		Count:        1,
		Hash:         hash,
		LastOccurred: now,
	}
	c.byHash[hash] = tracked
	c.errors = append(c.errors, tracked)
	data := eventData(tracked)
	c.mu.Unlock()

	// emit outside the lock: the emitter takes the tracker's lock
	if c.emit != nil {
		c.emit(eventType, data)
	}
}

func eventData(e *models.TrackedError) map[string]any {
	data := map[string]any{
		"message":      e.Message,
		"timestamp":    e.Timestamp,
		"page":         e.Page,
		"count":        e.Count,
		"hash":         e.Hash,
		"lastOccurred": e.LastOccurred,
	}
	if e.Source != "" {
		data["source"] = e.Source
	}
	if e.Lineno != 0 {
		data["lineno"] = e.Lineno
	}
	if e.Colno != 0 {
		data["colno"] = e.Colno
	}
	if e.Stack != "" {
		data["stack"] = e.Stack
	}
	return data
}

// Freeze stops capturing. Signals arriving afterwards are dropped, so the
// collected errors stay as they were when the session ended.
func (c *Collector) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// Errors returns a copy of the tracked errors in first-seen order.
func (c *Collector) Errors() []models.TrackedError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.TrackedError, len(c.errors))
	for i, e := range c.errors {
		out[i] = *e
	}
	return out
}
