// Package tracker wires the session state, activity recorder, error
// collector, identity resolver and reporter into one session tracker.
//
// A Tracker is built synchronously by New and activated by Start. Start
// installs the page listeners and resolves the fingerprint and bot flag in
// the background; Ready is closed once both have settled. EndSession may
// run before that, in which case the unresolved fields are reported as
// null.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vincentbai/sessiontrace/internal/activity"
	"github.com/vincentbai/sessiontrace/internal/errortrack"
	"github.com/vincentbai/sessiontrace/internal/identity"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/navigation"
	"github.com/vincentbai/sessiontrace/internal/pathmatch"
	"github.com/vincentbai/sessiontrace/internal/reporter"
	"github.com/vincentbai/sessiontrace/internal/session"
	"github.com/vincentbai/sessiontrace/internal/transport"
)

// ErrMissingBusinessID is returned by New when Config.BusinessID is empty.
var ErrMissingBusinessID = errors.New("tracker: business id is required")

type Config struct {
	BusinessID    string
	UserID        string
	Endpoint      string
	ExcludePaths  []string
	InputDebounce time.Duration

	// DeliveryTimeout bounds the fallback request; zero keeps the
	// transport default.
	DeliveryTimeout time.Duration
}

// Sender delivers encoded payloads in the background.
type Sender interface {
	Send(ctx context.Context, body []byte)
	Wait()
}

type Tracker struct {
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	disabled bool

	host          Host
	env           Environment
	store         identity.Store
	fingerprinter Fingerprinter
	botDetector   BotDetector
	replay        ReplayRecorder
	sender        Sender
	beacon        transport.Beacon
	httpClient    *http.Client
	scheduler     activity.Scheduler

	identity *identity.Resolver
	activity *activity.Recorder
	errors   *errortrack.Collector
	reporter *reporter.Reporter

	mu          sync.Mutex
	state       *session.State
	started     bool
	replayEnded bool
	botResult   *BotResult
	ready       chan struct{}
	done        chan struct{}
	endOnce     sync.Once
	last        *models.Payload
}

// New builds a tracker for the host's current path. It fails only on
// configuration errors. When the path is excluded the tracker is returned
// disabled: every method is a no-op and EndSession reports nothing.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if cfg.BusinessID == "" {
		return nil, ErrMissingBusinessID
	}
	excluded, err := pathmatch.ParseAll(cfg.ExcludePaths)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid exclude path: %w", err)
	}

	t := &Tracker{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  time.Now,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.host != nil {
		t.env = t.host.Environment()
	}
	if t.env.Path == "" {
		t.env.Path = "/"
	}

	if excluded.Match(t.env.Path) {
		t.logger.Warn("tracking disabled for path", "path", t.env.Path)
		t.disabled = true
		close(t.ready)
		close(t.done)
		return t, nil
	}

	now := t.clock()
	t.state = session.New(t.env.Path, t.env.userInfo(), now)
	t.state.Init(now)

	t.identity = identity.NewResolver(context.Background(), t.store, cfg.UserID, t.logger)
	t.errors = errortrack.NewCollector(t.RecordEvent, t.currentPath, errortrack.WithClock(t.clock))

	activityOpts := []activity.Option{activity.WithInputDebounce(cfg.InputDebounce)}
	if t.scheduler != nil {
		activityOpts = append(activityOpts, activity.WithScheduler(t.scheduler))
	}
	t.activity = activity.NewRecorder(t, activityOpts...)

	if t.sender == nil {
		t.sender = t.newSender()
	}
	t.reporter = reporter.New(t.sender, t.logger)

	t.logger.Debug("session started",
		"session_id", t.state.SessionID,
		"lead_id", t.state.LeadID,
		"path", t.env.Path)
	return t, nil
}

func (t *Tracker) newSender() *transport.Sender {
	opts := []transport.Option{transport.WithLogger(t.logger)}
	beacon := t.beacon
	if beacon == nil {
		if b, ok := t.host.(transport.Beacon); ok {
			beacon = b
		}
	}
	if beacon != nil {
		opts = append(opts, transport.WithBeacon(beacon))
	}
	if t.httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(t.httpClient))
	}
	if t.cfg.DeliveryTimeout > 0 {
		opts = append(opts, transport.WithTimeout(t.cfg.DeliveryTimeout))
	}
	return transport.NewSender(t.cfg.Endpoint, opts...)
}

// Disabled reports whether tracking was switched off for the entry path.
func (t *Tracker) Disabled() bool { return t.disabled }

// Ready is closed once fingerprint and bot detection have settled.
func (t *Tracker) Ready() <-chan struct{} { return t.ready }

// Done is closed once the session has ended.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Payload returns the most recently reported payload, or nil.
func (t *Tracker) Payload() *models.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Start installs the host listeners, patches history navigation (once per
// page), starts the replay recorder and resolves the collaborators in the
// background. Calling it again does nothing.
func (t *Tracker) Start(ctx context.Context) error {
	if t.disabled {
		return nil
	}
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if t.host != nil {
		if err := t.host.Subscribe(t); err != nil {
			return fmt.Errorf("failed to install listeners: %w", err)
		}
		if navigation.Acquire(t.host.ID()) {
			if err := t.host.PatchHistory(t.HandleNavigation); err != nil {
				navigation.Release(t.host.ID())
				t.logger.Warn("history navigation will not be tracked", "error", err)
			}
		}
	}
	if t.replay != nil {
		t.safely("replay start", func() {
			if err := t.replay.Start(); err != nil {
				t.logger.Warn("session replay unavailable", "error", err)
			}
		})
	}

	go t.resolveCollaborators(ctx)
	return nil
}

func (t *Tracker) resolveCollaborators(ctx context.Context) {
	defer close(t.ready)
	var wg sync.WaitGroup
	if t.fingerprinter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.guard("fingerprint")
			id, err := t.fingerprinter.Fingerprint(ctx)
			if err != nil {
				t.logger.Warn("fingerprint unavailable", "error", err)
				return
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			if !t.state.Ended() {
				t.state.UserInfo.Fingerprint = &id
			}
		}()
	}
	if t.botDetector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.guard("bot detection")
			result, err := t.botDetector.Detect(ctx)
			if err != nil {
				t.logger.Warn("bot detection unavailable", "error", err)
				return
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			t.botResult = &result
			if !t.state.Ended() {
				isBot := result.IsBot
				t.state.UserInfo.IsBot = &isBot
			}
		}()
	}
	wg.Wait()
}

// IsBot reports the resolved bot flag; unresolved counts as human.
func (t *Tracker) IsBot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botResult != nil && t.botResult.IsBot
}

// Identity returns the user id resolver, or nil when disabled.
func (t *Tracker) Identity() *identity.Resolver { return t.identity }

// guard keeps a panic in tracking code from reaching the host.
func (t *Tracker) guard(op string) {
	if r := recover(); r != nil {
		t.logger.Warn("tracker recovered from panic", "op", op, "panic", r)
	}
}

// safely runs a collaborator call, recovering any panic it raises.
func (t *Tracker) safely(op string, fn func()) {
	defer t.guard(op)
	fn()
}

func (t *Tracker) currentPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Lifecycle().Path
}

// RecordEvent appends an event to the current page and the session log,
// dropping it if it repeats the previous event exactly.
func (t *Tracker) RecordEvent(eventType string, data map[string]any) {
	if t.disabled {
		return
	}
	defer t.guard("record")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Record(eventType, data, t.clock())
}

// ObserveScroll raises the current page's scroll high-water mark.
func (t *Tracker) ObserveScroll(percent int) {
	if t.disabled {
		return
	}
	defer t.guard("scroll")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Scroll(percent)
}

func (t *Tracker) HandleClick(c activity.Click) {
	if t.disabled {
		return
	}
	defer t.guard("click")
	t.activity.HandleClick(c)
}

func (t *Tracker) HandleInput(in activity.Input) {
	if t.disabled {
		return
	}
	defer t.guard("input")
	t.activity.HandleInput(in)
}

func (t *Tracker) HandleScroll(s activity.Scroll) {
	if t.disabled {
		return
	}
	defer t.guard("scroll")
	t.activity.HandleScroll(s)
}

// HandleNavigation rotates the page record when path differs from the
// current one.
func (t *Tracker) HandleNavigation(path string) {
	if t.disabled {
		return
	}
	defer t.guard("navigation")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Navigate(path, t.clock())
}

func (t *Tracker) HandleError(s errortrack.Signal) {
	if t.disabled {
		return
	}
	defer t.guard("error")
	t.errors.CaptureError(s)
}

func (t *Tracker) HandleRejection(reason, stack string) {
	if t.disabled {
		return
	}
	defer t.guard("rejection")
	t.errors.CaptureRejection(reason, stack)
}

func (t *Tracker) HandleConsole(args ...any) {
	if t.disabled {
		return
	}
	defer t.guard("console")
	t.errors.CaptureConsole(args...)
}

// HandleUnload ends the session with the configured user id.
func (t *Tracker) HandleUnload() {
	t.EndSession(context.Background(), "", nil)
}

// EndSession finalizes the current page, records session_end, and reports
// the payload. userID overrides the resolved id; extra is appended to the
// replay stream. Calling it again re-reports the frozen session. It
// returns nil when tracking is disabled.
func (t *Tracker) EndSession(ctx context.Context, userID string, extra []any) *models.Payload {
	if t.disabled {
		return nil
	}
	defer t.endOnce.Do(func() { close(t.done) })
	defer t.guard("end session")

	t.activity.Stop()
	record := t.stopReplay()
	record = append(record, extra...)

	t.mu.Lock()
	now := t.clock()
	t.state.End(now)
	snapshot := reporter.Snapshot{
		BusinessID:    t.cfg.BusinessID,
		UserInfo:      t.state.UserInfo,
		Events:        t.state.Events(),
		SessionRecord: record,
		Duration:      t.state.Duration(now),
		EntryPage:     t.state.EntryURL,
		ExitPage:      t.state.ExitURL,
	}
	t.mu.Unlock()

	t.errors.Freeze()
	snapshot.Errors = t.errors.Errors()
	snapshot.UserID = userID
	if snapshot.UserID == "" {
		snapshot.UserID = t.identity.UserID()
	}

	payload := reporter.Build(snapshot)
	if err := t.reporter.Report(ctx, payload); err != nil {
		t.logger.Warn("session not reported", "error", err)
	}
	t.mu.Lock()
	t.last = &payload
	t.mu.Unlock()
	return &payload
}

func (t *Tracker) stopReplay() []any {
	if t.replay == nil {
		return nil
	}
	t.mu.Lock()
	first := !t.replayEnded
	t.replayEnded = true
	t.mu.Unlock()
	if first {
		t.safely("replay stop", t.replay.Stop)
	}
	var events []any
	t.safely("replay events", func() {
		events = append([]any{}, t.replay.Events()...)
	})
	return events
}

// Wait blocks until reported payloads have been delivered or dropped.
func (t *Tracker) Wait() {
	if t.sender != nil {
		t.sender.Wait()
	}
}

// Snapshot returns a copy of the session with its summary counters.
func (t *Tracker) Snapshot() models.Session {
	if t.disabled {
		return models.Session{}
	}
	t.mu.Lock()
	events := t.state.Events()
	s := models.Session{
		SessionID:    t.state.SessionID,
		LeadID:       t.state.LeadID,
		CreatedAt:    t.state.CreatedAt.UTC().Format(time.RFC3339Nano),
		EntryURL:     t.state.EntryURL,
		ExitURL:      t.state.ExitURL,
		UserInfo:     t.state.UserInfo,
		Pages:        t.state.Pages(),
		SystemEvents: events,
	}
	t.mu.Unlock()

	s.Errors = t.errors.Errors()
	summary := reporter.Summarize(events)
	s.TotalClicks = summary.TotalClicks
	s.TotalInputs = summary.TotalInputs
	s.TotalPagesVisited = summary.TotalPagesVisited
	return s
}
