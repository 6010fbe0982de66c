package tracker

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vincentbai/sessiontrace/internal/activity"
	"github.com/vincentbai/sessiontrace/internal/identity"
	"github.com/vincentbai/sessiontrace/internal/transport"
)

type Option func(*Tracker)

// WithHost attaches the page to instrument. Its Environment seeds the
// session, and if it implements transport.Beacon the payload is beaconed
// through it.
func WithHost(h Host) Option {
	return func(t *Tracker) { t.host = h }
}

// WithEnvironment sets the environment when no host is attached.
func WithEnvironment(env Environment) Option {
	return func(t *Tracker) { t.env = env }
}

func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithStore sets the durable storage holding the user id.
func WithStore(s identity.Store) Option {
	return func(t *Tracker) { t.store = s }
}

func WithFingerprinter(f Fingerprinter) Option {
	return func(t *Tracker) { t.fingerprinter = f }
}

func WithBotDetector(d BotDetector) Option {
	return func(t *Tracker) { t.botDetector = d }
}

func WithReplayRecorder(r ReplayRecorder) Option {
	return func(t *Tracker) { t.replay = r }
}

func WithBeacon(b transport.Beacon) Option {
	return func(t *Tracker) { t.beacon = b }
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *Tracker) { t.httpClient = c }
}

func WithScheduler(s activity.Scheduler) Option {
	return func(t *Tracker) { t.scheduler = s }
}

// WithSender replaces the transport entirely.
func WithSender(s Sender) Option {
	return func(t *Tracker) { t.sender = s }
}
