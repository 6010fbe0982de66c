// Package transport delivers session payloads to the ingestion endpoint.
//
// Delivery is two-tier: a beacon primitive that is designed not to block
// page teardown is tried first, and a plain HTTP POST is used when no
// beacon is available or it refuses the payload. Failures are logged and
// never returned to the host.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	ContentType = "application/json"

	// DefaultTimeout bounds a fallback request once the caller has gone.
	DefaultTimeout = 10 * time.Second
)

// Method names the tier that delivered a payload.
type Method string

const (
	MethodBeacon Method = "beacon"
	MethodHTTP   Method = "http"
)

// Beacon queues a payload for delivery without waiting for the response.
type Beacon interface {
	SendBeacon(url, contentType string, body []byte) (bool, error)
}

// Prober is implemented by beacons whose availability can change, e.g.
// when the page that provides them has closed.
type Prober interface {
	BeaconSupported() bool
}

// Sender delivers payloads to one endpoint.
type Sender struct {
	endpoint string
	beacon   Beacon
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Sender)

func WithBeacon(b Beacon) Option {
	return func(s *Sender) { s.beacon = b }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Sender) { s.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

func NewSender(endpoint string, opts ...Option) *Sender {
	s := &Sender{
		endpoint: endpoint,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = newClient()
	}
	return s
}

// newClient keeps cookies between requests so fallback deliveries carry
// credentials like a browser request would.
func newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar:       jar,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Send delivers body in the background. It never blocks on the network
// and never fails; use Wait to block until in-flight deliveries finish.
func (s *Sender) Send(ctx context.Context, body []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		method, err := s.Deliver(ctx, body)
		if err != nil {
			s.logger.Warn("session payload lost",
				"endpoint", s.endpoint,
				"size", humanize.Bytes(uint64(len(body))),
				"error", err)
			return
		}
		s.logger.Debug("session payload delivered",
			"method", string(method),
			"size", humanize.Bytes(uint64(len(body))))
	}()
}

// Wait blocks until every Send has finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Deliver tries the beacon, then falls back to HTTP. It reports the tier
// that accepted the payload.
func (s *Sender) Deliver(ctx context.Context, body []byte) (Method, error) {
	if s.beaconAvailable() {
		ok, err := s.beacon.SendBeacon(s.endpoint, ContentType, body)
		switch {
		case err != nil:
			s.logger.Debug("beacon failed, falling back to http", "error", err)
		case ok:
			return MethodBeacon, nil
		default:
			s.logger.Debug("beacon refused payload, falling back to http")
		}
	}
	if err := s.post(ctx, body); err != nil {
		return MethodHTTP, err
	}
	return MethodHTTP, nil
}

func (s *Sender) beaconAvailable() bool {
	if s.beacon == nil {
		return false
	}
	if p, ok := s.beacon.(Prober); ok {
		return p.BeaconSupported()
	}
	return true
}

// post outlives the caller's context so that a delivery started during
// teardown can still complete.
func (s *Sender) post(ctx context.Context, body []byte) error {
	if s.endpoint == "" {
		return errors.New("no endpoint configured")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post payload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ingestion endpoint returned %s", resp.Status)
	}
	return nil
}
