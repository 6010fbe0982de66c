// Package browserhost instruments a Chromium page driven by go-rod so a
// tracker can observe it. An embedded bridge script forwards DOM signals
// to Go through an exposed binding.
package browserhost

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/vincentbai/sessiontrace/internal/navigation"
	"github.com/vincentbai/sessiontrace/internal/tracker"
	"github.com/vincentbai/sessiontrace/internal/transport"
)

//go:embed bridge.js
var bridgeScript string

const bindingName = "__sessiontraceEmit"

// Page is an instrumented browser page. It implements tracker.Host and
// delivers beacons through the page's navigator.sendBeacon.
type Page struct {
	page   *rod.Page
	logger *slog.Logger

	mu         sync.Mutex
	handlers   tracker.Handlers
	onNavigate func(path string)
	onReplay   func(event map[string]any)
	closed     bool

	stopBinding  func() error
	removeBridge func() error
}

// Open creates a blank page in browser and installs the bridge on every
// document it loads. Navigate to the site before building a tracker.
func Open(browser *rod.Browser, logger *slog.Logger) (*Page, error) {
	if logger == nil {
		logger = slog.Default()
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	p := &Page{page: page, logger: logger}

	p.stopBinding, err = page.Expose(bindingName, p.receive)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("failed to expose binding: %w", err)
	}
	p.removeBridge, err = page.EvalOnNewDocument(bridgeScript)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("failed to install bridge: %w", err)
	}
	return p, nil
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to load %s: %w", url, err)
	}
	return nil
}

func (p *Page) ID() string { return string(p.page.TargetID) }

// Environment reads the browser environment. Fields that cannot be read
// are left empty.
func (p *Page) Environment() tracker.Environment {
	var env tracker.Environment
	res, err := p.page.Eval(`() => ({
		path: location.pathname,
		userAgent: navigator.userAgent,
		platform: navigator.platform,
		language: navigator.language,
		screenWidth: screen.width,
		screenHeight: screen.height,
		timezone: Intl.DateTimeFormat().resolvedOptions().timeZone,
	})`)
	if err != nil {
		p.logger.Warn("failed to read page environment", "error", err)
		return env
	}
	if err := decode(res.Value, &env); err != nil {
		p.logger.Warn("failed to decode page environment", "error", err)
	}
	return env
}

func (p *Page) Subscribe(h tracker.Handlers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	p.handlers = h
	return nil
}

func (p *Page) PatchHistory(onNavigate func(path string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	p.onNavigate = onNavigate
	return nil
}

func (p *Page) receive(req gson.JSON) (any, error) {
	raw, err := req.MarshalJSON()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	r := routes{handlers: p.handlers, onNavigate: p.onNavigate, onReplay: p.onReplay}
	p.mu.Unlock()

	if err := dispatch(raw, r); err != nil {
		p.logger.Debug("dropped page signal", "error", err)
	}
	return nil, nil
}

// SendBeacon queues body with navigator.sendBeacon.
func (p *Page) SendBeacon(url, contentType string, body []byte) (bool, error) {
	res, err := p.page.Eval(`(url, body, type) => navigator.sendBeacon(url, new Blob([body], { type }))`,
		url, string(body), contentType)
	if err != nil {
		return false, fmt.Errorf("sendBeacon failed: %w", err)
	}
	return res.Value.Bool(), nil
}

// BeaconSupported reports whether the page is open and exposes
// navigator.sendBeacon.
func (p *Page) BeaconSupported() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	res, err := p.page.Eval(`() => typeof navigator.sendBeacon === 'function'`)
	return err == nil && res.Value.Bool()
}

// Close detaches the bridge and closes the page.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.handlers = nil
	p.onNavigate = nil
	p.onReplay = nil
	p.mu.Unlock()

	if p.removeBridge != nil {
		_ = p.removeBridge()
	}
	if p.stopBinding != nil {
		_ = p.stopBinding()
	}
	// a new page load with the same target gets its history patched again
	navigation.Release(p.ID())
	return p.page.Close()
}

func (p *Page) setReplay(on bool, onReplay func(event map[string]any)) error {
	p.mu.Lock()
	p.onReplay = onReplay
	p.mu.Unlock()
	_, err := p.page.Eval(`(on) => window.__sessiontraceReplay && window.__sessiontraceReplay(on)`, on)
	return err
}

func decode(j gson.JSON, v any) error {
	raw, err := j.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

var (
	_ tracker.Host     = (*Page)(nil)
	_ transport.Beacon = (*Page)(nil)
	_ transport.Prober = (*Page)(nil)
)
