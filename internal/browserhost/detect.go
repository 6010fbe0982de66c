package browserhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vincentbai/sessiontrace/internal/tracker"
)

// Probe is the set of navigator properties bot detection and
// fingerprinting read from the page.
type Probe struct {
	Webdriver           bool     `json:"webdriver"`
	UserAgent           string   `json:"userAgent"`
	Plugins             int      `json:"plugins"`
	MaxTouchPoints      int      `json:"maxTouchPoints"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	Languages           []string `json:"languages"`
	Notifications       string   `json:"notifications"` // permission state, "" if the API is missing
	Canvas              string   `json:"canvas"`        // data URL of a rendered test canvas
	Platform            string   `json:"platform"`
	Timezone            string   `json:"timezone"`
	Screen              string   `json:"screen"`
	StorageQuota        int64    `json:"storageQuota"` // bytes, 0 if unknown

	// VPN is filled from the check endpoint, not from the page.
	VPN *bool `json:"-"`
}

const probeScript = `async () => {
	let notifications = '';
	try {
		notifications = (await navigator.permissions.query({ name: 'notifications' })).state;
	} catch (_) {}
	let canvas = '';
	try {
		const c = document.createElement('canvas');
		const ctx = c.getContext('2d');
		ctx.textBaseline = 'top';
		ctx.font = '14px Arial';
		ctx.fillText('sessiontrace', 2, 2);
		canvas = c.toDataURL();
	} catch (_) {}
	let storageQuota = 0;
	try {
		if (navigator.storage && navigator.storage.estimate) {
			storageQuota = (await navigator.storage.estimate()).quota || 0;
		}
	} catch (_) {}
	return {
		webdriver: !!navigator.webdriver,
		userAgent: navigator.userAgent,
		plugins: navigator.plugins ? navigator.plugins.length : 0,
		maxTouchPoints: navigator.maxTouchPoints || 0,
		hardwareConcurrency: navigator.hardwareConcurrency || 0,
		languages: Array.from(navigator.languages || []),
		notifications,
		canvas,
		platform: navigator.platform,
		timezone: Intl.DateTimeFormat().resolvedOptions().timeZone,
		screen: screen.width + 'x' + screen.height + 'x' + screen.colorDepth,
		storageQuota,
	};
}`

// Probe reads the navigator properties from the page.
func (p *Page) Probe(ctx context.Context) (Probe, error) {
	var probe Probe
	res, err := p.page.Context(ctx).Eval(probeScript)
	if err != nil {
		return probe, fmt.Errorf("failed to probe page: %w", err)
	}
	if err := decode(res.Value, &probe); err != nil {
		return probe, fmt.Errorf("failed to decode probe: %w", err)
	}
	return probe, nil
}

var botUserAgentMarkers = []string{"headless", "bot", "crawler", "spider", "phantom", "scrapy", "selenium", "playwright"}

func botUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, marker := range botUserAgentMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

const (
	// BotThreshold is the score at which a visitor is classified as a bot.
	BotThreshold = 40

	// incognitoQuota is the storage quota below which a browser is assumed
	// to run a private window.
	incognitoQuota = 120 << 20
)

// Score classifies a probe. Each signal adds a weight; the total is capped
// at 100.
func Score(p Probe) tracker.BotResult {
	var (
		score   int
		reasons []string
	)
	add := func(weight int, reason string) {
		score += weight
		reasons = append(reasons, reason)
	}

	if p.Webdriver {
		add(40, "webdriver detected")
	}
	if botUserAgent(p.UserAgent) {
		add(40, "user agent indicates bot")
	}
	if p.Plugins == 0 {
		add(10, "no plugins")
	}
	if p.MaxTouchPoints == 0 {
		add(5, "no touch points")
	}
	if p.HardwareConcurrency > 0 && p.HardwareConcurrency < 2 {
		add(5, "low hardware concurrency")
	}
	if len(p.Languages) == 0 {
		add(5, "no languages")
	}
	switch p.Notifications {
	case "denied":
		add(5, "notifications denied")
	case "":
		add(5, "permissions api missing")
	}
	if p.Canvas == "" || p.Canvas == "data:," {
		add(20, "canvas anomaly detected")
	}
	incognito := p.StorageQuota > 0 && p.StorageQuota < incognitoQuota
	if incognito {
		add(5, "incognito mode detected")
	}
	if p.VPN != nil && *p.VPN {
		add(20, "vpn detected")
	}

	return tracker.BotResult{
		IsBot:     score >= BotThreshold,
		Score:     min(score, 100),
		Reasons:   reasons,
		Incognito: incognito,
		VPN:       p.VPN,
	}
}

// Fingerprint hashes the stable parts of a probe.
func Fingerprint(p Probe) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		p.UserAgent,
		p.Platform,
		strings.Join(p.Languages, ","),
		p.Timezone,
		p.Screen,
		fmt.Sprint(p.HardwareConcurrency),
		p.Canvas,
	}, "|")))
	return hex.EncodeToString(sum[:16])
}

// Detector implements tracker.BotDetector and tracker.Fingerprinter on a
// page.
type Detector struct {
	page *Page

	vpnCheckURL string
	client      *http.Client
}

type DetectorOption func(*Detector)

// WithVPNCheck asks url whether the visitor's address belongs to a VPN or
// proxy. The endpoint answers with a JSON object carrying a "vpn" boolean.
func WithVPNCheck(url string) DetectorOption {
	return func(d *Detector) { d.vpnCheckURL = url }
}

func WithDetectorHTTPClient(c *http.Client) DetectorOption {
	return func(d *Detector) { d.client = c }
}

func NewDetector(p *Page, opts ...DetectorOption) *Detector {
	d := &Detector{page: p}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return d
}

func (d *Detector) Detect(ctx context.Context) (tracker.BotResult, error) {
	probe, err := d.page.Probe(ctx)
	if err != nil {
		return tracker.BotResult{}, err
	}
	probe.VPN = d.checkVPN(ctx)
	return Score(probe), nil
}

// checkVPN returns nil when no endpoint is configured or it cannot be
// reached.
func (d *Detector) checkVPN(ctx context.Context) *bool {
	if d.vpnCheckURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.vpnCheckURL, nil)
	if err != nil {
		return nil
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var body struct {
		VPN bool `json:"vpn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	return &body.VPN
}

func (d *Detector) Fingerprint(ctx context.Context) (string, error) {
	probe, err := d.page.Probe(ctx)
	if err != nil {
		return "", err
	}
	return Fingerprint(probe), nil
}

var (
	_ tracker.BotDetector   = (*Detector)(nil)
	_ tracker.Fingerprinter = (*Detector)(nil)
)
