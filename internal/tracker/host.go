package tracker

import (
	"context"
	"strings"

	"github.com/vincentbai/sessiontrace/internal/activity"
	"github.com/vincentbai/sessiontrace/internal/errortrack"
	"github.com/vincentbai/sessiontrace/internal/models"
)

// Environment is the browser snapshot taken when a tracker is built.
type Environment struct {
	Path         string `json:"path"`
	UserAgent    string `json:"userAgent"`
	Platform     string `json:"platform"`
	Language     string `json:"language"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	Timezone     string `json:"timezone"`
}

// DeviceType classifies the user agent as mobile or desktop.
func (e Environment) DeviceType() string {
	ua := strings.ToLower(e.UserAgent)
	if strings.Contains(ua, "mobi") || strings.Contains(ua, "android") {
		return "mobile"
	}
	return "desktop"
}

func (e Environment) userInfo() models.UserInfo {
	return models.UserInfo{
		Browser:    e.UserAgent,
		Platform:   e.Platform,
		Language:   e.Language,
		DeviceType: e.DeviceType(),
		Screen:     models.Screen{Width: e.ScreenWidth, Height: e.ScreenHeight},
		Timezone:   e.Timezone,
	}
}

// Handlers receives the DOM and browser signals of an instrumented page.
// *Tracker implements it.
type Handlers interface {
	HandleClick(activity.Click)
	HandleInput(activity.Input)
	HandleScroll(activity.Scroll)
	HandleNavigation(path string)
	HandleError(errortrack.Signal)
	HandleRejection(reason, stack string)
	HandleConsole(args ...any)
	HandleUnload()
}

// Host is the page a tracker instruments.
type Host interface {
	// ID identifies the page load; history is patched once per ID.
	ID() string
	Environment() Environment
	// Subscribe installs the DOM listeners. They stay for the page's life.
	Subscribe(h Handlers) error
	// PatchHistory intercepts push/replace navigation and back/forward.
	PatchHistory(onNavigate func(path string)) error
}

// Fingerprinter resolves a device fingerprint.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// BotResult is the outcome of bot detection.
type BotResult struct {
	IsBot     bool     `json:"isBot"`
	Score     int      `json:"score"`
	Reasons   []string `json:"reasons"`
	Incognito bool     `json:"incognito"`
	VPN       *bool    `json:"vpn"` // nil when not checked
}

// BotDetector classifies the visitor.
type BotDetector interface {
	Detect(ctx context.Context) (BotResult, error)
}

// ReplayRecorder records an opaque session replay stream that is passed
// through as the payload's session_record.
type ReplayRecorder interface {
	Start() error
	Stop()
	Events() []any
}

var _ Handlers = (*Tracker)(nil)
