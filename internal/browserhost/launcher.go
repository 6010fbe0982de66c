package browserhost

import (
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/oklog/ulid/v2"
)

type LaunchOptions struct {
	Headless   bool
	ChromePath string
}

// Browser is a launched Chromium instance.
type Browser struct {
	ID  string
	Rod *rod.Browser

	launcher *launcher.Launcher
	logger   *slog.Logger
}

// Launch starts Chromium and connects to it. Without a ChromePath the
// launcher downloads or reuses its managed browser.
func Launch(opts LaunchOptions, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := launcher.New()
	if opts.ChromePath != "" {
		l = l.Bin(opts.ChromePath)
	}
	l = l.
		Headless(opts.Headless).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("window-size", "1920,1080").
		Set("lang", "en-US,en")

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	b := &Browser{ID: ulid.Make().String(), Rod: browser, launcher: l, logger: logger}
	logger.Info("browser launched", "id", b.ID, "headless", opts.Headless)
	return b, nil
}

// Open creates an instrumented page.
func (b *Browser) Open() (*Page, error) {
	return Open(b.Rod, b.logger)
}

func (b *Browser) Close() error {
	err := b.Rod.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	return err
}
