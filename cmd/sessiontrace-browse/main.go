// Command sessiontrace-browse opens a site in Chromium, tracks the session
// while it is browsed, and reports the payload when the page unloads, the
// observation window ends, or the process is interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/vincentbai/sessiontrace/internal/browserhost"
	"github.com/vincentbai/sessiontrace/internal/config"
	"github.com/vincentbai/sessiontrace/internal/database"
	"github.com/vincentbai/sessiontrace/internal/logging"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/telemetry"
	"github.com/vincentbai/sessiontrace/internal/tracker"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:      "sessiontrace-browse",
		Usage:     "track a browsing session in a real browser",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "business-id", Usage: "business id reported with the session"},
			&cli.StringFlag{Name: "user-id", Usage: "known user id"},
			&cli.BoolFlag{Name: "forget-user", Usage: "delete the stored user id before tracking"},
			&cli.StringFlag{Name: "endpoint", Usage: "ingestion endpoint"},
			&cli.StringSliceFlag{Name: "exclude", Usage: "path that disables tracking (literal, /regexp/flags or :param template)"},
			&cli.BoolFlag{Name: "headful", Usage: "show the browser window"},
			&cli.DurationFlag{Name: "duration", Usage: "end the session after this long (0 waits for unload or interrupt)"},
			&cli.BoolFlag{Name: "print", Usage: "print the reported payload to stdout"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("sessiontrace-browse failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	url := cmd.Args().First()
	if url == "" {
		return errors.New("a URL is required")
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	overrideString(&cfg.Tracker.BusinessID, cmd.String("business-id"))
	overrideString(&cfg.Tracker.UserID, cmd.String("user-id"))
	overrideString(&cfg.Tracker.Endpoint, cmd.String("endpoint"))
	if excl := cmd.StringSlice("exclude"); len(excl) > 0 {
		cfg.Tracker.ExcludePaths = excl
	}
	if cmd.Bool("headful") {
		cfg.Browser.Headless = false
	}
	logger := logging.SetDefault(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(telemetry.Options{
			ServiceName: "sessiontrace-browse",
			SampleRatio: cfg.Telemetry.SampleRatio,
			Pretty:      cfg.Telemetry.Pretty,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("failed to flush spans", "error", err)
			}
		}()
	}

	// the local database keeps the user id between runs
	store, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	browser, err := browserhost.Launch(browserhost.LaunchOptions{
		Headless:   cfg.Browser.Headless,
		ChromePath: cfg.Browser.ChromePath,
	}, logger)
	if err != nil {
		return err
	}
	defer browser.Close()

	page, err := browser.Open()
	if err != nil {
		return err
	}
	defer page.Close()
	if err := page.Navigate(url); err != nil {
		return err
	}

	var detectorOpts []browserhost.DetectorOption
	if cfg.Browser.VPNCheckURL != "" {
		detectorOpts = append(detectorOpts, browserhost.WithVPNCheck(cfg.Browser.VPNCheckURL))
	}
	detector := browserhost.NewDetector(page, detectorOpts...)
	t, err := tracker.New(tracker.Config{
		BusinessID:      cfg.Tracker.BusinessID,
		UserID:          cfg.Tracker.UserID,
		Endpoint:        cfg.Tracker.Endpoint,
		ExcludePaths:    cfg.Tracker.ExcludePaths,
		InputDebounce:   cfg.Tracker.InputDebounce,
		DeliveryTimeout: cfg.Tracker.DeliveryTimeout,
	},
		tracker.WithHost(page),
		tracker.WithLogger(logger),
		tracker.WithStore(store),
		tracker.WithFingerprinter(detector),
		tracker.WithBotDetector(detector),
		tracker.WithReplayRecorder(browserhost.NewReplay(page)),
	)
	if err != nil {
		return err
	}
	if t.Disabled() {
		return nil
	}
	if cmd.Bool("forget-user") {
		if err := t.Identity().Clear(ctx); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := cmd.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := t.Start(ctx); err != nil {
		return err
	}
	logger.Info("tracking session", "url", url, "session", t.Snapshot().SessionID)

	var payload *models.Payload
	select {
	case <-ctx.Done():
		payload = t.EndSession(context.Background(), "", nil)
	case <-t.Done():
		payload = t.Payload()
	}
	t.Wait()

	if payload == nil {
		return nil
	}
	logger.Info("session reported",
		"user", t.Identity().UserID(),
		"duration", time.Duration(payload.DurationMS)*time.Millisecond,
		"pages", payload.TotalPagesVisited,
		"clicks", humanize.Comma(int64(payload.TotalClicks)),
		"inputs", humanize.Comma(int64(payload.TotalInputs)),
		"errors", len(payload.Errors),
		"bot", t.IsBot())

	if cmd.Bool("print") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("failed to print payload: %w", err)
		}
	}
	return nil
}

func overrideString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
