package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kozaktomas/child-finder/internal/blobstore"
	"github.com/kozaktomas/child-finder/internal/config"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/database/postgres"
	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
	"github.com/kozaktomas/child-finder/internal/logging"
	"github.com/kozaktomas/child-finder/internal/notify"
	"github.com/kozaktomas/child-finder/internal/registry"
	"github.com/kozaktomas/child-finder/internal/retention"
	"github.com/spf13/cobra"
)

// app holds the stores and services shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	pool      *postgres.Pool
	cases     *postgres.CaseRepository
	index     *database.HNSWIndex // nil for store-only commands
	extractor *fingerprint.Client

	blobs *blobstore.Store // opened on first use, needs the encryption key
}

// newApp loads the configuration, connects to PostgreSQL and opens the index.
// The index is held exclusively, so only one such command runs at a time
// against the same index file.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	a, err := newStoreApp(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.Index.Path), 0o750); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	index, err := database.OpenHNSWIndex(a.cfg.Index.Path, a.cfg.Index.Dim)
	if errors.Is(err, database.ErrIndexLocked) {
		a.Close()
		return nil, fmt.Errorf("opening embedding index: %w (is the server running?)", err)
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening embedding index: %w", err)
	}
	a.index = index
	a.logger.Debug("embedding index loaded", "path", a.cfg.Index.Path, "entries", index.Count())
	return a, nil
}

// newStoreApp is newApp without the index, for commands that only read case records.
func newStoreApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	logger := logging.New(level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	pool, err := postgres.Initialize(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		cases:     postgres.NewCaseRepository(pool),
		extractor: fingerprint.NewClient(cfg.Embedding.URL, cfg.Embedding.Timeout),
	}, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("closing embedding index", "error", err)
		}
	}
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("closing database pool", "error", err)
	}
}

func (a *app) blobStore() (*blobstore.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	key, err := a.cfg.Storage.Key()
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.New(a.cfg.Storage.ImageDir, key)
	if err != nil {
		return nil, fmt.Errorf("opening image store: %w", err)
	}
	a.blobs = blobs
	return blobs, nil
}

func (a *app) registry() (*registry.Service, error) {
	blobs, err := a.blobStore()
	if err != nil {
		return nil, err
	}
	return registry.NewService(a.index, a.cases, blobs, a.extractor, registry.Options{
		Dim:         a.cfg.Index.Dim,
		CountryCode: a.cfg.Notify.CountryCode,
	}, a.logger), nil
}

func (a *app) lifecycle() *lifecycle.Manager {
	return lifecycle.NewManager(a.index, a.cases, a.logger)
}

func (a *app) reconciler() (*lifecycle.Reconciler, error) {
	blobs, err := a.blobStore()
	if err != nil {
		return nil, err
	}
	return lifecycle.NewReconciler(a.index, a.cases, blobs, a.logger), nil
}

func (a *app) matcher() *facematch.Matcher {
	return facematch.NewMatcher(a.index, a.cases, a.extractor, facematch.Options{
		Threshold:      a.cfg.Matching.Threshold,
		BatchThreshold: a.cfg.Matching.BatchThreshold,
		MaxCandidates:  a.cfg.Matching.MaxCandidates,
		Concurrency:    a.cfg.Matching.Concurrency,
		Dim:            a.cfg.Index.Dim,
	}, a.logger)
}

func (a *app) sweeper() (*retention.Sweeper, error) {
	blobs, err := a.blobStore()
	if err != nil {
		return nil, err
	}
	return retention.NewSweeper(a.cases, a.index, blobs, retention.Options{
		Days:   a.cfg.Retention.Days,
		Passes: a.cfg.Retention.Passes,
	}, a.logger), nil
}

func (a *app) schedule() (retention.Schedule, error) {
	return retention.NewSchedule(a.cfg.Retention.Schedule, a.cfg.Retention.DayOfMonth, a.cfg.Retention.Interval)
}

// notifier tries the webhook first when configured and falls back to the log.
func (a *app) notifier() *notify.Chain {
	var methods []notify.Method
	if a.cfg.Notify.WebhookURL != "" {
		webhook := notify.NewWebhookNotifier(a.cfg.Notify.WebhookURL, a.cfg.Embedding.Timeout)
		methods = append(methods, notify.Method{
			Name:     "webhook",
			Notifier: notify.NewThrottled(webhook, a.cfg.Notify.RatePerMinute),
		})
	}
	methods = append(methods, notify.Method{Name: "log", Notifier: notify.NewLogNotifier(a.logger)})
	return notify.NewChain(a.logger, methods...)
}
