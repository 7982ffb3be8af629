package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
	"github.com/kozaktomas/child-finder/internal/retention"
	"github.com/kozaktomas/child-finder/internal/web"
	"github.com/kozaktomas/child-finder/internal/web/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server with scheduled maintenance",
	Long: `Start the HTTP API. Alongside the server, queued index removals are
retried every minute and the retention sweep runs on its schedule.

Set WEB_API_TOKEN to require "Authorization: Bearer <token>" on every route
except /api/v1/health.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("reconcile", true, "Reconcile the index with the case store before serving")
	serveCmd.Flags().Bool("no-sweep", false, "Do not schedule retention sweeps")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	webCfg := a.cfg.Web
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		webCfg.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		webCfg.Host = host
	}

	registrar, err := a.registry()
	if err != nil {
		return err
	}
	lc := a.lifecycle()

	if mustGetBool(cmd, "reconcile") {
		r, err := a.reconciler()
		if err != nil {
			return err
		}
		if _, err := r.Run(ctx); err != nil {
			return fmt.Errorf("startup reconciliation failed: %w", err)
		}
	}

	var sweeps *retention.Scheduler
	if !mustGetBool(cmd, "no-sweep") {
		schedule, err := a.schedule()
		if err != nil {
			return err
		}
		sweeper, err := a.sweeper()
		if err != nil {
			return err
		}
		sweeps = retention.NewScheduler("retention-sweep", schedule, sweepJob(sweeper), a.cfg.Retention.RunOnStart, a.logger)
	}

	server := web.NewServer(webCfg, web.Services{
		Cases:     a.cases,
		Registrar: registrar,
		Lifecycle: lc,
		Matcher:   a.matcher(),
		Index:     a.index,
		Checks: map[string]handlers.Check{
			"database":  a.pool.Ping,
			"embedding": a.extractor.Health,
		},
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeoutSeconds*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	drain := retention.NewScheduler("outbox-drain", retention.Every(constants.OutboxDrainIntervalSeconds*time.Second),
		drainJob(lc), false, a.logger)
	g.Go(func() error { return drain.Run(ctx) })

	if sweeps != nil {
		g.Go(func() error { return sweeps.Run(ctx) })
	}

	a.logger.Info("child-finder serving", "host", webCfg.Host, "port", webCfg.Port, "index_entries", a.index.Count())

	// the schedulers return ctx.Err() on shutdown
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func drainJob(lc *lifecycle.Manager) retention.Job {
	return func(ctx context.Context, _ time.Time) error {
		_, err := lc.DrainOutbox(ctx)
		return err
	}
}
