package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/extforge/pkg/build"
	"github.com/platinummonkey/extforge/pkg/httputil"
	"github.com/platinummonkey/extforge/pkg/observability"
	"github.com/platinummonkey/extforge/pkg/watch"
)

func newWatchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild, upload and activate on every change",
		Long: `Watch the extension directory and run a fast build (bump, upload, activate)
whenever it changes. A change during a running build cancels that build and
starts over. With --schedule builds also run on a cron schedule, and with
--metrics-addr Prometheus metrics and health checks are served.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatch(cmd.Context())
		},
	}
	cmd.Flags().String("schedule", "", `cron schedule for periodic builds, e.g. "@every 1h"`)
	cmd.Flags().String("metrics-addr", "", "serve /metrics and /health on this address")
	cmd.Flags().Duration("debounce", 0, "quiet period before a change triggers a build")
	_ = a.v.BindPFlag("watch.schedule", cmd.Flags().Lookup("schedule"))
	_ = a.v.BindPFlag("watch.metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	_ = a.v.BindPFlag("watch.debounce", cmd.Flags().Lookup("debounce"))
	return cmd
}

func (a *app) runWatch(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wc := a.cfg.Watch
	p, err := a.pipeline(ctx, nil)
	if err != nil {
		return err
	}
	if !p.env.HasRegistry() {
		_ = p.Close(context.Background())
		return errors.New("watch uploads every change and needs a registry; set registry.url")
	}

	watcher, err := watch.NewWatcher(watch.WatcherConfig{
		Dir:          p.env.ExtensionDir,
		ManifestPath: p.env.ManifestPath,
		Debounce:     wc.Debounce,
	}, a.logger)
	if err != nil {
		_ = p.Close(context.Background())
		return err
	}
	p.orch.Progress = watcher.ProgressSink()

	svc := &watch.Service{
		Supervisor: watch.NewSupervisor(func(ctx context.Context) error {
			res, err := p.orch.Run(ctx, build.Options{Mode: build.ModeFast})
			a.printResult(res)
			return err
		}, a.logger),
		Watcher: watcher,
		Logger:  a.logger,
	}
	if wc.Schedule != "" {
		sched, err := watch.NewScheduler(wc.Schedule, svc.Tick(ctx), a.logger)
		if err != nil {
			_ = p.Close(context.Background())
			return err
		}
		svc.Scheduler = sched
	}

	var server *http.Server
	if wc.MetricsAddr != "" {
		server = a.metricsServer(wc.MetricsAddr, p)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).Error("Metrics server failed")
			}
		}()
		a.logger.WithField("addr", wc.MetricsAddr).Info("Serving metrics and health checks")
	}

	sm := observability.NewShutdownManager(a.logger, server, wc.ShutdownTimeout)
	sm.Register(p.Close)

	runErr := svc.Run(ctx)
	return errors.Join(runErr, sm.Shutdown(context.Background()))
}

func (a *app) metricsServer(addr string, p *pipeline) *http.Server {
	var deps []observability.Dependency
	if p.history != nil {
		deps = append(deps, observability.DatabaseDependency(p.history.DB()))
	}
	if p.redis != nil {
		deps = append(deps, observability.RedisDependency(p.redis))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(p.gatherer))
	observability.RegisterHealthRoutes(mux, observability.NewHealthChecker(deps...))
	return &http.Server{
		Addr:              addr,
		Handler:           httputil.Chain(httputil.Recovery(a.logger), httputil.RequestID, httputil.Logging(a.logger))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
