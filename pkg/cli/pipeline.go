package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/extforge/pkg/backend"
	"github.com/platinummonkey/extforge/pkg/build"
	"github.com/platinummonkey/extforge/pkg/config"
	"github.com/platinummonkey/extforge/pkg/dist"
	"github.com/platinummonkey/extforge/pkg/history"
	"github.com/platinummonkey/extforge/pkg/observability"
	"github.com/platinummonkey/extforge/pkg/registry"
	"github.com/platinummonkey/extforge/pkg/signing"
	"github.com/platinummonkey/extforge/pkg/staging"
)

// pipeline is an orchestrator plus the resources it was built from
type pipeline struct {
	env      build.Environment
	orch     *build.Orchestrator
	history  *history.Store
	redis    *redis.Client
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer

	closers []func(context.Context) error
}

// Close releases every resource; errors are joined
func (p *pipeline) Close(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// paths resolves the project layout without touching the network
func (a *app) paths() (build.Environment, error) {
	cfg := a.cfg
	env := build.Environment{
		ProjectDir:   cfg.Project.Dir,
		ExtensionDir: cfg.Project.ExtensionDir,
		ManifestPath: cfg.Project.Manifest,
		StagingDir:   cfg.Staging.Dir,
		DistDir:      cfg.Dist.Dir,
		KeyPath:      cfg.Credentials.Key,
		CertPath:     cfg.Credentials.Cert,
	}
	return env.Resolve()
}

// environment is paths plus the registry connection when one is
// configured.
func (a *app) environment(ctx context.Context) (build.Environment, error) {
	env, err := a.paths()
	if err != nil || a.cfg.Registry.URL == "" {
		return env, err
	}
	client, err := registry.New(ctx, a.cfg.RegistryClientConfig(), a.logger)
	if err != nil {
		return env, fmt.Errorf("connecting to registry: %w", err)
	}
	env.Registry = client
	return env, nil
}

// pipeline wires an orchestrator from the loaded configuration
func (a *app) pipeline(ctx context.Context, progress build.ProgressSink) (p *pipeline, err error) {
	cfg := a.cfg
	p = &pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close(context.Background())
		}
	}()

	p.env, err = a.environment(ctx)
	if err != nil {
		return p, err
	}

	providers, err := observability.InitOTel(ctx, cfg.OTelConfig(a.version), a.logger)
	if err != nil {
		return p, err
	}
	p.closers = append(p.closers, providers.Shutdown)

	reg := prometheus.NewRegistry()
	p.gatherer = reg
	p.metrics = observability.NewMetrics(reg)
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return p, err
		}
		p.metrics.WithOTel(otelMetrics)
	}

	opts := []build.Option{
		build.WithLogger(a.logger),
		build.WithMetrics(p.metrics),
		build.WithPolicy(cfg.UploadPolicy()),
		build.WithCredentialStore(signing.NewStore(4, cfg.Credentials.CacheTTL)),
	}
	if progress != nil {
		opts = append(opts, build.WithProgress(progress))
	}

	publisher, err := a.distPublisher(ctx, p.env)
	if err != nil {
		return p, err
	}
	opts = append(opts, build.WithDist(publisher))

	if cfg.Lock.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Lock.RedisURL)
		if err != nil {
			return p, fmt.Errorf("invalid lock redis url: %w", err)
		}
		p.redis = redis.NewClient(redisOpts)
		p.closers = append(p.closers, func(context.Context) error { return p.redis.Close() })
		opts = append(opts, build.WithLocker(staging.Chain{
			staging.NewFileLocker(),
			staging.NewRedisLocker(p.redis, cfg.Lock.Prefix, cfg.Lock.TTL, a.logger),
		}))
	}

	if cfg.History.Enabled {
		p.history, err = a.openHistory(ctx, p.env)
		if err != nil {
			return p, err
		}
		p.closers = append(p.closers, func(context.Context) error { return p.history.Close() })
		opts = append(opts, build.WithHistory(p.history))
	}

	if b := a.packagingBackend(ctx); b != nil {
		opts = append(opts, build.WithBackend(b))
		if c, ok := b.(interface{ Close() error }); ok {
			p.closers = append(p.closers, func(context.Context) error { return c.Close() })
		}
	}

	p.orch, err = build.New(p.env, opts...)
	return p, err
}

func (a *app) distPublisher(ctx context.Context, env build.Environment) (*dist.Publisher, error) {
	var mirrors []dist.Mirror
	if s3cfg, ok := a.cfg.S3MirrorConfig(); ok {
		m, err := dist.NewS3Mirror(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return dist.NewPublisher(dist.NewDirectory(env.DistDir), a.logger, mirrors...), nil
}

func (a *app) openHistory(ctx context.Context, env build.Environment) (*history.Store, error) {
	dsn := a.cfg.HistoryDSN(env.StagingDir)
	if a.cfg.History.Driver == history.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	return history.Open(ctx, a.cfg.History.Driver, dsn)
}

// packagingBackend returns nil when none is configured or the docker
// daemon is unreachable; builds that need it then fail their prerequisite
// check.
func (a *app) packagingBackend(ctx context.Context) backend.Backend {
	bc := a.cfg.Backend
	switch bc.Kind {
	case config.BackendExec:
		return backend.NewExecBackend(bc.Tool, bc.Python, a.logger)
	case config.BackendDocker:
		b, err := backend.NewDockerBackend(ctx, bc.Image, bc.Pull, a.logger)
		if err != nil {
			a.logger.WithError(err).Warn("Docker packaging backend unavailable")
			return nil
		}
		if bc.Tool != "" {
			b.Tool = bc.Tool
		}
		if bc.Timeout > 0 {
			b.Timeout = bc.Timeout
		}
		return b
	default:
		return nil
	}
}
