package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/backend"
	"github.com/platinummonkey/extforge/pkg/dist"
	"github.com/platinummonkey/extforge/pkg/history"
	"github.com/platinummonkey/extforge/pkg/manifest"
	"github.com/platinummonkey/extforge/pkg/observability"
	"github.com/platinummonkey/extforge/pkg/publish"
	"github.com/platinummonkey/extforge/pkg/registry"
	"github.com/platinummonkey/extforge/pkg/signing"
	"github.com/platinummonkey/extforge/pkg/staging"
	"github.com/platinummonkey/extforge/pkg/version"
)

var tracer = otel.Tracer("github.com/platinummonkey/extforge/pkg/build")

// processLocks serialises builds of the same staging directory inside one
// process; the file lock covers other processes.
var processLocks = staging.NewMutexLocker()

// Mode selects what happens after packaging
type Mode string

const (
	// ModeManual validates the artifact and leaves uploading to a later,
	// explicit Upload call.
	ModeManual Mode = "manual"
	// ModeFast always bumps the version and uploads and activates
	// straight away.
	ModeFast Mode = "fast"
)

// Options control a single Run
type Options struct {
	Mode           Mode
	ForceIncrement bool
}

// Result summarises a build
type Result struct {
	BuildID    string
	Mode       Mode
	Name       string
	Version    string
	Decision   version.Decision
	Digest     string
	DistPath   string
	Validation *publish.Validation
	Upload     *publish.Result
	Duration   time.Duration
}

// Orchestrator runs builds for one project
type Orchestrator struct {
	Env         Environment
	Locker      staging.Locker
	Credentials *signing.Store
	// Backend packages manifests that declare a python section
	Backend  backend.Backend
	Dist     publish.Dist
	Reporter publish.Reporter
	History  *history.Store
	Metrics  *observability.Metrics
	Progress ProgressSink
	Logger   logrus.FieldLogger
	Policy   publish.Policy
	Clock    func() time.Time
}

// Option customises an Orchestrator
type Option func(*Orchestrator)

// WithLocker replaces the default in-process plus flock lock
func WithLocker(l staging.Locker) Option {
	return func(o *Orchestrator) { o.Locker = l }
}

// WithBackend sets the packaging backend used for manifests with a python section
func WithBackend(b backend.Backend) Option {
	return func(o *Orchestrator) { o.Backend = b }
}

// WithDist replaces the default dist directory publisher
func WithDist(d publish.Dist) Option {
	return func(o *Orchestrator) { o.Dist = d }
}

// WithReporter sets an extra reporter for upload outcomes
func WithReporter(r publish.Reporter) Option {
	return func(o *Orchestrator) { o.Reporter = r }
}

// WithHistory records every run in h
func WithHistory(h *history.Store) Option {
	return func(o *Orchestrator) { o.History = h }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.Metrics = m }
}

// WithProgress receives phase changes as the build advances
func WithProgress(p ProgressSink) Option {
	return func(o *Orchestrator) { o.Progress = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.Logger = l }
}

// WithPolicy overrides the quota and retry policy
func WithPolicy(p publish.Policy) Option {
	return func(o *Orchestrator) { o.Policy = p }
}

// WithClock sets the time source used for credential validity and history
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.Clock = now }
}

// WithCredentialStore shares a credential cache between runs
func WithCredentialStore(s *signing.Store) Option {
	return func(o *Orchestrator) { o.Credentials = s }
}

// New creates an orchestrator. The environment is resolved first so every
// path is absolute.
func New(env Environment, opts ...Option) (*Orchestrator, error) {
	env, err := env.Resolve()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		Env:         env,
		Locker:      staging.Chain{processLocks, staging.NewFileLocker()},
		Credentials: signing.NewStore(4, 10*time.Minute),
		Progress:    discardProgress{},
		Logger:      logrus.StandardLogger(),
		Policy:      publish.DefaultPolicy(),
		Clock:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Dist == nil {
		o.Dist = dist.NewPublisher(dist.NewDirectory(env.DistDir), o.Logger)
	}
	return o, nil
}

// build carries the state of one Run or Upload
type build struct {
	id      string
	mode    Mode
	started time.Time
	logger  logrus.FieldLogger
	area    *staging.Area
	result  *Result
	name    string
	version string
	digest  string
}

func (b *build) fail(stage string, err error) error {
	return &StageError{Stage: stage, Name: b.name, Version: b.version, Err: err}
}

// Run executes one build. Fast mode implies ForceIncrement and needs a
// registry. The returned error is a *StageError; the Result is filled in
// as far as the build got.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}
	if opts.Mode == ModeFast {
		opts.ForceIncrement = true
	}

	b, ctx, span := o.begin(ctx, "build.Run", opts.Mode)
	res, err := o.run(ctx, b, opts)
	o.finish(ctx, b, span, err)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, b *build, opts Options) (*Result, error) {
	o.progress(b, PhasePrerequisites, "")
	if opts.Mode == ModeFast && !o.Env.HasRegistry() {
		return b.result, b.fail(StagePrerequisites, fmt.Errorf("%w: fast mode needs a registry connection", ErrPrerequisite))
	}

	release, err := o.lock(ctx, b)
	if err != nil {
		return b.result, err
	}
	defer o.release(b, release)

	if err := o.checkPrerequisites(); err != nil {
		return b.result, b.fail(StagePrerequisites, err)
	}

	m, err := manifest.Load(o.Env.ManifestPath)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrPrerequisite, err)
		}
		return b.result, b.fail(StageManifest, err)
	}
	b.name = m.Name
	b.result.Name = m.Name
	b.logger = b.logger.WithField("extension", m.Name)

	decision := version.NewNegotiator(o.lister(), b.logger).Negotiate(ctx, m.Name, m.Version, opts.ForceIncrement)
	b.result.Decision = decision
	b.version = decision.Version.String()
	b.result.Version = b.version
	b.logger = b.logger.WithField("version", b.version)
	if decision.Rewrite {
		if err := manifest.WriteVersion(o.Env.ManifestPath, decision.Version, b.logger); err != nil {
			return b.result, b.fail(StageRewrite, err)
		}
		b.logger.WithFields(logrus.Fields{"from": m.Version.String(), "reason": decision.Reason}).Info("Manifest version updated")
	}

	o.progress(b, PhasePackaging, b.version)
	artifact := archive.NewArtifact(m.Name, decision.Version)
	start := time.Now()
	if m.UsesAlternateBackend() {
		err = o.packageAlternate(ctx, b, artifact)
	} else {
		err = o.packageNative(ctx, b, artifact)
	}
	o.Metrics.RecordPhase("package", time.Since(start))
	if err != nil {
		return b.result, err
	}
	b.digest = artifact.Digest()
	b.result.Digest = b.digest
	if err := b.area.Write(artifact.FileName, artifact.Outer); err != nil {
		return b.result, b.fail(StagePackage, fmt.Errorf("%w: %w", archive.ErrPackaging, err))
	}

	switch opts.Mode {
	case ModeFast:
		o.progress(b, PhaseUploading, b.version)
		return b.result, o.upload(ctx, b, artifact)
	default:
		o.progress(b, PhaseValidating, b.version)
		return b.result, o.validate(ctx, b, artifact)
	}
}

// Upload is the manual-mode hand-off: it pushes the artifact a previous
// Run left in dist for the manifest's current version.
func (o *Orchestrator) Upload(ctx context.Context) (*Result, error) {
	b, ctx, span := o.begin(ctx, "build.Upload", ModeManual)
	res, err := o.handOff(ctx, b)
	o.finish(ctx, b, span, err)
	return res, err
}

func (o *Orchestrator) handOff(ctx context.Context, b *build) (*Result, error) {
	o.progress(b, PhasePrerequisites, "")
	if !o.Env.HasRegistry() {
		return b.result, b.fail(StagePrerequisites, fmt.Errorf("%w: no registry connection configured", ErrPrerequisite))
	}

	release, err := o.lock(ctx, b)
	if err != nil {
		return b.result, err
	}
	defer o.release(b, release)

	m, err := manifest.Load(o.Env.ManifestPath)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrPrerequisite, err)
		}
		return b.result, b.fail(StageManifest, err)
	}
	b.name, b.version = m.Name, m.Version.String()
	b.result.Name, b.result.Version = b.name, b.version
	b.logger = b.logger.WithFields(logrus.Fields{"extension": b.name, "version": b.version})

	artifact := archive.NewArtifact(m.Name, m.Version)
	data, err := os.ReadFile(dist.NewDirectory(o.Env.DistDir).Path(artifact.FileName))
	if err != nil {
		return b.result, b.fail(StagePrerequisites, fmt.Errorf("%w: no validated artifact %s in dist: %w", ErrPrerequisite, artifact.FileName, err))
	}
	artifact.Outer = data
	if artifact.Inner, artifact.Signature, err = archive.SplitOuter(data); err != nil {
		return b.result, b.fail(StagePackage, err)
	}
	b.digest = artifact.Digest()
	b.result.Digest = b.digest

	if err := b.area.Write(artifact.FileName, data); err != nil {
		return b.result, b.fail(StagePackage, fmt.Errorf("%w: %w", archive.ErrPackaging, err))
	}

	o.progress(b, PhaseUploading, b.version)
	return b.result, o.upload(ctx, b, artifact)
}

func (o *Orchestrator) begin(ctx context.Context, spanName string, mode Mode) (*build, context.Context, trace.Span) {
	id := uuid.NewString()
	b := &build{
		id:      id,
		mode:    mode,
		started: o.Clock(),
		result:  &Result{BuildID: id, Mode: mode},
	}
	b.logger = o.Logger.WithFields(logrus.Fields{"build_id": id, "mode": mode})

	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("build.id", id),
		attribute.String("build.mode", string(mode)),
	))
	b.logger = observability.WithTraceContext(ctx, b.logger)
	ctx = observability.WithLogger(ctx, b.logger)
	return b, ctx, span
}

func (o *Orchestrator) finish(ctx context.Context, b *build, span trace.Span, err error) {
	b.result.Duration = o.Clock().Sub(b.started)
	outcome := outcomeOf(err)

	span.SetAttributes(
		attribute.String("extension", b.name),
		attribute.String("version", b.version),
		attribute.String("build.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	o.Metrics.RecordBuild(string(b.mode), outcome, b.result.Duration)
	o.record(ctx, b, err)

	entry := b.logger.WithFields(logrus.Fields{"outcome": outcome, "duration": b.result.Duration})
	if err != nil {
		entry.WithError(err).Error("Build failed")
	} else {
		entry.Info("Build finished")
	}
	o.progress(b, PhaseDone, outcome)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, publish.ErrActivation):
		return "partial"
	case errors.Is(err, publish.ErrRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failure"
	}
}

func (o *Orchestrator) record(ctx context.Context, b *build, err error) {
	if o.History == nil || b.name == "" {
		return
	}
	r := history.Record{
		ID:         b.id,
		Name:       b.name,
		Version:    b.version,
		Mode:       string(b.mode),
		Status:     history.StatusSucceeded,
		Digest:     b.digest,
		DistPath:   b.result.DistPath,
		StartedAt:  b.started,
		FinishedAt: b.started.Add(b.result.Duration),
	}
	if err != nil {
		r.Status = history.StatusFailed
		if errors.Is(err, publish.ErrActivation) {
			r.Status = history.StatusPartial
		}
		var se *StageError
		if errors.As(err, &se) {
			r.Stage = se.Stage
			r.Error = se.Err.Error()
		} else {
			r.Error = err.Error()
		}
		r.Detail = string(registry.DetailOf(err))
	}
	if err := o.History.Record(context.WithoutCancel(ctx), r); err != nil {
		b.logger.WithError(err).Warn("Failed to record build history")
	}
}

func (o *Orchestrator) lock(ctx context.Context, b *build) (staging.ReleaseFunc, error) {
	release, err := o.Locker.Acquire(ctx, o.Env.StagingDir)
	if err != nil {
		return nil, b.fail(StageLock, err)
	}
	area, err := staging.Open(o.Env.StagingDir)
	if err != nil {
		_ = release()
		return nil, b.fail(StageLock, err)
	}
	b.area = area
	return release, nil
}

// release empties staging of this build's files and drops the lock
func (o *Orchestrator) release(b *build, release staging.ReleaseFunc) {
	if err := b.area.Cleanup(); err != nil {
		b.logger.WithError(err).Warn("Failed to clean staging area")
	}
	if err := release(); err != nil {
		b.logger.WithError(err).Warn("Failed to release staging lock")
	}
}

func (o *Orchestrator) checkPrerequisites() error {
	if _, err := os.Stat(o.Env.ManifestPath); err != nil {
		return fmt.Errorf("%w: manifest %s: %w", ErrPrerequisite, o.Env.ManifestPath, err)
	}
	if info, err := os.Stat(o.Env.ExtensionDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: extension directory %s not found", ErrPrerequisite, o.Env.ExtensionDir)
	}
	for _, p := range []struct{ what, path string }{
		{"private key", o.Env.KeyPath},
		{"certificate", o.Env.CertPath},
	} {
		if p.path == "" {
			return fmt.Errorf("%w: no %s configured", ErrPrerequisite, p.what)
		}
		if _, err := os.Stat(p.path); err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrPrerequisite, p.what, p.path, err)
		}
	}
	return nil
}

func (o *Orchestrator) lister() version.Lister {
	if !o.Env.HasRegistry() {
		return nil
	}
	return o.Env.Registry
}

// packageNative zips the extension directory, signs the inner archive and
// wraps both into the outer archive.
func (o *Orchestrator) packageNative(ctx context.Context, b *build, a *archive.Artifact) error {
	_, span := tracer.Start(ctx, "build.package")
	defer span.End()

	inner, err := archive.AssembleInner(o.Env.ExtensionDir)
	if err != nil {
		return b.fail(StagePackage, err)
	}
	a.Inner = inner
	if err := b.area.Write(staging.InnerFile, inner); err != nil {
		return b.fail(StagePackage, fmt.Errorf("%w: %w", archive.ErrPackaging, err))
	}

	start := time.Now()
	creds, err := o.Credentials.Load(o.Env.KeyPath, o.Env.CertPath)
	if err != nil {
		return b.fail(StageSign, err)
	}
	sig, err := signing.NewSigner(creds).WithClock(o.Clock).Sign(inner)
	if err != nil {
		return b.fail(StageSign, err)
	}
	o.Metrics.RecordPhase("sign", time.Since(start))
	a.Signature = sig
	if err := b.area.Write(staging.SignatureFile, sig); err != nil {
		return b.fail(StagePackage, fmt.Errorf("%w: %w", archive.ErrPackaging, err))
	}

	outer, err := archive.AssembleOuter(inner, sig)
	if err != nil {
		return b.fail(StagePackage, err)
	}
	a.Outer = outer
	return nil
}

// packageAlternate hands packaging and signing to the external backend
func (o *Orchestrator) packageAlternate(ctx context.Context, b *build, a *archive.Artifact) error {
	ctx, span := tracer.Start(ctx, "build.package.alternate")
	defer span.End()

	if o.Backend == nil {
		return b.fail(StagePrerequisites, fmt.Errorf("%w: manifest declares a python section but no packaging backend is configured", ErrPrerequisite))
	}
	span.SetAttributes(attribute.String("backend", o.Backend.Name()))

	fused := b.area.Path(staging.FusedCredFile)
	b.area.Track(staging.FusedCredFile)
	if err := signing.FuseCertKey(o.Env.CertPath, o.Env.KeyPath, fused); err != nil {
		return b.fail(StageSign, err)
	}

	// the tool writes its archive into staging, possibly before failing
	if err := b.area.Remove(a.FileName); err != nil {
		return b.fail(StagePackage, fmt.Errorf("%w: %w", archive.ErrPackaging, err))
	}
	b.area.Track(a.FileName)

	outer, err := o.Backend.Build(ctx, backend.Request{
		ProjectDir:  o.Env.ProjectDir,
		StagingDir:  b.area.Dir(),
		CertKeyPath: fused,
		FileName:    a.FileName,
	})
	if errors.Is(err, backend.ErrToolUnavailable) {
		return b.fail(StagePrerequisites, fmt.Errorf("%w: %w", ErrPrerequisite, err))
	}
	if err != nil {
		return b.fail(StagePackage, fmt.Errorf("%w: %w", archive.ErrPackaging, err))
	}

	inner, sig, err := archive.SplitOuter(outer)
	if err != nil {
		return b.fail(StagePackage, err)
	}
	a.Inner, a.Signature, a.Outer = inner, sig, outer
	return nil
}

func (o *Orchestrator) reporter() publish.Reporter {
	rs := publish.Reporters{o.Reporter}
	if o.History != nil {
		rs = append(rs, o.History)
	}
	return rs
}

func (o *Orchestrator) validate(ctx context.Context, b *build, a *archive.Artifact) error {
	gate := publish.NewGate(o.Env.Registry, o.Dist, b.area, b.logger)
	gate.Reporter = o.reporter()
	gate.Metrics = o.Metrics

	v, err := gate.Validate(ctx, a)
	b.result.Validation = v
	if v != nil {
		b.result.DistPath = v.DistPath
	}
	if err != nil {
		return b.fail(StageValidate, err)
	}
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, b *build, a *archive.Artifact) error {
	u := publish.NewUploader(o.Env.Registry, o.Dist, b.area, o.reporter(), b.logger)
	u.Metrics = o.Metrics
	u.Policy = o.Policy

	res, err := u.UploadAndActivate(ctx, a)
	b.result.Upload = res
	if res != nil {
		b.result.DistPath = res.DistPath
	}
	if err != nil {
		return b.fail(StageUpload, err)
	}
	return nil
}

func (o *Orchestrator) progress(b *build, phase Phase, msg string) {
	if o.Progress == nil {
		return
	}
	o.Progress.Progress(Event{BuildID: b.id, Phase: phase, Message: msg})
}
