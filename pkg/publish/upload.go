package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/dist"
	"github.com/platinummonkey/extforge/pkg/observability"
	"github.com/platinummonkey/extforge/pkg/registry"
)

var tracer = otel.Tracer("github.com/platinummonkey/extforge/pkg/publish")

// State is a step of the upload state machine
type State string

const (
	StateStart         State = "start"
	StateQuotaCheck    State = "quota-check"
	StateEvictIfFull   State = "evict-if-full"
	StateUploadAttempt State = "upload-attempt"
	StateActivated     State = "activated"
	StateUploaded      State = "uploaded"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transition follows s
func (s State) Terminal() bool {
	return s == StateActivated || s == StateUploaded || s == StateFailed
}

// Result records how an upload went
type Result struct {
	Name     string
	Version  string
	State    State
	Path     []State
	Eviction Eviction
	// Attempts counts upload calls, QuotaRetries the waits between them
	Attempts     int
	QuotaRetries int
	DistPath     string
}

func (r *Result) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}

// Uploader pushes artifacts to the registry and activates them
type Uploader struct {
	Registry Registry
	Dist     Dist
	Staging  Staging
	Reporter Reporter
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger
	Policy   Policy
}

// NewUploader creates an uploader with the default policy
func NewUploader(reg Registry, d Dist, s Staging, reporter Reporter, logger logrus.FieldLogger) *Uploader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Uploader{
		Registry: reg,
		Dist:     d,
		Staging:  s,
		Reporter: reporter,
		Logger:   logger,
		Policy:   DefaultPolicy(),
	}
}

// UploadAndActivate runs the state machine for a. The returned Result is
// never nil. An activation failure leaves the result in StateUploaded with
// an ErrActivation error; the artifact still reaches dist because the
// registry holds it. Cancelling ctx abandons the upload without
// activating. The outer archive is removed from staging on every path.
func (u *Uploader) UploadAndActivate(ctx context.Context, a *archive.Artifact) (res *Result, err error) {
	ver := a.Version.String()
	res = &Result{Name: a.Name, Version: ver}
	res.enter(StateStart)
	logger := u.Logger.WithFields(logrus.Fields{"extension": a.Name, "version": ver})
	policy := u.Policy.withDefaults()

	ctx, span := tracer.Start(ctx, "publish.UploadAndActivate")
	span.SetAttributes(attribute.String("extension", a.Name), attribute.String("version", ver))
	defer func() {
		span.SetAttributes(attribute.String("state", string(res.State)), attribute.Int("attempts", res.Attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if u.Staging == nil {
			return
		}
		if rmErr := u.Staging.Remove(a.FileName); rmErr != nil {
			logger.WithError(rmErr).Warn("Failed to remove artifact from staging")
		}
	}()

	fail := func(stage State, cause error) (*Result, error) {
		res.enter(StateFailed)
		u.report(ctx, logger, func(r Reporter, rctx context.Context) error {
			return r.ReportFailure(rctx, NewFailureDetail(string(stage), a.Name, ver, cause))
		})
		return res, cause
	}

	res.enter(StateQuotaCheck)
	versions, err := u.Registry.ListVersions(ctx, a.Name)
	if err != nil {
		return fail(StateQuotaCheck, fmt.Errorf("%w: checking version quota: %w", ErrUpload, err))
	}
	if len(versions) >= policy.QuotaCeiling {
		res.enter(StateEvictIfFull)
		logger.WithField("count", len(versions)).Info("Version quota reached, evicting")
		res.Eviction = Evict(ctx, u.Registry, a.Name, versions, logger)
		u.Metrics.RecordEviction(string(res.Eviction.Outcome))
	}

	res.enter(StateUploadAttempt)
	if _, err := u.upload(ctx, a, policy, res, logger); err != nil {
		return fail(StateUploadAttempt, err)
	}
	logger.WithField("attempts", res.Attempts).Info("Extension uploaded")

	if err := u.Registry.Activate(ctx, a.Name, ver); err != nil {
		res.enter(StateUploaded)
		actErr := fmt.Errorf("%w: %w", ErrActivation, err)
		u.report(ctx, logger, func(r Reporter, rctx context.Context) error {
			return r.ReportFailure(rctx, NewFailureDetail("activate", a.Name, ver, actErr))
		})
		if _, distErr := u.publish(ctx, a, res, logger); distErr != nil {
			return res, errors.Join(actErr, distErr)
		}
		return res, actErr
	}
	res.enter(StateActivated)
	logger.Info("Extension activated")

	if _, err := u.publish(ctx, a, res, logger); err != nil {
		return res, err
	}
	u.report(ctx, logger, func(r Reporter, rctx context.Context) error {
		return r.ReportSuccess(rctx, Success{
			Name:     a.Name,
			Version:  ver,
			State:    res.State,
			DistPath: res.DistPath,
			Time:     time.Now().UTC(),
		})
	})
	return res, nil
}

// upload retries only while the registry reports the quota as full
func (u *Uploader) upload(ctx context.Context, a *archive.Artifact, policy Policy, res *Result, logger logrus.FieldLogger) (*registry.UploadResult, error) {
	op := func() (*registry.UploadResult, error) {
		res.Attempts++
		out, err := u.Registry.Upload(ctx, a.FileName, a.Outer, false)
		switch {
		case err == nil:
			u.Metrics.RecordUploadAttempt("success")
			return out, nil
		case errors.Is(err, registry.ErrQuotaExceeded):
			u.Metrics.RecordUploadAttempt("quota")
			return nil, err
		default:
			u.Metrics.RecordUploadAttempt("error")
			return nil, backoff.Permanent(err)
		}
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.RetryDelay)),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			res.QuotaRetries++
			u.Metrics.RecordQuotaRetry()
			logger.WithField("retry_in", next).Info("Version quota still exceeded, retrying upload")
		}),
	)
	if err == nil {
		return out, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if errors.Is(err, registry.ErrQuotaExceeded) {
		return nil, fmt.Errorf("%w: quota still exceeded after %d attempts: %w", ErrUpload, res.Attempts, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrUpload, err)
}

func (u *Uploader) publish(ctx context.Context, a *archive.Artifact, res *Result, logger logrus.FieldLogger) (string, error) {
	if u.Dist == nil {
		return "", nil
	}
	path, err := u.Dist.Publish(context.WithoutCancel(ctx), a.FileName, a.Outer)
	if err != nil && !errors.Is(err, dist.ErrMirror) {
		return "", fmt.Errorf("copying to dist: %w", err)
	}
	if err != nil {
		logger.WithError(err).Warn("Artifact written to dist but a mirror failed")
	}
	res.DistPath = path
	return path, nil
}

// report runs even after ctx is cancelled so superseded builds still
// leave a status behind.
func (u *Uploader) report(ctx context.Context, logger logrus.FieldLogger, fn func(Reporter, context.Context) error) {
	if u.Reporter == nil {
		return
	}
	if err := fn(u.Reporter, context.WithoutCancel(ctx)); err != nil {
		logger.WithError(err).Warn("Failed to record publish outcome")
	}
}
