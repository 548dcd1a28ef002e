package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/dist"
	"github.com/platinummonkey/extforge/pkg/observability"
	"github.com/platinummonkey/extforge/pkg/registry"
)

// Validation is the outcome of a dry run
type Validation struct {
	Valid bool
	// Skipped is set when no registry is configured
	Skipped bool
	// Detail is the registry's rejection payload
	Detail   json.RawMessage
	DistPath string
}

// Gate validates artifacts against the registry without uploading them
type Gate struct {
	Registry Registry
	Dist     Dist
	Staging  Staging
	Reporter Reporter
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger
}

// NewGate creates a gate. reg may be nil for local-only builds.
func NewGate(reg Registry, d Dist, s Staging, logger logrus.FieldLogger) *Gate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{Registry: reg, Dist: d, Staging: s, Logger: logger}
}

// Validate dry-runs a against the registry. Without a registry the
// artifact is trivially valid. Valid artifacts are copied to dist; a
// rejected one is not and the error wraps ErrRejected. Either way the
// outer archive leaves staging.
func (g *Gate) Validate(ctx context.Context, a *archive.Artifact) (*Validation, error) {
	logger := g.Logger.WithFields(logrus.Fields{"extension": a.Name, "version": a.Version.String()})
	defer func() {
		if g.Staging == nil {
			return
		}
		if err := g.Staging.Remove(a.FileName); err != nil {
			logger.WithError(err).Warn("Failed to remove artifact from staging")
		}
	}()

	ctx, span := tracer.Start(ctx, "publish.Validate")
	defer span.End()

	v := &Validation{Valid: true}
	if isNil(g.Registry) {
		v.Skipped = true
		g.Metrics.RecordValidation("skipped")
		logger.Debug("No registry configured, skipping validation")
	} else {
		if _, err := g.Registry.Upload(ctx, a.FileName, a.Outer, true); err != nil {
			span.RecordError(err)
			return g.reject(ctx, a, err, logger)
		}
		g.Metrics.RecordValidation("accepted")
		logger.Info("Extension validated")
	}

	if g.Dist != nil {
		path, err := g.Dist.Publish(ctx, a.FileName, a.Outer)
		if err != nil && !errors.Is(err, dist.ErrMirror) {
			return v, fmt.Errorf("copying to dist: %w", err)
		}
		if err != nil {
			logger.WithError(err).Warn("Artifact written to dist but a mirror failed")
		}
		v.DistPath = path
	}
	return v, nil
}

func (g *Gate) reject(ctx context.Context, a *archive.Artifact, err error, logger logrus.FieldLogger) (*Validation, error) {
	v := &Validation{Detail: registry.DetailOf(err)}

	var apiErr *registry.APIError
	if errors.As(err, &apiErr) {
		err = fmt.Errorf("%w: %w", ErrRejected, err)
		g.Metrics.RecordValidation("rejected")
	} else {
		err = fmt.Errorf("validation request failed: %w", err)
		g.Metrics.RecordValidation("error")
	}

	if g.Reporter != nil {
		fd := NewFailureDetail("validate", a.Name, a.Version.String(), err)
		if rerr := g.Reporter.ReportFailure(context.WithoutCancel(ctx), fd); rerr != nil {
			logger.WithError(rerr).Warn("Failed to record validation outcome")
		}
	}
	return v, err
}

// isNil catches typed nil pointers stored in the interface, such as an
// unconfigured *registry.Client.
func isNil(r Registry) bool {
	if r == nil {
		return true
	}
	c, ok := r.(*registry.Client)
	return ok && c == nil
}
