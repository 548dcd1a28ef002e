package publish

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/registry"
)

// FailureDetail is everything needed to diagnose a failed publish without
// re-running it.
type FailureDetail struct {
	Stage   string          `json:"stage"`
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Error   string          `json:"error"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	Time    time.Time       `json:"time"`
}

// NewFailureDetail builds a FailureDetail, pulling the registry's error
// payload out of err when there is one.
func NewFailureDetail(stage, name, version string, err error) FailureDetail {
	fd := FailureDetail{
		Stage:   stage,
		Name:    name,
		Version: version,
		Time:    time.Now().UTC(),
	}
	if err != nil {
		fd.Error = err.Error()
		fd.Detail = registry.DetailOf(err)
	}
	return fd
}

// Success describes a publish that reached a terminal success state
type Success struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	State    State     `json:"state"`
	DistPath string    `json:"dist_path,omitempty"`
	Time     time.Time `json:"time"`
}

// Reporter observes publish outcomes. A success clears any earlier
// failure for the same extension.
type Reporter interface {
	ReportFailure(ctx context.Context, fd FailureDetail) error
	ReportSuccess(ctx context.Context, s Success) error
}

// Reporters fans out to every reporter and joins their errors
type Reporters []Reporter

func (rs Reporters) ReportFailure(ctx context.Context, fd FailureDetail) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.ReportFailure(ctx, fd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Reporters) ReportSuccess(ctx context.Context, s Success) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.ReportSuccess(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes outcomes as structured log entries
type LogReporter struct {
	Logger logrus.FieldLogger
}

func (r LogReporter) ReportFailure(_ context.Context, fd FailureDetail) error {
	entry := r.Logger.WithFields(logrus.Fields{
		"stage":     fd.Stage,
		"extension": fd.Name,
		"version":   fd.Version,
		"error":     fd.Error,
	})
	if len(fd.Detail) > 0 {
		entry = entry.WithField("detail", string(fd.Detail))
	}
	entry.Error("Publish failed")
	return nil
}

func (r LogReporter) ReportSuccess(_ context.Context, s Success) error {
	r.Logger.WithFields(logrus.Fields{
		"extension": s.Name,
		"version":   s.Version,
		"state":     s.State,
		"dist_path": s.DistPath,
	}).Info("Publish succeeded")
	return nil
}
