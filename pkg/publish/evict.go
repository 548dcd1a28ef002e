package publish

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// EvictionOutcome names the branch Evict took
type EvictionOutcome string

const (
	EvictionNone   EvictionOutcome = "none"
	EvictedOldest  EvictionOutcome = "oldest"
	EvictedNewest  EvictionOutcome = "newest"
	EvictionFailed EvictionOutcome = "failed"
)

// Eviction is the result of one eviction pass
type Eviction struct {
	Outcome EvictionOutcome
	// Version is the deleted version, empty unless something was deleted
	Version string
	// Err joins the deletion errors when Outcome is EvictionFailed or
	// the oldest version could not be deleted
	Err error
}

// Deleter removes one remote version
type Deleter interface {
	DeleteVersion(ctx context.Context, name, version string) error
}

// Evict frees one slot for name. versions is ordered oldest first. The
// oldest is deleted when possible, otherwise the newest. Failing both is
// reported in the outcome and never returned as an error: the upload is
// attempted regardless.
func Evict(ctx context.Context, d Deleter, name string, versions []string, logger logrus.FieldLogger) Eviction {
	if len(versions) == 0 {
		return Eviction{Outcome: EvictionNone}
	}

	oldest := versions[0]
	errOldest := d.DeleteVersion(ctx, name, oldest)
	if errOldest == nil {
		logger.WithField("evicted", oldest).Info("Evicted oldest version")
		return Eviction{Outcome: EvictedOldest, Version: oldest}
	}
	logger.WithError(errOldest).WithField("version", oldest).Warn("Could not evict oldest version, trying newest")

	newest := versions[len(versions)-1]
	if newest == oldest {
		return Eviction{Outcome: EvictionFailed, Err: errOldest}
	}
	errNewest := d.DeleteVersion(ctx, name, newest)
	if errNewest == nil {
		logger.WithField("evicted", newest).Info("Evicted newest version")
		return Eviction{Outcome: EvictedNewest, Version: newest, Err: errOldest}
	}

	logger.WithError(errNewest).WithField("version", newest).Warn("Could not evict newest version, uploading anyway")
	return Eviction{Outcome: EvictionFailed, Err: errors.Join(errOldest, errNewest)}
}
