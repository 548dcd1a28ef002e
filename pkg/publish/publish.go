package publish

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/extforge/pkg/registry"
)

var (
	// ErrRejected is returned when the registry refuses a dry run
	ErrRejected = errors.New("artifact rejected by registry")
	// ErrUpload is returned when an artifact could not be uploaded
	ErrUpload = errors.New("upload failed")
	// ErrActivation is returned when an uploaded version could not be
	// activated. The upload itself stands.
	ErrActivation = errors.New("activation failed")
)

// Registry is the subset of the registry API the pipeline needs
type Registry interface {
	ListVersions(ctx context.Context, name string) ([]string, error)
	DeleteVersion(ctx context.Context, name, version string) error
	Upload(ctx context.Context, fileName string, archive []byte, dryRun bool) (*registry.UploadResult, error)
	Activate(ctx context.Context, name, version string) error
}

// Dist receives artifacts that passed validation or were uploaded
type Dist interface {
	Publish(ctx context.Context, name string, data []byte) (string, error)
}

// Staging is where the outer archive waits while it is published
type Staging interface {
	Remove(name string) error
}

// Policy bounds the upload state machine
type Policy struct {
	// QuotaCeiling is how many versions the registry keeps per extension
	QuotaCeiling int
	// RetryDelay is the fixed wait between quota-exceeded uploads
	RetryDelay time.Duration
	// MaxAttempts caps upload attempts, 0 means no cap
	MaxAttempts uint
	// MaxElapsed caps the total time spent retrying, 0 means no cap
	MaxElapsed time.Duration
}

// DefaultPolicy returns the registry's quota and a one second retry delay
// bounded to a minute of attempts.
func DefaultPolicy() Policy {
	return Policy{
		QuotaCeiling: 10,
		RetryDelay:   time.Second,
		MaxAttempts:  60,
		MaxElapsed:   5 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.QuotaCeiling <= 0 {
		p.QuotaCeiling = def.QuotaCeiling
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = def.RetryDelay
	}
	return p
}
