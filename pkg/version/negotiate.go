package version

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrNegotiation marks a failure to learn which versions already exist
// remotely. It never aborts a build; negotiation falls back to local-only.
var ErrNegotiation = errors.New("remote version list unavailable")

// Reason explains why a Decision was reached
type Reason string

const (
	ReasonUnchanged      Reason = "unchanged"
	ReasonForced         Reason = "forced"
	ReasonRemoteConflict Reason = "remote-conflict"
)

// Decision is the outcome of a negotiation
type Decision struct {
	Version Version
	// Rewrite is set when the manifest on disk must be updated to Version
	// before packaging.
	Rewrite bool
	Reason  Reason
}

// Decide picks the version to publish. It is pure: the same inputs always
// produce the same decision.
func Decide(current Version, force bool, remote []Version) Decision {
	if force {
		return Decision{Version: current.Increment(), Rewrite: true, Reason: ReasonForced}
	}
	for _, r := range remote {
		if r.Equal(current) {
			return Decision{Version: current.Increment(), Rewrite: true, Reason: ReasonRemoteConflict}
		}
	}
	return Decision{Version: current, Rewrite: false, Reason: ReasonUnchanged}
}

// Lister returns the version strings a registry holds for name, oldest first
type Lister interface {
	ListVersions(ctx context.Context, name string) ([]string, error)
}

// Negotiator couples Decide with a fresh remote lookup
type Negotiator struct {
	// Lister is nil when no registry is connected
	Lister Lister
	Logger logrus.FieldLogger
}

// NewNegotiator creates a negotiator. lister may be nil.
func NewNegotiator(lister Lister, logger logrus.FieldLogger) *Negotiator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Negotiator{Lister: lister, Logger: logger}
}

// Negotiate fetches the remote version set for name and decides. A failed
// fetch is logged and treated as an empty remote set.
func (n *Negotiator) Negotiate(ctx context.Context, name string, current Version, force bool) Decision {
	remote, err := n.remote(ctx, name)
	if err != nil {
		n.Logger.WithError(err).WithField("extension", name).Warn("Negotiating version without remote state")
		remote = nil
	}

	d := Decide(current, force, remote)
	n.Logger.WithFields(logrus.Fields{
		"extension": name,
		"current":   current.String(),
		"chosen":    d.Version.String(),
		"reason":    d.Reason,
	}).Debug("Version negotiated")
	return d
}

func (n *Negotiator) remote(ctx context.Context, name string) ([]Version, error) {
	if n.Lister == nil {
		return nil, nil
	}

	raw, err := n.Lister.ListVersions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	out := make([]Version, 0, len(raw))
	for _, s := range raw {
		v, err := Parse(s)
		if err != nil {
			n.Logger.WithField("version", s).Debug("Skipping unparseable remote version")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
