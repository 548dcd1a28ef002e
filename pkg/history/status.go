package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/extforge/pkg/publish"
)

// Status is the last publish outcome of an extension
type Status struct {
	Name      string
	Failed    bool
	Version   string
	Stage     string
	Error     string
	Detail    string
	UpdatedAt time.Time
}

var _ publish.Reporter = (*Store)(nil)

// ReportFailure marks name as failed
func (s *Store) ReportFailure(ctx context.Context, fd publish.FailureDetail) error {
	return s.setStatus(ctx, Status{
		Name:      fd.Name,
		Failed:    true,
		Version:   fd.Version,
		Stage:     fd.Stage,
		Error:     fd.Error,
		Detail:    string(fd.Detail),
		UpdatedAt: fd.Time,
	})
}

// ReportSuccess clears the failure indicator of name
func (s *Store) ReportSuccess(ctx context.Context, sc publish.Success) error {
	return s.setStatus(ctx, Status{
		Name:      sc.Name,
		Version:   sc.Version,
		UpdatedAt: sc.Time,
	})
}

func (s *Store) setStatus(ctx context.Context, st Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	query := s.rebind(`INSERT INTO publish_status (name, failed, version, stage, error, detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			failed = excluded.failed,
			version = excluded.version,
			stage = excluded.stage,
			error = excluded.error,
			detail = excluded.detail,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		st.Name, st.Failed, st.Version, st.Stage, st.Error, st.Detail, st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update publish status of %s: %w", st.Name, err)
	}
	return nil
}

// Status returns the indicator for name
func (s *Store) Status(ctx context.Context, name string) (*Status, error) {
	query := s.rebind(`SELECT name, failed, version, stage, error, detail, updated_at
		FROM publish_status WHERE name = ?`)
	var st Status
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&st.Name, &st.Failed, &st.Version, &st.Stage, &st.Error, &st.Detail, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read publish status: %w", err)
	}
	return &st, nil
}
