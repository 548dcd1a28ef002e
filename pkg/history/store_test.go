package history

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extforge/pkg/publish"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, name, ver, status string, started time.Time) Record {
	return Record{
		ID:         id,
		Name:       name,
		Version:    ver,
		Mode:       "fast",
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}
}

func TestStore_RecordAndLatest(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Latest(ctx, "custom:demo")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Record(ctx, record("b1", "custom:demo", "1.0", StatusSucceeded, base)))
	require.NoError(t, s.Record(ctx, record("b2", "custom:demo", "1.1", StatusFailed, base.Add(time.Minute))))
	require.NoError(t, s.Record(ctx, record("b3", "custom:other", "2.0", StatusSucceeded, base.Add(2*time.Minute))))

	latest, err := s.Latest(ctx, "custom:demo")
	require.NoError(t, err)
	assert.Equal(t, "b2", latest.ID)
	assert.Equal(t, StatusFailed, latest.Status)
	assert.Equal(t, 3*time.Second, latest.Duration())
	assert.True(t, latest.StartedAt.Equal(base.Add(time.Minute)))
}

func TestStore_RecordUpserts(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := record("b1", "custom:demo", "1.0", StatusFailed, now)
	require.NoError(t, s.Record(ctx, r))

	r.Status = StatusSucceeded
	r.Version = "1.1"
	r.DistPath = "/dist/custom_demo-1.1.zip"
	require.NoError(t, s.Record(ctx, r))

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusSucceeded, all[0].Status)
	assert.Equal(t, "1.1", all[0].Version)
	assert.Equal(t, "/dist/custom_demo-1.1.zip", all[0].DistPath)
}

func TestStore_List(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, v := range []string{"1.0", "1.1", "1.2"} {
		require.NoError(t, s.Record(ctx, record("demo-"+v, "custom:demo", v, StatusSucceeded, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Record(ctx, record("other", "custom:other", "1.0", StatusSucceeded, base)))

	demo, err := s.List(ctx, "custom:demo", 2)
	require.NoError(t, err)
	require.Len(t, demo, 2)
	assert.Equal(t, "1.2", demo[0].Version)
	assert.Equal(t, "1.1", demo[1].Version)

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_RecordRequiresID(t *testing.T) {
	s := openSQLite(t)
	assert.Error(t, s.Record(context.Background(), Record{Name: "x"}))
}

func TestStore_Status(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, err := s.Status(ctx, "custom:demo")
	assert.ErrorIs(t, err, ErrNotFound)

	fd := publish.NewFailureDetail("upload-attempt", "custom:demo", "1.3", errors.New("registry returned 500"))
	require.NoError(t, s.ReportFailure(ctx, fd))

	st, err := s.Status(ctx, "custom:demo")
	require.NoError(t, err)
	assert.True(t, st.Failed)
	assert.Equal(t, "upload-attempt", st.Stage)
	assert.Equal(t, "registry returned 500", st.Error)

	require.NoError(t, s.ReportSuccess(ctx, publish.Success{Name: "custom:demo", Version: "1.3", State: publish.StateActivated}))
	st, err = s.Status(ctx, "custom:demo")
	require.NoError(t, err)
	assert.False(t, st.Failed)
	assert.Empty(t, st.Error)
	assert.Equal(t, "1.3", st.Version)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := New(nil, DriverPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := New(nil, DriverSQLite)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestStore_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, DriverPostgres)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)")).
		WithArgs("b1", "custom:demo", "1.0", "manual", StatusSucceeded, "", "", "", "", "", started, started).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Record(context.Background(), Record{
		ID: "b1", Name: "custom:demo", Version: "1.0", Mode: "manual", Status: StatusSucceeded,
		StartedAt: started, FinishedAt: started,
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM builds WHERE name = $1 ORDER BY started_at DESC LIMIT 1")).
		WithArgs("custom:demo").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "version", "mode", "status", "stage", "error", "detail", "digest", "dist_path", "started_at", "finished_at",
		}).AddRow("b1", "custom:demo", "1.0", "manual", StatusSucceeded, "", "", "", "abc", "", started, started))

	r, err := s.Latest(context.Background(), "custom:demo")
	require.NoError(t, err)
	assert.Equal(t, "abc", r.Digest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))
	_, err = New(db, DriverSQLite).List(context.Background(), "custom:demo", 5)
	assert.ErrorContains(t, err, "connection reset")
}
