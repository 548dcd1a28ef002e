package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/backend"
	"github.com/platinummonkey/extforge/pkg/history"
	"github.com/platinummonkey/extforge/pkg/manifest"
	"github.com/platinummonkey/extforge/pkg/publish"
	"github.com/platinummonkey/extforge/pkg/registry"
	"github.com/platinummonkey/extforge/pkg/registry/registrytest"
	"github.com/platinummonkey/extforge/pkg/signing"
	"github.com/platinummonkey/extforge/pkg/signing/signingtest"
	"github.com/platinummonkey/extforge/pkg/staging"
)

const (
	extName     = "com.example:myext"
	manifestV12 = "name: com.example:myext\nversion: 1.2\nminDynatraceVersion: \"1.250\"\n# keep this comment\n"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type project struct {
	env Environment
	ca  *signingtest.Identity
}

func newProject(t *testing.T, manifestText string) *project {
	t.Helper()
	root := t.TempDir()
	ext := filepath.Join(root, ExtensionDirName)
	require.NoError(t, os.MkdirAll(filepath.Join(ext, "dashboards"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ext, manifest.DefaultFileName), []byte(manifestText), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ext, "dashboards", "overview.json"), []byte(`{"tiles":[]}`), 0o644))

	ca := signingtest.NewCA(t, "Test Root")
	dev := ca.Issue(t, "Developer")
	keyPath, certPath := dev.WriteFiles(t, t.TempDir())

	return &project{
		ca: ca,
		env: Environment{
			ProjectDir: root,
			KeyPath:    keyPath,
			CertPath:   certPath,
		},
	}
}

func (p *project) manifest(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.env.ProjectDir, ExtensionDirName, manifest.DefaultFileName))
	require.NoError(t, err)
	return string(data)
}

func (p *project) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithLocker(staging.NewMutexLocker())}, opts...)
	o, err := New(p.env, opts...)
	require.NoError(t, err)
	return o
}

// stagingLeftovers lists everything in staging except the lock file
func stagingLeftovers(t *testing.T, o *Orchestrator) []string {
	t.Helper()
	entries, err := os.ReadDir(o.Env.StagingDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.Name() != staging.LockFileName {
			out = append(out, e.Name())
		}
	}
	return out
}

func newClient(t *testing.T, srv *registrytest.Server) *registry.Client {
	t.Helper()
	c, err := registry.New(context.Background(), registry.Config{URL: srv.URL, Token: srv.Token}, quietLogger())
	require.NoError(t, err)
	return c
}

func fastPolicy() publish.Policy {
	return publish.Policy{QuotaCeiling: 10, RetryDelay: 10 * time.Millisecond, MaxAttempts: 5}
}

func TestRun_LocalOnly(t *testing.T) {
	p := newProject(t, manifestV12)
	o := p.orchestrator(t)

	res, err := o.Run(context.Background(), Options{Mode: ModeManual})
	require.NoError(t, err)

	want := filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-1.2.zip")
	assert.Equal(t, want, res.DistPath)
	assert.FileExists(t, want)
	assert.Equal(t, "1.2", res.Version)
	assert.False(t, res.Decision.Rewrite)
	assert.True(t, res.Validation.Skipped)
	assert.Equal(t, manifestV12, p.manifest(t), "manifest untouched")
	assert.Empty(t, stagingLeftovers(t, o))

	// the published archive is complete and its signature checks out
	outer, err := os.ReadFile(want)
	require.NoError(t, err)
	entries, err := archive.Entries(outer)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	inner, sig, err := archive.SplitOuter(outer)
	require.NoError(t, err)
	_, err = signing.Verify(inner, sig, p.ca.Pool())
	require.NoError(t, err)

	files, err := archive.Entries(inner)
	require.NoError(t, err)
	assert.Equal(t, manifestV12, string(files[manifest.DefaultFileName]))
	assert.Equal(t, `{"tiles":[]}`, string(files["dashboards/overview.json"]))
}

func TestRun_RemoteConflictBumpsVersion(t *testing.T) {
	srv := registrytest.New(t)
	srv.SetVersions(extName, "1.0", "1.1", "1.2")

	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t)

	res, err := o.Run(context.Background(), Options{Mode: ModeManual})
	require.NoError(t, err)

	assert.Equal(t, "1.3", res.Version)
	assert.True(t, res.Decision.Rewrite)
	assert.Contains(t, p.manifest(t), "version: 1.3\n")
	assert.Contains(t, p.manifest(t), "# keep this comment\n")
	assert.FileExists(t, filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-1.3.zip"))
	assert.NoFileExists(t, filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-1.2.zip"))
	assert.Equal(t, 1, srv.Calls().Validate)
	assert.Zero(t, srv.Calls().Upload, "manual mode never uploads by itself")
	assert.Empty(t, stagingLeftovers(t, o))
}

func TestRun_FastModeAlwaysIncrements(t *testing.T) {
	srv := registrytest.New(t)

	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t, WithPolicy(fastPolicy()))

	for _, want := range []string{"1.3", "1.4"} {
		res, err := o.Run(context.Background(), Options{Mode: ModeFast})
		require.NoError(t, err)
		assert.Equal(t, want, res.Version)
		assert.Equal(t, publish.StateActivated, res.Upload.State)
		assert.Contains(t, p.manifest(t), "version: "+want+"\n")
		assert.Equal(t, want, srv.Active(extName))
		assert.FileExists(t, filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-"+want+".zip"))
		assert.Empty(t, stagingLeftovers(t, o))
	}
	assert.Equal(t, []string{"1.3", "1.4"}, srv.Versions(extName))
	assert.Zero(t, srv.Calls().Validate)
}

func TestRun_FastModeNeedsRegistry(t *testing.T) {
	p := newProject(t, manifestV12)
	o := p.orchestrator(t)

	_, err := o.Run(context.Background(), Options{Mode: ModeFast})
	assert.ErrorIs(t, err, ErrPrerequisite)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePrerequisites, se.Stage)
	assert.Equal(t, manifestV12, p.manifest(t))
}

func TestRun_Prerequisites(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(t *testing.T, p *project)
		wantStage string
	}{
		{
			name: "missing manifest",
			mutate: func(t *testing.T, p *project) {
				require.NoError(t, os.Remove(filepath.Join(p.env.ProjectDir, ExtensionDirName, manifest.DefaultFileName)))
			},
			wantStage: StagePrerequisites,
		},
		{
			name:      "missing key",
			mutate:    func(t *testing.T, p *project) { p.env.KeyPath = filepath.Join(t.TempDir(), "nope.key") },
			wantStage: StagePrerequisites,
		},
		{
			name:      "no certificate configured",
			mutate:    func(t *testing.T, p *project) { p.env.CertPath = "" },
			wantStage: StagePrerequisites,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, manifestV12)
			tt.mutate(t, p)
			o := p.orchestrator(t)

			_, err := o.Run(context.Background(), Options{})
			assert.ErrorIs(t, err, ErrPrerequisite)
			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantStage, se.Stage)
			assert.Empty(t, stagingLeftovers(t, o))
		})
	}
}

func TestRun_MalformedManifest(t *testing.T) {
	p := newProject(t, "name: com.example:myext\nversion: one\n")
	o := p.orchestrator(t)

	_, err := o.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, manifest.ErrParse)
	assert.NotErrorIs(t, err, ErrPrerequisite)
}

func TestRun_ExpiredCertificate(t *testing.T) {
	p := newProject(t, manifestV12)
	dev := p.ca.IssueValidity(t, "Expired", time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	p.env.KeyPath, p.env.CertPath = dev.WriteFiles(t, t.TempDir())
	o := p.orchestrator(t)

	_, err := o.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, signing.ErrSigning)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSign, se.Stage)
	assert.Equal(t, extName, se.Name)
	assert.Equal(t, "1.2", se.Version)
	assert.Empty(t, stagingLeftovers(t, o), "inner archive must not survive a failed build")
	assert.NoDirExists(t, filepath.Join(p.env.ProjectDir, "dist"))
}

func TestRun_ValidationRejected(t *testing.T) {
	srv := registrytest.New(t)
	srv.RejectValidation("minDynatraceVersion is too old")

	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t)

	res, err := o.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, publish.ErrRejected)
	require.NotNil(t, res.Validation)
	assert.False(t, res.Validation.Valid)
	assert.Contains(t, string(res.Validation.Detail), "minDynatraceVersion is too old")
	assert.NoFileExists(t, filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-1.2.zip"))
	assert.Empty(t, stagingLeftovers(t, o))
}

func TestUpload_HandOff(t *testing.T) {
	srv := registrytest.New(t)
	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t, WithPolicy(fastPolicy()))

	_, err := o.Run(context.Background(), Options{Mode: ModeManual})
	require.NoError(t, err)
	assert.Empty(t, srv.Versions(extName))

	res, err := o.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, publish.StateActivated, res.Upload.State)
	assert.Equal(t, "1.2", srv.Active(extName))
	assert.Empty(t, stagingLeftovers(t, o))
}

func TestUpload_NothingValidated(t *testing.T) {
	srv := registrytest.New(t)
	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t)

	_, err := o.Upload(context.Background())
	assert.ErrorIs(t, err, ErrPrerequisite)
	assert.Zero(t, srv.Calls().Upload)
}

func TestRun_UploadFailureKeepsDistClean(t *testing.T) {
	srv := registrytest.New(t)
	srv.FailUploads(500, "Internal error")

	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t, WithPolicy(fastPolicy()))

	res, err := o.Run(context.Background(), Options{Mode: ModeFast})
	assert.ErrorIs(t, err, publish.ErrUpload)
	assert.Equal(t, publish.StateFailed, res.Upload.State)
	assert.Equal(t, 1, srv.Calls().Upload)
	assert.NoFileExists(t, filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-1.3.zip"))
	assert.Empty(t, stagingLeftovers(t, o))
}

func TestRun_ActivationFailureIsPartial(t *testing.T) {
	srv := registrytest.New(t)
	srv.FailActivation(true)

	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)

	store, err := history.Open(context.Background(), history.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	o := p.orchestrator(t, WithPolicy(fastPolicy()), WithHistory(store))

	res, err := o.Run(context.Background(), Options{Mode: ModeFast})
	assert.ErrorIs(t, err, publish.ErrActivation)
	assert.Equal(t, publish.StateUploaded, res.Upload.State)
	assert.FileExists(t, res.DistPath)

	rec, err := store.Latest(context.Background(), extName)
	require.NoError(t, err)
	assert.Equal(t, history.StatusPartial, rec.Status)
	assert.Equal(t, StageUpload, rec.Stage)

	st, err := store.Status(context.Background(), extName)
	require.NoError(t, err)
	assert.True(t, st.Failed)
	assert.Equal(t, "activate", st.Stage)
}

func TestRun_CancelledDuringQuotaRetry(t *testing.T) {
	srv := registrytest.New(t)
	srv.FailUploadsWithQuota(1000)

	p := newProject(t, manifestV12)
	p.env.Registry = newClient(t, srv)
	o := p.orchestrator(t, WithPolicy(publish.Policy{RetryDelay: time.Second}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	res, err := o.Run(ctx, Options{Mode: ModeFast})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, publish.StateFailed, res.Upload.State)
	assert.Zero(t, srv.Calls().Activate)
	assert.Empty(t, stagingLeftovers(t, o))
	assert.NoFileExists(t, filepath.Join(p.env.ProjectDir, "dist", "com.example_myext-1.3.zip"))
}

func TestRun_History(t *testing.T) {
	store, err := history.Open(context.Background(), history.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := newProject(t, manifestV12)
	o := p.orchestrator(t, WithHistory(store))

	res, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)

	rec, err := store.Latest(context.Background(), extName)
	require.NoError(t, err)
	assert.Equal(t, res.BuildID, rec.ID)
	assert.Equal(t, history.StatusSucceeded, rec.Status)
	assert.Equal(t, res.Digest, rec.Digest)
	assert.Equal(t, res.DistPath, rec.DistPath)
	assert.Equal(t, string(ModeManual), rec.Mode)
}

func TestRun_Progress(t *testing.T) {
	p := newProject(t, manifestV12)
	var phases []Phase
	o := p.orchestrator(t, WithProgress(ProgressFunc(func(e Event) {
		assert.NotEmpty(t, e.BuildID)
		phases = append(phases, e.Phase)
	})))

	_, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhasePrerequisites, PhasePackaging, PhaseValidating, PhaseDone}, phases)
}

// stubBackend writes a canned archive the way the SDK would
type stubBackend struct {
	outer []byte
	err   error

	mu       sync.Mutex
	requests []backend.Request
	fusedSaw bool
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Build(ctx context.Context, req backend.Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	_, statErr := os.Stat(req.CertKeyPath)
	s.fusedSaw = statErr == nil
	return s.outer, s.err
}

const pythonManifest = manifestV12 + "python:\n  runtime:\n    module: myext\n"

func TestRun_AlternateBackend(t *testing.T) {
	p := newProject(t, pythonManifest)
	stub := &stubBackend{outer: registrytest.Archive(t, extName, "1.2")}
	o := p.orchestrator(t, WithBackend(stub))

	res, err := o.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.FileExists(t, res.DistPath)

	require.Len(t, stub.requests, 1)
	req := stub.requests[0]
	assert.Equal(t, p.env.ProjectDir, req.ProjectDir)
	assert.Equal(t, "com.example_myext-1.2.zip", req.FileName)
	assert.True(t, stub.fusedSaw, "fused credentials exist while the backend runs")
	assert.Empty(t, stagingLeftovers(t, o), "fused credentials are removed afterwards")
}

func TestRun_AlternateBackendMissing(t *testing.T) {
	tests := []struct {
		name    string
		backend backend.Backend
		wantErr error
	}{
		{name: "not configured", wantErr: ErrPrerequisite},
		{name: "tool unavailable", backend: &stubBackend{err: backend.ErrToolUnavailable}, wantErr: ErrPrerequisite},
		{name: "tool failed", backend: &stubBackend{err: &backend.ToolError{Message: "bad setup.py", ExitCode: 1}}, wantErr: archive.ErrPackaging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, pythonManifest)
			opts := []Option{}
			if tt.backend != nil {
				opts = append(opts, WithBackend(tt.backend))
			}
			o := p.orchestrator(t, opts...)

			_, err := o.Run(context.Background(), Options{})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, stagingLeftovers(t, o))
		})
	}
}

// fakeSDK writes a script that drops an archive into its -t directory and
// then exits with code
func fakeSDK(t *testing.T, code int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-sdk")
	script := fmt.Sprintf(`#!/bin/sh
if [ "$1" = "--help" ]; then exit 0; fi
while [ $# -gt 0 ]; do
  if [ "$1" = "-t" ]; then shift; printf partial > "$1/com.example_myext-1.2.zip"; fi
  shift
done
echo "ERROR: wheel build failed+trace" >&2
exit %d
`, code)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRun_AlternateBackendFailureCleansStaging(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	p := newProject(t, pythonManifest)
	o := p.orchestrator(t, WithBackend(backend.NewExecBackend(fakeSDK(t, 1), "", quietLogger())))

	_, err := o.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, archive.ErrPackaging)

	var toolErr *backend.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "wheel build failed", toolErr.Message)
	assert.Empty(t, stagingLeftovers(t, o), "partial archive is removed")
}

func TestRun_AlternateBackendIgnoresStaleArchive(t *testing.T) {
	p := newProject(t, pythonManifest)
	stub := &stubBackend{err: &backend.ToolError{Message: "bad setup.py", ExitCode: 1}}
	o := p.orchestrator(t, WithBackend(stub))

	require.NoError(t, os.MkdirAll(o.Env.StagingDir, 0o755))
	stale := filepath.Join(o.Env.StagingDir, "com.example_myext-1.2.zip")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	_, err := o.Run(context.Background(), Options{})
	assert.ErrorIs(t, err, archive.ErrPackaging)
	assert.NoFileExists(t, stale)
}

func TestRun_SerialisedPerProject(t *testing.T) {
	p := newProject(t, manifestV12)
	o := p.orchestrator(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Run(context.Background(), Options{})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, stagingLeftovers(t, o))
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := &StageError{Stage: StageSign, Name: extName, Version: "1.2", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "build of com.example:myext 1.2 failed during sign: boom", err.Error())
	assert.Equal(t, "build failed during lock: boom", (&StageError{Stage: StageLock, Err: cause}).Error())
}

func TestEnvironment_Resolve(t *testing.T) {
	_, err := Environment{}.Resolve()
	assert.Error(t, err)

	root := t.TempDir()
	env, err := Environment{ProjectDir: root, DistDir: "out"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "extension"), env.ExtensionDir)
	assert.Equal(t, filepath.Join(root, "extension", "extension.yaml"), env.ManifestPath)
	assert.Equal(t, filepath.Join(root, "out"), env.DistDir)
	assert.False(t, env.HasRegistry())
}
