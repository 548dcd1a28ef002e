package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSplitStderr(t *testing.T) {
	tests := []struct {
		name        string
		stderr      string
		wantMessage string
		wantDetails []string
	}{
		{
			name:        "plain",
			stderr:      "command not found\n",
			wantMessage: "command not found",
		},
		{
			name:        "sdk error with details",
			stderr:      "2024 ERROR: Could not find setup.py\n+ Traceback line 1\n+ Traceback line 2\n",
			wantMessage: "Could not find setup.py",
			wantDetails: []string{"+Traceback line 1", "+Traceback line 2"},
		},
		{
			name:        "error without details marker",
			stderr:      "ERROR something",
			wantMessage: "ERROR something",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, details := splitStderr(tt.stderr)
			assert.Equal(t, tt.wantMessage, msg)
			if len(tt.wantDetails) == 0 {
				assert.Empty(t, details)
			} else {
				assert.Equal(t, tt.wantDetails, details)
			}
		})
	}
}

func TestTargetPlatform(t *testing.T) {
	assert.Equal(t, "linux_x86_64", targetPlatform("windows"))
	assert.Equal(t, "win_amd64", targetPlatform("linux"))
	assert.Equal(t, "win_amd64", targetPlatform("darwin"))
}

func TestToolError(t *testing.T) {
	err := &ToolError{Message: "boom", ExitCode: 2}
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.Contains(t, err.Error(), "code 2")
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extension.zip"), []byte("inner"), 0o644))

	_, err := collect(dir, "ext-1.0.zip")
	assert.ErrorIs(t, err, ErrBuildFailed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom_ext-1.0.zip"), []byte("outer"), 0o644))
	data, err := collect(dir, "ext-1.0.zip")
	require.NoError(t, err)
	assert.Equal(t, "outer", string(data))
	assert.NoFileExists(t, filepath.Join(dir, "custom_ext-1.0.zip"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ext-1.0.zip"), []byte("exact"), 0o644))
	data, err = collect(dir, "ext-1.0.zip")
	require.NoError(t, err)
	assert.Equal(t, "exact", string(data))
}

func TestContainerSpec(t *testing.T) {
	req := Request{
		ProjectDir:  "/work/project",
		StagingDir:  "/work/staging",
		CertKeyPath: "/work/staging/developer-fused.pem",
	}
	cmd, binds := containerSpec("", req)
	assert.Equal(t, []string{"dt-sdk", "build", "-k", "/staging/developer-fused.pem", "/project", "-t", "/staging", "-e", "win_amd64"}, cmd)
	assert.Equal(t, []string{"/work/project:/project:ro", "/work/staging:/staging"}, binds)

	req.CertKeyPath = "/secrets/fused.pem"
	cmd, binds = containerSpec("sdk", req)
	assert.Equal(t, "/credentials/fused.pem", cmd[3])
	assert.Contains(t, binds, "/secrets:/credentials:ro")
}

func TestExecBackend_ToolMissing(t *testing.T) {
	b := NewExecBackend(filepath.Join(t.TempDir(), "no-such-tool"), "", quietLogger())
	_, err := b.Build(context.Background(), Request{StagingDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrToolUnavailable)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-sdk")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecBackend_Build(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	// the fake writes an archive into the -t directory
	script := writeScript(t, `
if [ "$1" = "--help" ]; then exit 0; fi
while [ $# -gt 0 ]; do
  if [ "$1" = "-t" ]; then shift; printf outer > "$1/ext-1.0.zip"; fi
  shift
done
`)
	staging := t.TempDir()
	b := NewExecBackend(script, "", quietLogger())

	data, err := b.Build(context.Background(), Request{
		ProjectDir:  t.TempDir(),
		StagingDir:  staging,
		CertKeyPath: filepath.Join(staging, "fused.pem"),
		FileName:    "ext-1.0.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, "outer", string(data))
}

func TestExecBackend_BuildFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	script := writeScript(t, `
if [ "$1" = "--help" ]; then exit 0; fi
echo "ERROR: invalid manifest+ detail one+ detail two" >&2
exit 3
`)
	b := NewExecBackend(script, "", quietLogger())
	_, err := b.Build(context.Background(), Request{ProjectDir: t.TempDir(), StagingDir: t.TempDir()})

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, 3, toolErr.ExitCode)
	assert.Equal(t, "invalid manifest", toolErr.Message)
	assert.Equal(t, []string{"+detail one", "+detail two"}, toolErr.Details)
	assert.ErrorIs(t, err, ErrBuildFailed)
}

func TestExecBackend_PythonEnv(t *testing.T) {
	b := NewExecBackend("", "/venvs/ext/bin/python", quietLogger())
	env := b.env()
	assert.Contains(t, env, "VIRTUAL_ENV=/venvs/ext")

	var path string
	for _, e := range env {
		if len(e) > 5 && e[:5] == "PATH=" {
			path = e
		}
	}
	assert.Contains(t, path, "PATH=/venvs/ext/bin")

	assert.Nil(t, NewExecBackend("", "python", quietLogger()).env())
}
