package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExecBackend runs the SDK as a local child process
type ExecBackend struct {
	// Tool is the command name or path, DefaultTool when empty
	Tool string
	// PythonPath points at the interpreter of a virtual environment. When
	// set, its bin directory is put first on PATH and VIRTUAL_ENV is set.
	PythonPath string
	Logger     logrus.FieldLogger
}

// NewExecBackend creates a local backend
func NewExecBackend(tool, pythonPath string, logger logrus.FieldLogger) *ExecBackend {
	if tool == "" {
		tool = DefaultTool
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ExecBackend{Tool: tool, PythonPath: pythonPath, Logger: logger}
}

// Name identifies the backend in logs
func (b *ExecBackend) Name() string {
	return "exec"
}

// Build probes the tool, then runs the SDK build into the staging directory
func (b *ExecBackend) Build(ctx context.Context, req Request) ([]byte, error) {
	env := b.env()

	if _, err := b.run(ctx, env, "--help"); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, b.Tool, err)
	}

	args := []string{
		"build",
		"-k", req.CertKeyPath,
		req.ProjectDir,
		"-t", req.StagingDir,
		"-e", TargetPlatform(),
	}
	stdout, err := b.run(ctx, env, args...)
	if err != nil {
		return nil, err
	}
	b.Logger.WithField("tool", b.Tool).Debug(strings.TrimSpace(stdout))

	return collect(req.StagingDir, req.FileName)
}

func (b *ExecBackend) env() []string {
	if b.PythonPath == "" || b.PythonPath == "python" {
		return nil
	}
	bin := filepath.Dir(b.PythonPath)
	return append(os.Environ(),
		"PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"),
		"VIRTUAL_ENV="+filepath.Dir(bin),
	)
}

func (b *ExecBackend) run(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.Tool, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.Logger.WithFields(logrus.Fields{"tool": b.Tool, "args": args}).Debug("Running build tool")
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", err
	}
	msg, details := splitStderr(stderr.String())
	b.Logger.WithFields(logrus.Fields{
		"error":          msg,
		"detailedOutput": details,
	}).Error("Build tool failed")
	return "", &ToolError{Message: msg, Details: details, ExitCode: exitErr.ExitCode()}
}
