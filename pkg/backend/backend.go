package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

var (
	// ErrToolUnavailable is returned when the external build tool cannot run
	ErrToolUnavailable = errors.New("build tool unavailable")

	// ErrBuildFailed is returned when the tool ran but did not produce an archive
	ErrBuildFailed = errors.New("alternate backend build failed")
)

// DefaultTool is the SDK command that packages python extensions
const DefaultTool = "dt-sdk"

// Request describes one alternate build
type Request struct {
	// ProjectDir is the directory holding the extension folder and its
	// packaging metadata, not the extension folder itself.
	ProjectDir string
	// StagingDir receives the finished archive
	StagingDir string
	// CertKeyPath is the fused certificate and key file
	CertKeyPath string
	// FileName is the archive name the build is expected to produce
	FileName string
}

// Backend builds and signs an extension with an external toolchain and
// returns the finished outer archive.
type Backend interface {
	Build(ctx context.Context, req Request) ([]byte, error)
	Name() string
}

// ToolError carries the tool's diagnostic output, split into a short
// message and the detailed trace that followed it.
type ToolError struct {
	Message  string
	Details  []string
	ExitCode int
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("build tool exited with code %d: %s", e.ExitCode, e.Message)
}

func (e *ToolError) Unwrap() error {
	return ErrBuildFailed
}

// splitStderr separates the headline of a failing tool run from the detail
// lines. The SDK prints "ERROR" followed by a message, then detail blocks
// each introduced by '+'.
func splitStderr(stderr string) (string, []string) {
	idx := strings.Index(stderr, "ERROR")
	if idx < 0 || !strings.Contains(stderr, "+") {
		return strings.TrimSpace(stderr), nil
	}
	rest := stderr[idx+len("ERROR"):]
	rest = strings.TrimLeft(rest, ": ")
	parts := strings.Split(rest, "+")

	details := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			details = append(details, "+"+p)
		}
	}
	return strings.TrimSpace(parts[0]), details
}

// TargetPlatform is the extra platform the SDK bundles wheels for. It is
// the one the host is not, so the archive runs on both.
func TargetPlatform() string {
	return targetPlatform(runtime.GOOS)
}

func targetPlatform(goos string) string {
	if goos == "windows" {
		return "linux_x86_64"
	}
	return "win_amd64"
}

// collect reads and removes the archive the tool wrote into the staging
// directory. When the expected name is missing the newest zip other than
// the inner archive is taken.
func collect(stagingDir, fileName string) ([]byte, error) {
	if fileName != "" {
		path := filepath.Join(stagingDir, fileName)
		if data, err := os.ReadFile(path); err == nil {
			return data, os.Remove(path)
		}
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	type candidate struct {
		path string
		mod  int64
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") || e.Name() == "extension.zip" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{filepath.Join(stagingDir, e.Name()), info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no archive produced in %s", ErrBuildFailed, stagingDir)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod > found[j].mod })

	data, err := os.ReadFile(found[0].path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return data, os.Remove(found[0].path)
}
