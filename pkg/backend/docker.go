package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

const (
	containerProject     = "/project"
	containerStaging     = "/staging"
	containerCredentials = "/credentials"
)

// DockerBackend runs the SDK inside a container so the host needs no
// python toolchain. The project is mounted read-only and the staging
// directory read-write.
type DockerBackend struct {
	Image   string
	Tool    string
	Pull    bool
	Timeout time.Duration
	Logger  logrus.FieldLogger

	client *client.Client
}

// NewDockerBackend connects to the docker daemon from the environment
func NewDockerBackend(ctx context.Context, imageRef string, pull bool, logger logrus.FieldLogger) (*DockerBackend, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("%w: docker image is required", ErrToolUnavailable)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker daemon: %v", ErrToolUnavailable, err)
	}

	return &DockerBackend{
		Image:   imageRef,
		Tool:    DefaultTool,
		Pull:    pull,
		Timeout: 10 * time.Minute,
		Logger:  logger,
		client:  cli,
	}, nil
}

// Name identifies the backend in logs
func (b *DockerBackend) Name() string {
	return "docker"
}

// Close releases the docker client
func (b *DockerBackend) Close() error {
	return b.client.Close()
}

// Build runs the SDK build in a fresh container and collects the archive
func (b *DockerBackend) Build(ctx context.Context, req Request) ([]byte, error) {
	if b.Pull {
		if err := b.pull(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}
	}

	cmd, binds := containerSpec(b.Tool, req)
	resp, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:        b.Image,
		Cmd:          cmd,
		WorkingDir:   containerProject,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{Binds: binds}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", ErrToolUnavailable, err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			b.Logger.WithError(err).WithField("container", resp.ID).Warn("Failed to remove build container")
		}
	}()

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: failed to start container: %v", ErrToolUnavailable, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	var exitCode int64
	statusCh, errCh := b.client.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("%w: wait failed: %v", ErrBuildFailed, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, waitCtx.Err())
	}

	if exitCode != 0 {
		stderr := b.logs(ctx, resp.ID)
		msg, details := splitStderr(stderr)
		return nil, &ToolError{Message: msg, Details: details, ExitCode: int(exitCode)}
	}

	return collect(req.StagingDir, req.FileName)
}

func (b *DockerBackend) pull(ctx context.Context) error {
	reader, err := b.client.ImagePull(ctx, b.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", b.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *DockerBackend) logs(ctx context.Context, id string) string {
	logs, err := b.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err.Error()
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return err.Error()
	}
	b.Logger.WithField("container", id).Debug(strings.TrimSpace(stdout.String()))
	return stderr.String()
}

// containerSpec maps the host paths of req into the container and returns
// the command plus bind mounts.
func containerSpec(tool string, req Request) ([]string, []string) {
	if tool == "" {
		tool = DefaultTool
	}
	binds := []string{
		req.ProjectDir + ":" + containerProject + ":ro",
		req.StagingDir + ":" + containerStaging,
	}

	certKey := path.Join(containerStaging, filepath.Base(req.CertKeyPath))
	if filepath.Clean(filepath.Dir(req.CertKeyPath)) != filepath.Clean(req.StagingDir) {
		binds = append(binds, filepath.Dir(req.CertKeyPath)+":"+containerCredentials+":ro")
		certKey = path.Join(containerCredentials, filepath.Base(req.CertKeyPath))
	}

	cmd := []string{
		tool, "build",
		"-k", certKey,
		containerProject,
		"-t", containerStaging,
		"-e", targetPlatform("linux"),
	}
	return cmd, binds
}
