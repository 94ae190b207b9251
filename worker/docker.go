package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/halcyonlabs/chorus"
)

// DockerOption configures a DockerRunner.
type DockerOption func(*DockerRunner)

// WithDockerEnv appends environment variables (KEY=VALUE) to each
// container.
func WithDockerEnv(env ...string) DockerOption {
	return func(r *DockerRunner) { r.env = append(r.env, env...) }
}

// WithDockerLogger sets a structured logger.
func WithDockerLogger(l *slog.Logger) DockerOption {
	return func(r *DockerRunner) { r.logger = l }
}

// DockerRunner executes the worker inside a fresh container per turn,
// isolating the worker from the daemon's filesystem. The prompt goes
// in on stdin; the multiplexed container log is demuxed into stdout
// and stderr. Implements chorus.Runner.
type DockerRunner struct {
	cli    *client.Client
	image  string
	cmd    []string
	env    []string
	logger *slog.Logger
}

var _ chorus.Runner = (*DockerRunner)(nil)

// NewDockerRunner creates a runner using the ambient docker
// environment (DOCKER_HOST etc.). image must already be pulled.
func NewDockerRunner(image string, cmd []string, opts ...DockerOption) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker runner: %w", err)
	}
	r := &DockerRunner{
		cli:    cli,
		image:  image,
		cmd:    cmd,
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the docker client.
func (r *DockerRunner) Close() error { return r.cli.Close() }

// Run executes one worker turn in a throwaway container.
func (r *DockerRunner) Run(ctx context.Context, req chorus.RunRequest) (chorus.RunResult, error) {
	cmd := append([]string{}, r.cmd...)
	if req.Model != "" {
		cmd = append(cmd, "--model", req.Model)
	}
	if req.SessionKey != "" {
		cmd = append(cmd, "--session", req.SessionKey)
		if req.Resume {
			cmd = append(cmd, "--resume")
		}
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        r.image,
		Cmd:          cmd,
		Env:          r.env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, nil, nil, nil, "")
	if err != nil {
		return chorus.RunResult{}, &chorus.Transient{Err: fmt.Errorf("docker create: %w", err)}
	}
	defer func() {
		_ = r.cli.ContainerRemove(context.Background(), created.ID,
			container.RemoveOptions{Force: true})
	}()

	attach, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return chorus.RunResult{}, &chorus.Transient{Err: fmt.Errorf("docker attach: %w", err)}
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return chorus.RunResult{}, &chorus.Transient{Err: fmt.Errorf("docker start: %w", err)}
	}

	// Feed the prompt and close stdin so the worker sees EOF.
	if _, err := io.WriteString(attach.Conn, req.Prompt); err != nil {
		return chorus.RunResult{}, fmt.Errorf("docker stdin: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		return chorus.RunResult{}, fmt.Errorf("docker stdin close: %w", err)
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, cerr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- cerr
	}()

	statusCh, errCh := r.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return chorus.RunResult{}, &chorus.Transient{Err: fmt.Errorf("docker wait: %w", err)}
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return chorus.RunResult{}, &chorus.Transient{Err: fmt.Errorf("docker wait: %w", ctx.Err())}
	}
	if err := <-copyDone; err != nil && err != io.EOF {
		r.logger.Warn("docker output copy", "error", err)
	}

	r.logger.Debug("docker worker run",
		"image", r.image, "exit", exitCode,
		"stdout_len", stdout.Len(), "stderr_len", stderr.Len())
	return chorus.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
