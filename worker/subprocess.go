// Package worker provides chorus.Runner implementations: a local
// subprocess runner for a CLI worker binary and a docker runner that
// executes the worker inside a container.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/halcyonlabs/chorus"
)

// Option configures a SubprocessRunner.
type Option func(*runnerConfig)

type runnerConfig struct {
	workDir  string
	env      []string
	baseArgs []string
}

// WithWorkDir sets the worker's working directory.
func WithWorkDir(dir string) Option {
	return func(c *runnerConfig) { c.workDir = dir }
}

// WithEnv appends environment variables (KEY=VALUE) to the worker's
// environment on top of the parent process's.
func WithEnv(env ...string) Option {
	return func(c *runnerConfig) { c.env = append(c.env, env...) }
}

// WithBaseArgs prepends fixed arguments to every invocation.
func WithBaseArgs(args ...string) Option {
	return func(c *runnerConfig) { c.baseArgs = append(c.baseArgs, args...) }
}

// SubprocessRunner executes the worker binary once per turn, feeding
// the prompt on stdin and capturing stdout as the reply and stderr as
// diagnostics. Implements chorus.Runner.
type SubprocessRunner struct {
	bin string
	cfg runnerConfig
}

var _ chorus.Runner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a runner for the given worker binary.
func NewSubprocessRunner(bin string, opts ...Option) *SubprocessRunner {
	var cfg runnerConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{bin: bin, cfg: cfg}
}

// Run executes one worker turn. Context cancellation kills the
// process; a missing binary is a transport failure.
func (r *SubprocessRunner) Run(ctx context.Context, req chorus.RunRequest) (chorus.RunResult, error) {
	args := append([]string{}, r.cfg.baseArgs...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionKey != "" {
		args = append(args, "--session", req.SessionKey)
		if req.Resume {
			args = append(args, "--resume")
		}
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = r.cfg.workDir
	cmd.Env = append(os.Environ(), r.cfg.env...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := chorus.RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			// Non-zero exit with captured output is a worker result,
			// not a transport failure; the caller inspects streams.
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		case ctx.Err() != nil:
			return res, &chorus.Transient{Err: fmt.Errorf("worker %s: %w", r.bin, ctx.Err())}
		default:
			return res, fmt.Errorf("worker %s: %w", r.bin, err)
		}
	}
	return res, nil
}
