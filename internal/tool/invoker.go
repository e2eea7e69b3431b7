// Package tool runs external commands for the pipeline. It is the only
// package that touches process execution; everything else is data
// transformation plus file I/O.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"

	"github.com/otpprep/internal/common/logger"
)

// Result carries the outcome of a finished external command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Invoker runs an external command. Mounts lists host directories the
// command needs access to; the native backend ignores them, the docker
// backend bind-mounts each at an identical container path.
type Invoker interface {
	Run(ctx context.Context, name string, args []string, mounts []string) (Result, error)
}

// UnavailableError is returned when the selected backend cannot locate
// the tool it should run.
type UnavailableError struct {
	Backend string
	Tool    string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s backend: tool %q unavailable: %v", e.Backend, e.Tool, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Native runs commands directly from PATH.
type Native struct {
	logger logger.Logger
}

// NewNative creates the native backend.
func NewNative(log logger.Logger) *Native {
	return &Native{logger: log}
}

// Run executes the named binary and captures its output. A nonzero exit
// code is reported through Result, not as an error.
func (n *Native) Run(ctx context.Context, name string, args []string, mounts []string) (Result, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return Result{}, &UnavailableError{Backend: "native", Tool: name, Err: err}
	}

	n.logger.Debug("Running command", "binary", path, "args", args)
	return run(ctx, path, args)
}

// Docker runs the same commands inside a container, mounting each host
// directory at the matching container path so argument paths stay valid.
type Docker struct {
	image  string
	logger logger.Logger
}

// NewDocker creates the docker backend, failing if the docker client is
// not on PATH.
func NewDocker(image string, log logger.Logger) (*Docker, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, &UnavailableError{Backend: "docker", Tool: "docker", Err: err}
	}
	return &Docker{image: image, logger: log}, nil
}

// Run executes the command in a throwaway container.
func (d *Docker) Run(ctx context.Context, name string, args []string, mounts []string) (Result, error) {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		return Result{}, &UnavailableError{Backend: "docker", Tool: "docker", Err: err}
	}

	full := dockerArgs(d.image, name, args, mounts)
	d.logger.Debug("Running containerized command", "image", d.image, "args", full)
	return run(ctx, dockerPath, full)
}

// dockerArgs builds the docker run argument list: deduplicated sorted
// mounts, then image, then the wrapped command.
func dockerArgs(image, name string, args, mounts []string) []string {
	full := []string{"run", "--rm"}
	seen := make(map[string]bool, len(mounts))
	unique := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if m != "" && !seen[m] {
			seen[m] = true
			unique = append(unique, m)
		}
	}
	sort.Strings(unique)
	for _, m := range unique {
		full = append(full, "-v", m+":"+m)
	}
	full = append(full, image, name)
	return append(full, args...)
}

func run(ctx context.Context, path string, args []string) (Result, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running %s: %w", path, err)
	}
	res.ExitCode = cmd.ProcessState.ExitCode()
	return res, nil
}
