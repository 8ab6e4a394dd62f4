// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/types"
)

// defaultImages maps interpreters to container images.
var defaultImages = map[string]string{
	"python3": "python:3.12-slim",
	"python":  "python:3.12-slim",
	"bash":    "debian:bookworm-slim",
	"sh":      "debian:bookworm-slim",
}

// DockerConfig configures the container runner.
type DockerConfig struct {
	// Host is the Docker daemon endpoint. Empty uses the client defaults
	// (DOCKER_HOST or the platform socket).
	Host string
	// Images overrides the interpreter-to-image mapping.
	Images map[string]string
	// AllowNetwork attaches the default network instead of running the
	// container with networking disabled.
	AllowNetwork bool
	Logger       *zap.Logger
	Tracer       observability.Tracer
}

// DockerRunner executes each script in a fresh container that is removed
// afterwards. No state survives between runs and the container has no
// network unless explicitly allowed.
type DockerRunner struct {
	docker       *client.Client
	images       map[string]string
	allowNetwork bool
	logger       *zap.Logger
	tracer       observability.Tracer
}

// NewDockerRunner creates a container runner and verifies the daemon is
// reachable.
func NewDockerRunner(ctx context.Context, cfg DockerConfig) (*DockerRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if _, err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return nil, fmt.Errorf("failed to ping Docker daemon: %w", err)
	}

	images := make(map[string]string, len(defaultImages))
	for interpreter, image := range defaultImages {
		images[interpreter] = image
	}
	for interpreter, image := range cfg.Images {
		images[interpreter] = image
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &DockerRunner{
		docker:       docker,
		images:       images,
		allowNetwork: cfg.AllowNetwork,
		logger:       logger.With(zap.String("component", "sandbox")),
		tracer:       tracer,
	}, nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.docker.Close()
}

// Run creates, starts, and waits for a one-shot container, then collects
// its output and removes it.
func (r *DockerRunner) Run(ctx context.Context, script *types.ScriptAction, timeout time.Duration) (*RunResult, error) {
	if script == nil || script.Source == "" {
		return nil, fmt.Errorf("empty script")
	}
	image, ok := r.images[script.Interpreter]
	if !ok {
		return nil, fmt.Errorf("no sandbox image for interpreter %q", script.Interpreter)
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	ctx, span := r.tracer.StartSpan(ctx, observability.SpanSandboxRun)
	defer r.tracer.EndSpan(span)
	if span != nil {
		span.SetAttribute("sandbox.interpreter", script.Interpreter)
		span.SetAttribute("sandbox.image", image)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := fmt.Sprintf("heddle-run-%s", uuid.New().String()[:8])
	containerConfig := &container.Config{
		Image:      image,
		Cmd:        append([]string{script.Interpreter, "-c", script.Source}, script.Args...),
		WorkingDir: script.WorkDir,
	}
	hostConfig := &container.HostConfig{AutoRemove: false}
	if !r.allowNetwork {
		hostConfig.NetworkMode = "none"
	}

	created, err := r.docker.ContainerCreate(runCtx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	// Removal must survive the run context expiring.
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer removeCancel()
		if err := r.docker.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("Failed to remove sandbox container",
				zap.String("container_id", created.ID),
				zap.Error(err))
		}
	}()

	r.logger.Debug("Starting sandbox container",
		zap.String("container_id", created.ID),
		zap.String("image", image),
		zap.Duration("timeout", timeout))

	start := time.Now()
	if err := r.docker.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	waitCh, errCh := r.docker.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("script timed out after %s", timeout)
		}
		return nil, fmt.Errorf("container wait failed: %w", err)
	}
	duration := time.Since(start)

	stdout, stderr, err := r.collectLogs(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	if span != nil {
		span.SetAttribute("sandbox.exit_code", fmt.Sprintf("%d", exitCode))
		span.SetAttribute("sandbox.duration_ms", fmt.Sprintf("%d", duration.Milliseconds()))
	}
	return &RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

// collectLogs reads the container's demultiplexed stdout and stderr.
func (r *DockerRunner) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	logs, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer func() { _ = logs.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return "", "", fmt.Errorf("failed to demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

var _ Runner = (*DockerRunner)(nil)
