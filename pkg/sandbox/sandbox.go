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

// Package sandbox runs script actions in isolation. The default runner puts
// each run in a fresh throwaway container with no network; LocalRunner exists
// for development setups without a Docker daemon.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/types"
)

// DefaultRunTimeout bounds a script run when the caller passes none.
const DefaultRunTimeout = 2 * time.Minute

// RunResult is the captured outcome of one script run. A nonzero exit code
// is a result, not an error; errors mean the run itself could not happen.
type RunResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Runner executes script actions.
type Runner interface {
	Run(ctx context.Context, script *types.ScriptAction, timeout time.Duration) (*RunResult, error)
}

// LocalRunner executes scripts directly on the host. Development only; it
// provides no isolation at all.
type LocalRunner struct {
	logger *zap.Logger
}

// NewLocalRunner creates a host-process runner.
func NewLocalRunner(logger *zap.Logger) *LocalRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRunner{logger: logger.With(zap.String("component", "sandbox"))}
}

// Run executes the script with its interpreter's -c flag.
func (r *LocalRunner) Run(ctx context.Context, script *types.ScriptAction, timeout time.Duration) (*RunResult, error) {
	if script == nil || script.Source == "" {
		return nil, fmt.Errorf("empty script")
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"-c", script.Source}, script.Args...)
	cmd := exec.CommandContext(runCtx, script.Interpreter, args...)
	if script.WorkDir != "" {
		cmd.Dir = script.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Running script locally",
		zap.String("interpreter", script.Interpreter),
		zap.Int("source_bytes", len(script.Source)))

	start := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		// A timeout kill also surfaces as an ExitError; check the
		// context first so it reports as a timeout.
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("script timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("script failed to start: %w", err)
	}
	return result, nil
}

var _ Runner = (*LocalRunner)(nil)
