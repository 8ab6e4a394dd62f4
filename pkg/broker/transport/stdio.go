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

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shutdownGrace is how long Close waits for the server to exit after stdin
// closes before killing it.
const shutdownGrace = 5 * time.Second

// StdioTransport runs a tool server as a subprocess and exchanges
// newline-delimited messages over its stdin/stdout.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	reader *bufio.Reader
	mu     sync.Mutex
	closed bool
	logger *zap.Logger
}

// StdioConfig configures the subprocess.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Logger  *zap.Logger
}

// NewStdioDialer returns a Dialer that spawns a fresh subprocess per dial,
// which is what reconnect needs after the previous process died.
func NewStdioDialer(config StdioConfig) Dialer {
	return DialerFunc(func(ctx context.Context) (Transport, error) {
		return NewStdioTransport(config)
	})
}

// NewStdioTransport spawns the server process and wires its pipes.
func NewStdioTransport(config StdioConfig) (*StdioTransport, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	// #nosec G204 -- server commands come from operator-owned config
	cmd := exec.Command(config.Command, config.Args...)

	if config.Dir != "" {
		cmd.Dir = config.Dir
	}

	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var opened []io.Closer
	closeOpened := func() {
		for _, c := range opened {
			c.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	opened = append(opened, stdin)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeOpened()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	opened = append(opened, stdout)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeOpened()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	opened = append(opened, stderr)

	if err := cmd.Start(); err != nil {
		closeOpened()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	// bufio.Reader rather than Scanner: tool output lines have no size bound.
	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		reader: bufio.NewReader(stdout),
		logger: config.Logger,
	}

	go t.monitorStderr()

	config.Logger.Info("tool server started",
		zap.String("command", config.Command),
		zap.Strings("args", config.Args),
		zap.Int("pid", cmd.Process.Pid),
	)

	return t, nil
}

// monitorStderr drains the subprocess's stderr so it never blocks on a full
// pipe. Servers do their own file logging; lines here are discarded.
func (s *StdioTransport) monitorStderr() {
	reader := bufio.NewReader(s.stderr)
	for {
		_, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Error("error reading stderr", zap.Error(err))
			}
			return
		}
	}
}

// Send writes one message followed by a newline to the server's stdin.
func (s *StdioTransport) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("transport closed")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	framed := make([]byte, 0, len(message)+1)
	framed = append(framed, message...)
	framed = append(framed, '\n')
	if _, err := s.stdin.Write(framed); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive reads the next newline-delimited message from the server's stdout.
func (s *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultChan := make(chan readResult, 1)

	go func() {
		s.mu.Lock()
		if s.closed {
			resultChan <- readResult{nil, fmt.Errorf("transport closed")}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		data, err := s.reader.ReadBytes('\n')
		if err != nil {
			resultChan <- readResult{nil, err}
			return
		}
		resultChan <- readResult{bytes.TrimRight(data, "\r\n"), nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChan:
		return result.data, result.err
	}
}

// Close shuts stdin to signal the server, waits briefly, then kills.
func (s *StdioTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing tool server", zap.Int("pid", s.cmd.Process.Pid))

	s.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("tool server exited with error", zap.Error(err))
		} else {
			s.logger.Info("tool server exited cleanly")
		}
	case <-time.After(shutdownGrace):
		s.logger.Warn("tool server did not exit, killing process")
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Error("failed to kill process", zap.Error(err))
		}
		<-done
	}

	s.stdout.Close()
	s.stderr.Close()

	return nil
}
