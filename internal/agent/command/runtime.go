// Package command provides an adapter that runs an interpreter CLI as a
// subprocess per instruction.
//
// runtime.go - Adapter implementation
//
// This file contains:
// - Adapter implementing agent.Adapter by spawning agent.command.path
// - processStream reading stdout line by line on demand
// - killTree, which terminates the process and its children
//
// Each stdout line that parses as an LMC JSON chunk becomes that chunk;
// any other line is appended to a running plain-text transcript.

package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/HyphaGroup/murmur/internal/agent"
	"github.com/HyphaGroup/murmur/internal/config"
)

func init() {
	agent.Register(config.RuntimeCommand, func(cfg *config.AgentSection) (agent.Adapter, error) {
		return New(cfg)
	})
}

const stderrTail = 2048

// Adapter runs the configured command once per instruction
type Adapter struct {
	path      string
	args      []string
	resetArgs []string
	env       []string
}

var _ agent.Adapter = (*Adapter)(nil)

// New creates a command adapter; the executable must exist
func New(cfg *config.AgentSection) (*Adapter, error) {
	if cfg.Command.Path == "" {
		return nil, fmt.Errorf("%w: agent.command.path is empty", agent.ErrNotConfigured)
	}
	path, err := exec.LookPath(cfg.Command.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrNotConfigured, err)
	}

	env := os.Environ()
	if key := cfg.Credentials.APIKey(cfg.Provider); key != "" {
		if name := config.ProviderEnvVar(cfg.Provider); name != "" {
			env = append(env, name+"="+key)
		}
	}
	env = append(env,
		"INTERPRETER_MODEL="+cfg.Model,
		fmt.Sprintf("INTERPRETER_AUTO_RUN=%t", cfg.IsAutoRun()),
	)

	return &Adapter{
		path:      path,
		args:      cfg.Command.Args,
		resetArgs: cfg.Command.ResetArgs,
		env:       env,
	}, nil
}

func (a *Adapter) Name() string { return "command:" + a.path }

func (a *Adapter) SuppressedContent() []agent.ContentPredicate {
	return []agent.ContentPredicate{agent.HasPrefix(agent.OpenInterpreterPlaceholders...)}
}

func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := os.Stat(a.path); err != nil {
		return fmt.Errorf("command unavailable: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error { return nil }

// Reset runs the command with reset_args when configured. Each chat is a
// fresh process, so there is otherwise nothing to clear.
func (a *Adapter) Reset(ctx context.Context) error {
	if len(a.resetArgs) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, a.path, a.resetArgs...)
	cmd.Env = a.env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reset failed: %w: %s", err, tail(out))
	}
	return nil
}

// Chat starts the process and writes the instruction to its stdin
func (a *Adapter) Chat(ctx context.Context, req *agent.ChatRequest) (agent.Stream, error) {
	cmd := exec.Command(a.path, a.args...)
	cmd.Env = a.env
	cmd.Stdin = strings.NewReader(req.Instruction + "\n")
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	s := &processStream{cmd: cmd, reader: bufio.NewReader(stdout)}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", a.path, err)
	}
	return s, nil
}

// processStream yields one chunk per meaningful stdout line
type processStream struct {
	cmd    *exec.Cmd
	reader *bufio.Reader
	stderr lockedBuffer
	acc    agent.Accumulator
	text   strings.Builder

	mu     sync.Mutex
	closed bool
	waited bool
}

func (s *processStream) Next(ctx context.Context) (*agent.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		if s.isClosed() {
			return nil, agent.ErrStreamClosed
		}

		line, err := s.reader.ReadString('\n')
		if line != "" {
			if c := s.parseLine(strings.TrimRight(line, "\r\n")); c != nil {
				return c, nil
			}
		}
		if err == nil {
			continue
		}
		if s.isClosed() {
			return nil, agent.ErrStreamClosed
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading output: %w", err)
		}
		return nil, s.wait()
	}
}

func (s *processStream) parseLine(line string) *agent.Chunk {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var c agent.Chunk
		if json.Unmarshal([]byte(trimmed), &c) == nil && (c.Type != "" || c.Role != "") {
			return s.acc.Merge(&c)
		}
	}
	if trimmed == "" {
		return nil
	}
	if s.text.Len() > 0 {
		s.text.WriteString("\n")
	}
	s.text.WriteString(line)
	return agent.TextChunk(s.text.String())
}

// wait reaps the process once stdout is exhausted; io.EOF on success
func (s *processStream) wait() error {
	s.mu.Lock()
	if s.waited {
		s.mu.Unlock()
		return io.EOF
	}
	s.waited = true
	s.mu.Unlock()

	if err := s.cmd.Wait(); err != nil {
		if s.isClosed() {
			return agent.ErrStreamClosed
		}
		if msg := tail(s.stderr.Bytes()); msg != "" {
			return fmt.Errorf("%s exited: %w: %s", s.cmd.Path, err, msg)
		}
		return fmt.Errorf("%s exited: %w", s.cmd.Path, err)
	}
	return io.EOF
}

func (s *processStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close kills the process tree and reaps it
func (s *processStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	waited := s.waited
	s.waited = true
	s.mu.Unlock()

	if s.cmd.Process == nil || waited {
		return nil
	}
	killTree(int32(s.cmd.Process.Pid))

	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", s.cmd.Process.Pid)
	}
	return nil
}

// killTree kills children before the parent so none are re-parented
func killTree(pid int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return
	}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		for _, child := range children {
			killTree(child.Pid)
		}
	}
	_ = p.KillWithContext(ctx)
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return string(b)
}

// lockedBuffer collects stderr written by exec's copying goroutine
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
