// Package processtest provides scripted child processes for supervisor tests.
package processtest

import (
	"context"
	"sync"

	"github.com/opd-ai/torswarm/pkg/process"
)

// Script describes the behavior of one fake child launch.
type Script struct {
	// Lines are emitted on the handle's line channel immediately after start.
	Lines []string
	// ExitErr is reported by Err after the child is stopped or exits.
	ExitErr error
	// ExitImmediately makes the child exit on its own right after emitting
	// its lines, simulating a crash.
	ExitImmediately bool
	// StartErr, when set, makes Start fail without producing a handle.
	StartErr error
}

// Starter replays a sequence of Scripts, one per Start call. When the
// sequence runs out, the last script is reused.
type Starter struct {
	mu      sync.Mutex
	scripts []Script
	handles []*Handle
	starts  int
}

// NewStarter creates a Starter that replays the given scripts.
func NewStarter(scripts ...Script) *Starter {
	return &Starter{scripts: scripts}
}

// Start implements process.Starter.
func (s *Starter) Start(ctx context.Context, args []string) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script := Script{}
	if len(s.scripts) > 0 {
		i := s.starts
		if i >= len(s.scripts) {
			i = len(s.scripts) - 1
		}
		script = s.scripts[i]
	}
	s.starts++

	if script.StartErr != nil {
		return nil, script.StartErr
	}

	h := NewHandle(script)
	s.handles = append(s.handles, h)
	return h, nil
}

// Starts returns how many times Start has been called.
func (s *Starter) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Handles returns every handle created so far.
func (s *Starter) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Handle is a scripted child process.
type Handle struct {
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
}

// NewHandle creates a started fake child following the given script.
func NewHandle(script Script) *Handle {
	h := &Handle{
		lines: make(chan string, len(script.Lines)+16),
		done:  make(chan struct{}),
	}
	h.err = script.ExitErr
	for _, line := range script.Lines {
		h.lines <- line
	}
	if script.ExitImmediately {
		h.exit()
	}
	return h
}

// Lines implements process.Handle.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Done implements process.Handle.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err implements process.Handle.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop implements process.Handle.
func (h *Handle) Stop() error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit()
	return nil
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Emit injects an extra output line into a running fake child.
func (h *Handle) Emit(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.lines <- line:
	default:
	}
}

// Exit makes the fake child exit with the given error, as a crash would.
func (h *Handle) Exit(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.exit()
}

func (h *Handle) exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	close(h.lines)
	close(h.done)
}

var _ process.Starter = (*Starter)(nil)
var _ process.Handle = (*Handle)(nil)
