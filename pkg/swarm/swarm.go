// Package swarm manages a fixed-size set of supervised circuits and
// dispatches dialer requests across them round-robin. Terminated circuits
// stay in the rotation slots but are skipped; when every circuit has
// terminated the swarm reports exhaustion, which callers must treat as
// fatal.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/torswarm/pkg/circuit"
	"github.com/opd-ai/torswarm/pkg/errors"
	"github.com/opd-ai/torswarm/pkg/logger"
	"github.com/opd-ai/torswarm/pkg/metrics"
	"github.com/opd-ai/torswarm/pkg/process"
)

// startStagger spaces out child launches so a large swarm does not slam the
// host all at once.
const startStagger = 100 * time.Millisecond

// Swarm owns the ordered set of circuits and the round-robin cursor.
type Swarm struct {
	baseSocksPort   int
	baseControlPort int
	workDir         string
	opts            circuit.Options

	starter process.Starter
	log     *logger.Logger
	mets    *metrics.Metrics

	mu        sync.Mutex
	instances []*circuit.Circuit
	cursor    int
	stopped   bool
}

// New creates a swarm. Ports are assigned per circuit as base+i.
func New(baseSocksPort, baseControlPort int, workDir string, opts circuit.Options, starter process.Starter, log *logger.Logger, mets *metrics.Metrics) *Swarm {
	if log == nil {
		log = logger.NewDefault()
	}
	if mets == nil {
		mets = metrics.New()
	}
	return &Swarm{
		baseSocksPort:   baseSocksPort,
		baseControlPort: baseControlPort,
		workDir:         workDir,
		opts:            opts,
		starter:         starter,
		log:             log.Component("swarm"),
		mets:            mets,
	}
}

// Start creates and starts n circuits named tor-0..tor-(n-1), staggering
// the launches. It returns the circuits in rotation order.
func (s *Swarm) Start(n int) ([]*circuit.Circuit, error) {
	if n < 1 {
		return nil, errors.ConfigurationError(fmt.Sprintf("swarm size %d", n), nil)
	}

	s.mu.Lock()
	if len(s.instances) > 0 {
		s.mu.Unlock()
		return nil, errors.InternalError("swarm already started", nil)
	}

	s.log.Info("starting circuit swarm", "instances", n)
	instances := make([]*circuit.Circuit, 0, n)
	for i := 0; i < n; i++ {
		c := circuit.New(
			fmt.Sprintf("tor-%d", i),
			s.baseSocksPort+i,
			s.baseControlPort+i,
			s.workDir,
			s.opts,
			s.starter,
			s.log,
			s.mets,
		)
		instances = append(instances, c)
	}
	s.instances = instances
	s.mu.Unlock()

	for i, c := range instances {
		if i > 0 {
			time.Sleep(startStagger)
		}
		if err := c.Start(); err != nil {
			return nil, err
		}
	}
	return instances, nil
}

// Instances returns the circuits in rotation order.
func (s *Swarm) Instances() []*circuit.Circuit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*circuit.Circuit, len(s.instances))
	copy(out, s.instances)
	return out
}

// Next advances the round-robin cursor and returns the next circuit.
// Terminated circuits are skipped; when no non-terminated circuit remains
// it returns a swarm-exhausted error, which callers must treat as fatal.
func (s *Swarm) Next() (*circuit.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.instances) == 0 {
		return nil, errors.SwarmExhaustedError()
	}

	for tries := 0; tries < len(s.instances); tries++ {
		c := s.instances[s.cursor%len(s.instances)]
		s.cursor++
		if !c.Terminated() {
			return c, nil
		}
	}
	return nil, errors.SwarmExhaustedError()
}

// NextDialer implements the dispatch contract: rotate through circuits,
// asking each for a dialer with errors suppressed, until one is issued.
// It fails fast on swarm exhaustion and honors ctx cancellation.
func (s *Swarm) NextDialer(ctx context.Context) (*circuit.Dialer, *circuit.Circuit, error) {
	refusals := 0
	for {
		select {
		case <-ctx.Done():
			return nil, nil, errors.TimeoutError("waiting for a dialer", ctx.Err())
		default:
		}

		c, err := s.Next()
		if err != nil {
			return nil, nil, err
		}
		d, err := c.CreateSocket(true)
		if err != nil {
			return nil, nil, err
		}
		if d != nil {
			return d, c, nil
		}

		// Ready circuits refuse without sleeping when they are mid-restart
		// or over their socket budget; back off once the whole rotation has
		// refused so this loop cannot spin.
		refusals++
		if n := len(s.Instances()); n > 0 && refusals >= n {
			refusals = 0
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// WaitReady blocks until at least one circuit is connected. It fails when
// every circuit has terminated or the context ends first.
func (s *Swarm) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		connected, alive := 0, 0
		for _, c := range s.Instances() {
			if c.Connected() {
				connected++
			}
			if !c.Terminated() {
				alive++
			}
		}
		if connected > 0 {
			return nil
		}
		if alive == 0 {
			return errors.SwarmExhaustedError()
		}

		select {
		case <-ctx.Done():
			return errors.TimeoutError("waiting for a connected circuit", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop signals every circuit to stop and waits for each supervisor to
// exit. It is idempotent.
func (s *Swarm) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	instances := make([]*circuit.Circuit, len(s.instances))
	copy(instances, s.instances)
	s.mu.Unlock()

	s.log.Info("stopping circuit swarm", "instances", len(instances))
	for _, c := range instances {
		c.Stop()
	}
	for _, c := range instances {
		c.Wait()
	}
	s.log.Debug("circuit swarm stopped")
}
