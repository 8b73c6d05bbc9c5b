// Package circuit supervises one tor child process and accounts for the
// dialers issued against its SOCKS endpoint. Each Circuit runs a supervisor
// goroutine that boots the child, watches its output for the readiness and
// bind-failure signals, tracks rolling health statistics, and replaces the
// child when it crashes, stalls during boot, or degrades past its tuning
// thresholds.
package circuit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torswarm/pkg/autoconfig"
	"github.com/opd-ai/torswarm/pkg/errors"
	"github.com/opd-ai/torswarm/pkg/logger"
	"github.com/opd-ai/torswarm/pkg/metrics"
	"github.com/opd-ai/torswarm/pkg/process"
	"github.com/opd-ai/torswarm/pkg/socks"
)

// bootstrappedSignal is the stdout line fragment that marks readiness.
const bootstrappedSignal = "Bootstrapped 100%: Done."

// State represents the current state of a circuit
type State int32

const (
	// StateBooting indicates the child is starting and not yet ready
	StateBooting State = iota
	// StateReady indicates the circuit can issue dialers
	StateReady
	// StateDraining indicates a restart is waiting for outstanding dialers
	StateDraining
	// StateStopped indicates the circuit was stopped on request
	StateStopped
	// StateTerminated indicates the circuit is permanently unusable
	StateTerminated
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateBooting:
		return "BOOTING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Options carries the per-circuit tuning parameters.
type Options struct {
	// BootTimeMax is the maximum time a child may take to reach readiness
	// before it is restarted.
	BootTimeMax time.Duration
	// ErrorsMax is the error total across the stats window that triggers a
	// restart. Zero disables the threshold.
	ErrorsMax int
	// ConnTimeAvgMax is the average dialer time that triggers a restart.
	// Zero disables the threshold.
	ConnTimeAvgMax time.Duration
	// GraceTime is the minimum connected age before health-driven restarts.
	GraceTime time.Duration
	// SocketsMax caps the dialers issued per child lifetime. Zero means
	// unlimited.
	SocketsMax int
	// ResurrectionsMax is how many unexpected child exits are tolerated
	// before the circuit terminates.
	ResurrectionsMax int
	// StatsWindow is the rolling window size. Defaults to 200.
	StatsWindow int
	// DrainTimeout caps how long a restart waits for outstanding dialers.
	// Defaults to 30s.
	DrainTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StatsWindow <= 0 {
		out.StatsWindow = 200
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = 30 * time.Second
	}
	if out.BootTimeMax <= 0 {
		out.BootTimeMax = 90 * time.Second
	}
	return out
}

// Circuit owns one supervised tor child plus its accounting state.
type Circuit struct {
	name        string
	socksPort   int
	controlPort int
	workDir     string
	opts        Options

	starter process.Starter
	log     *logger.Logger
	mets    *metrics.Metrics

	// tickEvery is the supervisor's polling cadence for stop requests and
	// health checks. Tests shorten it.
	tickEvery time.Duration

	// exclusive is held for the whole drain; dialer issuance tries it
	// without blocking so dispatch can rotate away mid-restart.
	exclusive sync.Mutex

	stats       *statsWindow
	refCount    atomic.Int64
	socketCount atomic.Int64

	connected  atomic.Bool
	terminated atomic.Bool
	state      atomic.Int32

	mu            sync.Mutex
	bootTime      time.Time
	connectedTime time.Time
	resurrections int

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	started  atomic.Bool
}

// New creates a circuit. It does not start the child; call Start.
func New(name string, socksPort, controlPort int, workDir string, opts Options, starter process.Starter, log *logger.Logger, mets *metrics.Metrics) *Circuit {
	if log == nil {
		log = logger.NewDefault()
	}
	if mets == nil {
		mets = metrics.New()
	}
	o := opts.withDefaults()
	return &Circuit{
		name:        name,
		socksPort:   socksPort,
		controlPort: controlPort,
		workDir:     workDir,
		opts:        o,
		starter:     starter,
		log:         log.Circuit(name),
		mets:        mets,
		tickEvery:   time.Second,
		stats:       newStatsWindow(o.StatsWindow),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Name returns the circuit's stable name.
func (c *Circuit) Name() string { return c.name }

// SocksPort returns the child's SOCKS port.
func (c *Circuit) SocksPort() int { return c.socksPort }

// ControlPort returns the child's control port.
func (c *Circuit) ControlPort() int { return c.controlPort }

// Connected reports whether the circuit is ready to issue dialers.
func (c *Circuit) Connected() bool { return c.connected.Load() }

// Terminated reports whether the circuit is permanently unusable.
func (c *Circuit) Terminated() bool { return c.terminated.Load() }

// State returns the supervisor state.
func (c *Circuit) State() State { return State(c.state.Load()) }

// RefCount returns the number of dialers currently outstanding.
func (c *Circuit) RefCount() int64 { return c.refCount.Load() }

// SocketCount returns the dialers issued since the last child (re)start.
func (c *Circuit) SocketCount() int64 { return c.socketCount.Load() }

// Resurrections returns how many times the child exited unexpectedly.
func (c *Circuit) Resurrections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resurrections
}

// GetStats returns the error total, timing average and sample count over
// the rolling window.
func (c *Circuit) GetStats() (errorsTotal int64, timingAvg time.Duration, samples int) {
	return c.stats.Stats()
}

// Start launches the supervisor goroutine.
func (c *Circuit) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.InternalError(fmt.Sprintf("circuit %s already started", c.name), nil)
	}
	go c.run()
	return nil
}

// Stop signals the supervisor to stop the child and exit.
func (c *Circuit) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done is closed when the supervisor has exited.
func (c *Circuit) Done() <-chan struct{} { return c.doneCh }

// Wait blocks until the supervisor has exited.
func (c *Circuit) Wait() { <-c.doneCh }

// CreateSocket returns an instrumented dialer bound to this circuit, or nil
// when the circuit cannot issue one right now. With suppressErrors the
// not-ready case sleeps briefly and returns nil so dispatch loops do not
// spin; without it the call fails with a not-connected error. A ready
// circuit that is mid-restart or has spent its socket budget refuses without
// sleeping: nil dialer and nil error with suppressErrors, a dialer-unavailable
// error without it. Either way, try another circuit.
func (c *Circuit) CreateSocket(suppressErrors bool) (*Dialer, error) {
	if !c.connected.Load() || c.terminated.Load() {
		if suppressErrors {
			time.Sleep(100 * time.Millisecond)
			return nil, nil
		}
		return nil, errors.NotConnectedError(c.name)
	}

	// A restart holds this lock for the entire drain. Blocking here would
	// stall dispatch for up to the drain timeout, so refuse instead.
	if !c.exclusive.TryLock() {
		c.mets.DialerRefusals.Inc()
		if suppressErrors {
			return nil, nil
		}
		return nil, errors.DialerUnavailableError(c.name)
	}
	defer c.exclusive.Unlock()

	// The socket budget is enforced here as well as in the health check, so
	// a burst of requests between two checks cannot overshoot the cap.
	if c.opts.SocketsMax > 0 && c.socketCount.Load() >= int64(c.opts.SocketsMax) {
		c.mets.DialerRefusals.Inc()
		if suppressErrors {
			return nil, nil
		}
		return nil, errors.DialerUnavailableError(c.name)
	}

	// Issuance is atomic with respect to restart: the counters move only
	// while the exclusive lock is held.
	proxyDialer := socks.SOCKS4a(fmt.Sprintf("127.0.0.1:%d", c.socksPort))
	d := newDialer(proxyDialer, c.receiveStats)
	c.refCount.Add(1)
	c.socketCount.Add(1)
	c.mets.DialersIssued.Inc()
	c.mets.ActiveDialers.Inc()
	return d, nil
}

// receiveStats is the dialer end-of-life callback. It lands the sample in
// the rolling window and releases the dialer's reference.
func (c *Circuit) receiveStats(elapsed time.Duration, errs int64) {
	c.stats.Append(elapsed, errs)
	c.refCount.Add(-1)
	c.mets.RecordDialer(elapsed, errs)

	errorsTotal, timingAvg, samples := c.stats.Stats()
	c.log.Debug("dialer stats",
		"errors", errorsTotal,
		"avg_time", timingAvg,
		"samples", samples)
}

// run is the supervisor loop. Each iteration of the outer loop owns one
// child lifetime.
func (c *Circuit) run() {
	defer close(c.doneCh)

	for {
		if c.stopRequested() {
			c.state.Store(int32(StateStopped))
			return
		}

		handle, err := c.spawn()
		if err != nil {
			c.log.Error("failed to start child", "error", err)
			c.terminate()
			return
		}

		again := c.superviseChild(handle)
		if !again {
			return
		}
		if c.stopRequested() {
			c.state.Store(int32(StateStopped))
			return
		}
		c.mets.CircuitRestarts.Inc()
	}
}

// spawn launches a fresh child and resets the per-lifetime accounting.
func (c *Circuit) spawn() (process.Handle, error) {
	dataDir := filepath.Join(c.workDir, c.name)
	if err := autoconfig.EnsureDataDir(dataDir); err != nil {
		return nil, errors.ProcessError("prepare data directory", err)
	}

	c.stats.Reset()
	c.socketCount.Store(0)
	c.setDisconnected()
	c.state.Store(int32(StateBooting))

	c.mu.Lock()
	c.bootTime = time.Now()
	c.mu.Unlock()

	args := process.TorArgs(c.name, c.socksPort, c.controlPort, c.workDir)
	handle, err := c.starter.Start(context.Background(), args)
	if err != nil {
		return nil, err
	}
	c.log.Debug("started child", "socks_port", c.socksPort, "control_port", c.controlPort)
	return handle, nil
}

// superviseChild watches one child lifetime. It returns true when the
// supervisor should spawn a replacement child, false when it must exit.
func (c *Circuit) superviseChild(handle process.Handle) bool {
	ticker := time.NewTicker(c.tickEvery)
	defer ticker.Stop()

	lines := handle.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Output closed; the exit surfaces via Done.
				lines = nil
				continue
			}
			if fatal := c.scanLine(line); fatal {
				_ = handle.Stop()
				c.terminate()
				return false
			}

		case <-handle.Done():
			return c.childExited(handle)

		case <-c.stopCh:
			c.setDisconnected()
			if err := handle.Stop(); err != nil {
				c.log.Warn("error stopping child", "error", err)
			}
			c.state.Store(int32(StateStopped))
			c.log.Debug("stopped child")
			return false

		case <-ticker.C:
			if !c.connected.Load() {
				if c.bootExpired() {
					c.log.Warn("boot timed out, restarting child",
						"boot_time_max", c.opts.BootTimeMax)
					_ = handle.Stop()
					return true
				}
				continue
			}
			if c.restartDue() {
				c.drain()
				_ = handle.Stop()
				return true
			}
		}
	}
}

// scanLine inspects one child output line for the readiness and
// bind-failure signals. It returns true for a fatal bind failure.
func (c *Circuit) scanLine(line string) bool {
	for _, port := range []int{c.socksPort, c.controlPort} {
		if strings.Contains(line, fmt.Sprintf("Could not bind to 127.0.0.1:%d", port)) {
			c.log.Error("child cannot bind port", "port", port)
			return true
		}
	}

	if !c.connected.Load() && strings.Contains(line, bootstrappedSignal) {
		c.mu.Lock()
		c.connectedTime = time.Now()
		bootDuration := c.connectedTime.Sub(c.bootTime)
		c.mu.Unlock()

		c.state.Store(int32(StateReady))
		c.connected.Store(true)
		c.mets.RecordBoot(bootDuration)
		c.log.Info("circuit connected", "boot_time", bootDuration.Round(time.Millisecond))
	}
	return false
}

// childExited handles an unexpected child exit: resurrect until the limit,
// then terminate.
func (c *Circuit) childExited(handle process.Handle) bool {
	c.setDisconnected()

	if c.stopRequested() {
		c.state.Store(int32(StateStopped))
		return false
	}

	c.mu.Lock()
	c.resurrections++
	count := c.resurrections
	c.mu.Unlock()

	if count > c.opts.ResurrectionsMax {
		err := errors.ResurrectionExhaustedError(c.name, count)
		c.log.Error("giving up on circuit", "error", err, "exit", handle.Err())
		c.terminate()
		return false
	}

	c.mets.CircuitResurrections.Inc()
	c.log.Warn("child exited unexpectedly, resurrecting",
		"resurrections", count,
		"resurrections_max", c.opts.ResurrectionsMax,
		"exit", handle.Err())
	return true
}

// bootExpired reports whether the current boot has outlived BootTimeMax.
func (c *Circuit) bootExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.bootTime) > c.opts.BootTimeMax
}

// restartDue evaluates the health thresholds. Restarts are held back until
// the circuit has been connected longer than the grace time.
func (c *Circuit) restartDue() bool {
	c.mu.Lock()
	age := time.Since(c.connectedTime)
	c.mu.Unlock()
	if age <= c.opts.GraceTime {
		return false
	}

	errorsTotal, timingAvg, _ := c.stats.Stats()
	if c.opts.ErrorsMax > 0 && errorsTotal > int64(c.opts.ErrorsMax) {
		c.log.Info("error threshold exceeded, replacing child",
			"errors", errorsTotal, "errors_max", c.opts.ErrorsMax)
		return true
	}
	if c.opts.ConnTimeAvgMax > 0 && timingAvg > c.opts.ConnTimeAvgMax {
		c.log.Info("average connection time exceeded, replacing child",
			"avg_time", timingAvg, "conn_time_avg_max", c.opts.ConnTimeAvgMax)
		return true
	}
	if c.opts.SocketsMax > 0 && c.socketCount.Load() >= int64(c.opts.SocketsMax) {
		c.log.Info("socket budget spent, replacing child",
			"socket_count", c.socketCount.Load(), "sockets_max", c.opts.SocketsMax)
		return true
	}
	return false
}

// drain blocks new dialer issuance and waits for outstanding dialers to
// report back, up to the drain timeout. On timeout the reference count is
// force-reset so the restart cannot deadlock on a lost report.
func (c *Circuit) drain() {
	c.state.Store(int32(StateDraining))
	c.setDisconnected()
	c.mets.Drains.Inc()

	c.exclusive.Lock()
	defer c.exclusive.Unlock()

	deadline := time.Now().Add(c.opts.DrainTimeout)
	for c.refCount.Load() > 0 {
		if c.stopRequested() {
			c.log.Debug("stop requested during drain")
			return
		}
		if time.Now().After(deadline) {
			stuck := c.refCount.Load()
			c.log.Warn("drain timed out, forcing reference count to zero",
				"outstanding", stuck,
				"error", errors.ErrRefCountStuck)
			c.refCount.Store(0)
			c.mets.DrainTimeouts.Inc()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// terminate marks the circuit permanently unusable.
func (c *Circuit) terminate() {
	c.setDisconnected()
	c.terminated.Store(true)
	c.state.Store(int32(StateTerminated))
	c.mets.CircuitTerminations.Inc()
}

// setDisconnected clears readiness and keeps the connected-circuits gauge
// consistent when called from any path.
func (c *Circuit) setDisconnected() {
	if c.connected.CompareAndSwap(true, false) {
		c.mets.ConnectedCircuits.Dec()
	}
}

func (c *Circuit) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
