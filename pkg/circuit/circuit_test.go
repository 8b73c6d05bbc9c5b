package circuit

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/opd-ai/torswarm/pkg/errors"
	"github.com/opd-ai/torswarm/pkg/logger"
	"github.com/opd-ai/torswarm/pkg/metrics"
	"github.com/opd-ai/torswarm/pkg/process/processtest"
)

const testBootLine = "Jan 01 00:00:00.000 [notice] Bootstrapped 100%: Done."

func fastOptions() Options {
	return Options{
		BootTimeMax:      5 * time.Second,
		ResurrectionsMax: 3,
		DrainTimeout:     time.Second,
	}
}

func newTestCircuit(t *testing.T, opts Options, scripts ...processtest.Script) (*Circuit, *processtest.Starter) {
	t.Helper()
	starter := processtest.NewStarter(scripts...)
	c := New("tor-0", 19050, 18118, t.TempDir(), opts, starter, logger.NewDefault(), metrics.New())
	c.tickEvery = 10 * time.Millisecond
	t.Cleanup(func() {
		c.Stop()
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not exit on cleanup")
		}
	})
	return c, starter
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootReachesReady(t *testing.T) {
	c, _ := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{testBootLine}})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eventually(t, "readiness", c.Connected)
	if c.State() != StateReady {
		t.Errorf("state = %s, want READY", c.State())
	}
	if c.Terminated() {
		t.Error("circuit should not be terminated")
	}
}

func TestStartTwiceFails(t *testing.T) {
	c, _ := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{testBootLine}})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

func TestCreateSocketBeforeReady(t *testing.T) {
	c, _ := newTestCircuit(t, fastOptions(), processtest.Script{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := c.CreateSocket(false); !stderrors.Is(err, errors.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	d, err := c.CreateSocket(true)
	if err != nil {
		t.Errorf("suppressed call returned error: %v", err)
	}
	if d != nil {
		t.Error("suppressed call should return nil dialer while booting")
	}
}

func TestCreateSocketCountsAtomically(t *testing.T) {
	c, _ := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	var dialers []*Dialer
	for i := 0; i < 5; i++ {
		d, err := c.CreateSocket(true)
		if err != nil || d == nil {
			t.Fatalf("CreateSocket(%d) = (%v, %v)", i, d, err)
		}
		dialers = append(dialers, d)
	}

	if c.SocketCount() != 5 {
		t.Errorf("SocketCount = %d, want 5", c.SocketCount())
	}
	if c.RefCount() != 5 {
		t.Errorf("RefCount = %d, want 5", c.RefCount())
	}

	// Closing releases refs but never the lifetime socket count.
	for _, d := range dialers {
		d.Close()
		d.Close() // repeated closes must not double-decrement
	}
	if c.RefCount() != 0 {
		t.Errorf("RefCount = %d, want 0 after all closes", c.RefCount())
	}
	if c.SocketCount() != 5 {
		t.Errorf("SocketCount = %d, want 5 after closes", c.SocketCount())
	}
}

func TestCreateSocketRefusedDuringDrain(t *testing.T) {
	c, _ := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	// Simulate the restart path holding the exclusive lock for a drain.
	c.exclusive.Lock()
	defer c.exclusive.Unlock()

	d, err := c.CreateSocket(true)
	if d != nil || err != nil {
		t.Errorf("CreateSocket during drain = (%v, %v), want (nil, nil)", d, err)
	}

	if _, err := c.CreateSocket(false); !stderrors.Is(err, errors.ErrDialerUnavailable) {
		t.Errorf("expected ErrDialerUnavailable, got %v", err)
	}
}

func TestBindFailureTerminates(t *testing.T) {
	line := fmt.Sprintf("Warn: Could not bind to 127.0.0.1:%d: Address already in use", 19050)
	c, starter := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{line}})
	c.Start()

	eventually(t, "termination", c.Terminated)
	if c.State() != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", c.State())
	}
	if starter.Starts() != 1 {
		t.Errorf("starts = %d, want 1 (no restart after bind failure)", starter.Starts())
	}

	// Terminated circuits never issue dialers again.
	if d, _ := c.CreateSocket(true); d != nil {
		t.Error("terminated circuit issued a dialer")
	}
}

func TestControlPortBindFailureTerminates(t *testing.T) {
	line := "Warn: Could not bind to 127.0.0.1:18118: Address already in use"
	c, _ := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{line}})
	c.Start()
	eventually(t, "termination", c.Terminated)
}

func TestRestartOnErrorThreshold(t *testing.T) {
	opts := fastOptions()
	opts.ErrorsMax = 3
	opts.GraceTime = 0
	c, starter := newTestCircuit(t, opts,
		processtest.Script{Lines: []string{testBootLine}},
		processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	// Four failing dialers push the window past errors_max.
	for i := 0; i < 4; i++ {
		c.receiveStats(10*time.Millisecond, 1)
	}

	eventually(t, "restart", func() bool { return starter.Starts() == 2 })
	eventually(t, "readiness after restart", c.Connected)

	// The stats window starts fresh with the new child.
	if _, _, samples := c.GetStats(); samples != 0 {
		t.Errorf("samples = %d, want 0 after restart", samples)
	}
}

func TestRestartOnAverageTime(t *testing.T) {
	opts := fastOptions()
	opts.ConnTimeAvgMax = 50 * time.Millisecond
	opts.GraceTime = 0
	c, starter := newTestCircuit(t, opts,
		processtest.Script{Lines: []string{testBootLine}},
		processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	c.receiveStats(10*time.Second, 0)

	eventually(t, "restart", func() bool { return starter.Starts() == 2 })
}

func TestGraceTimeHoldsRestartsBack(t *testing.T) {
	opts := fastOptions()
	opts.ErrorsMax = 1
	opts.GraceTime = time.Hour
	c, starter := newTestCircuit(t, opts, processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	c.receiveStats(time.Millisecond, 5)

	time.Sleep(100 * time.Millisecond)
	if starter.Starts() != 1 {
		t.Errorf("starts = %d, want 1 (grace time not reached)", starter.Starts())
	}
}

func TestRestartOnSocketsMax(t *testing.T) {
	opts := fastOptions()
	opts.SocketsMax = 3
	opts.GraceTime = 0
	c, starter := newTestCircuit(t, opts,
		processtest.Script{Lines: []string{testBootLine}},
		processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	for i := 0; i < 3; i++ {
		d, err := c.CreateSocket(true)
		if err != nil || d == nil {
			t.Fatalf("CreateSocket(%d) = (%v, %v)", i, d, err)
		}
		d.Close()
	}

	eventually(t, "restart", func() bool { return starter.Starts() == 2 })
	eventually(t, "readiness after restart", c.Connected)

	if c.SocketCount() != 0 {
		t.Errorf("SocketCount = %d, want 0 after restart", c.SocketCount())
	}
}

func TestSocketBudgetEnforcedAtIssuance(t *testing.T) {
	opts := fastOptions()
	opts.SocketsMax = 3
	opts.GraceTime = 0
	starter := processtest.NewStarter(processtest.Script{Lines: []string{testBootLine}})
	c := New("tor-0", 19050, 18118, t.TempDir(), opts, starter, logger.NewDefault(), metrics.New())
	// Health checks are pushed out of the way so the cap at issuance is
	// what gets observed.
	c.tickEvery = time.Hour
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		c.Stop()
		c.Wait()
	}()

	eventually(t, "readiness", c.Connected)

	for i := 0; i < 3; i++ {
		d, err := c.CreateSocket(true)
		if err != nil || d == nil {
			t.Fatalf("CreateSocket(%d) = (%v, %v)", i, d, err)
		}
		d.Close()
	}

	// The fourth request must be refused until the circuit restarts.
	if d, err := c.CreateSocket(true); d != nil || err != nil {
		t.Errorf("CreateSocket past cap = (%v, %v), want (nil, nil)", d, err)
	}
	if c.SocketCount() != 3 {
		t.Errorf("SocketCount = %d, want 3", c.SocketCount())
	}
}

func TestDrainTimeoutForcesRefCount(t *testing.T) {
	opts := fastOptions()
	opts.SocketsMax = 1
	opts.GraceTime = 0
	opts.DrainTimeout = 300 * time.Millisecond
	c, starter := newTestCircuit(t, opts,
		processtest.Script{Lines: []string{testBootLine}},
		processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	// Issue a dialer and never close it: the drain must not wait forever.
	d, err := c.CreateSocket(true)
	if err != nil || d == nil {
		t.Fatalf("CreateSocket = (%v, %v)", d, err)
	}

	eventually(t, "forced restart", func() bool { return starter.Starts() == 2 })
	eventually(t, "ref count reset", func() bool { return c.RefCount() == 0 })

	if c.mets.DrainTimeouts.Value() != 1 {
		t.Errorf("DrainTimeouts = %d, want 1", c.mets.DrainTimeouts.Value())
	}
}

func TestDrainWaitsForOutstandingDialers(t *testing.T) {
	opts := fastOptions()
	opts.SocketsMax = 1
	opts.GraceTime = 0
	opts.DrainTimeout = 5 * time.Second
	c, starter := newTestCircuit(t, opts,
		processtest.Script{Lines: []string{testBootLine}},
		processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	d, err := c.CreateSocket(true)
	if err != nil || d == nil {
		t.Fatalf("CreateSocket = (%v, %v)", d, err)
	}

	eventually(t, "draining state", func() bool { return c.State() == StateDraining })
	if starter.Starts() != 1 {
		t.Fatalf("restart happened before the dialer was released")
	}

	d.Close()

	eventually(t, "restart after release", func() bool { return starter.Starts() == 2 })
	if c.mets.DrainTimeouts.Value() != 0 {
		t.Errorf("DrainTimeouts = %d, want 0", c.mets.DrainTimeouts.Value())
	}
}

func TestResurrectionExhaustion(t *testing.T) {
	opts := fastOptions()
	opts.ResurrectionsMax = 1
	c, starter := newTestCircuit(t, opts,
		processtest.Script{ExitImmediately: true, ExitErr: stderrors.New("exit status 1")})
	c.Start()

	eventually(t, "termination", c.Terminated)
	// First exit resurrects (1 <= max), second exhausts the budget.
	if starter.Starts() != 2 {
		t.Errorf("starts = %d, want 2", starter.Starts())
	}
	if c.Resurrections() != 2 {
		t.Errorf("resurrections = %d, want 2", c.Resurrections())
	}
}

func TestBootTimeoutRestarts(t *testing.T) {
	opts := fastOptions()
	opts.BootTimeMax = 50 * time.Millisecond
	c, starter := newTestCircuit(t, opts,
		processtest.Script{}, // never bootstraps
		processtest.Script{Lines: []string{testBootLine}})
	c.Start()

	eventually(t, "restart after boot timeout", func() bool { return starter.Starts() >= 2 })
	eventually(t, "readiness", c.Connected)
}

func TestStartFailureTerminates(t *testing.T) {
	c, _ := newTestCircuit(t, fastOptions(),
		processtest.Script{StartErr: stderrors.New("no such binary")})
	c.Start()
	eventually(t, "termination", c.Terminated)
}

func TestStopIsCleanAndIdempotent(t *testing.T) {
	c, starter := newTestCircuit(t, fastOptions(), processtest.Script{Lines: []string{testBootLine}})
	c.Start()
	eventually(t, "readiness", c.Connected)

	c.Stop()
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit")
	}

	if c.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", c.State())
	}
	handles := starter.Handles()
	if len(handles) != 1 || !handles[0].Stopped() {
		t.Error("child was not stopped")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateBooting, "BOOTING"},
		{StateReady, "READY"},
		{StateDraining, "DRAINING"},
		{StateStopped, "STOPPED"},
		{StateTerminated, "TERMINATED"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
