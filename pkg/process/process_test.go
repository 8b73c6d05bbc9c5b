package process

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestTorArgs(t *testing.T) {
	args := TorArgs("tor-3", 19053, 18121, "/tmp/swarm")

	want := []string{
		"--CookieAuthentication", "0",
		"--HashedControlPassword", "",
		"--ControlPort", "18121",
		"--SocksPort", "19053",
		"--PidFile", filepath.Join("/tmp/swarm", "tor-3", "pid"),
		"--DataDirectory", filepath.Join("/tmp/swarm", "tor-3"),
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("TorArgs = %v, want %v", args, want)
	}
}

func collectLines(t *testing.T, h Handle) []string {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatal("timed out draining child output")
		}
	}
}

func TestExecStarterStreamsOutput(t *testing.T) {
	starter := NewExecStarter("sh")
	h, err := starter.Start(context.Background(), []string{"-c", "echo out-line; echo err-line 1>&2"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lines := collectLines(t, h)

	seen := make(map[string]bool)
	for _, l := range lines {
		seen[l] = true
	}
	if !seen["out-line"] {
		t.Errorf("stdout line missing from %v", lines)
	}
	if !seen["err-line"] {
		t.Errorf("stderr line missing from %v", lines)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	if h.Err() != nil {
		t.Errorf("Err = %v, want nil", h.Err())
	}
}

func TestExecStarterExitError(t *testing.T) {
	starter := NewExecStarter("sh")
	h, err := starter.Start(context.Background(), []string{"-c", "exit 3"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	collectLines(t, h)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	if h.Err() == nil {
		t.Error("expected non-nil Err for exit status 3")
	}
}

func TestExecStarterStop(t *testing.T) {
	starter := NewExecStarter("sleep")
	h, err := starter.Start(context.Background(), []string{"60"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after Stop")
	}
}

func TestExecStarterMissingBinary(t *testing.T) {
	starter := NewExecStarter("/nonexistent/tor-binary")
	if _, err := starter.Start(context.Background(), nil); err == nil {
		t.Error("expected error for missing binary")
	}
}
