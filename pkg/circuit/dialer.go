package circuit

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/torswarm/pkg/socks"
)

// statsFunc receives a dialer's end-of-life report: total time spent in
// timed operations and the number of I/O errors observed.
type statsFunc func(elapsed time.Duration, errs int64)

// Dialer is an instrumented connection through one circuit's SOCKS
// endpoint. It times Connect, CloseWrite and Close, counts every I/O error,
// and reports a single stats sample back to its circuit. The report fires
// at most once per dialer no matter how the dialer ends.
//
// After a successful Connect the Dialer behaves as a net.Conn.
type Dialer struct {
	proxy    *socks.Dialer
	callback statsFunc

	mu         sync.Mutex
	conn       net.Conn
	elapsed    time.Duration
	errs       int64
	calledBack bool
}

var _ net.Conn = (*Dialer)(nil)

func newDialer(proxy *socks.Dialer, callback statsFunc) *Dialer {
	return &Dialer{
		proxy:    proxy,
		callback: callback,
	}
}

// Connect performs the SOCKS handshake to address (host:port). The full
// call is timed. On failure the stats report is delivered immediately and
// the error is returned to the caller.
func (d *Dialer) Connect(ctx context.Context, address string) error {
	start := time.Now()
	conn, err := d.proxy.DialContext(ctx, "tcp", address)

	d.mu.Lock()
	d.elapsed += time.Since(start)
	if err != nil {
		d.errs++
		d.deliverLocked()
		d.mu.Unlock()
		return err
	}
	d.conn = conn
	d.mu.Unlock()
	return nil
}

// Read reads from the connection. Errors other than clean EOF are counted
// and delivered, then returned.
func (d *Dialer) Read(p []byte) (int, error) {
	conn := d.current()
	if conn == nil {
		return 0, net.ErrClosed
	}
	n, err := conn.Read(p)
	if err != nil && !isEOF(err) {
		d.recordError()
	}
	return n, err
}

// Write writes to the connection. Errors are counted and delivered, then
// returned.
func (d *Dialer) Write(p []byte) (int, error) {
	conn := d.current()
	if conn == nil {
		return 0, net.ErrClosed
	}
	n, err := conn.Write(p)
	if err != nil {
		d.recordError()
	}
	return n, err
}

// CloseWrite half-closes the write side when the underlying connection
// supports it. The call is timed; a clean return delivers the stats report.
func (d *Dialer) CloseWrite() error {
	conn := d.current()
	if conn == nil {
		return net.ErrClosed
	}

	type closeWriter interface{ CloseWrite() error }
	cw, ok := conn.(closeWriter)
	if !ok {
		return nil
	}

	start := time.Now()
	err := cw.CloseWrite()

	d.mu.Lock()
	d.elapsed += time.Since(start)
	if err != nil {
		d.errs++
	}
	d.deliverLocked()
	d.mu.Unlock()
	return err
}

// Close closes the connection. The call is timed and the stats report is
// delivered if it has not fired yet. Closing twice is safe and never
// produces a second report.
func (d *Dialer) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	var err error
	if conn != nil {
		start := time.Now()
		err = conn.Close()
		d.mu.Lock()
		d.elapsed += time.Since(start)
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.deliverLocked()
	d.mu.Unlock()
	return err
}

// LocalAddr implements net.Conn.
func (d *Dialer) LocalAddr() net.Addr {
	if conn := d.current(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

// RemoteAddr implements net.Conn.
func (d *Dialer) RemoteAddr() net.Addr {
	if conn := d.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// SetDeadline implements net.Conn.
func (d *Dialer) SetDeadline(t time.Time) error {
	if conn := d.current(); conn != nil {
		return conn.SetDeadline(t)
	}
	return net.ErrClosed
}

// SetReadDeadline implements net.Conn.
func (d *Dialer) SetReadDeadline(t time.Time) error {
	if conn := d.current(); conn != nil {
		return conn.SetReadDeadline(t)
	}
	return net.ErrClosed
}

// SetWriteDeadline implements net.Conn.
func (d *Dialer) SetWriteDeadline(t time.Time) error {
	if conn := d.current(); conn != nil {
		return conn.SetWriteDeadline(t)
	}
	return net.ErrClosed
}

func (d *Dialer) current() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Dialer) recordError() {
	d.mu.Lock()
	d.errs++
	d.deliverLocked()
	d.mu.Unlock()
}

// deliverLocked fires the stats callback exactly once. Callers hold d.mu.
// The callback must not call back into the dialer.
func (d *Dialer) deliverLocked() {
	if d.calledBack || d.callback == nil {
		return
	}
	d.calledBack = true
	d.callback(d.elapsed, d.errs)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
