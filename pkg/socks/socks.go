// Package socks implements the SOCKS4 client protocol used to reach each
// circuit's local proxy endpoint. Remote DNS resolution (the 4a extension)
// is always enabled so hostnames are resolved at the exit, never locally.
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

const (
	socksVersion4  = 0x04
	cmdConnect     = 0x01
	replyVersion   = 0x00
	requestGranted = 0x5a
)

// Dialer connects through a SOCKS4 proxy with remote DNS enabled.
// It implements both proxy.Dialer and proxy.ContextDialer from
// golang.org/x/net/proxy.
type Dialer struct {
	// Addr is the proxy endpoint, host:port.
	Addr string
	// Timeout bounds the TCP dial to the proxy together with the SOCKS
	// handshake. Zero means no limit.
	Timeout time.Duration
	// Forward, when set, establishes the TCP connection to the proxy.
	// Defaults to a direct net.Dialer.
	Forward proxy.ContextDialer
}

var _ proxy.Dialer = (*Dialer)(nil)
var _ proxy.ContextDialer = (*Dialer)(nil)

// SOCKS4a creates a Dialer for the proxy at addr.
func SOCKS4a(addr string) *Dialer {
	return &Dialer{Addr: addr}
}

// Dial connects to addr (host:port) through the proxy.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr (host:port) through the proxy.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4":
	default:
		return nil, fmt.Errorf("socks4: network %q not supported", network)
	}

	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	forward := d.Forward
	if forward == nil {
		forward = &net.Dialer{}
	}

	conn, err := forward.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: dial proxy %s: %w", d.Addr, err)
	}

	// The handshake honors the context deadline through the connection
	// deadline; it is cleared before the connection is handed out.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := connect(conn, host, port); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// connect performs the SOCKS4/4a CONNECT handshake on an open proxy
// connection.
func connect(conn net.Conn, host string, port uint16) error {
	req := make([]byte, 0, 9+len(host)+1)
	req = append(req, socksVersion4, cmdConnect)
	req = binary.BigEndian.AppendUint16(req, port)

	ip := net.ParseIP(host)
	if ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return fmt.Errorf("socks4: IPv6 destination %s not supported", host)
		}
		req = append(req, ip4...)
		req = append(req, 0) // empty userid
	} else {
		// 4a: invalid destination 0.0.0.1 plus trailing hostname tells the
		// proxy to resolve remotely.
		req = append(req, 0, 0, 0, 1)
		req = append(req, 0) // empty userid
		req = append(req, host...)
		req = append(req, 0)
	}

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks4: write request: %w", err)
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("socks4: read reply: %w", err)
	}
	if reply[0] != replyVersion {
		return fmt.Errorf("socks4: unexpected reply version %#x", reply[0])
	}
	if reply[1] != requestGranted {
		return fmt.Errorf("socks4: request rejected (code %#x)", reply[1])
	}
	return nil
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("socks4: bad address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("socks4: bad port in %q", addr)
	}
	return host, uint16(port), nil
}
