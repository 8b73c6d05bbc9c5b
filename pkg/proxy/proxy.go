// Package proxy implements the HTTP/HTTPS forward proxy frontend. Each
// inbound request is bound to a circuit through the swarm's round-robin
// dispatch contract: take the next circuit, ask it for a dialer with errors
// suppressed, and move on to the next circuit whenever one is refused.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/torswarm/pkg/circuit"
	"github.com/opd-ai/torswarm/pkg/errors"
	"github.com/opd-ai/torswarm/pkg/logger"
	"github.com/opd-ai/torswarm/pkg/metrics"
)

// connectTimeout bounds the SOCKS connect to the target.
const connectTimeout = 10 * time.Second

// Dispatcher hands out instrumented dialers bound to circuits. The swarm
// implements it.
type Dispatcher interface {
	NextDialer(ctx context.Context) (*circuit.Dialer, *circuit.Circuit, error)
}

// Server is the forward proxy.
type Server struct {
	dispatcher Dispatcher
	log        *logger.Logger
	mets       *metrics.Metrics

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a proxy server dispatching through the given Dispatcher.
func NewServer(dispatcher Dispatcher, log *logger.Logger, mets *metrics.Metrics) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	if mets == nil {
		mets = metrics.New()
	}
	s := &Server{
		dispatcher: dispatcher,
		log:        log.Component("proxy"),
		mets:       mets,
	}
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening on addr and serving in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info("proxy server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("proxy server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the proxy down. Hijacked tunnels are not waited for; they end
// when either endpoint closes or the swarm stops underneath them.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		err = s.server.Close()
	}
	s.wg.Wait()
	return err
}

// GetAddress returns the actual listening address.
func (s *Server) GetAddress() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ServeHTTP routes CONNECT requests to the tunnel path and everything else
// to the absolute-form forwarding path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mets.ProxyRequests.Inc()
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// dialTarget binds the request to a circuit and connects its dialer to the
// target, with the connect bounded by the dispatch timeout.
func (s *Server) dialTarget(ctx context.Context, target string) (*circuit.Dialer, error) {
	d, c, err := s.dispatcher.NextDialer(ctx)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := d.Connect(connectCtx, target); err != nil {
		d.Close()
		return nil, errors.NetworkError(fmt.Sprintf("connect %s via %s", target, c.Name()), err)
	}

	s.log.Debug("connected to target", "target", target, "circuit", c.Name())
	return d, nil
}

// handleConnect serves CONNECT tunnels. The client's own TLS (or other)
// bytes pass through untouched.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if !strings.Contains(target, ":") {
		target = net.JoinHostPort(target, "443")
	}

	dialer, err := s.dialTarget(r.Context(), target)
	if err != nil {
		s.dispatchError(w, target, err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		dialer.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		dialer.Close()
		s.log.Error("hijack failed", "error", err)
		return
	}

	s.mets.ProxyTunnels.Inc()
	fmt.Fprintf(clientBuf, "HTTP/1.1 200 Connection Established\r\n\r\n")
	clientBuf.Flush()

	// Read through the hijacked buffer so bytes the client sent right after
	// its CONNECT are not lost.
	s.pipe(clientConn, clientBuf.Reader, dialer)
}

// handleHTTP serves absolute-form plain HTTP requests one-shot: forward the
// request on a fresh dialer, stream the response back, close both sides.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute-form request URI", http.StatusBadRequest)
		return
	}
	if r.URL.Scheme != "http" {
		s.mets.ProxyErrors.Inc()
		http.Error(w, fmt.Sprintf("unsupported scheme %q", r.URL.Scheme), http.StatusNotImplemented)
		return
	}

	target := r.URL.Host
	if !strings.Contains(target, ":") {
		target = net.JoinHostPort(target, "80")
	}

	dialer, err := s.dialTarget(r.Context(), target)
	if err != nil {
		s.dispatchError(w, target, err)
		return
	}
	defer dialer.Close()

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")
	outReq.Header.Set("Connection", "close")
	outReq.Close = true

	if err := outReq.Write(dialer); err != nil {
		s.mets.ProxyErrors.Inc()
		http.Error(w, "failed to forward request", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(dialer), outReq)
	if err != nil {
		s.mets.ProxyErrors.Inc()
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	s.mets.ProxyData.Add(n)
}

// dispatchError maps dispatch failures onto proxy responses. Swarm
// exhaustion is the fatal case; the main loop notices it through its own
// periodic check of the swarm, so here it only surfaces as an error response.
func (s *Server) dispatchError(w http.ResponseWriter, target string, err error) {
	s.mets.ProxyErrors.Inc()
	s.log.Warn("dispatch failed", "target", target, "error", err)
	if errors.IsCategory(err, errors.CategorySwarm) {
		http.Error(w, "no circuit available", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "upstream connect failed", http.StatusBadGateway)
}

// pipe copies bytes both ways until either side closes, then closes both.
// EOFs propagate as half-closes so the far end can finish cleanly; the
// final Close on the dialer fires its stats report if a half-close has not
// already.
func (s *Server) pipe(client net.Conn, clientR io.Reader, upstream *circuit.Dialer) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(upstream, clientR)
		s.mets.ProxyData.Add(n)
		upstream.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, upstream)
		s.mets.ProxyData.Add(n)
		if cw, ok := client.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		// A client that never half-closes must not pin the tunnel once the
		// upstream is gone. The client side is not instrumented, so the
		// forced deadline cannot skew circuit statistics.
		client.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	client.Close()
	upstream.Close()
}
