// Package staticdirserver runs a throwaway HTTP server over a local directory.
//
// The server only listens on 127.0.0.1 and uses a port picked by the OS, so
// any number of instances can run side by side. It's meant for tests that
// need to exercise HTTP file downloads, including a couple of routes that
// misbehave on purpose depending on the request method.
package staticdirserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// State is a point in the server lifecycle. States only move forward.
type State int32

const (
	// Created is a server that hasn't started listening yet.
	Created State = iota
	// Listening is a server accepting connections.
	Listening
	// ShuttingDown is a server draining in-flight requests after Shutdown.
	ShuttingDown
	// Stopped is a server that has released its port. It can't be restarted.
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Listening:
		return "listening"
	case ShuttingDown:
		return "shutting down"
	case Stopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// BindError is returned by New when the loopback listener can't be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Server is a handle to a running directory server. Close it when done,
// otherwise the serving goroutine and the port are leaked.
type Server struct {
	root   string
	addr   *net.TCPAddr
	srv    *http.Server
	cfg    config
	logger zerolog.Logger

	state    atomic.Int32
	once     sync.Once
	stopOnce sync.Once
	exited   chan struct{}
	done     chan struct{}
	closeErr error
}

// New starts serving root on an ephemeral loopback port. The only failure
// is the listener not opening, reported as *BindError.
func New(root string, opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		root:   root,
		cfg:    cfg,
		logger: cfg.logger.With().Str("root", root).Logger(),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(Created))

	// Port 0 lets the OS pick a free port, which is what allows tests to
	// run many servers in parallel.
	listener, err := net.Listen("tcp", loopbackAddr)
	if err != nil {
		return nil, &BindError{Addr: loopbackAddr, Err: err}
	}
	s.addr = listener.Addr().(*net.TCPAddr)

	s.srv = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: cfg.readHeaderTimeout,
	}

	s.state.Store(int32(Listening))
	s.logger.Debug().Str("url", s.URL()).Msg("Listening")

	go s.serve(listener)
	return s, nil
}

const loopbackAddr = "127.0.0.1:0"

func (s *Server) handler() http.Handler {
	var h http.Handler = newRouter(s.root)
	if s.cfg.rateLimit > 0 {
		h = throttle(s.cfg.rateLimit, h)
	}
	for _, mw := range s.cfg.middleware {
		h = mw(h)
	}
	return h
}

func (s *Server) serve(listener net.Listener) {
	defer close(s.exited)
	err := s.srv.Serve(listener)
	// Serve always returns an error. Anything besides a requested shutdown
	// is dropped on the floor, there is nobody to hand it to.
	if !errors.Is(err, http.ErrServerClosed) {
		s.logger.Debug().Err(err).Msg("Serve loop exited")
		s.markStopped()
	}
}

func (s *Server) markStopped() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(Stopped))
		s.logger.Debug().Msg("Stopped")
		close(s.done)
	})
}

// URL returns the root URL of the server, http://localhost:{port}.
func (s *Server) URL() string {
	return "http://localhost:" + strconv.Itoa(s.addr.Port)
}

// Addr returns the bound loopback address.
func (s *Server) Addr() *net.TCPAddr {
	return s.addr
}

// Root returns the directory being served.
func (s *Server) Root() string {
	return s.root
}

// State returns where the server is in its lifecycle.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Done is closed once the server has fully stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown stops accepting connections and waits for in-flight requests to
// finish or ctx to expire, whichever comes first. Connections still open
// when ctx expires are closed forcibly. Only the first call does anything;
// later calls return the first call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.state.CompareAndSwap(int32(Listening), int32(ShuttingDown))
		s.logger.Debug().Msg("Shutting down")
		if err := s.srv.Shutdown(ctx); err != nil {
			s.closeErr = fmt.Errorf("shutdown %s: %w", s.URL(), err)
			s.srv.Close()
		}
		<-s.exited
		s.markStopped()
	})
	return s.closeErr
}

// Close is Shutdown bounded by the configured shutdown timeout. It is safe to
// call more than once.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}
