package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpd/internal/netpoll"
)

// listenerToken is the fixed poller token of the control listener. Client
// sockets get allocated tokens, which start above it.
const listenerToken netpoll.Token = 1

// Server is the FTP server.
//
// All client sessions are multiplexed on a single goroutine: Serve runs an
// event loop that waits for socket readiness, reads and dispatches control
// commands, and pushes queued transfers over data connections without ever
// blocking on a socket.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Bind with Listen(), or let ListenAndServe() do it
//  3. Run Serve() (blocks)
//  4. Call Shutdown() from another goroutine to stop it
//
// Basic example:
//
//	store := memory.New()
//	s, err := server.NewServer(":2121",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(auth.Anonymous()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	storage       Storage
	authenticator Authenticator

	// logger is the logger instance.
	logger *slog.Logger

	// welcomeMessage is the banner sent to clients on connection.
	welcomeMessage string
	// welcomeCode is the reply code of the banner. Defaults to 200.
	welcomeCode int

	// systemName is returned by SYST. Defaults to "UNIX Type: L8".
	systemName string

	// features are advertised by FEAT.
	features []string

	// pollInterval bounds how long the loop waits for readiness, and so
	// how often queued active-mode transfers are progressed.
	pollInterval time.Duration

	// maxIdleTime is how long a control connection may go without a command.
	// 0 disables the check.
	maxIdleTime time.Duration

	// dataConnTimeout is how long a data connection may stay in setup.
	// 0 disables the check.
	dataConnTimeout time.Duration

	// maxConnections is the maximum number of simultaneous connections.
	// If 0, there is no limit.
	maxConnections int

	// maxConnectionsPerIP is the maximum number of simultaneous connections per IP.
	// If 0, there is no per-IP limit.
	maxConnectionsPerIP int

	// passive port range and advertised host
	pasvMinPort, pasvMaxPort uint16
	publicHost               string
	hostCache                *cache.Cache

	allowForeignActive bool

	// bandwidth limits in bytes per second; nil means unlimited
	globalLimiter    *rate.Limiter
	perTransferLimit int

	metricsCollector MetricsCollector

	// event loop state, owned by the Serve goroutine
	poller     *netpoll.Poller
	listener   *netpoll.Listener
	ports      *PortAllocator
	dispatcher *Dispatcher
	clients    map[uuid.UUID]*client
	tokens     map[netpoll.Token]*client
	connsByIP  map[netip.Addr]int

	boundAddr  atomic.Pointer[netip.AddrPort]
	serving    atomic.Bool
	inShutdown atomic.Bool
	done       chan struct{}
}

// ErrServerClosed is returned by the Server's Serve and ListenAndServe
// methods after a call to Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// ErrInvariant marks an internal state that should be unreachable. It is
// always wrapped with details and drops the affected client.
var ErrInvariant = errors.New("ftp: invariant violated")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// Storage and an Authenticator must be provided via options.
//
// Default values:
//   - Logger: slog.Default()
//   - Welcome: "FTP server ready" with code 200
//   - PollInterval: 30ms
//   - MaxIdleTime: 5 minutes
//   - DataConnTimeout: 30 seconds
//   - Passive ports: 30000-32000
//   - MaxConnections: 0 (unlimited)
//
// With connection limits:
//
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(users),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	    server.WithMaxIdleTime(10*time.Minute),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:            addr,
		logger:          slog.Default(),
		welcomeMessage:  "FTP server ready",
		welcomeCode:     200,
		systemName:      "UNIX Type: L8",
		pollInterval:    30 * time.Millisecond,
		maxIdleTime:     5 * time.Minute,
		dataConnTimeout: 30 * time.Second,
		pasvMinPort:     30000,
		pasvMaxPort:     32000,
		hostCache:       cache.New(5*time.Minute, 10*time.Minute),
		clients:         make(map[uuid.UUID]*client),
		tokens:          make(map[netpoll.Token]*client),
		connsByIP:       make(map[netip.Addr]int),
		done:            make(chan struct{}),
	}

	// Apply options
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if s.storage == nil {
		return nil, errors.New("storage is required (use WithStorage option)")
	}
	if s.authenticator == nil {
		return nil, errors.New("authenticator is required (use WithAuthenticator option)")
	}

	ports, err := NewPortAllocator(s.pasvMinPort, s.pasvMaxPort)
	if err != nil {
		return nil, err
	}
	s.ports = ports
	s.dispatcher = &Dispatcher{
		Storage:            s.storage,
		Authenticator:      s.authenticator,
		Features:           s.features,
		SystemName:         s.systemName,
		Ports:              ports,
		AllowForeignActive: s.allowForeignActive,
	}
	return s, nil
}

// Listen binds the control listener. Failing to bind is fatal for the
// server, so the error is returned rather than logged.
func (s *Server) Listen() error {
	if s.listener != nil {
		return errors.New("server already listening")
	}
	addr, err := resolveListenAddr(s.addr)
	if err != nil {
		return err
	}
	poller, err := netpoll.New(256)
	if err != nil {
		return err
	}
	ln, err := netpoll.Listen(addr, 128)
	if err != nil {
		poller.Close()
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	if err := poller.RegisterToken(ln.Fd(), listenerToken, netpoll.Readable); err != nil {
		ln.Close()
		poller.Close()
		return err
	}
	s.poller = poller
	s.listener = ln
	bound := ln.Addr()
	s.boundAddr.Store(&bound)
	lo, hi := s.ports.Range()
	s.logger.Info("server_listening",
		"addr", bound.String(),
		"passive_ports", fmt.Sprintf("%d-%d", lo, hi),
	)
	return nil
}

// Addr returns the bound control address, or the zero value before Listen.
func (s *Server) Addr() netip.AddrPort {
	if a := s.boundAddr.Load(); a != nil {
		return *a
	}
	return netip.AddrPort{}
}

// ListenAndServe binds the configured address and runs the event loop.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the event loop until Shutdown is called or polling fails.
// Listen must have been called. It always returns a non-nil error; after
// Shutdown it is ErrServerClosed.
//
// Each iteration first advances queued transfers of every client, then
// waits up to the poll interval for readiness and handles the events in
// the order the kernel reports them. Errors scoped to one client drop that
// client; only a failing poll stops the server.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("Listen must be called before Serve")
	}
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("server already serving")
	}
	defer close(s.done)
	defer s.closeAll()

	for {
		if s.inShutdown.Load() {
			return ErrServerClosed
		}

		now := time.Now()
		for _, c := range s.clients {
			if err := s.tick(c, now); err != nil {
				s.dropClient(c, err)
			}
		}

		events, err := s.poller.Wait(s.pollInterval)
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			return err
		}

		for _, ev := range events {
			if ev.Token == listenerToken {
				s.acceptClients()
				continue
			}
			c := s.clientFor(ev.Token)
			if c == nil {
				// Socket closed earlier in this batch.
				continue
			}
			if err := s.handleEvent(c, ev); err != nil {
				s.dropClient(c, err)
			}
		}
	}
}

// Shutdown stops the event loop and closes every client and the listener.
// It waits for Serve to return or ctx to be done.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := s.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown: %v", err)
//	}
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	if !s.serving.Load() {
		return s.closeAll()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeAll releases every client, the listener and the poller.
func (s *Server) closeAll() error {
	var result *multierror.Error
	for _, c := range s.clients {
		if err := s.removeClient(c, "server_shutdown"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.listener != nil {
		if err := s.poller.Deregister(s.listener.Fd()); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.listener = nil
	}
	if s.poller != nil {
		if err := s.poller.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.poller = nil
	}
	return result.ErrorOrNil()
}

// clientFor returns the client owning tok, or nil if the socket is gone.
func (s *Server) clientFor(tok netpoll.Token) *client {
	if c, ok := s.tokens[tok]; ok && c.conn.Owns(tok) {
		return c
	}
	return nil
}

// resolveListenAddr turns "host:port" or ":port" into an address. An empty
// host listens on all IPv4 interfaces.
func resolveListenAddr(addr string) (netip.AddrPort, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "resolve %s", addr)
	}
	ap := tcp.AddrPort()
	if !ap.Addr().IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
