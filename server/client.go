package server

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpd/internal/netpoll"
	"github.com/gonzalop/ftpd/protocol"
)

// errPeerClosed ends a client whose control connection reached EOF.
var errPeerClosed = errors.New("client disconnected")

// errTooManyLogins ends a client that ran out of login attempts.
var errTooManyLogins = errors.New("too many login attempts")

// Password checks allowed per client: authBurst at once, then one every
// authInterval.
const (
	authBurst    = 3
	authInterval = time.Second
)

// client is one connected FTP client: its protocol session plus its
// sockets.
type client struct {
	id      uuid.UUID
	session Session
	conn    *Connection
	peer    Peer
	local   netip.Addr
	lines   *protocol.LineBuffer
	log     *slog.Logger

	connected    time.Time
	lastActivity time.Time

	// limiter caps this client's transfer rate; nil when unlimited.
	limiter *rate.Limiter
	// authLimiter caps password checks.
	authLimiter *rate.Limiter
	// passHandled is set once a password was checked in the current loop
	// iteration; further lines wait for the next one.
	passHandled bool
}

// acceptClients drains the listener backlog.
func (s *Server) acceptClients() {
	for {
		conn, err := s.listener.Accept()
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return
		}
		if err != nil {
			if !s.inShutdown.Load() {
				s.logger.Error("accept error", "error", err)
			}
			return
		}
		s.acceptClient(conn)
	}
}

func (s *Server) acceptClient(conn *netpoll.Conn) {
	ip := conn.RemoteAddr().Addr().Unmap()

	// Check global connection limit
	if s.maxConnections > 0 && len(s.clients) >= s.maxConnections {
		s.reject(conn, ip, "global_limit_reached", s.maxConnections, "Too many users, sorry.")
		return
	}
	// Check per-IP connection limit
	if s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= s.maxConnectionsPerIP {
		s.reject(conn, ip, "per_ip_limit_reached", s.maxConnectionsPerIP, "Too many connections from your IP address.")
		return
	}

	tok, err := s.poller.Register(conn.Fd(), controlInterest)
	if err != nil {
		s.logger.Error("register client", "remote_ip", ip.String(), "error", err)
		conn.Close()
		return
	}

	now := time.Now()
	id := uuid.New()
	local := conn.LocalAddr().Addr().Unmap()
	c := &client{
		id:           id,
		session:      PendingWelcome{},
		conn:         newConnection(conn, tok),
		peer:         Peer{Remote: ip, PassiveHost: s.passiveHost(local)},
		local:        local,
		lines:        protocol.NewLineBuffer(protocol.MaxLineLength),
		log:          s.logger.With("session_id", id.String(), "remote_ip", ip.String()),
		connected:    now,
		lastActivity: now,
		authLimiter:  rate.NewLimiter(rate.Every(authInterval), authBurst),
	}
	if s.perTransferLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.perTransferLimit), s.perTransferLimit)
	}
	s.clients[id] = c
	s.tokens[tok] = c
	s.connsByIP[ip]++

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}
	c.log.Info("session_started", "local_addr", conn.LocalAddr().String())

	next, r, err := Welcome(c.session, codeOf(s.welcomeCode), s.welcomeMessage)
	if err == nil {
		c.session = next
		err = c.conn.writeReply(r)
	}
	if err != nil {
		s.dropClient(c, err)
	}
}

func (s *Server) reject(conn *netpoll.Conn, ip netip.Addr, reason string, limit int, text string) {
	// Security audit: connection limit reached
	s.logger.Warn("connection_rejected",
		"remote_ip", ip.String(),
		"reason", reason,
		"limit", limit,
	)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(false, reason)
	}
	// Send 421 service not available
	_, _ = conn.Write([]byte(protocol.NewReply(protocol.CodeServiceNotAvailable, text).String()))
	conn.Close()
}

// handleEvent routes a readiness event to the control or data socket.
func (s *Server) handleEvent(c *client, ev netpoll.Event) error {
	if !c.conn.IsControl(ev.Token) {
		return s.handleDataEvent(c, ev)
	}
	if ev.Readable || ev.Hangup || ev.Error {
		return s.readControl(c)
	}
	return nil
}

// readControl reads at most one buffer from the control socket and runs the
// complete command lines. The socket is level-triggered, so anything still
// queued in the kernel raises another event on the next loop iteration.
// Commands received before an EOF are answered up to the first password
// check.
func (s *Server) readControl(c *client) error {
	var buf [4096]byte
	var readErr error
	n, err := c.conn.control.Read(buf[:])
	if n > 0 {
		if _, werr := c.lines.Write(buf[:n]); werr != nil {
			readErr = werr
		}
	}
	switch {
	case readErr != nil:
	case err == io.EOF:
		readErr = errPeerClosed
	case err != nil && !errors.Is(err, netpoll.ErrWouldBlock):
		readErr = err
	}

	if err := s.processLines(c); err != nil {
		return err
	}

	switch {
	case errors.Is(readErr, protocol.ErrLineTooLong):
		_ = c.conn.writeReply(protocol.NewReply(protocol.CodeSyntaxError, "Command line too long."))
	case errors.Is(readErr, protocol.ErrBacklogFull):
		_ = c.conn.writeReply(protocol.NewReply(protocol.CodeServiceNotAvailable, "Too many pending commands."))
	}
	return readErr
}

// processLines executes buffered command lines in order. It stops after a
// password check; the remaining lines wait for the next loop iteration so
// one client cannot hold the loop with a batch of PASS commands.
func (s *Server) processLines(c *client) error {
	for !c.passHandled {
		line, ok, err := c.lines.Next()
		if errors.Is(err, protocol.ErrLineTooLong) {
			_ = c.conn.writeReply(protocol.NewReply(protocol.CodeSyntaxError, "Command line too long."))
		}
		if err != nil || !ok {
			return err
		}
		if err := s.handleLine(c, line); err != nil {
			return err
		}
	}
	return nil
}

// handleLine parses, dispatches and executes one command line.
func (s *Server) handleLine(c *client, line string) error {
	start := time.Now()
	c.lastActivity = start

	cmd, err := protocol.ParseCommand(line)
	success := false
	if err == nil {
		c.log.Debug("command_received", "cmd", cmd.Verb(), "arg", redactArg(cmd))
		err = s.checkAuthRate(c, cmd)
	}
	if err == nil {
		prev := c.session
		var next Session
		var action Action
		next, action, err = s.dispatcher.Dispatch(c.session, cmd, c.peer)
		if err == nil {
			c.session = next
			s.auditLogin(c, cmd, prev, next)
			success = positive(action)
			err = s.execute(c, action)
		}
	}
	if s.metricsCollector != nil {
		verb := "UNKNOWN"
		if cmd != nil {
			verb = cmd.Verb()
		}
		s.metricsCollector.RecordCommand(verb, success && err == nil, time.Since(start))
	}
	if err == nil {
		return nil
	}

	r, ok := clientReply(err)
	if !ok {
		return err
	}
	c.log.Info("client_error", "error", err.Error(), "code", int(r.Code), "reply", r.Text())
	return c.conn.writeReply(r)
}

// positive reports whether action answers with a positive reply. A 550 for
// CDUP at the root is a reply, not an error, but it is not a success either.
func positive(action Action) bool {
	if a, ok := action.(ReplyAction); ok {
		return a.Reply.Code.Positive()
	}
	return true
}

// checkAuthRate lets a PASS through to the authenticator only while the
// client's login attempt budget lasts. A client over budget is answered
// with 421 and dropped.
func (s *Server) checkAuthRate(c *client, cmd protocol.Command) error {
	if _, ok := cmd.(protocol.Pass); !ok {
		return nil
	}
	l, ok := c.session.(Login)
	if !ok || l.Stage != WaitingForPassword {
		return nil
	}
	c.passHandled = true
	if c.authLimiter.Allow() {
		return nil
	}
	// Security audit: login attempts over the rate limit
	c.log.Warn("authentication_rate_limited", "user", l.Username)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordAuthentication(false, l.Username)
	}
	_ = c.conn.writeReply(protocol.NewReply(protocol.CodeServiceNotAvailable, "Too many login attempts."))
	return errTooManyLogins
}

// clientReply converts an error the client can recover from into its reply.
func clientReply(err error) (protocol.Reply, bool) {
	if ce, ok := protocol.AsClientError(err); ok {
		return ce.Reply(), true
	}
	var se *StorageError
	if errors.As(err, &se) && se.Recoverable() {
		return protocol.NewReply(protocol.CodeFileUnavailable, "file unavailable: "+se.Path), true
	}
	return protocol.Reply{}, false
}

func (s *Server) auditLogin(c *client, cmd protocol.Command, prev, next Session) {
	switch cmd.(type) {
	case protocol.User, protocol.Pass:
	default:
		return
	}
	if _, wasReady := prev.(Ready); wasReady {
		return
	}
	switch n := next.(type) {
	case Ready:
		// Security audit: successful authentication
		c.log.Info("authentication_success", "user", n.Credentials.Username)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordAuthentication(true, n.Credentials.Username)
		}
	case Login:
		if p, ok := prev.(Login); ok && p.Stage == WaitingForPassword && n.Stage == WaitingForUsername {
			// Security audit: failed authentication
			c.log.Warn("authentication_failed", "user", p.Username)
			if s.metricsCollector != nil {
				s.metricsCollector.RecordAuthentication(false, p.Username)
			}
		}
	}
}

func redactArg(cmd protocol.Command) string {
	if _, ok := cmd.(protocol.Pass); ok {
		return "***"
	}
	return cmd.Arg()
}

// dropClient removes a client after an error. Hangups are logged quietly.
func (s *Server) dropClient(c *client, err error) {
	if errors.Is(err, errPeerClosed) {
		s.removeClient(c, "client_disconnected")
		return
	}
	c.log.Warn("client_dropped", "state", c.session.State(), "error", err.Error())
	s.removeClient(c, "error")
}

// removeClient closes every socket of c and forgets it.
func (s *Server) removeClient(c *client, reason string) error {
	if _, ok := s.clients[c.id]; !ok {
		return nil
	}
	delete(s.clients, c.id)
	delete(s.tokens, c.conn.controlToken)
	if s.connsByIP[c.peer.Remote]--; s.connsByIP[c.peer.Remote] <= 0 {
		delete(s.connsByIP, c.peer.Remote)
	}
	err := s.withData(c, func() error { return c.conn.close(s.poller, s.ports) })
	c.log.Info("session_closed",
		"reason", reason,
		"duration", time.Since(c.connected).Round(time.Millisecond).String(),
	)
	return err
}

// passiveHost returns the address advertised in PASV replies for a control
// connection on local.
func (s *Server) passiveHost(local netip.Addr) netip.Addr {
	if s.publicHost == "" {
		return local
	}
	if ip, err := netip.ParseAddr(s.publicHost); err == nil {
		return ip.Unmap()
	}
	if v, ok := s.hostCache.Get(s.publicHost); ok {
		return v.(netip.Addr)
	}
	ips, err := net.LookupIP(s.publicHost)
	if err != nil {
		s.logger.Warn("public host lookup failed", "host", s.publicHost, "error", err)
		return local
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addr := netip.AddrFrom4([4]byte(v4))
			s.hostCache.Set(s.publicHost, addr, cache.DefaultExpiration)
			return addr
		}
	}
	return local
}

func codeOf(c int) protocol.Code { return protocol.Code(c) }
