package server

import (
	"time"

	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/internal/netpoll"
	"github.com/gonzalop/ftpd/protocol"
)

var errIdleTimeout = errors.New("idle timeout")

// tick advances c without a readiness event: it runs command lines held
// back by a password check, starts queued active-mode connects, pushes
// payload bytes when the rate limiters had no budget at the last writable
// event, and enforces the data setup and idle timeouts.
func (s *Server) tick(c *client, now time.Time) error {
	c.passHandled = false
	if c.lines.Pending() {
		if err := s.processLines(c); err != nil {
			return err
		}
	}
	if err := s.checkDataTimeout(c, now); err != nil {
		return err
	}

	r, ok := c.session.(Ready)
	if !ok || r.Pending == nil {
		return s.checkIdle(c, now)
	}

	switch c.conn.Data.State {
	case DataNone:
		if r.Mode.Kind != Active || !r.PeerAddr.IsValid() {
			return errors.Wrapf(ErrInvariant, "transfer pending in %s mode without data connection", r.Mode)
		}
		c.log.Debug("dialing active connection", "addr", r.PeerAddr.String())
		return s.withData(c, func() error { return c.conn.connect(s.poller, r.PeerAddr, now) })
	case DataConnected:
		return s.flush(c)
	}
	return nil
}

// handleDataEvent advances the data stream and flushes a pending transfer
// once the socket is writable.
func (s *Server) handleDataEvent(c *client, ev netpoll.Event) error {
	before := c.conn.Data.State
	err := s.withData(c, func() error {
		return c.conn.handleDataEvent(s.poller, s.ports, ev, time.Now())
	})
	if err != nil {
		if before != DataConnected {
			s.recordDataConnection(c, "failed")
		}
		return errors.Wrap(err, "data connection")
	}
	after := c.conn.Data.State
	if after == DataConnected && before != DataConnected {
		c.log.Debug("data_connection_established")
		s.recordDataConnection(c, "established")
	}

	if after != DataConnected {
		return nil
	}
	if r, ok := c.session.(Ready); ok && r.Pending != nil {
		return s.flush(c)
	}
	return nil
}

// flush writes as much of the pending payload as the socket and the rate
// limiters accept. After the final byte the data socket is closed and 226
// is sent.
func (s *Server) flush(c *client) error {
	r := c.session.(Ready)
	t := r.Pending
	conn := c.conn.Data.conn

	for t.Remaining() > 0 {
		chunk := t.Payload[t.sent:]
		budget := s.budget(c, len(chunk))
		if budget == 0 {
			return nil
		}
		n, err := conn.Write(chunk[:budget])
		if n > 0 {
			t.sent += n
			s.consume(c, n)
		}
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "data connection")
		}
	}

	if err := s.closeData(c); err != nil {
		return err
	}
	r.Pending = nil
	c.session = r
	c.lastActivity = time.Now()

	elapsed := time.Since(t.started)
	c.log.Info("transfer_complete",
		"cmd", t.Command,
		"path", t.Path,
		"bytes", len(t.Payload),
		"duration", elapsed.Round(time.Millisecond).String(),
	)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordTransfer(t.Command, int64(len(t.Payload)), elapsed)
	}
	return c.conn.writeReply(protocol.NewReply(protocol.CodeClosingDataConn, "Transfer complete"))
}

// budget returns how many of want bytes the limiters allow right now.
func (s *Server) budget(c *client, want int) int {
	n := want
	if s.globalLimiter != nil {
		n = min(n, int(s.globalLimiter.Tokens()))
	}
	if c.limiter != nil {
		n = min(n, int(c.limiter.Tokens()))
	}
	return max(n, 0)
}

func (s *Server) consume(c *client, n int) {
	now := time.Now()
	if s.globalLimiter != nil {
		s.globalLimiter.AllowN(now, n)
	}
	if c.limiter != nil {
		c.limiter.AllowN(now, n)
	}
}

// checkDataTimeout closes a data connection that has been in setup too long.
// The client stays connected and is told with a 425.
func (s *Server) checkDataTimeout(c *client, now time.Time) error {
	d := c.conn.Data
	if s.dataConnTimeout <= 0 || (d.State != DataListening && d.State != DataConnecting) {
		return nil
	}
	if now.Sub(d.since) < s.dataConnTimeout {
		return nil
	}

	c.log.Warn("data_connection_timeout", "state", d.State.String(), "timeout", s.dataConnTimeout.String())
	s.recordDataConnection(c, "timeout")
	if err := s.closeData(c); err != nil {
		return err
	}
	r, ok := c.session.(Ready)
	if !ok || r.Pending == nil {
		return nil
	}
	r.Pending = nil
	c.session = r
	return c.conn.writeReply(protocol.NewReply(protocol.CodeCantOpenDataConn, "data connection timed out"))
}

// checkIdle disconnects a client that sent nothing for maxIdleTime.
func (s *Server) checkIdle(c *client, now time.Time) error {
	if s.maxIdleTime <= 0 || now.Sub(c.lastActivity) < s.maxIdleTime {
		return nil
	}
	c.log.Info("idle_timeout", "idle", now.Sub(c.lastActivity).Round(time.Second).String())
	_ = c.conn.writeReply(protocol.NewReply(protocol.CodeServiceNotAvailable, "idle timeout"))
	return errIdleTimeout
}

func (s *Server) recordDataConnection(c *client, outcome string) {
	if s.metricsCollector == nil {
		return
	}
	mode := Active
	if r, ok := c.session.(Ready); ok {
		mode = r.Mode.Kind
	}
	s.metricsCollector.RecordDataConnection(mode.String(), outcome)
}

// withData runs a change to c's data slot and keeps the token index in step
// with the socket the slot ends up holding.
func (s *Server) withData(c *client, change func() error) error {
	prev := c.conn.Data.token
	err := change()
	if prev != 0 {
		delete(s.tokens, prev)
	}
	if c.conn.Data.State != DataNone {
		s.tokens[c.conn.Data.token] = c
	}
	return err
}

func (s *Server) closeData(c *client) error {
	return s.withData(c, func() error { return c.conn.closeData(s.poller, s.ports) })
}
