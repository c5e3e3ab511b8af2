package server

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/protocol"
)

// execute performs the side effects of an action for c. Errors returned
// here are transport or invariant failures and drop the client.
func (s *Server) execute(c *client, action Action) error {
	switch a := action.(type) {
	case ReplyAction:
		return c.conn.writeReply(a.Reply)
	case EstablishDataConnection:
		return s.establish(c, a)
	case TransferAction:
		return s.queueTransfer(c, a.Transfer)
	case nil:
		return errors.Wrap(ErrInvariant, "nil action")
	}
	return errors.Wrapf(ErrInvariant, "unknown action %T", action)
}

// establish prepares the data slot for a new mode. Any previous data
// socket is discarded first; at most one exists per client.
func (s *Server) establish(c *client, a EstablishDataConnection) error {
	if err := s.closeData(c); err != nil {
		c.log.Debug("close previous data connection", "error", err)
	}

	if a.Mode.Kind == Passive {
		// Bind before replying so the advertised port is accepting by the
		// time the client reads it.
		addr := netip.AddrPortFrom(c.local, a.Mode.Port)
		err := s.withData(c, func() error { return c.conn.bind(s.poller, addr, time.Now()) })
		if err != nil {
			s.ports.Release(a.Mode.Port)
			return err
		}
		c.log.Debug("waiting for passive connection", "port", a.Mode.Port)
	}
	return c.conn.writeReply(a.Reply)
}

// queueTransfer stores t as the client's pending transfer and announces it.
// Active-mode connects are started by the next tick.
func (s *Server) queueTransfer(c *client, t *Transfer) error {
	r, ok := c.session.(Ready)
	if !ok {
		return errors.Wrapf(ErrInvariant, "transfer in state %s", c.session.State())
	}
	if r.Pending != nil {
		return errors.Wrap(ErrInvariant, "transfer already pending")
	}

	data := c.conn.Data.State
	if data == DataNone {
		if r.Mode.Kind == Passive || !r.PeerAddr.IsValid() {
			return c.conn.writeReply(protocol.NewReply(protocol.CodeCantOpenDataConn, "use PORT or PASV first"))
		}
	}

	t.started = time.Now()
	r.Pending = t
	c.session = r

	if data == DataConnected {
		return c.conn.writeReply(protocol.NewReply(protocol.CodeDataConnAlreadyOpen, "transfer starting"))
	}
	return c.conn.writeReply(protocol.NewReply(protocol.CodeFileStatusOK, "about to open data connection"))
}
