package server

import (
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/internal/netpoll"
	"github.com/gonzalop/ftpd/protocol"
)

// DataState is the lifecycle stage of a client's data connection.
type DataState int

const (
	// DataNone means no data socket exists.
	DataNone DataState = iota
	// DataListening means a passive listener is waiting for the client.
	DataListening
	// DataConnecting means a socket exists but is not yet confirmed usable.
	DataConnecting
	// DataConnected means the socket is ready for payload bytes.
	DataConnected
)

func (s DataState) String() string {
	switch s {
	case DataListening:
		return "listening"
	case DataConnecting:
		return "connecting"
	case DataConnected:
		return "connected"
	}
	return "none"
}

const (
	controlInterest = netpoll.Readable
	dataInterest    = netpoll.Readable | netpoll.Writable | netpoll.EdgeTriggered
	listenBacklog   = 1
)

// DataStream is the single data-connection slot of a client.
type DataStream struct {
	State DataState

	listener *netpoll.Listener // DataListening
	conn     *netpoll.Conn     // DataConnecting, DataConnected
	token    netpoll.Token
	port     uint16 // reserved passive port while DataListening
	since    time.Time
}

// Connection is the network side of a client: the control socket and the
// data slot.
type Connection struct {
	control      *netpoll.Conn
	controlToken netpoll.Token
	Data         DataStream
}

func newConnection(c *netpoll.Conn, tok netpoll.Token) *Connection {
	return &Connection{control: c, controlToken: tok}
}

// Owns reports whether tok belongs to one of the connection's sockets.
func (c *Connection) Owns(tok netpoll.Token) bool {
	if tok == c.controlToken {
		return true
	}
	return c.Data.State != DataNone && tok == c.Data.token
}

// IsControl reports whether tok is the control socket's token.
func (c *Connection) IsControl(tok netpoll.Token) bool {
	return tok == c.controlToken
}

// writeReply writes r on the control socket. A reply that does not fit in
// the socket buffer is an error; replies are small and a client that stops
// reading its control connection is dropped.
func (c *Connection) writeReply(r protocol.Reply) error {
	_, err := c.control.Write([]byte(r.String()))
	if errors.Is(err, netpoll.ErrWouldBlock) {
		return errors.New("control connection write buffer full")
	}
	return errors.Wrap(err, "write reply")
}

// bind opens a passive listener on addr. The port in addr must already be
// reserved; it is owned by the stream from here on and released by
// closeData.
func (c *Connection) bind(p *netpoll.Poller, addr netip.AddrPort, now time.Time) error {
	if c.Data.State != DataNone {
		return errors.Wrapf(ErrInvariant, "bind with data stream %s", c.Data.State)
	}
	ln, err := netpoll.Listen(addr, listenBacklog)
	if err != nil {
		return errors.Wrap(err, "bind passive listener")
	}
	tok, err := p.Register(ln.Fd(), netpoll.Readable)
	if err != nil {
		ln.Close()
		return err
	}
	c.Data = DataStream{
		State:    DataListening,
		listener: ln,
		token:    tok,
		port:     addr.Port(),
		since:    now,
	}
	return nil
}

// connect starts an active-mode connection to addr.
func (c *Connection) connect(p *netpoll.Poller, addr netip.AddrPort, now time.Time) error {
	if c.Data.State != DataNone {
		return errors.Wrapf(ErrInvariant, "connect with data stream %s", c.Data.State)
	}
	conn, err := netpoll.Dial(addr)
	if err != nil {
		return err
	}
	tok, err := p.Register(conn.Fd(), dataInterest)
	if err != nil {
		conn.Close()
		return err
	}
	c.Data = DataStream{State: DataConnecting, conn: conn, token: tok, since: now}
	return nil
}

// handleDataEvent advances the data stream for a readiness event on its
// socket.
func (c *Connection) handleDataEvent(p *netpoll.Poller, ports *PortAllocator, ev netpoll.Event, now time.Time) error {
	switch c.Data.State {
	case DataListening:
		if !ev.Readable {
			return nil
		}
		conn, err := c.Data.listener.Accept()
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		// One connection per PASV: the listener and its port go away now.
		c.closeData(p, ports)
		tok, err := p.Register(conn.Fd(), dataInterest)
		if err != nil {
			conn.Close()
			return err
		}
		// Registration with write interest yields an immediate writable
		// event, which completes Connecting.
		c.Data = DataStream{State: DataConnecting, conn: conn, token: tok, since: now}
	case DataConnecting:
		if ev.Error || ev.Hangup {
			if err := c.Data.conn.SocketError(); err != nil {
				return err
			}
			return errors.New("data connection closed during setup")
		}
		if !ev.Writable {
			return nil
		}
		if err := c.Data.conn.SocketError(); err != nil {
			return err
		}
		c.Data.State = DataConnected
		c.Data.since = now
	case DataConnected:
		if ev.Error {
			if err := c.Data.conn.SocketError(); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeData tears down whatever the data slot holds and returns it to
// DataNone.
func (c *Connection) closeData(p *netpoll.Poller, ports *PortAllocator) error {
	d := c.Data
	c.Data = DataStream{}

	var result *multierror.Error
	switch d.State {
	case DataListening:
		if err := p.Deregister(d.listener.Fd()); err != nil {
			result = multierror.Append(result, err)
		}
		if err := d.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		ports.Release(d.port)
	case DataConnecting, DataConnected:
		if err := p.Deregister(d.conn.Fd()); err != nil {
			result = multierror.Append(result, err)
		}
		if err := d.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// close releases every socket of the connection.
func (c *Connection) close(p *netpoll.Poller, ports *PortAllocator) error {
	var result *multierror.Error
	if err := c.closeData(p, ports); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.Deregister(c.control.Fd()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.control.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
