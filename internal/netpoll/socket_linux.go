//go:build linux

package netpoll

import (
	"io"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const socketFlags = unix.SOCK_STREAM | unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	fd   int
	addr netip.AddrPort
}

// Listen binds a TCP socket to addr and starts listening. A zero port asks
// the kernel for an ephemeral port; Addr reports the bound address.
func Listen(addr netip.AddrPort, backlog int) (*Listener, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, socketFlags, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind %s", addr)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "getsockname")
	}
	return &Listener{fd: fd, addr: addrPort(bound)}, nil
}

// Fd returns the socket descriptor for poller registration.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address.
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Accept takes one pending connection. It returns ErrWouldBlock when the
// backlog is empty.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, ErrWouldBlock
		default:
			return nil, errors.Wrap(err, "accept")
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := &Conn{fd: nfd, remote: addrPort(sa)}
		if local, err := unix.Getsockname(nfd); err == nil {
			c.local = addrPort(local)
		}
		return c, nil
	}
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Conn is a non-blocking TCP stream socket.
type Conn struct {
	fd     int
	local  netip.AddrPort
	remote netip.AddrPort
}

// Dial starts a non-blocking connect to addr. The connection is usable once
// the socket reports writable and SocketError returns nil.
func Dial(addr netip.AddrPort) (*Conn, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, socketFlags, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	c := &Conn{fd: fd, remote: addr}
	if local, err := unix.Getsockname(fd); err == nil {
		c.local = addrPort(local)
	}
	return c, nil
}

// Fd returns the socket descriptor for poller registration.
func (c *Conn) Fd() int { return c.fd }

// LocalAddr returns the local end of the connection.
func (c *Conn) LocalAddr() netip.AddrPort { return c.local }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

// Read reads available bytes. It returns ErrWouldBlock when nothing is
// buffered and io.EOF when the peer has closed the connection.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, errors.Wrap(err, "read")
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes as much of p as the socket buffer accepts. A short write is
// reported with ErrWouldBlock. Writing to a reset peer returns EPIPE and
// never raises SIGPIPE.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.SendmsgN(c.fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return written, ErrWouldBlock
		case err != nil:
			return written, errors.Wrap(err, "write")
		}
		written += n
	}
	return written, nil
}

// SocketError returns the pending socket error, if any. After a
// non-blocking connect it reports whether the connect failed.
func (c *Conn) SocketError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if v != 0 {
		return errors.Wrapf(unix.Errno(v), "connect %s", c.remote)
	}
	return nil
}

// Close closes the socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	ip := ap.Addr().Unmap()
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ip.As16()}, unix.AF_INET6
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
