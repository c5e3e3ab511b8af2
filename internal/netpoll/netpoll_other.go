//go:build !linux

package netpoll

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned on platforms without epoll.
var ErrUnsupported = errors.New("netpoll: only supported on linux")

type Poller struct{}

func New(int) (*Poller, error)                             { return nil, ErrUnsupported }
func (p *Poller) AllocateToken() Token                     { return 0 }
func (p *Poller) Register(int, Interest) (Token, error)    { return 0, ErrUnsupported }
func (p *Poller) RegisterToken(int, Token, Interest) error { return ErrUnsupported }
func (p *Poller) Deregister(int) error                     { return ErrUnsupported }
func (p *Poller) Wait(time.Duration) ([]Event, error)      { return nil, ErrUnsupported }
func (p *Poller) Close() error                             { return nil }

type Listener struct{}

func Listen(netip.AddrPort, int) (*Listener, error) { return nil, ErrUnsupported }
func (l *Listener) Fd() int                         { return -1 }
func (l *Listener) Addr() netip.AddrPort            { return netip.AddrPort{} }
func (l *Listener) Accept() (*Conn, error)          { return nil, ErrUnsupported }
func (l *Listener) Close() error                    { return nil }

type Conn struct{}

func Dial(netip.AddrPort) (*Conn, error)   { return nil, ErrUnsupported }
func (c *Conn) Fd() int                    { return -1 }
func (c *Conn) LocalAddr() netip.AddrPort  { return netip.AddrPort{} }
func (c *Conn) RemoteAddr() netip.AddrPort { return netip.AddrPort{} }
func (c *Conn) Read([]byte) (int, error)   { return 0, ErrUnsupported }
func (c *Conn) Write([]byte) (int, error)  { return 0, ErrUnsupported }
func (c *Conn) SocketError() error         { return ErrUnsupported }
func (c *Conn) Close() error               { return nil }
