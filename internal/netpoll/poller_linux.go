//go:build linux

package netpoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// firstToken is where token allocation starts; lower values are free for
// callers that want fixed tokens, such as a server listener.
const firstToken Token = 100

// Poller wraps an epoll instance.
type Poller struct {
	epfd   int
	next   Token
	events []unix.EpollEvent
	ready  []Event
}

// New creates a poller that reports at most maxEvents events per Wait.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Poller{
		epfd:   fd,
		next:   firstToken,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}, nil
}

// AllocateToken returns a token that has not been handed out before.
func (p *Poller) AllocateToken() Token {
	p.next++
	return p.next
}

// Register adds fd with a freshly allocated token.
func (p *Poller) Register(fd int, interest Interest) (Token, error) {
	tok := p.AllocateToken()
	if err := p.RegisterToken(fd, tok, interest); err != nil {
		return 0, err
	}
	return tok, nil
}

// RegisterToken adds fd under a caller-chosen token.
func (p *Poller) RegisterToken(fd int, tok Token, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.epollEvents()}
	// The 64-bit epoll_data union spans the Fd and Pad fields.
	ev.Fd = int32(uint32(tok))
	ev.Pad = int32(uint32(tok >> 32))
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl add fd %d", fd)
	}
	return nil
}

// Deregister removes fd. It must be called before the fd is closed.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "epoll_ctl del fd %d", fd)
	}
	return nil
}

// Wait blocks for up to timeout and returns the ready events. The returned
// slice is reused by the next call.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	msec := int(timeout / time.Millisecond)
	if timeout > 0 && msec == 0 {
		msec = 1
	}
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return p.ready[:0], nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}

	p.ready = p.ready[:0]
	for _, ev := range p.events[:n] {
		p.ready = append(p.ready, Event{
			Token:    Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		})
	}
	return p.ready, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func (i Interest) epollEvents() uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if i&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}
