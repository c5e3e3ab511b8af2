// Package netpoll is a small readiness-notification layer over epoll and
// non-blocking sockets. It is used by the server's single-threaded event
// loop; none of its types are safe for concurrent use.
package netpoll

import (
	"github.com/pkg/errors"
)

// ErrWouldBlock is returned by non-blocking operations that cannot make
// progress until the socket becomes ready again.
var ErrWouldBlock = errors.New("netpoll: operation would block")

// Token identifies a registered socket in readiness events.
type Token uint64

// Interest selects the readiness kinds a registration reports.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	// EdgeTriggered reports a readiness change once instead of on every wait.
	EdgeTriggered
)

// Event is one readiness notification.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	// Hangup is set when the peer closed its side or the socket was reset.
	Hangup bool
	// Error is set when the socket has a pending error, e.g. a refused connect.
	Error bool
}
