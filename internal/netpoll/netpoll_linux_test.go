//go:build linux

package netpoll

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls until an event for tok satisfies match or the deadline passes.
func waitFor(t *testing.T, p *Poller, tok Token, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := p.Wait(20 * time.Millisecond)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Token == tok && match(ev) {
				return ev
			}
		}
	}
	t.Fatalf("no matching event for token %d", tok)
	return Event{}
}

func TestDialAcceptReadWrite(t *testing.T) {
	t.Parallel()
	p, err := New(16)
	require.NoError(t, err)
	defer p.Close()

	ln, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"), 16)
	require.NoError(t, err)
	defer ln.Close()
	require.NotZero(t, ln.Addr().Port())

	const lnTok Token = 1
	require.NoError(t, p.RegisterToken(ln.Fd(), lnTok, Readable))

	_, err = ln.Accept()
	assert.ErrorIs(t, err, ErrWouldBlock)

	client, err := Dial(ln.Addr())
	require.NoError(t, err)
	clientTok, err := p.Register(client.Fd(), Readable|Writable|EdgeTriggered)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(clientTok), uint64(firstToken))

	waitFor(t, p, lnTok, func(ev Event) bool { return ev.Readable })
	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()
	assert.Equal(t, client.LocalAddr(), server.RemoteAddr())

	waitFor(t, p, clientTok, func(ev Event) bool { return ev.Writable })
	require.NoError(t, client.SocketError())

	serverTok, err := p.Register(server.Fd(), Readable)
	require.NoError(t, err)

	n, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	waitFor(t, p, serverTok, func(ev Event) bool { return ev.Readable })
	buf := make([]byte, 16)
	n, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = server.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, p.Deregister(client.Fd()))
	require.NoError(t, client.Close())
	ev := waitFor(t, p, serverTok, func(ev Event) bool { return ev.Readable || ev.Hangup })
	assert.True(t, ev.Hangup || ev.Readable)
	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialRefused(t *testing.T) {
	t.Parallel()
	p, err := New(4)
	require.NoError(t, err)
	defer p.Close()

	// Grab a free port and close it again so nothing listens there.
	ln, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"), 1)
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	c, err := Dial(addr)
	if err != nil {
		// Loopback refusals may be reported synchronously.
		return
	}
	defer c.Close()
	tok, err := p.Register(c.Fd(), Readable|Writable|EdgeTriggered)
	require.NoError(t, err)

	waitFor(t, p, tok, func(ev Event) bool { return ev.Error || ev.Hangup })
	assert.Error(t, c.SocketError())
}
