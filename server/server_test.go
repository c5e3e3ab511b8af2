//go:build linux

package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpd/storage/local"
	"github.com/gonzalop/ftpd/storage/memory"
)

// Integration tests bind real passive ports and don't run in parallel.

// startServer runs a server on a random loopback port with a small
// memory hierarchy:
//
//	/pub/readme.txt
//	/top.txt
func startServer(t *testing.T, options ...Option) (*Server, string) {
	t.Helper()
	store := memory.New()
	fatalIfErr(t, store.MkdirAll("/pub"), "seed")
	fatalIfErr(t, store.WriteFile("/pub/readme.txt", []byte("read me\r\n")), "seed")
	fatalIfErr(t, store.WriteFile("/top.txt", bytes.Repeat([]byte("0123456789"), 10000)), "seed")

	opts := []Option{
		WithStorage(store),
		WithAuthenticator(testAuthenticator()),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithPassivePortRange(41000, 41099),
		WithPollInterval(5 * time.Millisecond),
	}
	s, err := NewServer("127.0.0.1:0", append(opts, options...)...)
	fatalIfErr(t, err, "NewServer")
	fatalIfErr(t, s.Listen(), "Listen")

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-serveErr; err != ErrServerClosed {
			t.Errorf("Serve returned %v", err)
		}
	})
	return s, s.Addr().String()
}

type testConn struct {
	t *testing.T
	*textproto.Conn
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))
	c := &testConn{t: t, Conn: textproto.NewConn(nc)}
	t.Cleanup(func() { c.Close() })
	return c
}

// expect sends cmd (unless empty) and checks the reply code.
func (c *testConn) expect(code int, cmd string) string {
	c.t.Helper()
	if cmd != "" {
		fatalIfErr(c.t, c.PrintfLine("%s", cmd), "send %s", cmd)
	}
	got, msg, err := c.ReadResponse(code)
	if err != nil {
		c.t.Fatalf("%s: got %d %q: %v", cmd, got, msg, err)
	}
	return msg
}

func login(t *testing.T, addr string) *testConn {
	t.Helper()
	c := dial(t, addr)
	c.expect(200, "")
	c.expect(230, "USER anonymous")
	return c
}

func pasvAddr(t *testing.T, msg string) string {
	t.Helper()
	open, end := strings.Index(msg, "("), strings.Index(msg, ")")
	require.True(t, open >= 0 && end > open, msg)
	parts := strings.Split(msg[open+1:end], ",")
	require.Len(t, parts, 6)
	hi, _ := strconv.Atoi(parts[4])
	lo, _ := strconv.Atoi(parts[5])
	return net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(hi<<8|lo))
}

func epsvPort(t *testing.T, msg string) string {
	t.Helper()
	start, end := strings.Index(msg, "|||"), strings.LastIndex(msg, "|")
	require.True(t, start >= 0 && end > start+3, msg)
	return msg[start+3 : end]
}

// fetch reads a passive data connection to EOF in the background.
func fetch(addr string) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		dc, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			out <- "dial: " + err.Error()
			return
		}
		defer dc.Close()
		_ = dc.SetDeadline(time.Now().Add(5 * time.Second))
		b, err := io.ReadAll(dc)
		if err != nil {
			out <- "read: " + err.Error()
			return
		}
		out <- string(b)
	}()
	return out
}

func TestWelcomeAndLogin(t *testing.T) {
	_, addr := startServer(t, WithWelcomeMessage("hello there"))

	c := dial(t, addr)
	assert.Equal(t, "hello there", c.expect(200, ""))
	c.expect(530, "PWD")
	c.expect(331, "USER alice")
	c.expect(530, "PASS wrong")
	c.expect(503, "PASS secret")
	c.expect(331, "USER alice")
	c.expect(230, "PASS secret")
	assert.Equal(t, `"/"`, c.expect(257, "PWD"))
	c.expect(215, "SYST")
	c.expect(221, "QUIT")
}

func TestUnknownAndUnimplemented(t *testing.T) {
	_, addr := startServer(t)
	c := login(t, addr)
	c.expect(500, "FOOBAR")
	c.expect(502, "STOR file")
	c.expect(502, "LIST /pub")
	c.expect(501, "PORT 1,2,3")
	// The connection survives client errors.
	c.expect(200, "NOOP")
}

func TestPassiveList(t *testing.T) {
	_, addr := startServer(t)
	c := login(t, addr)

	data := pasvAddr(t, c.expect(227, "PASV"))
	out := fetch(data)

	c.expect(1, "LIST")
	assert.Equal(t, "pub\r\ntop.txt\r\n", <-out)
	assert.Equal(t, "Transfer complete", c.expect(226, ""))

	// The data connection is single use.
	_, err := net.DialTimeout("tcp", data, time.Second)
	assert.Error(t, err)
}

func TestPassiveConnectBeforeCommand(t *testing.T) {
	_, addr := startServer(t)
	c := login(t, addr)
	c.expect(250, "CWD pub")

	port := epsvPort(t, c.expect(229, "EPSV"))
	dc, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", port), 2*time.Second)
	fatalIfErr(t, err, "dial data")
	defer dc.Close()
	require.NoError(t, dc.SetDeadline(time.Now().Add(5*time.Second)))

	// Give the server a moment to promote the socket to connected.
	time.Sleep(50 * time.Millisecond)
	c.expect(125, "RETR readme.txt")
	b, err := io.ReadAll(dc)
	fatalIfErr(t, err, "read data")
	assert.Equal(t, "read me\r\n", string(b))
	c.expect(226, "")
}

func TestActiveRetr(t *testing.T) {
	_, addr := startServer(t)
	c := login(t, addr)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c.expect(200, fmt.Sprintf("PORT 127,0,0,1,%d,%d", port>>8, port&0xFF))
	c.expect(150, "RETR /top.txt")

	dc, err := ln.Accept()
	fatalIfErr(t, err, "accept")
	defer dc.Close()
	require.NoError(t, dc.SetDeadline(time.Now().Add(5*time.Second)))
	b, err := io.ReadAll(dc)
	fatalIfErr(t, err, "read data")
	assert.Equal(t, 100000, len(b))
	c.expect(226, "")

	// A second transfer reuses the PORT address.
	c.expect(150, "LIST")
	dc2, err := ln.Accept()
	fatalIfErr(t, err, "accept")
	defer dc2.Close()
	b, err = io.ReadAll(dc2)
	fatalIfErr(t, err, "read data")
	assert.Equal(t, "pub\r\ntop.txt\r\n", string(b))
	c.expect(226, "")
}

func TestTransferWithoutDataConnection(t *testing.T) {
	_, addr := startServer(t)
	c := login(t, addr)
	assert.Equal(t, "use PORT or PASV first", c.expect(425, "LIST"))
	c.expect(550, "RETR missing.txt")
	c.expect(200, "NOOP")
}

func TestDataConnectionTimeout(t *testing.T) {
	_, addr := startServer(t, WithDataConnTimeout(100*time.Millisecond))
	c := login(t, addr)

	c.expect(227, "PASV")
	c.expect(150, "LIST")
	assert.Equal(t, "data connection timed out", c.expect(425, ""))

	// The client stays connected and can try again.
	c.expect(200, "NOOP")
	data := pasvAddr(t, c.expect(227, "PASV"))
	out := fetch(data)
	c.expect(1, "LIST")
	assert.Equal(t, "pub\r\ntop.txt\r\n", <-out)
	c.expect(226, "")
}

func TestIdleTimeout(t *testing.T) {
	_, addr := startServer(t, WithMaxIdleTime(100*time.Millisecond))
	c := dial(t, addr)
	c.expect(200, "")
	assert.Equal(t, "idle timeout", c.expect(421, ""))
	_, err := c.ReadLine()
	assert.Error(t, err)
}

func TestMaxConnections(t *testing.T) {
	_, addr := startServer(t, WithMaxConnections(1, 0))

	c1 := dial(t, addr)
	c1.expect(200, "")

	c2 := dial(t, addr)
	assert.Equal(t, "Too many users, sorry.", c2.expect(421, ""))

	// Once the first client leaves there is room again.
	c1.Close()
	require.Eventually(t, func() bool {
		nc, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		defer nc.Close()
		line, err := textproto.NewReader(bufio.NewReader(nc)).ReadLine()
		return err == nil && strings.HasPrefix(line, "200 ")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMaxConnectionsPerIP(t *testing.T) {
	_, addr := startServer(t, WithMaxConnections(0, 2))
	dial(t, addr).expect(200, "")
	dial(t, addr).expect(200, "")
	assert.Equal(t, "Too many connections from your IP address.", dial(t, addr).expect(421, ""))
}

func TestLineTooLong(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)
	c.expect(200, "")
	_, err := c.W.WriteString(strings.Repeat("A", 5000))
	require.NoError(t, err)
	require.NoError(t, c.W.Flush())
	assert.Equal(t, "Command line too long.", c.expect(500, ""))
	_, err = c.ReadLine()
	assert.Error(t, err)
}

func TestPipelinedCommands(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)
	c.expect(200, "")
	_, err := c.W.WriteString("USER anonymous\r\nCWD pub\r\nPWD\r\n")
	require.NoError(t, err)
	require.NoError(t, c.W.Flush())
	c.expect(230, "")
	c.expect(250, "")
	assert.Equal(t, `"/pub"`, c.expect(257, ""))
}

func TestBandwidthLimit(t *testing.T) {
	_, addr := startServer(t, WithBandwidthLimit(0, 200000))
	c := login(t, addr)

	data := pasvAddr(t, c.expect(227, "PASV"))
	start := time.Now()
	out := fetch(data)
	c.expect(1, "RETR top.txt")
	assert.Len(t, <-out, 100000)
	c.expect(226, "")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPasswordsAreNotLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, addr := startServer(t, WithLogger(logger))

	c := dial(t, addr)
	c.expect(200, "")
	c.expect(331, "USER alice")
	c.expect(230, "PASS secret")
	c.expect(221, "QUIT")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "authentication_success")
	}, time.Second, 10*time.Millisecond)
	out := logs.String()
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "command_received")
	assert.Contains(t, out, "session_started")
}

func TestLocalStorageFileAsDirectoryOverTheWire(t *testing.T) {
	dir := t.TempDir()
	fatalIfErr(t, os.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0o644), "seed")
	store, err := local.New(dir)
	fatalIfErr(t, err, "local.New")
	t.Cleanup(func() { store.Close() })
	_, addr := startServer(t, WithStorage(store))

	c := login(t, addr)
	c.expect(250, "CWD top.txt")
	c.expect(227, "PASV")
	c.expect(550, "LIST")
	c.expect(550, "MKD sub")
	c.expect(250, "CWD /")
	c.expect(550, "RETR top.txt/inner")
	c.expect(200, "NOOP")
}

func TestLoginAttemptsAreRateLimited(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)
	c.expect(200, "")
	_, err := c.W.WriteString(strings.Repeat("USER alice\r\nPASS wrong\r\n", 10))
	require.NoError(t, err)
	require.NoError(t, c.W.Flush())

	for range authBurst {
		c.expect(331, "")
		c.expect(530, "")
	}
	c.expect(331, "")
	assert.Equal(t, "Too many login attempts.", c.expect(421, ""))
	_, err = c.ReadLine()
	assert.Error(t, err)

	// Other clients are unaffected.
	other := dial(t, addr)
	other.expect(200, "")
	other.expect(331, "USER alice")
	other.expect(230, "PASS secret")
}

func TestFloodingClientDoesNotStallOthers(t *testing.T) {
	_, addr := startServer(t)
	flood := login(t, addr)

	sent := make(chan error, 1)
	go func() {
		_, err := flood.W.WriteString(strings.Repeat("NOOP\r\n", 20000))
		if err == nil {
			err = flood.W.Flush()
		}
		sent <- err
	}()
	replies := make(chan int, 1)
	go func() {
		n := 0
		for {
			line, err := flood.ReadLine()
			if err != nil || !strings.HasPrefix(line, "200 ") {
				break
			}
			if n++; n == 20000 {
				break
			}
		}
		replies <- n
	}()

	c := login(t, addr)
	c.expect(200, "NOOP")
	data := pasvAddr(t, c.expect(227, "PASV"))
	out := fetch(data)
	c.expect(1, "LIST")
	assert.Equal(t, "pub\r\ntop.txt\r\n", <-out)
	c.expect(226, "")

	assert.Positive(t, <-replies)
	<-sent
}

func TestActiveConnectFailureDropsOnlyThatClient(t *testing.T) {
	_, addr := startServer(t)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	a := login(t, addr)
	b := login(t, addr)

	a.expect(200, fmt.Sprintf("PORT 127,0,0,1,%d,%d", port>>8, port&0xFF))
	a.expect(150, "LIST")
	_, err = a.ReadLine()
	assert.Error(t, err, "the client is dropped when the active connect is refused")

	b.expect(200, "NOOP")
	data := pasvAddr(t, b.expect(227, "PASV"))
	out := fetch(data)
	b.expect(1, "LIST")
	assert.Equal(t, "pub\r\ntop.txt\r\n", <-out)
	b.expect(226, "")
}

func TestEpsvAllOverTheWire(t *testing.T) {
	_, addr := startServer(t)
	c := login(t, addr)
	c.expect(522, "EPSV 2")
	c.expect(200, "EPSV ALL")
	c.expect(503, "PORT 127,0,0,1,4,1")
	c.expect(503, "PASV")

	port := epsvPort(t, c.expect(229, "EPSV 1"))
	out := fetch(net.JoinHostPort("127.0.0.1", port))
	c.expect(1, "RETR /pub/readme.txt")
	assert.Equal(t, "read me\r\n", <-out)
	c.expect(226, "")
}

type recordingCollector struct {
	mu        sync.Mutex
	commands  map[string]int
	transfers map[string]int64
	auth      []bool
	conns     []string
	data      []string
	failed    []string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{commands: map[string]int{}, transfers: map[string]int64{}}
}

func (r *recordingCollector) RecordCommand(cmd string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd]++
	if !success {
		r.failed = append(r.failed, cmd)
	}
}

func (r *recordingCollector) RecordTransfer(op string, bytes int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[op] += bytes
}

func (r *recordingCollector) RecordConnection(_ bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, reason)
}

func (r *recordingCollector) RecordDataConnection(mode, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, mode+"/"+outcome)
}

func (r *recordingCollector) RecordAuthentication(success bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = append(r.auth, success)
}

func TestMetricsCollector(t *testing.T) {
	rec := newRecordingCollector()
	_, addr := startServer(t, WithMetricsCollector(rec))

	c := dial(t, addr)
	c.expect(200, "")
	c.expect(331, "USER alice")
	c.expect(530, "PASS nope")
	c.expect(230, "USER anonymous")
	c.expect(550, "CDUP")
	data := pasvAddr(t, c.expect(227, "PASV"))
	out := fetch(data)
	c.expect(1, "RETR /pub/readme.txt")
	<-out
	c.expect(226, "")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"accepted"}, rec.conns)
	assert.Equal(t, []bool{false, true}, rec.auth)
	assert.Equal(t, 2, rec.commands["USER"])
	assert.Equal(t, 1, rec.commands["RETR"])
	assert.Equal(t, int64(len("read me\r\n")), rec.transfers["RETR"])
	assert.Equal(t, []string{"passive/established"}, rec.data)
	assert.Equal(t, []string{"PASS", "CDUP"}, rec.failed)
}

func TestShutdownClosesClients(t *testing.T) {
	s, addr := startServer(t)
	c := login(t, addr)
	data := pasvAddr(t, c.expect(227, "PASV"))
	out := fetch(data)
	c.expect(1, "LIST")
	<-out
	c.expect(226, "")
	c.expect(227, "PASV")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.tokens)
	assert.Empty(t, s.clients)

	_, err := c.ReadLine()
	assert.Error(t, err)
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestShutdownBeforeServe(t *testing.T) {
	s, err := NewServer("127.0.0.1:0",
		WithStorage(memory.New()),
		WithAuthenticator(testAuthenticator()),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	fatalIfErr(t, err, "NewServer")
	fatalIfErr(t, s.Listen(), "Listen")
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestNewServerRequiresStorageAndAuth(t *testing.T) {
	_, err := NewServer(":0", WithAuthenticator(testAuthenticator()))
	assert.Error(t, err)
	_, err = NewServer(":0", WithStorage(memory.New()))
	assert.Error(t, err)
	_, err = NewServer(":0", WithStorage(memory.New()), WithAuthenticator(testAuthenticator()),
		WithPassivePortRange(10, 5))
	assert.Error(t, err)
	_, err = NewServer(":0", WithStorage(memory.New()), WithAuthenticator(testAuthenticator()),
		WithWelcomeCode(42))
	assert.Error(t, err)
}
