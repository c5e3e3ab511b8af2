//go:build linux

package server

import (
	"io"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStockClient drives the server with a third-party client, which
// expects a 220 banner and uses EPSV for data connections.
func TestStockClient(t *testing.T) {
	_, addr := startServer(t, WithWelcomeCode(220), WithFeatures("EPSV", "PASV"))

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	defer c.Quit()

	require.NoError(t, c.Login("alice", "secret"))

	dir, err := c.CurrentDir()
	require.NoError(t, err)
	assert.Equal(t, "/", dir)

	require.NoError(t, c.ChangeDir("pub"))
	require.NoError(t, c.MakeDir("incoming"))

	r, err := c.Retr("readme.txt")
	fatalIfErr(t, err, "retr")
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "read me\r\n", string(b))

	r, err = c.Retr("/top.txt")
	fatalIfErr(t, err, "retr")
	b, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Len(t, b, 100000)

	require.NoError(t, c.ChangeDirToParent())
	dir, err = c.CurrentDir()
	require.NoError(t, err)
	assert.Equal(t, "/", dir)

	_, err = c.Retr("nothing-here")
	assert.Error(t, err)
	require.NoError(t, c.NoOp())
}

func TestStockClientBadPassword(t *testing.T) {
	_, addr := startServer(t, WithWelcomeCode(220))

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	defer c.Quit()

	assert.Error(t, c.Login("alice", "wrong"))
	require.NoError(t, c.Login("anonymous", "anonymous"))
}
