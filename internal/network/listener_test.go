package network

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempSocketPath(t *testing.T) string {
	t.Helper()
	// Short path: the sun_path limit is easily exceeded by t.TempDir().
	dir, err := os.MkdirTemp("", "mapi")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestUnixListenerPermissionsAndUnlink(t *testing.T) {
	path := tempSocketPath(t)

	l, err := UnixEndpoint(path).Listen()
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, path, l.Path())

	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket should be unlinked on close")
}

func TestUnixListenerReplacesStaleSocket(t *testing.T) {
	path := tempSocketPath(t)

	// A stale socket left behind by a dead process.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	l, err := UnixEndpoint(path).Listen()
	require.NoError(t, err)
	defer l.Close()

	// The fresh listener works.
	conn, err := UnixEndpoint(path).Dial()
	require.NoError(t, err)
	conn.Close()
}

func TestAcceptedStreamFamilies(t *testing.T) {
	// TCP side.
	tl, err := TCPEndpoint("127.0.0.1:0").Listen()
	require.NoError(t, err)
	defer tl.Close()

	go func() {
		c, _ := net.Dial("tcp", tl.Addr())
		if c != nil {
			defer c.Close()
			c.Write([]byte("x"))
		}
	}()
	stream, peer, err := tl.Accept()
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, FamilyTCP, stream.Family())
	assert.NotEmpty(t, peer)

	// Unix side.
	path := tempSocketPath(t)
	ul, err := UnixEndpoint(path).Listen()
	require.NoError(t, err)
	defer ul.Close()

	go func() {
		c, _ := net.Dial("unix", path)
		if c != nil {
			defer c.Close()
			c.Write([]byte("x"))
		}
	}()
	ustream, upeer, err := ul.Accept()
	require.NoError(t, err)
	defer ustream.Close()
	assert.Equal(t, FamilyUnix, ustream.Family())
	assert.Equal(t, "<unix client>", upeer)

	// OOB is rejected on the Unix stream.
	err = ustream.SendOOB(0x01)
	assert.ErrorIs(t, err, ErrOOBUnsupported)
}
