package ipc

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderland/bridge/pkg/types"
)

// shortSocketPath returns a socket path that fits the sun_path limit
func shortSocketPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

// connPair returns both ends of a connected Unix stream socket
func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	path := shortSocketPath(t, "pair.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func frame(body string) []byte {
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf
}

func TestWriteReadMessage(t *testing.T) {
	client, server := connPair(t)

	require.NoError(t, WriteMessage(client, []byte("11\x01tok"), time.Second))
	body, err := ReadMessage(server, 1024, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "11\x01tok", string(body))
}

func TestReadMessageReassemblesPartialWrites(t *testing.T) {
	client, server := connPair(t)
	raw := frame("7\x011.2.3.4\x0128960")

	go func() {
		for i := range raw {
			client.Write(raw[i : i+1])
			time.Sleep(time.Millisecond)
		}
	}()

	body, err := ReadMessage(server, 1024, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "7\x011.2.3.4\x0128960", string(body))
}

func TestReadMessageOversizeFlushes(t *testing.T) {
	client, server := connPair(t)

	bogus := make([]byte, headerSize)
	binary.BigEndian.PutUint32(bogus, 1<<20)
	_, err := client.Write(append(bogus, []byte("junk that must be discarded")...))
	require.NoError(t, err)

	_, err = ReadMessage(server, 1024, time.Second)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))

	require.NoError(t, WriteMessage(client, []byte("11"), time.Second))
	body, err := ReadMessage(server, 1024, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "11", string(body))
}

func TestReadMessageZeroLength(t *testing.T) {
	client, server := connPair(t)

	_, err := client.Write(frame(""))
	require.NoError(t, err)

	_, err = ReadMessage(server, 1024, time.Second)
	assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPacket))
}

func TestReadMessageTimeout(t *testing.T) {
	_, server := connPair(t)

	start := time.Now()
	_, err := ReadMessage(server, 1024, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadMessagePeerClosed(t *testing.T) {
	client, server := connPair(t)
	require.NoError(t, client.Close())

	_, err := ReadMessage(server, 1024, time.Second)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeIO))
	assert.True(t, isExpectedClose(err))
}

func TestReadMessageClosedMidBody(t *testing.T) {
	client, server := connPair(t)

	raw := frame("8\x01hello")
	_, err := client.Write(raw[:len(raw)-2])
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = ReadMessage(server, 1024, time.Second)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeIO))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRecvChunk(t *testing.T) {
	client, server := connPair(t)

	_, err := client.Write([]byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := RecvChunk(server, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(buf))
}

func TestFlushSocket(t *testing.T) {
	client, server := connPair(t)

	_, err := client.Write([]byte("leftover bytes"))
	require.NoError(t, err)

	dropped, err := FlushSocket(server)
	require.NoError(t, err)
	assert.Equal(t, int64(len("leftover bytes")), dropped)

	dropped, err = FlushSocket(server)
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	path := shortSocketPath(t, "stale.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	ln, err := listenUnix(path, 0o600)
	require.NoError(t, err)
	defer ln.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestListenUnixRefusesDirectory(t *testing.T) {
	path := shortSocketPath(t, "dir")
	require.NoError(t, os.Mkdir(path, 0o755))

	_, err := listenUnix(path, 0)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInternal))
}
