package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/wonderland/bridge/pkg/types"
)

// headerSize is the length prefix in front of every packet body
const headerSize = 4

// flushWindow bounds how long FlushSocket keeps draining
const flushWindow = 50 * time.Millisecond

// errOversize marks a declared length the receiver will not read
var errOversize = errors.New("declared message length out of range")

// listenUnix binds a Unix socket at path, replacing a stale socket or
// regular file left behind by a previous run
func listenUnix(path string, perm os.FileMode) (net.Listener, error) {
	if fi, err := os.Lstat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to stat existing path at socket path", err)
		}
	} else {
		mode := fi.Mode()
		if mode&os.ModeSocket == 0 && !mode.IsRegular() {
			return nil, types.NewError(types.ErrCodeInternal,
				fmt.Sprintf("existing path at %s is of unsafe type %v; refusing to remove", path, mode))
		}
		if err := os.Remove(path); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to remove existing file at socket path", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}

	if perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			_ = listener.Close()
			return nil, types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
		}
	}

	return listener, nil
}

// RecvChunk reads at most len(buf) bytes from conn. A positive timeout
// sets a read deadline first; expiry is reported as a TIMEOUT error and
// any other failure as IO_ERROR.
func RecvChunk(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, types.WrapError(types.ErrCodeIO, "failed to set read deadline", err)
		}
	}

	n, err := conn.Read(buf)
	if err != nil {
		return n, classifyIOError("read", err)
	}
	return n, nil
}

// recvFull fills buf with repeated RecvChunk calls. Each call gets the
// full timeout, so a peer that keeps trickling bytes stays connected.
func recvFull(conn net.Conn, buf []byte, timeout time.Duration) error {
	for off := 0; off < len(buf); {
		n, err := RecvChunk(conn, buf[off:], timeout)
		off += n
		if err != nil {
			if off > 0 && off < len(buf) && errors.Is(err, io.EOF) {
				return types.WrapError(types.ErrCodeIO, "connection closed mid-message", io.ErrUnexpectedEOF)
			}
			return err
		}
	}
	return nil
}

// FlushSocket discards whatever the peer has already sent, reading until
// the socket stays quiet for a short window. It returns the number of
// bytes dropped. The read deadline is cleared afterwards.
func FlushSocket(conn net.Conn) (int64, error) {
	if err := conn.SetReadDeadline(time.Now().Add(flushWindow)); err != nil {
		return 0, types.WrapError(types.ErrCodeIO, "failed to set read deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var dropped int64
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		dropped += int64(n)
		if err != nil {
			if isTimeout(err) {
				return dropped, nil
			}
			return dropped, classifyIOError("flush", err)
		}
	}
}

// ReadMessage reads one length-prefixed packet body. A declared length of
// zero or above maxSize is answered by flushing the socket and returning a
// MALFORMED_PACKET error; the connection remains usable.
func ReadMessage(conn net.Conn, maxSize int, timeout time.Duration) ([]byte, error) {
	var header [headerSize]byte
	if err := recvFull(conn, header[:], timeout); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || (maxSize > 0 && uint64(size) > uint64(maxSize)) {
		if _, err := FlushSocket(conn); err != nil {
			return nil, err
		}
		return nil, types.WrapError(types.ErrCodeMalformedPacket,
			fmt.Sprintf("declared length %d, limit %d", size, maxSize), errOversize)
	}

	body := make([]byte, size)
	if err := recvFull(conn, body, timeout); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteMessage writes one length-prefixed packet body under a write deadline
func WriteMessage(conn net.Conn, body []byte, timeout time.Duration) error {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return types.NewError(types.ErrCodeInvalidArgument, "message too large to frame")
	}

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return types.WrapError(types.ErrCodeIO, "failed to set write deadline", err)
		}
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)

	if _, err := conn.Write(frame); err != nil {
		return classifyIOError("write", err)
	}
	return nil
}

func classifyIOError(op string, err error) error {
	if isTimeout(err) {
		return types.WrapError(types.ErrCodeTimeout, op+" deadline exceeded", err)
	}
	return types.WrapError(types.ErrCodeIO, op+" failed", err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isExpectedClose reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe or connection reset
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
