package session

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/buxton-project/buxton/internal/wire"
)

func socketpair(t *testing.T) (serverFd, clientFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPumpAssemblesFrameAcrossShortReads(t *testing.T) {
	serverFd, clientFd := socketpair(t)
	sess := New(serverFd, 1, discardLogger())

	req := wire.Frame{Op: wire.OpGet, MessageID: 42, Params: []wire.Value{wire.String("demo"), wire.String("count"), wire.String("")}}
	encoded, err := wire.Encode(req)
	require.NoError(t, err)

	// Write one byte at a time to force Pump through several
	// incomplete reads before the frame completes.
	for _, b := range encoded {
		_, err := unix.Write(clientFd, []byte{b})
		require.NoError(t, err)

		frame, err := sess.Pump()
		if frame == nil && err == nil {
			continue // still waiting on more bytes
		}
		require.NoError(t, err)
		require.Equal(t, wire.OpGet, frame.Op)
		require.Equal(t, uint32(42), frame.MessageID)
		require.Len(t, frame.Params, 3)
		require.Equal(t, "demo", frame.Params[0].AsString())
		return
	}
	t.Fatal("Pump never produced a frame")
}

func TestPumpReportsEOF(t *testing.T) {
	serverFd, clientFd := socketpair(t)
	sess := New(serverFd, 1, discardLogger())

	require.NoError(t, unix.Close(clientFd))

	_, err := sess.Pump()
	require.ErrorIs(t, err, io.EOF)
}

func TestPumpRejectsMalformedHeader(t *testing.T) {
	serverFd, clientFd := socketpair(t)
	sess := New(serverFd, 1, discardLogger())

	garbage := make([]byte, wire.HeaderSize)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	_, err := unix.Write(clientFd, garbage)
	require.NoError(t, err)

	_, err = sess.Pump()
	require.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestWriteDeliversFullFrame(t *testing.T) {
	serverFd, clientFd := socketpair(t)
	sess := New(serverFd, 1, discardLogger())

	reply := wire.Frame{Op: wire.OpStatus, MessageID: 7, Params: []wire.Value{wire.Int32(0)}}
	encoded, err := wire.Encode(reply)
	require.NoError(t, err)
	require.NoError(t, sess.Write(encoded))

	got := make([]byte, len(encoded))
	n, err := unix.Read(clientFd, got)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, encoded, got)
}
