// Package session implements the per-connection state machine: the
// two-phase inbound buffer, peer credential caching, and the request
// dispatcher that turns a decoded frame into a resolver call and a
// STATUS reply.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/notify"
	"github.com/buxton-project/buxton/internal/wire"
)

// ErrClosed is returned by operations attempted on a session that has
// already been terminated.
var ErrClosed = errors.New("session closed")

// Session owns one connected client: its raw file descriptor, its
// cached identity, and its inbound read buffer. A Session is driven
// exclusively from the daemon's event-loop goroutine; it holds no
// locks because nothing else ever touches it concurrently.
type Session struct {
	fd     int
	id     notify.SubscriberID
	logger *slog.Logger

	identified bool
	uid        int
	pid        int
	label      model.Label

	buf           []byte
	target        int
	header        wire.Header
	headerDecoded bool

	outbuf []byte // unwritten remainder of a write that hit EAGAIN
}

// New wraps an accepted connection fd. id is the key the notification
// registry uses to address this session; the poll set uses fd.
func New(fd int, id notify.SubscriberID, logger *slog.Logger) *Session {
	return &Session{
		fd:     fd,
		id:     id,
		logger: logger,
		buf:    make([]byte, 0, wire.HeaderSize),
		target: wire.HeaderSize,
	}
}

// Fd returns the session's raw file descriptor, for epoll registration.
func (s *Session) Fd() int { return s.fd }

// ID returns the session's notification-registry subscriber identity.
func (s *Session) ID() notify.SubscriberID { return s.id }

// Label returns the session's cached peer MAC label.
func (s *Session) Label() model.Label { return s.label }

// UID returns the session's cached peer uid.
func (s *Session) UID() int { return s.uid }

// Close releases the session's file descriptor. Idempotent.
func (s *Session) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close session fd %d: %w", fd, err)
	}
	return nil
}

// Identify reads peer credentials and the peer's MAC label from the
// underlying socket and caches them on the session. Called once, on
// accept, before the first frame is dispatched.
func (s *Session) Identify() error {
	ucred, err := unix.GetsockoptUcred(s.fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return fmt.Errorf("get peer credentials: %w", err)
	}
	s.uid = int(ucred.Uid)
	s.pid = int(ucred.Pid)

	peerLabel, err := unix.GetsockoptString(s.fd, unix.SOL_SOCKET, unix.SO_PEERSEC)
	switch {
	case err == nil:
		s.label = model.Label(peerLabel)
	default:
		// SO_PEERSEC is unavailable unless the kernel LSM labels Unix
		// sockets; an unlabeled peer is the universal-deny subject.
		s.label = model.Label("*")
	}

	s.identified = true
	return nil
}

// Pump reads whatever is currently available on the socket and
// advances the two-phase buffer state machine: accumulate to
// HeaderSize, decode the header, grow to HeaderSize+payload length,
// accumulate again, then return the fully decoded frame and reset for
// the next one. It returns (nil, nil) when a partial read leaves the
// session waiting for more bytes — the normal, non-blocking case.
func (s *Session) Pump() (*wire.Frame, error) {
	for {
		need := s.target - len(s.buf)
		if need > 0 {
			chunk := make([]byte, need)
			n, err := unix.Read(s.fd, chunk)
			switch {
			case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
				return nil, nil
			case err != nil:
				return nil, fmt.Errorf("read session: %w", err)
			case n == 0:
				return nil, io.EOF
			}
			s.buf = append(s.buf, chunk[:n]...)
			if n < need {
				return nil, nil // short read: wait for the next readiness event
			}
		}

		if !s.headerDecoded {
			header, err := wire.DecodeHeader(s.buf)
			if err != nil {
				return nil, err
			}
			s.header = header
			s.headerDecoded = true
			s.target = wire.HeaderSize + int(header.PayloadLength)
			continue
		}

		frame, err := wire.Decode(s.header, s.buf[wire.HeaderSize:])
		s.buf = s.buf[:0]
		s.target = wire.HeaderSize
		s.headerDecoded = false
		return &frame, err
	}
}

// Write queues b for the peer and attempts to send as much of it as the
// socket buffer currently accepts. It never blocks: on EAGAIN the
// unwritten remainder is buffered on the session instead of spun on,
// since this is called from the daemon's single event-loop goroutine
// and a stalled peer must not be allowed to pin it. Pending reports
// whether bytes are still queued; the caller (daemon.service) registers
// EPOLLOUT interest in that case and calls Flush once the descriptor
// reports writable again.
func (s *Session) Write(b []byte) error {
	if len(s.outbuf) > 0 {
		s.outbuf = append(s.outbuf, b...)
		return nil
	}
	n, err := s.writeNonBlocking(b)
	if err != nil {
		return err
	}
	if n < len(b) {
		s.outbuf = append(s.outbuf, b[n:]...)
	}
	return nil
}

// Pending reports whether a previous Write left bytes undelivered.
func (s *Session) Pending() bool { return len(s.outbuf) > 0 }

// Flush retries draining a buffered write after epoll reports the fd
// writable. It is a no-op when nothing is pending.
func (s *Session) Flush() error {
	if len(s.outbuf) == 0 {
		return nil
	}
	n, err := s.writeNonBlocking(s.outbuf)
	if err != nil {
		return err
	}
	s.outbuf = s.outbuf[n:]
	return nil
}

// writeNonBlocking issues write(2) calls until b is fully written or
// the socket buffer is full, treating EAGAIN/EWOULDBLOCK as "stop here"
// rather than an error: it returns the number of bytes actually sent.
func (s *Session) writeNonBlocking(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := unix.Write(s.fd, b[total:])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return total, nil
		case err != nil:
			return total, fmt.Errorf("write session: %w", err)
		}
		total += n
	}
	return total, nil
}
