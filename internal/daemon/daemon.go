// Package daemon wires the resolver, access gate, notification registry
// and session dispatcher into a single epoll-driven event loop: one
// goroutine, no locks, the same discipline the pieces it coordinates
// already assume of their caller.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/buxton-project/buxton/internal/config"
	"github.com/buxton-project/buxton/internal/label"
	"github.com/buxton-project/buxton/internal/layer"
	"github.com/buxton-project/buxton/internal/metrics"
	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/notify"
	"github.com/buxton-project/buxton/internal/session"
	"github.com/buxton-project/buxton/internal/store"
	"github.com/buxton-project/buxton/internal/wire"
)

// pollTimeoutMS bounds how long a single epoll_wait blocks, so the
// loop periodically gets a chance to notice a canceled context even
// if the wakeup pipe write is ever missed.
const pollTimeoutMS = 1000

// Daemon owns the listening socket, the per-connection session table,
// and the domain objects (resolver, notifier, dispatcher, access
// gate) that the session dispatcher calls into. Every field below is
// touched only from the goroutine running Run, except watcher and
// logger, which WatchRules also uses (the watcher swaps its Gate
// atomically); there is no mutex.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector *metrics.Collector

	listener *boundListener
	epfd     int
	wakeR    *os.File
	wakeW    *os.File

	watcher    *label.Watcher
	resolver   *layer.Resolver
	notifier   *notify.Registry
	dispatcher *session.Dispatcher

	sessions map[int]*session.Session
	bySub    map[notify.SubscriberID]*session.Session
	nextSub  notify.SubscriberID
}

// New builds a Daemon from cfg: it loads the access-control rule
// table (and starts watching it for changes), opens the configured
// layer backends lazily through the resolver, and binds (or reuses,
// under systemd socket activation) the client-facing listening
// socket. The returned Daemon does nothing until Run is called.
func New(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*Daemon, error) {
	modelLayers, err := cfg.ModelLayers()
	if err != nil {
		return nil, fmt.Errorf("build layer list: %w", err)
	}

	watcher, err := label.NewWatcher(cfg.RulesFile, true, logger)
	if err != nil {
		return nil, fmt.Errorf("start access rules watcher: %w", err)
	}

	ln, err := openListener(cfg.SocketPath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("open listening socket: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		ln.Close()
		watcher.Close()
		return nil, fmt.Errorf("create epoll instance: %w", err)
	}

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		unix.Close(epfd)
		ln.Close()
		watcher.Close()
		return nil, fmt.Errorf("create shutdown pipe: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		listener:  ln,
		epfd:      epfd,
		wakeR:     wakeR,
		wakeW:     wakeW,
		watcher:   watcher,
		sessions:  make(map[int]*session.Session),
		bySub:     make(map[notify.SubscriberID]*session.Session),
	}

	d.notifier = notify.NewRegistry(d.send)
	d.resolver = layer.NewResolver(modelLayers, d.openBackend, watcher.Gate)
	d.dispatcher = session.NewDispatcher(d.resolver, d.notifier, logger)

	for _, fd := range []int{ln.fd, int(wakeR.Fd())} {
		if err := d.epollAdd(fd); err != nil {
			d.closeAll()
			return nil, fmt.Errorf("register fd %d with epoll: %w", fd, err)
		}
	}

	return d, nil
}

// openBackend resolves a configured layer to its storage backend,
// opening the on-disk file the first time a persistent layer is
// touched. Memory-backed layers exist only for the process lifetime.
func (d *Daemon) openBackend(l model.Layer, uid int) (store.Backend, error) {
	if l.Backend == model.BackendMemory {
		return store.NewMemory(), nil
	}
	path := filepath.Join(d.cfg.DBPath, store.FileName(l.Name, l.Scope, uid))
	backend, err := store.OpenPersistent(path)
	if err != nil {
		d.collector.RecordBackendError(l.Name)
		return nil, err
	}
	return backend, nil
}

// send delivers one CHANGED frame to subscriber id, encoding it with
// the same codec used for request/reply frames. A CHANGED frame
// carries no message id of its own: it was not solicited by any one
// request.
func (d *Daemon) send(id notify.SubscriberID, key string, value wire.Value) error {
	sess, ok := d.bySub[id]
	if !ok {
		return fmt.Errorf("notify subscriber %d has no active session", id)
	}

	encoded, err := wire.Encode(wire.Frame{
		Op:     wire.OpChanged,
		Params: []wire.Value{wire.String(key), value},
	})
	if err != nil {
		return fmt.Errorf("encode CHANGED frame: %w", err)
	}

	if err := sess.Write(encoded); err != nil {
		d.collector.RecordNotificationDropped()
		return err
	}
	d.armWritable(sess, sess.Pending())
	d.collector.RecordNotificationSent()
	return nil
}

func (d *Daemon) epollAdd(fd int) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (d *Daemon) epollDel(fd int) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// armWritable adds or drops EPOLLOUT interest on a session's fd, mirroring
// whether it still has a buffered write to drain. A session whose Write
// stalled on EAGAIN gets EPOLLOUT added here rather than the loop
// spin-retrying the write; once Flush reports nothing pending, interest
// drops back to EPOLLIN only so epoll_wait doesn't keep waking on an
// always-writable, idle socket.
func (d *Daemon) armWritable(sess *session.Session, pending bool) {
	events := uint32(unix.EPOLLIN)
	if pending {
		events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, sess.Fd(), &unix.EpollEvent{
		Events: events,
		Fd:     int32(sess.Fd()),
	}); err != nil {
		d.logger.Warn("update epoll interest", slog.String("error", err.Error()))
	}
}

// Run drives the event loop until ctx is canceled. It multiplexes the
// listening socket and every accepted session through a single
// epoll_wait; a self-pipe wakes the wait promptly on cancellation.
// Callers run WatchRules concurrently (an errgroup.Group alongside Run
// is the expected shape) — the rules watcher needs no synchronization
// with the loop's state, since label.Watcher documents its Gate as
// safe to read during a concurrent reload.
func (d *Daemon) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_, _ = d.wakeW.Write([]byte{0})
	}()

	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(d.epfd, events, pollTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.closeAll()
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == d.listener.fd:
				d.acceptAll()
			case fd == int(d.wakeR.Fd()):
				d.closeAll()
				return ctx.Err()
			default:
				if events[i].Events&unix.EPOLLOUT != 0 {
					d.writable(fd)
				}
				if events[i].Events&unix.EPOLLIN != 0 {
					d.service(fd)
				}
			}
		}
	}
}

// WatchRules drains the access rules watcher's event and error
// channels until ctx is canceled, reloading the gate on every relevant
// filesystem change. Intended to run on its own goroutine alongside
// Run — label.Watcher's Gate is safe to read during a reload, so
// WatchRules needs no synchronization with the event loop's state.
func (d *Daemon) WatchRules(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return nil
			}
			d.watcher.HandleEvent(ev)
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return nil
			}
			d.logger.Warn("access rules watcher error", slog.String("error", err.Error()))
		}
	}
}

// acceptAll drains every connection currently queued on the listening
// socket; the listener is non-blocking, so EAGAIN is the normal
// terminating condition, not an error.
func (d *Daemon) acceptAll() {
	for {
		fd, _, err := unix.Accept(d.listener.fd)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return
		case err != nil:
			d.logger.Error("accept failed", slog.String("error", err.Error()))
			return
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			d.logger.Error("set accepted socket nonblocking", slog.String("error", err.Error()))
			unix.Close(fd)
			continue
		}

		d.nextSub++
		id := d.nextSub
		sess := session.New(fd, id, d.logger)
		if err := sess.Identify(); err != nil {
			d.logger.Warn("identify peer failed, closing connection", slog.String("error", err.Error()))
			sess.Close()
			continue
		}
		if err := d.epollAdd(fd); err != nil {
			d.logger.Error("register session with epoll", slog.String("error", err.Error()))
			sess.Close()
			continue
		}

		d.sessions[fd] = sess
		d.bySub[id] = sess
		d.collector.RegisterSession()
	}
}

// service pumps every frame currently readable on fd's session,
// dispatching each to a STATUS (or CHANGED side effects) reply. A read
// error, EOF, or failed write terminates the session — never the loop.
func (d *Daemon) service(fd int) {
	sess, ok := d.sessions[fd]
	if !ok {
		return
	}

	for {
		frame, err := sess.Pump()
		if err != nil {
			d.closeSession(sess)
			return
		}
		if frame == nil {
			return // EAGAIN: caught up, wait for the next readiness event
		}

		reply, after := d.dispatcher.Handle(sess, *frame)
		status := wire.Status(reply.Params[0].AsInt32())
		d.collector.RecordRequest(frame.Op.String(), status.String())
		if status == wire.StatusDenied {
			d.collector.RecordAccessDenial(accessKindFor(frame.Op))
		}
		encoded, err := wire.Encode(reply)
		if err != nil {
			d.logger.Error("encode reply", slog.String("error", err.Error()))
			d.closeSession(sess)
			return
		}
		if err := sess.Write(encoded); err != nil {
			d.closeSession(sess)
			return
		}
		d.armWritable(sess, sess.Pending())
		// Fan the change out to NOTIFY subscribers only now that the
		// triggering SET's own STATUS reply is on the wire.
		if after != nil {
			after()
		}
	}
}

// writable drains a session's buffered write once epoll reports its fd
// writable, dropping EPOLLOUT interest again if that empties the buffer.
func (d *Daemon) writable(fd int) {
	sess, ok := d.sessions[fd]
	if !ok {
		return
	}
	if err := sess.Flush(); err != nil {
		d.closeSession(sess)
		return
	}
	d.armWritable(sess, sess.Pending())
}

func (d *Daemon) closeSession(sess *session.Session) {
	fd := sess.Fd()
	_ = d.epollDel(fd)
	delete(d.sessions, fd)
	delete(d.bySub, sess.ID())
	d.notifier.RemoveSubscriber(sess.ID())
	if err := sess.Close(); err != nil {
		d.logger.Warn("close session", slog.String("error", err.Error()))
	}
	d.collector.UnregisterSession()
}

func (d *Daemon) closeAll() {
	for _, sess := range d.sessions {
		d.closeSession(sess)
	}
	if err := d.listener.Close(); err != nil {
		d.logger.Warn("close listener", slog.String("error", err.Error()))
	}
	if err := d.watcher.Close(); err != nil {
		d.logger.Warn("close access rules watcher", slog.String("error", err.Error()))
	}
	if err := d.resolver.Close(); err != nil {
		d.logger.Warn("close layer backends", slog.String("error", err.Error()))
	}
	_ = d.wakeR.Close()
	_ = d.wakeW.Close()
	if err := unix.Close(d.epfd); err != nil {
		d.logger.Warn("close epoll instance", slog.String("error", err.Error()))
	}
}

// accessKindFor reports the access kind a denied op was gated on, for
// the access-denial counter's label.
func accessKindFor(op wire.Op) string {
	switch op {
	case wire.OpGet, wire.OpGetType, wire.OpList, wire.OpNotify:
		return "read"
	default:
		return "write"
	}
}
