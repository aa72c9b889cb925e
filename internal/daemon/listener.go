package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sys/unix"
)

// listenBacklog is the connection backlog passed to listen(2).
const listenBacklog = 128

// boundListener is a non-blocking SOCK_STREAM unix socket ready to
// accept connections, plus whichever os.File keeps its systemd
// activation fd alive (nil when the socket was bound locally).
type boundListener struct {
	fd   int
	file *os.File
}

// openListener returns a listening socket for path. When the process
// was started under systemd socket activation (LISTEN_FDS set in the
// environment), the first activation fd is reused instead of binding
// a new socket — the unit file owns the path and permissions in that
// case. file is kept in the returned boundListener for the process
// lifetime so its finalizer never closes fd out from under the
// caller.
func openListener(path string) (*boundListener, error) {
	if files := activation.Files(true); len(files) > 0 {
		fd := int(files[0].Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("set activation socket nonblocking: %w", err)
		}
		return &boundListener{fd: fd, file: files[0]}, nil
	}
	return bindListener(path)
}

func bindListener(path string) (*boundListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory for %s: %w", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("create unix socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}

	return &boundListener{fd: fd}, nil
}

// Close closes the listening socket. When fd came from systemd
// activation, closing the kept-alive file is what actually releases
// it; otherwise the raw fd is closed directly.
func (l *boundListener) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return unix.Close(l.fd)
}
