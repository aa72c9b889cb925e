// Package client implements the buxton wire protocol from the caller's
// side: a non-blocking connection to buxtond's Unix socket, a
// poll-compatible file descriptor, and a callback registry keyed by
// message id so a caller can drive it from their own event loop
// instead of blocking in the library.
//
// Every exported operation also has a direct entry point
// (OpenDirect) that calls straight into a resolver, bypassing the
// socket and the wire codec entirely — for the privileged in-process
// callers described alongside the original library's own direct mode.
package client

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/buxton-project/buxton/internal/layer"
	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/wire"
)

// Sentinel errors a caller can match with errors.Is, mirroring the
// wire Status vocabulary on the client side of the boundary.
var (
	ErrDenied       = errors.New("access denied")
	ErrNotFound     = errors.New("key not found")
	ErrTypeMismatch = errors.New("declared type does not match stored value")
	ErrInvalid      = errors.New("invalid request")
	ErrBackend      = errors.New("backend failure")
	// ErrDirectNotify is returned by Notify/Unnotify on a direct
	// client: there is no session for the daemon's notification
	// registry to address, since a direct client never goes through
	// buxtond's accept loop.
	ErrDirectNotify = errors.New("notify is not supported on a direct client")
)

// Response is the result of one request. Which fields are meaningful
// depends on the request that produced it: Value and Type are set by
// Get and GetType, Label by GetLabel, Keys by List.
type Response struct {
	Status wire.Status
	Key    string
	Type   wire.Type
	Value  wire.Value
	Label  model.Label
	Keys   []string
}

// ChangeHandler receives a key's new value every time a CHANGED
// notification for it arrives.
type ChangeHandler func(key string, value wire.Value)

type pendingRequest struct {
	op  wire.Op
	key string
	ch  chan *Response
}

// Client speaks the buxton wire protocol over one connection, or (in
// direct mode) calls straight into an in-process resolver. A single
// Client is not safe for concurrent use: every typed method (Get, Set,
// ...) both writes the request and, synchronously, pumps the read
// buffer until its own reply arrives, so two goroutines calling it at
// once could interleave reads of the same underlying buffer. Open one
// Client per goroutine, the same single-reader assumption
// internal/session's Session makes of the daemon's event-loop
// goroutine.
type Client struct {
	fd       int
	resolver *layer.Resolver
	caller   layer.Caller

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingRequest
	changes map[string]ChangeHandler

	buf           []byte
	target        int
	header        wire.Header
	headerDecoded bool
}

// Open connects to the daemon's Unix socket at path and returns a
// Client driving that connection. The socket is set non-blocking
// immediately after connect; Fd and HandleResponse are how a caller
// integrates it into their own poll loop.
func Open(path string) (*Client, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create unix socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set socket nonblocking: %w", err)
	}
	return newClient(fd), nil
}

func newClient(fd int) *Client {
	return &Client{
		fd:      fd,
		pending: make(map[uint32]*pendingRequest),
		changes: make(map[string]ChangeHandler),
		target:  wire.HeaderSize,
	}
}

// OpenDirect returns a Client that calls straight into resolver as the
// privileged in-process caller, bypassing the socket and the access
// gate's caller-label check. There is no file descriptor to poll and
// no notification delivery: Fd reports ok=false, and Notify/Unnotify
// return ErrDirectNotify.
func OpenDirect(resolver *layer.Resolver) *Client {
	return &Client{
		fd:       -1,
		resolver: resolver,
		caller:   layer.Caller{Privileged: true},
		pending:  make(map[uint32]*pendingRequest),
		changes:  make(map[string]ChangeHandler),
	}
}

// Fd returns the underlying socket descriptor and true, or (0, false)
// for a direct client that has none.
func (c *Client) Fd() (int, bool) {
	if c.resolver != nil {
		return 0, false
	}
	return c.fd, true
}

// Close releases the connection. A direct client's Close is a no-op:
// it does not own the resolver it was opened against.
func (c *Client) Close() error {
	if c.resolver != nil {
		return nil
	}
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// HandleResponse drains every frame currently readable on the
// connection, resolving matching pending requests and invoking change
// handlers for CHANGED notifications. It never blocks: EAGAIN ends the
// loop, same as the daemon side's Pump. A direct client has nothing to
// drain and returns nil immediately.
func (c *Client) HandleResponse() error {
	if c.resolver != nil {
		return nil
	}
	for {
		frame, err := c.pump()
		if err != nil {
			return err
		}
		if frame == nil {
			return nil
		}
		c.dispatch(*frame)
	}
}

func (c *Client) dispatch(frame wire.Frame) {
	switch frame.Op {
	case wire.OpStatus:
		c.mu.Lock()
		pr, ok := c.pending[frame.MessageID]
		if ok {
			delete(c.pending, frame.MessageID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		pr.ch <- responseFrom(pr, frame)
	case wire.OpChanged:
		if len(frame.Params) < 2 {
			return
		}
		key := frame.Params[0].AsString()
		value := frame.Params[1]
		c.mu.Lock()
		handler := c.changes[key]
		c.mu.Unlock()
		if handler != nil {
			handler(key, value)
		}
	}
}

func responseFrom(pr *pendingRequest, frame wire.Frame) *Response {
	status := wire.Status(frame.Params[0].AsInt32())
	resp := &Response{Status: status, Key: pr.key}
	if status != wire.StatusOk {
		return resp
	}
	payload := frame.Params[1:]
	switch pr.op {
	case wire.OpGet:
		if len(payload) >= 1 {
			resp.Value = payload[0]
			resp.Type = payload[0].Type
		}
	case wire.OpGetType:
		if len(payload) >= 1 {
			resp.Type = wire.Type(payload[0].AsUint32())
		}
	case wire.OpGetLabel:
		if len(payload) >= 1 {
			resp.Label = model.Label(payload[0].AsString())
		}
	case wire.OpList:
		resp.Keys = make([]string, len(payload))
		for i, p := range payload {
			resp.Keys[i] = p.AsString()
		}
	}
	return resp
}

// pump mirrors internal/session.Session.Pump: accumulate to
// HeaderSize, decode the header, accumulate to the declared payload
// length, decode the frame, reset.
func (c *Client) pump() (*wire.Frame, error) {
	for {
		need := c.target - len(c.buf)
		if need > 0 {
			chunk := make([]byte, need)
			n, err := unix.Read(c.fd, chunk)
			switch {
			case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
				return nil, nil
			case err != nil:
				return nil, fmt.Errorf("read response: %w", err)
			case n == 0:
				return nil, io.EOF
			}
			c.buf = append(c.buf, chunk[:n]...)
			if n < need {
				return nil, nil
			}
		}

		if !c.headerDecoded {
			header, err := wire.DecodeHeader(c.buf)
			if err != nil {
				return nil, err
			}
			c.header = header
			c.headerDecoded = true
			c.target = wire.HeaderSize + int(header.PayloadLength)
			continue
		}

		frame, err := wire.Decode(c.header, c.buf[wire.HeaderSize:])
		c.buf = c.buf[:0]
		c.target = wire.HeaderSize
		c.headerDecoded = false
		return &frame, err
	}
}

// write sends b to the daemon in full. A non-blocking socket reports
// EAGAIN when the kernel send buffer is momentarily full; rather than
// spin retrying the write, it waits on poll(2) for POLLOUT so the
// caller's goroutine sleeps instead of burning CPU until the daemon
// drains its end.
func (c *Client) write(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(c.fd, b)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if err := c.pollWritable(); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("write request: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func (c *Client) pollWritable() error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, pollTimeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll for writability: %w", err)
		}
		return nil
	}
}

// send assigns a message id, registers the pending request and writes
// the encoded frame, returning the channel the reply will arrive on.
func (c *Client) send(op wire.Op, params []wire.Value, key string) (chan *Response, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = &pendingRequest{op: op, key: key, ch: ch}
	c.mu.Unlock()

	encoded, err := wire.Encode(wire.Frame{Op: op, MessageID: id, Params: params})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := c.write(encoded); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// wait blocks until ch fires, spinning poll and HandleResponse in
// between — the synchronous call pattern every typed method below
// builds on. It is the library's internal event loop, not a caller's;
// HandleResponse remains available for callers who want to drive the
// socket from their own.
func (c *Client) wait(ch chan *Response) (*Response, error) {
	for {
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		if err := c.poll(); err != nil {
			return nil, err
		}
		if err := c.HandleResponse(); err != nil {
			return nil, err
		}
	}
}

// pollTimeoutMS bounds a single poll(2) call. wait polls again after a
// timeout, so a synchronous request waits until its reply arrives or
// the connection reports an error.
const pollTimeoutMS = 5000

func (c *Client) poll() error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, pollTimeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		return nil
	}
}

// call sends a request and blocks for its reply, translating a
// non-Ok status into one of this package's sentinel errors.
func (c *Client) call(op wire.Op, params []wire.Value, key string) (*Response, error) {
	ch, err := c.send(op, params, key)
	if err != nil {
		return nil, err
	}
	resp, err := c.wait(ch)
	if err != nil {
		return nil, err
	}
	if serr := statusErr(resp.Status); serr != nil {
		return resp, serr
	}
	return resp, nil
}

func statusErr(s wire.Status) error {
	switch s {
	case wire.StatusOk:
		return nil
	case wire.StatusDenied:
		return ErrDenied
	case wire.StatusNotFound:
		return ErrNotFound
	case wire.StatusTypeMismatch:
		return ErrTypeMismatch
	case wire.StatusInvalid:
		return ErrInvalid
	default:
		return ErrBackend
	}
}

func mapLayerErr(err error) error {
	switch {
	case errors.Is(err, layer.ErrDenied):
		return ErrDenied
	case errors.Is(err, layer.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, layer.ErrTypeMismatch):
		return ErrTypeMismatch
	case errors.Is(err, layer.ErrInvalid), errors.Is(err, layer.ErrUnknownLayer):
		return ErrInvalid
	default:
		return ErrBackend
	}
}

func qualified(group, name string) string { return group + "." + name }

// Get retrieves a key's value, optionally asserting its declared type
// (pass wire.TypeUnknown to accept any type). layerName restricts the
// search to one layer, or searches the whole stack by priority when
// empty.
func (c *Client) Get(group, name, layerName string, declared wire.Type) (*Response, error) {
	key := qualified(group, name)
	if c.resolver != nil {
		k := model.Key{Group: group, Name: name, Layer: layerName, Type: declared}
		_, entry, err := c.resolver.GetValue(k, c.caller)
		if err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: key, Type: entry.Value.Type, Value: entry.Value}, nil
	}
	return c.call(wire.OpGet, []wire.Value{
		wire.String(group), wire.String(name), wire.String(layerName), wire.Uint32(uint32(declared)),
	}, key)
}

// GetType reports a key's stored type without fetching its value.
func (c *Client) GetType(group, name, layerName string) (*Response, error) {
	key := qualified(group, name)
	if c.resolver != nil {
		k := model.Key{Group: group, Name: name, Layer: layerName}
		_, entry, err := c.resolver.GetValue(k, c.caller)
		if err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: key, Type: entry.Value.Type}, nil
	}
	return c.call(wire.OpGetType, []wire.Value{wire.String(group), wire.String(name), wire.String(layerName)}, key)
}

// GetLabel reports a key's stored MAC label. Like Get, it is gated on
// read access only — reading a label carries no write privilege.
func (c *Client) GetLabel(group, name, layerName string) (*Response, error) {
	key := qualified(group, name)
	if c.resolver != nil {
		k := model.Key{Group: group, Name: name}
		entry, err := c.resolver.GetValueForLayer(layerName, k, c.caller)
		if err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: key, Label: entry.Label}, nil
	}
	return c.call(wire.OpGetLabel, []wire.Value{wire.String(group), wire.String(name), wire.String(layerName)}, key)
}

// Set stores value under (group, name) in layerName.
func (c *Client) Set(group, name, layerName string, value wire.Value) (*Response, error) {
	key := qualified(group, name)
	if c.resolver != nil {
		k := model.Key{Group: group, Name: name, Type: value.Type}
		if err := c.resolver.SetValue(layerName, k, value, c.caller); err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: key}, nil
	}
	return c.call(wire.OpSet, []wire.Value{
		wire.String(group), wire.String(name), wire.String(layerName), value,
	}, key)
}

// SetLabel replaces a key's stored MAC label without touching its
// value. Privileged only: a non-privileged socket client will always
// get StatusDenied back from the daemon for this op.
func (c *Client) SetLabel(group, name, layerName string, newLabel model.Label) (*Response, error) {
	key := qualified(group, name)
	if c.resolver != nil {
		k := model.Key{Group: group, Name: name}
		if err := c.resolver.SetLabel(layerName, k, newLabel, c.caller); err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: key}, nil
	}
	return c.call(wire.OpSetLabel, []wire.Value{
		wire.String(group), wire.String(name), wire.String(layerName), wire.String(string(newLabel)),
	}, key)
}

// CreateGroup creates an empty group in layerName.
func (c *Client) CreateGroup(group, layerName string) (*Response, error) {
	if c.resolver != nil {
		if err := c.resolver.CreateGroup(layerName, group, c.caller); err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: group}, nil
	}
	return c.call(wire.OpCreateGroup, []wire.Value{wire.String(group), wire.String(layerName)}, group)
}

// RemoveGroup deletes a group and every key within it from layerName.
func (c *Client) RemoveGroup(group, layerName string) (*Response, error) {
	if c.resolver != nil {
		if err := c.resolver.RemoveGroup(layerName, group, c.caller); err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: group}, nil
	}
	return c.call(wire.OpRemoveGroup, []wire.Value{wire.String(group), wire.String(layerName)}, group)
}

// Unset removes a key from layerName.
func (c *Client) Unset(group, name, layerName string) (*Response, error) {
	key := qualified(group, name)
	if c.resolver != nil {
		k := model.Key{Group: group, Name: name}
		if err := c.resolver.UnsetValue(layerName, k, c.caller); err != nil {
			return nil, mapLayerErr(err)
		}
		return &Response{Status: wire.StatusOk, Key: key}, nil
	}
	return c.call(wire.OpUnset, []wire.Value{wire.String(group), wire.String(name), wire.String(layerName)}, key)
}

// List returns the qualified names of every key in layerName.
func (c *Client) List(layerName string) (*Response, error) {
	if c.resolver != nil {
		keys, err := c.resolver.ListKeys(layerName)
		if err != nil {
			return nil, mapLayerErr(err)
		}
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.QualifiedName()
		}
		return &Response{Status: wire.StatusOk, Keys: names}, nil
	}
	return c.call(wire.OpList, []wire.Value{wire.String(layerName)}, "")
}

// Notify subscribes handler to every future change of (group, name),
// delivered by HandleResponse once the subscription is acknowledged.
// Not supported on a direct client: there is no session for the
// daemon's notification registry to address.
func (c *Client) Notify(group, name string, handler ChangeHandler) error {
	key := qualified(group, name)
	if c.resolver != nil {
		return ErrDirectNotify
	}
	resp, err := c.call(wire.OpNotify, []wire.Value{wire.String(group), wire.String(name)}, key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.changes[resp.Key] = handler
	c.mu.Unlock()
	return nil
}

// Unnotify cancels a prior Notify subscription for (group, name).
func (c *Client) Unnotify(group, name string) error {
	key := qualified(group, name)
	if c.resolver != nil {
		return ErrDirectNotify
	}
	_, err := c.call(wire.OpUnnotify, []wire.Value{wire.String(group), wire.String(name)}, key)
	c.mu.Lock()
	delete(c.changes, key)
	c.mu.Unlock()
	return err
}
