// Package simple is the "current group/layer" convenience API: a
// single process-global connection, a remembered group and layer set
// once by SetGroup, and type-specific Get/Set calls that take only a
// bare key name. It trades the flexibility of pkg/client's per-call
// group/layer arguments for the shorter call sites a small daemon or
// CLI tool wants when it only ever touches one group.
//
// Not safe for concurrent use from more than one goroutine: the
// underlying Client is single-reader (see pkg/client's Client doc),
// and a GetInt32 racing a SetGroup from another goroutine can in any
// case legitimately observe either the old or the new group.
package simple

import (
	"fmt"
	"sync"

	"github.com/buxton-project/buxton/internal/wire"
	"github.com/buxton-project/buxton/pkg/client"
)

var (
	mu    sync.Mutex
	conn  *client.Client
	group string
	layer string
)

// Open connects to the daemon socket at path. Calling it again after a
// prior Open replaces the current connection, closing the old one.
func Open(path string) error {
	c, err := client.Open(path)
	if err != nil {
		return err
	}
	mu.Lock()
	old := conn
	conn = c
	mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the current connection, if any.
func Close() error {
	mu.Lock()
	c := conn
	conn = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Fd returns the current connection's descriptor, for a caller driving
// its own poll loop instead of the typed accessors' blocking calls.
func Fd() (int, bool) {
	mu.Lock()
	c := conn
	mu.Unlock()
	if c == nil {
		return 0, false
	}
	return c.Fd()
}

// HandleResponse drains whatever is readable on the current
// connection, firing any registered notify handlers.
func HandleResponse() error {
	mu.Lock()
	c := conn
	mu.Unlock()
	if c == nil {
		return fmt.Errorf("simple: not connected")
	}
	return c.HandleResponse()
}

// SetGroup creates group in layer (if it does not already exist) and
// remembers both as the current group and layer for every accessor
// called afterward. It is an error to call it before Open.
func SetGroup(groupName, layerName string) error {
	mu.Lock()
	c := conn
	mu.Unlock()
	if c == nil {
		return fmt.Errorf("simple: not connected")
	}

	if _, err := c.CreateGroup(groupName, layerName); err != nil {
		return fmt.Errorf("create group %s: %w", groupName, err)
	}

	mu.Lock()
	group, layer = groupName, layerName
	mu.Unlock()
	return nil
}

// RemoveGroup deletes groupName from layerName. It does not touch the
// current group set by SetGroup even if they match.
func RemoveGroup(groupName, layerName string) error {
	mu.Lock()
	c := conn
	mu.Unlock()
	if c == nil {
		return fmt.Errorf("simple: not connected")
	}
	_, err := c.RemoveGroup(groupName, layerName)
	return err
}

func current() (g, l string) {
	mu.Lock()
	defer mu.Unlock()
	return group, layer
}

func currentClient() (*client.Client, error) {
	mu.Lock()
	c := conn
	mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("simple: not connected")
	}
	return c, nil
}

// RegisterNotify subscribes handler to changes of key within the
// current group. The current layer is not used: a change in any layer
// is delivered.
func RegisterNotify(key string, handler client.ChangeHandler) error {
	c, err := currentClient()
	if err != nil {
		return err
	}
	g, _ := current()
	return c.Notify(g, key, handler)
}

// UnregisterNotify cancels a prior RegisterNotify subscription.
func UnregisterNotify(key string) error {
	c, err := currentClient()
	if err != nil {
		return err
	}
	g, _ := current()
	return c.Unnotify(g, key)
}

func setValue(key string, value wire.Value) error {
	c, err := currentClient()
	if err != nil {
		return err
	}
	g, l := current()
	_, err = c.Set(g, key, l, value)
	return err
}

func getValue(key string, declared wire.Type) (wire.Value, error) {
	c, err := currentClient()
	if err != nil {
		return wire.Value{}, err
	}
	g, l := current()
	resp, err := c.Get(g, key, l, declared)
	if err != nil {
		return wire.Value{}, err
	}
	return resp.Value, nil
}

func SetInt32(key string, value int32) error     { return setValue(key, wire.Int32(value)) }
func SetUint32(key string, value uint32) error   { return setValue(key, wire.Uint32(value)) }
func SetInt64(key string, value int64) error     { return setValue(key, wire.Int64(value)) }
func SetUint64(key string, value uint64) error   { return setValue(key, wire.Uint64(value)) }
func SetFloat32(key string, value float32) error { return setValue(key, wire.Float32(value)) }
func SetFloat64(key string, value float64) error { return setValue(key, wire.Float64(value)) }
func SetBool(key string, value bool) error       { return setValue(key, wire.Bool(value)) }
func SetString(key string, value string) error   { return setValue(key, wire.String(value)) }

func GetInt32(key string) (int32, error) {
	v, err := getValue(key, wire.TypeInt32)
	return v.AsInt32(), err
}

func GetUint32(key string) (uint32, error) {
	v, err := getValue(key, wire.TypeUint32)
	return v.AsUint32(), err
}

func GetInt64(key string) (int64, error) {
	v, err := getValue(key, wire.TypeInt64)
	return v.AsInt64(), err
}

func GetUint64(key string) (uint64, error) {
	v, err := getValue(key, wire.TypeUint64)
	return v.AsUint64(), err
}

func GetFloat32(key string) (float32, error) {
	v, err := getValue(key, wire.TypeFloat32)
	return v.AsFloat32(), err
}

func GetFloat64(key string) (float64, error) {
	v, err := getValue(key, wire.TypeFloat64)
	return v.AsFloat64(), err
}

func GetBool(key string) (bool, error) {
	v, err := getValue(key, wire.TypeBoolean)
	return v.AsBool(), err
}

func GetString(key string) (string, error) {
	v, err := getValue(key, wire.TypeString)
	return v.AsString(), err
}
