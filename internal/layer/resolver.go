// Package layer implements the layer resolver and the in-process direct
// API: mapping (group, name) across layers by priority, and
// the group/key lifecycle operations every other subsystem drives.
package layer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/buxton-project/buxton/internal/label"
	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/store"
	"github.com/buxton-project/buxton/internal/wire"
)

// Domain errors. The dispatcher (internal/session) maps these onto the
// wire Status vocabulary at the RPC boundary, the same way any
// internal sentinel error gets translated to a protocol-level code.
var (
	// ErrDenied indicates the access gate refused the operation.
	ErrDenied = errors.New("access denied")
	// ErrNotFound indicates no entry satisfied the lookup in any
	// visible layer.
	ErrNotFound = errors.New("key not found")
	// ErrTypeMismatch indicates a GET's declared type disagrees with
	// the stored value.
	ErrTypeMismatch = errors.New("declared type does not match stored value")
	// ErrInvalid indicates a well-formed but semantically incorrect
	// request, such as a missing group.
	ErrInvalid = errors.New("invalid request")
	// ErrUnknownLayer indicates the named layer does not exist.
	ErrUnknownLayer = errors.New("unknown layer")
	// ErrBackend indicates the storage layer reported failure.
	ErrBackend = errors.New("backend failure")
)

// Caller identifies who is asking: their MAC label, their UID (for
// resolving user-scoped layers), and whether they are the in-process
// privileged caller who bypasses the gate entirely.
type Caller struct {
	Label      model.Label
	UID        int
	Privileged bool
}

// BackendOpener lazily opens (or returns the already-open) backend for
// a layer, keyed by uid for user-scoped layers.
type BackendOpener func(l model.Layer, uid int) (store.Backend, error)

// Resolver maps (group, name) across the configured layer stack by
// priority and drives every group/key lifecycle operation.
// All of Resolver's state — the layer list, the backend handles, the
// gate snapshot — is touched only from the daemon's single event-loop
// goroutine; no locking is used.
type Resolver struct {
	layers []model.Layer // sorted by priority desc, then Order asc
	open   BackendOpener
	gate   func() *label.Gate

	backends map[backendKey]store.Backend
}

type backendKey struct {
	layer string
	uid   int
}

// NewResolver builds a Resolver over layers, sorted once by priority
// (descending) with insertion order as the tie-breaker (invariant 6).
// The resolver itself never fans out CHANGED notifications — SetValue
// only reports success or failure; the caller decides
// when it is safe to notify (session.Dispatcher defers it until after
// the triggering SET's own STATUS reply has been written).
func NewResolver(layers []model.Layer, open BackendOpener, gate func() *label.Gate) *Resolver {
	sorted := make([]model.Layer, len(layers))
	copy(sorted, layers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Order < sorted[j].Order
	})

	return &Resolver{
		layers:   sorted,
		open:     open,
		gate:     gate,
		backends: make(map[backendKey]store.Backend),
	}
}

func (r *Resolver) findLayer(name string) (model.Layer, bool) {
	for _, l := range r.layers {
		if l.Name == name {
			return l, true
		}
	}
	return model.Layer{}, false
}

func (r *Resolver) backendFor(l model.Layer, uid int) (store.Backend, error) {
	key := backendKey{layer: l.Name, uid: uid}
	if b, ok := r.backends[key]; ok {
		return b, nil
	}
	b, err := r.open(l, uid)
	if err != nil {
		return nil, fmt.Errorf("open backend for layer %s: %w: %w", l.Name, err, ErrBackend)
	}
	r.backends[key] = b
	return b, nil
}

func (r *Resolver) allow(caller Caller, object model.Label, want label.Access) bool {
	if caller.Privileged {
		return true
	}
	return r.gate().Allow(caller.Label, object, want)
}

// Close closes every opened backend.
func (r *Resolver) Close() error {
	var firstErr error
	for _, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetValue places value under key in the named layer.
func (r *Resolver) SetValue(layerName string, key model.Key, value wire.Value, caller Caller) error {
	if key.IsGroupKey() {
		return fmt.Errorf("set requires a key within a group: %w", ErrInvalid)
	}

	l, ok := r.findLayer(layerName)
	if !ok {
		return fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, caller.UID)
	if err != nil {
		return err
	}

	groupKey := model.Key{Group: key.Group}
	groupEntry, err := backend.Get(groupKey)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("group %s does not exist in layer %s: %w", key.Group, layerName, ErrInvalid)
	} else if err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}

	entryLabel := groupEntry.Label
	existing, err := backend.Get(key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// New key: creation is gated by the group's label.
		if !r.allow(caller, groupEntry.Label, label.Write) {
			return ErrDenied
		}
	case err != nil:
		return fmt.Errorf("%w: %w", err, ErrBackend)
	default:
		// Existing key: gated by its own current label; SET never
		// changes a key's label (only SetLabel does).
		if !r.allow(caller, existing.Label, label.Write) {
			return ErrDenied
		}
		entryLabel = existing.Label
	}

	if err := backend.Set(key, model.Entry{Value: value, Label: entryLabel}); err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}

	return nil
}

// GetValue searches every layer by priority for key, skipping entries
// the caller cannot read as if they did not exist.
func (r *Resolver) GetValue(key model.Key, caller Caller) (string, model.Entry, error) {
	if key.Layer != "" {
		entry, err := r.GetValueForLayer(key.Layer, key, caller)
		return key.Layer, entry, err
	}

	for _, l := range r.layers {
		if l.Scope == model.ScopeUser && caller.UID == 0 && !caller.Privileged {
			// No authenticated uid context: user-scoped layers are
			// skipped for an all-layer search (they would otherwise
			// resolve to uid 0's store, which is never correct here).
			continue
		}
		backend, err := r.backendFor(l, caller.UID)
		if err != nil {
			return "", model.Entry{}, err
		}
		entry, err := backend.Get(key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", model.Entry{}, fmt.Errorf("%w: %w", err, ErrBackend)
		}
		if !r.allow(caller, entry.Label, label.Read) {
			continue // unreadable: transparently skipped
		}
		if key.Type != wire.TypeUnknown && key.Type != entry.Value.Type {
			return l.Name, model.Entry{}, ErrTypeMismatch
		}
		return l.Name, entry, nil
	}

	return "", model.Entry{}, ErrNotFound
}

// GetValueForLayer restricts the lookup to a single named layer.
// A gate-denied read reports ErrNotFound, never ErrDenied, to
// avoid leaking a key's existence to an unauthorized subject.
func (r *Resolver) GetValueForLayer(layerName string, key model.Key, caller Caller) (model.Entry, error) {
	l, ok := r.findLayer(layerName)
	if !ok {
		return model.Entry{}, fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, caller.UID)
	if err != nil {
		return model.Entry{}, err
	}

	entry, err := backend.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return model.Entry{}, ErrNotFound
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("%w: %w", err, ErrBackend)
	}
	if !r.allow(caller, entry.Label, label.Read) {
		return model.Entry{}, ErrNotFound
	}
	if key.Type != wire.TypeUnknown && key.Type != entry.Value.Type {
		return model.Entry{}, ErrTypeMismatch
	}
	return entry, nil
}

// SetLabel replaces the stored label without touching the value.
// Privileged only: a non-privileged caller — whatever its own label —
// always gets ErrDenied, the same way the wire protocol's SET_LABEL is
// admitted only to the in-process privileged caller.
func (r *Resolver) SetLabel(layerName string, key model.Key, newLabel model.Label, caller Caller) error {
	if !caller.Privileged {
		return ErrDenied
	}

	l, ok := r.findLayer(layerName)
	if !ok {
		return fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, caller.UID)
	if err != nil {
		return err
	}

	entry, err := backend.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}

	entry.Label = newLabel
	if err := backend.Set(key, entry); err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	return nil
}

// ListKeys enumerates the layer's backend in storage order.
func (r *Resolver) ListKeys(layerName string) ([]model.Key, error) {
	l, ok := r.findLayer(layerName)
	if !ok {
		return nil, fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, 0)
	if err != nil {
		return nil, err
	}
	keys, err := backend.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, ErrBackend)
	}
	return keys, nil
}

// UnsetValue removes a single key.
func (r *Resolver) UnsetValue(layerName string, key model.Key, caller Caller) error {
	l, ok := r.findLayer(layerName)
	if !ok {
		return fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, caller.UID)
	if err != nil {
		return err
	}

	entry, err := backend.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	if !r.allow(caller, entry.Label, label.Write) {
		return ErrDenied
	}

	if err := backend.Unset(key); err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	return nil
}

// CreateGroup creates group if absent. Creating an already
// existing group is idempotent: Ok, no side effects.
func (r *Resolver) CreateGroup(layerName, group string, caller Caller) error {
	l, ok := r.findLayer(layerName)
	if !ok {
		return fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, caller.UID)
	if err != nil {
		return err
	}

	groupKey := model.Key{Group: group}
	if _, err := backend.Get(groupKey); err == nil {
		return nil // already exists: idempotent Ok
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}

	if err := backend.Set(groupKey, model.NewGroupEntry(caller.Label)); err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	return nil
}

// RemoveGroup removes group and cascades to every key within it in
// this layer.
func (r *Resolver) RemoveGroup(layerName, group string, caller Caller) error {
	l, ok := r.findLayer(layerName)
	if !ok {
		return fmt.Errorf("layer %s: %w", layerName, ErrUnknownLayer)
	}
	backend, err := r.backendFor(l, caller.UID)
	if err != nil {
		return err
	}

	groupKey := model.Key{Group: group}
	groupEntry, err := backend.Get(groupKey)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	if !r.allow(caller, groupEntry.Label, label.Write) {
		return ErrDenied
	}

	keys, err := backend.List()
	if err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	for _, k := range keys {
		if k.Group == group && !k.IsGroupKey() {
			if err := backend.Unset(k); err != nil {
				return fmt.Errorf("cascade unset %s: %w: %w", k.QualifiedName(), err, ErrBackend)
			}
		}
	}
	if err := backend.Unset(groupKey); err != nil {
		return fmt.Errorf("%w: %w", err, ErrBackend)
	}
	return nil
}
