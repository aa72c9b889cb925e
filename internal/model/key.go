// Package model holds the data types shared by every buxton subsystem:
// key identity, stored entries, labels, and layer definitions.
package model

import (
	"fmt"

	"github.com/buxton-project/buxton/internal/wire"
)

// Label is the MAC tag attached to a stored entry or carried by a
// client session. The empty Label is never valid on a
// persisted entry (invariant 2).
type Label string

// Key identifies a value by group, optional name, and optional layer.
// A Key with an empty Name denotes the group itself. A Key
// with an empty Layer is resolved across all layers by priority.
type Key struct {
	Group string
	Name  string
	Layer string // empty means "resolve across all layers"
	Type  wire.Type
}

// IsGroupKey reports whether the key denotes a group entry rather than
// a key within a group.
func (k Key) IsGroupKey() bool { return k.Name == "" }

// QualifiedName returns the "group.name" text used to address
// notification registrations. This differs from StorageKey, which
// joins group and name with a NUL byte for use as an on-disk key.
func (k Key) QualifiedName() string {
	if k.IsGroupKey() {
		return k.Group
	}
	return fmt.Sprintf("%s.%s", k.Group, k.Name)
}

// StorageKey returns the on-disk key used by persistent backends: the
// group name, a NUL byte, and the key name (absent for group entries).
func (k Key) StorageKey() string {
	if k.IsGroupKey() {
		return k.Group + "\x00"
	}
	return k.Group + "\x00" + k.Name
}

// GroupPlaceholder is the opaque value stored for a group entry.
const GroupPlaceholder = "\x00buxton-group\x00"

// Entry pairs a stored value with its access label.
type Entry struct {
	Value wire.Value
	Label Label
}

// IsGroupEntry reports whether e is a group placeholder entry.
func (e Entry) IsGroupEntry() bool {
	return e.Value.Type == wire.TypeString && e.Value.AsString() == GroupPlaceholder
}

// NewGroupEntry builds the placeholder entry created by CREATE_GROUP.
func NewGroupEntry(label Label) Entry {
	return Entry{Value: wire.String(GroupPlaceholder), Label: label}
}
