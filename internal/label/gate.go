// Package label implements the mandatory-access-control gate applied to
// every read, write, and notification.
package label

import (
	"github.com/buxton-project/buxton/internal/model"
)

// Access is the set of operations a rule grants.
type Access uint8

// Access bits, combinable.
const (
	Read Access = 1 << iota
	Write
)

// Has reports whether a grants all bits in want.
func (a Access) Has(want Access) bool { return a&want == want }

// rule is one (subject-label, object-label, access) triple loaded from
// the rules file.
type rule struct {
	subject model.Label
	object  model.Label
	access  Access
}

// Gate decides read/write permission per (subject, object).
// A Gate is rebuilt wholesale on every rules-file reload; callers never
// mutate a live Gate, so no locking is needed beyond the atomic swap
// of the pointer held by label.Watcher.
type Gate struct {
	table   map[ruleKey]Access
	enabled bool
}

type ruleKey struct {
	subject model.Label
	object  model.Label
}

// New builds a Gate from parsed rules. enabled selects whether the
// built-in and table rules are consulted at all.
func New(rules []Rule, enabled bool) *Gate {
	g := &Gate{table: make(map[ruleKey]Access, len(rules)), enabled: enabled}
	for _, r := range rules {
		g.table[ruleKey{subject: r.Subject, object: r.Object}] = r.Access
	}
	return g
}

// Enabled reports whether the gate is enforcing rules rather than
// granting every request (MAC unavailable at startup).
func (g *Gate) Enabled() bool { return g.enabled }

// Allow reports whether subject is permitted want access to object,
// applying the built-in rules before the table.
func (g *Gate) Allow(subject, object model.Label, want Access) bool {
	if !g.enabled {
		return true
	}

	// 1. Subject `*` -> denied, unconditionally, before anything else.
	if subject == "*" {
		return false
	}
	// 2. Subject `@` or object `@` -> granted.
	if subject == "@" || object == "@" {
		return true
	}
	// 3. Object `*` -> granted.
	if object == "*" {
		return true
	}
	// 4. Subject == Object -> granted.
	if subject == object {
		return true
	}
	// 5. READ only: object `_` or subject `^` -> granted.
	if want == Read && (object == "_" || subject == "^") {
		return true
	}

	access, ok := g.table[ruleKey{subject: subject, object: object}]
	if !ok {
		return false
	}
	return access.Has(want)
}
