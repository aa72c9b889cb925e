package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/buxton-project/buxton/internal/layer"
	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/notify"
	"github.com/buxton-project/buxton/internal/wire"
)

// errBadRequest marks a well-formed frame whose parameters do not fit
// the shape its op requires. It never terminates the session — it
// maps to StatusInvalid, the same as any other semantically wrong but
// well-formed request.
var errBadRequest = errors.New("request parameters do not match operation")

// Request parameter layout, by op. These are this implementation's
// wire convention for request frames; STATUS/CHANGED reply layout is
// fixed by the protocol itself.
//
//	SET          group, name, layer, value
//	SET_LABEL    group, name, layer, label
//	CREATE_GROUP group, layer
//	REMOVE_GROUP group, layer
//	GET          group, name, layer, declared-type (Uint32; TypeUnknown means "any")
//	GET_TYPE     group, name, layer
//	UNSET        group, name, layer
//	LIST         layer
//	NOTIFY       group, name
//	UNNOTIFY     group, name
//	GET_LABEL    group, name, layer

// Dispatcher turns decoded frames into resolver/notifier calls and
// builds the STATUS reply. One Dispatcher is shared by every session
// in the daemon. Access control is entirely the resolver's concern —
// the dispatcher never consults the gate directly.
type Dispatcher struct {
	resolver *layer.Resolver
	notifier *notify.Registry
	logger   *slog.Logger
}

// NewDispatcher builds a Dispatcher over the shared resolver and
// notifier.
func NewDispatcher(resolver *layer.Resolver, notifier *notify.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{resolver: resolver, notifier: notifier, logger: logger}
}

// Handle executes exactly one request frame against a session and
// returns the STATUS reply to send back, plus an optional callback
// the caller must invoke strictly after that reply has been written
// to the wire. Only a successful SET produces a non-nil callback — it
// fans the change out to NOTIFY subscribers, and firing it before the
// triggering SET's own STATUS reply is written would let a subscriber
// observe a CHANGED frame ahead of the very reply that caused it.
// Handle itself never returns an error: every failure is communicated
// through the reply's status code, per the protocol's error-handling
// design.
func (d *Dispatcher) Handle(sess *Session, req wire.Frame) (wire.Frame, func()) {
	caller := layer.Caller{Label: sess.label, UID: sess.uid}

	status, payload, after := d.execute(sess, caller, req)

	return wire.Frame{
		Op:        wire.OpStatus,
		MessageID: req.MessageID,
		Params:    append([]wire.Value{wire.Int32(int32(status))}, payload...),
	}, after
}

func (d *Dispatcher) execute(sess *Session, caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value, func()) {
	switch req.Op {
	case wire.OpSet:
		return d.handleSet(caller, req)
	case wire.OpSetLabel:
		status, payload := d.handleSetLabel(caller, req)
		return status, payload, nil
	case wire.OpCreateGroup:
		status, payload := d.handleCreateGroup(caller, req)
		return status, payload, nil
	case wire.OpRemoveGroup:
		status, payload := d.handleRemoveGroup(caller, req)
		return status, payload, nil
	case wire.OpGet:
		status, payload := d.handleGet(caller, req)
		return status, payload, nil
	case wire.OpGetType:
		status, payload := d.handleGetType(caller, req)
		return status, payload, nil
	case wire.OpUnset:
		status, payload := d.handleUnset(caller, req)
		return status, payload, nil
	case wire.OpList:
		status, payload := d.handleList(req)
		return status, payload, nil
	case wire.OpNotify:
		status, payload := d.handleNotify(sess, caller, req)
		return status, payload, nil
	case wire.OpUnnotify:
		status, payload := d.handleUnnotify(sess, req)
		return status, payload, nil
	case wire.OpGetLabel:
		status, payload := d.handleGetLabel(caller, req)
		return status, payload, nil
	default:
		return wire.StatusInvalid, nil, nil
	}
}

// handleSet stores the value and, on success, returns a callback that
// fans the change out to NOTIFY subscribers. The callback is not
// invoked here — see Handle's doc comment — so a session.Write
// failure on the SET's own reply still leaves the resolver's state
// and the notification consistent with each other.
func (d *Dispatcher) handleSet(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value, func()) {
	if len(req.Params) < 4 {
		return wire.StatusInvalid, nil, nil
	}
	group, name, layerName, err := threeStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil, nil
	}
	value := req.Params[3]

	key := model.Key{Group: group, Name: name, Type: value.Type}
	if err := d.resolver.SetValue(layerName, key, value, caller); err != nil {
		return statusFor(err), nil, nil
	}
	qualified := key.QualifiedName()
	return wire.StatusOk, nil, func() { d.notifier.Changed(qualified, value) }
}

// handleSetLabel is admitted only to the privileged in-process caller
// (spec.md's SET_LABEL restriction): every socket session's caller has
// Privileged false, so resolver.SetLabel always denies it there — the
// check lives in the resolver so it cannot be bypassed by any other
// call site reaching SetLabel directly.
func (d *Dispatcher) handleSetLabel(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	if len(req.Params) < 4 {
		return wire.StatusInvalid, nil
	}
	group, name, layerName, err := threeStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}
	newLabel := req.Params[3].AsString()

	key := model.Key{Group: group, Name: name}
	if err := d.resolver.SetLabel(layerName, key, model.Label(newLabel), caller); err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, nil
}

func (d *Dispatcher) handleCreateGroup(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, layerName, err := twoStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}
	if err := d.resolver.CreateGroup(layerName, group, caller); err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, nil
}

func (d *Dispatcher) handleRemoveGroup(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, layerName, err := twoStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}
	if err := d.resolver.RemoveGroup(layerName, group, caller); err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, nil
}

func (d *Dispatcher) handleGet(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, name, layerName, err := threeStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}
	declared := wire.TypeUnknown
	if len(req.Params) >= 4 {
		declared = wire.Type(req.Params[3].AsUint32())
	}

	key := model.Key{Group: group, Name: name, Layer: layerName, Type: declared}
	_, entry, err := d.resolver.GetValue(key, caller)
	if err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, []wire.Value{entry.Value}
}

func (d *Dispatcher) handleGetType(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, name, layerName, err := threeStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}

	key := model.Key{Group: group, Name: name, Layer: layerName}
	_, entry, err := d.resolver.GetValue(key, caller)
	if err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, []wire.Value{wire.Uint32(uint32(entry.Value.Type))}
}

// handleGetLabel reports a key's stored MAC label. It reuses the same
// stored-entry lookup GET uses, gated on read access only — there is
// no write-side check here, since reading a label is not the same
// privilege as changing one (that stays SetLabel's job).
func (d *Dispatcher) handleGetLabel(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, name, layerName, err := threeStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}

	key := model.Key{Group: group, Name: name}
	entry, err := d.resolver.GetValueForLayer(layerName, key, caller)
	if err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, []wire.Value{wire.String(string(entry.Label))}
}

func (d *Dispatcher) handleUnset(caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, name, layerName, err := threeStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}

	key := model.Key{Group: group, Name: name}
	if err := d.resolver.UnsetValue(layerName, key, caller); err != nil {
		return statusFor(err), nil
	}
	return wire.StatusOk, nil
}

func (d *Dispatcher) handleList(req wire.Frame) (wire.Status, []wire.Value) {
	if len(req.Params) < 1 {
		return wire.StatusInvalid, nil
	}
	layerName := req.Params[0].AsString()

	keys, err := d.resolver.ListKeys(layerName)
	if err != nil {
		return statusFor(err), nil
	}
	payload := make([]wire.Value, 0, len(keys))
	for _, k := range keys {
		payload = append(payload, wire.String(k.QualifiedName()))
	}
	return wire.StatusOk, payload
}

// handleNotify registers the session for key's notifications. Invariant
// 4 requires the key to already exist, with its current value captured
// to seed dedup — exactly what resolving through GetValue gives us, and
// the same call applies the READ gate, so an unreadable key reports
// NotFound rather than leaking its existence.
func (d *Dispatcher) handleNotify(sess *Session, caller layer.Caller, req wire.Frame) (wire.Status, []wire.Value) {
	group, name, err := twoStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}

	key := model.Key{Group: group, Name: name}
	_, entry, err := d.resolver.GetValue(key, caller)
	if err != nil {
		return statusFor(err), nil
	}

	d.notifier.Notify(sess.ID(), key.QualifiedName(), entry.Value)
	return wire.StatusOk, nil
}

func (d *Dispatcher) handleUnnotify(sess *Session, req wire.Frame) (wire.Status, []wire.Value) {
	group, name, err := twoStrings(req.Params)
	if err != nil {
		return wire.StatusInvalid, nil
	}
	key := model.Key{Group: group, Name: name}
	d.notifier.Unnotify(sess.ID(), key.QualifiedName())
	return wire.StatusOk, nil
}

func statusFor(err error) wire.Status {
	switch {
	case errors.Is(err, layer.ErrDenied):
		return wire.StatusDenied
	case errors.Is(err, layer.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, layer.ErrTypeMismatch):
		return wire.StatusTypeMismatch
	case errors.Is(err, layer.ErrInvalid), errors.Is(err, layer.ErrUnknownLayer):
		return wire.StatusInvalid
	default:
		return wire.StatusBackend
	}
}

func twoStrings(params []wire.Value) (a, b string, err error) {
	if len(params) < 2 {
		return "", "", fmt.Errorf("%w: need 2 string parameters, got %d", errBadRequest, len(params))
	}
	return params[0].AsString(), params[1].AsString(), nil
}

func threeStrings(params []wire.Value) (a, b, c string, err error) {
	if len(params) < 3 {
		return "", "", "", fmt.Errorf("%w: need 3 string parameters, got %d", errBadRequest, len(params))
	}
	return params[0].AsString(), params[1].AsString(), params[2].AsString(), nil
}
