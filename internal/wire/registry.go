// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"log/slog"
	"sync"
)

// Interface names a protocol interface, e.g. "wl_seat".
type Interface string

// Handler consumes events for one object. Handlers run on the
// connection's dispatch goroutine in receipt order and must not block.
type Handler interface {
	HandleEvent(message *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(message *Message) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(message *Message) error { return f(message) }

// NoDestroy marks an interface without a destructor request. Objects
// created with it are torn down purely by local bookkeeping.
const NoDestroy = -1

type objectState uint8

const (
	// stateLive: the object exists on both sides; events dispatch to
	// its handler.
	stateLive objectState = iota

	// stateRetiring: we sent the destructor (or abandoned the object
	// locally) and are waiting for the display to acknowledge with
	// delete_id. Events still arriving are expected and dropped.
	stateRetiring
)

// Object is one tracked protocol object.
type Object struct {
	id            ObjectID
	kind          Interface
	handler       Handler
	state         objectState
	destroyOpcode int
}

// ID returns the object's wire ID.
func (o *Object) ID() ObjectID { return o.id }

// Kind returns the object's interface name.
func (o *Object) Kind() Interface { return o.kind }

// Registry tracks every object ID the client knows about: the
// allocator for client-created objects, the ID-to-handler table for
// event dispatch, and the retirement bookkeeping that bridges the gap
// between sending a destructor and the display's delete_id
// acknowledgment. IDs are never reused within a connection.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  ObjectID
	objects map[ObjectID]*Object
}

// NewRegistry returns an empty registry whose allocator starts just
// past the display ID. The caller registers the display itself with
// Register(DisplayID, ...).
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		nextID:  DisplayID + 1,
		objects: make(map[ObjectID]*Object),
	}
}

// Create allocates the next client ID and tracks a live object with
// the given handler. destroyOpcode is the interface's destructor
// request, or NoDestroy.
func (r *Registry) Create(kind Interface, handler Handler, destroyOpcode int) (*Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nextID >= ServerIDBase {
		return nil, ErrIDExhausted
	}
	object := &Object{
		id:            r.nextID,
		kind:          kind,
		handler:       handler,
		destroyOpcode: destroyOpcode,
	}
	r.nextID++
	r.objects[object.id] = object
	return object, nil
}

// Register tracks an object whose ID was fixed elsewhere: the display
// singleton, or a server-created object announced in an event's
// new_id argument. If a server (out of spec) announces an ID inside
// the client range, the allocator is bumped past it so Create never
// collides.
func (r *Registry) Register(id ObjectID, kind Interface, handler Handler, destroyOpcode int) (*Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == 0 {
		return nil, fmt.Errorf("%w: cannot register the null object", ErrZeroObject)
	}
	if _, exists := r.objects[id]; exists {
		return nil, fmt.Errorf("%w: id %d (%s)", ErrObjectExists, id, kind)
	}
	if id >= r.nextID && id < ServerIDBase {
		r.nextID = id + 1
	}
	object := &Object{
		id:            id,
		kind:          kind,
		handler:       handler,
		destroyOpcode: destroyOpcode,
	}
	r.objects[id] = object
	return object, nil
}

// Dispatch routes an event to its object's handler. Events for
// unknown or retiring IDs are dropped: they are the normal tail of a
// destroy race, not errors. Dropped messages have their descriptors
// closed so nothing leaks.
func (r *Registry) Dispatch(message *Message) error {
	r.mu.Lock()
	object, known := r.objects[message.Object]
	r.mu.Unlock()

	if !known {
		r.logger.Debug("event for unknown object",
			"object", uint32(message.Object), "opcode", message.Opcode)
		message.CloseUnusedFDs()
		return nil
	}
	if object.state != stateLive || object.handler == nil {
		r.logger.Debug("event for retiring object",
			"object", uint32(message.Object), "interface", string(object.kind),
			"opcode", message.Opcode)
		message.CloseUnusedFDs()
		return nil
	}
	return object.handler.HandleEvent(message)
}

// Destroy sends the object's destructor (when it has one) and marks
// it retiring. The ID stays tracked until Release so that events
// already in flight resolve to "known, dropping" rather than
// "unknown". Idempotent: destroying a retiring object is a no-op.
func (r *Registry) Destroy(conn *Conn, object *Object) error {
	r.mu.Lock()
	if object.state != stateLive {
		r.mu.Unlock()
		return nil
	}
	object.state = stateRetiring
	destroyOpcode := object.destroyOpcode
	r.mu.Unlock()

	if destroyOpcode == NoDestroy {
		return nil
	}
	if err := conn.Send(NewMessage(object.id, uint16(destroyOpcode))); err != nil {
		return fmt.Errorf("destroying %s id %d: %w", object.kind, object.id, err)
	}
	return nil
}

// Release forgets an ID after the display's delete_id acknowledgment.
// The allocator still never hands the ID out again.
func (r *Registry) Release(id ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

// Abandon marks an object retiring without sending its destructor.
// Used when the peer revoked the object itself, so a destructor would
// be a protocol error on a dead ID.
func (r *Registry) Abandon(object *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if object.state == stateLive {
		object.state = stateRetiring
	}
}

// Lookup returns the tracked object for an ID, if any.
func (r *Registry) Lookup(id ObjectID) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	object, known := r.objects[id]
	return object, known
}

// Live reports whether the object is still live (not retiring).
func (r *Registry) Live(object *Object) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return object.state == stateLive
}
