package events

import (
	"context"
	"log"
	"sync"
)

// Type identifies a domain event kind.
type Type string

const (
	TypeRecordCreated Type = "record.created"
	TypeRecordUpdated Type = "record.updated"
	TypeRecordDeleted Type = "record.deleted"
	TypeFieldCreated  Type = "field.created"
	TypeFieldUpdated  Type = "field.updated"
	TypeFieldDeleted  Type = "field.deleted"
	TypeLinkChanged   Type = "link.changed"
)

// FieldRef names one (table, field) pair carried inside structural events.
type FieldRef struct {
	Table string `json:"table"`
	Field string `json:"field"`
}

// Event is implemented by every domain event.
type Event interface {
	EventType() Type
	BaseID() string
}

// RecordCreated fires after a record commit with its initial values.
type RecordCreated struct {
	Base           string
	Table          string
	Record         string
	Fields         []string // field IDs present in the initial write
	TransactionKey string
}

// RecordUpdated fires after a record value write commits.
type RecordUpdated struct {
	Base           string
	Table          string
	Record         string
	Changed        []string // field IDs whose values changed
	TransactionKey string
}

// RecordDeleted fires after a record is removed from the document store.
type RecordDeleted struct {
	Base           string
	Table          string
	Record         string
	TransactionKey string
}

// FieldCreated fires after a field definition commits.
type FieldCreated struct {
	Base           string
	Table          string
	Field          string
	TransactionKey string
}

// FieldUpdated fires after a field definition (including its reference set)
// changes.
type FieldUpdated struct {
	Base           string
	Table          string
	Field          string
	TransactionKey string
}

// FieldDeleted fires after a field definition is removed. Dependents is the
// set of fields that referenced the deleted field, captured before the edges
// were torn down so consumers do not race the graph update.
type FieldDeleted struct {
	Base           string
	Table          string
	Field          string
	Dependents     []FieldRef
	TransactionKey string
}

// LinkChanged fires when a record is linked or unlinked through a link field.
type LinkChanged struct {
	Base           string
	Table          string
	LinkField      string
	Record         string
	Added          []string // foreign record IDs newly linked
	Removed        []string // foreign record IDs unlinked
	TransactionKey string
}

func (e RecordCreated) EventType() Type { return TypeRecordCreated }
func (e RecordUpdated) EventType() Type { return TypeRecordUpdated }
func (e RecordDeleted) EventType() Type { return TypeRecordDeleted }
func (e FieldCreated) EventType() Type  { return TypeFieldCreated }
func (e FieldUpdated) EventType() Type  { return TypeFieldUpdated }
func (e FieldDeleted) EventType() Type  { return TypeFieldDeleted }
func (e LinkChanged) EventType() Type   { return TypeLinkChanged }

func (e RecordCreated) BaseID() string { return e.Base }
func (e RecordUpdated) BaseID() string { return e.Base }
func (e RecordDeleted) BaseID() string { return e.Base }
func (e FieldCreated) BaseID() string  { return e.Base }
func (e FieldUpdated) BaseID() string  { return e.Base }
func (e FieldDeleted) BaseID() string  { return e.Base }
func (e LinkChanged) BaseID() string   { return e.Base }

// Handler consumes one event. Handlers must not block; long work should be
// handed off to their own queues.
type Handler func(ctx context.Context, ev Event)

// Bus dispatches domain events to handlers. Handlers are held in an explicit
// ordered list per event type and invoked synchronously in registration
// order, so dispatch order is deterministic for a given startup sequence.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe appends a handler to the ordered list for the given event type.
// Subscriptions are expected to happen during startup, before Publish is
// called from request paths.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish invokes every handler registered for the event's type, in order.
// A panicking handler is recovered and logged so it cannot take down the
// committing request path; remaining handlers still run.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := b.handlers[ev.EventType()]
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("ERROR: event handler panic on %s: %v", ev.EventType(), r)
				}
			}()
			h(ctx, ev)
		}()
	}
}
