package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/esrc-go/internal/reflector"
)

// UpcastFunc migrates a payload from one schema version to the next.
type UpcastFunc func(data json.RawMessage) (json.RawMessage, error)

type registryEntry struct {
	ctor    func() any
	version int
	upcasts map[int]UpcastFunc // keyed by from-version
}

// EventRegistry maps event type names to constructors so persisted events
// can be decoded, and holds upcaster chains for payload schema migration.
type EventRegistry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{entries: map[string]*registryEntry{}}
}

// Register registers an event constructor at schema version 1.
func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.RegisterVersion(eventType, 1, ctor)
}

// RegisterVersion registers an event constructor for the current schema
// version of eventType. Envelopes stored at older versions are upcast
// through the chain registered via Upcast before decoding.
func (r *EventRegistry) RegisterVersion(eventType string, version int, ctor func() any) {
	if version < 1 {
		version = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[eventType]
	if !ok {
		e = &registryEntry{upcasts: map[int]UpcastFunc{}}
		r.entries[eventType] = e
	}
	e.ctor = ctor
	e.version = version
}

// Upcast registers a migration from fromVersion to fromVersion+1.
func (r *EventRegistry) Upcast(eventType string, fromVersion int, fn UpcastFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[eventType]
	if !ok {
		e = &registryEntry{upcasts: map[int]UpcastFunc{}}
		r.entries[eventType] = e
	}
	e.upcasts[fromVersion] = fn
}

// SchemaVersion returns the registered schema version for eventType,
// or 1 if unknown.
func (r *EventRegistry) SchemaVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[eventType]; ok && e.version > 0 {
		return e.version
	}
	return 1
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[env.Type]
	r.mu.RUnlock()
	if !ok || e.ctor == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}

	data := env.Data
	v := env.EventVersion
	if v < 1 {
		v = 1
	}
	for v < e.version {
		fn, ok := e.upcasts[v]
		if !ok {
			return nil, fmt.Errorf("no upcaster for %s from schema version %d", env.Type, v)
		}
		var err error
		data, err = fn(data)
		if err != nil {
			return nil, fmt.Errorf("upcast %s v%d: %w", env.Type, v, err)
		}
		v++
	}

	ev := e.ctor()
	if data != nil {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

var _ Decoder = (*EventRegistry)(nil)

// Registrar is the registration surface aggregates use to declare their
// event types.
type Registrar interface {
	Register(eventType string, ctor func() any)
}

// Event returns a reflection-free constructor for an event of type T.
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEventFor registers the event type T under its derived type name.
func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any { return any(new(T)) })
}

// RegisterEvents registers event constructors. Each constructor is invoked
// once to derive the type name; future decodes call it again for fresh
// instances.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		r.Register(getEventTypeOf(sample), ctor)
	}
}

func getEventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}
