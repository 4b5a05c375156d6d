package serialization

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps wire-level type names to factories for the concrete
// types they decode into. Registrations accumulate for the lifetime of the
// registry and are safe for concurrent use, so a registry is deliberately
// shared between a formatter and its clones.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() interface{}
	names     map[reflect.Type]string
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]func() interface{}),
		names:     make(map[reflect.Type]string),
	}
}

// Register registers prototype's type under an explicit name.
func (r *TypeRegistry) Register(name string, prototype interface{}) error {
	if name == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if prototype == nil {
		return fmt.Errorf("prototype cannot be nil")
	}

	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("prototype must be a struct, got %v", t.Kind())
	}

	factory := func() interface{} {
		return reflect.New(t).Interface()
	}

	return r.register(name, t, factory)
}

// RegisterType registers prototype's type under its bare struct name,
// which is also the default envelope descriptor for that type.
func (r *TypeRegistry) RegisterType(prototype interface{}) error {
	name := TypeNameOf(prototype)
	if name == "" {
		return fmt.Errorf("cannot determine type name for %T", prototype)
	}
	return r.Register(name, prototype)
}

// RegisterFactory registers an explicit factory for a type name. The
// factory must return a pointer to a fresh zero value; decoding picks the
// factory for the payload's discriminator, so no reflection is involved on
// the read path.
func (r *TypeRegistry) RegisterFactory(name string, factory func() interface{}) error {
	if name == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	probe := factory()
	if probe == nil {
		return fmt.Errorf("factory for %s returned nil", name)
	}
	t := reflect.TypeOf(probe)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return r.register(name, t, factory)
}

func (r *TypeRegistry) register(name string, t reflect.Type, factory func() interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingName, exists := r.names[t]; exists && existingName == name {
		// Same type, same name: ignore
		return nil
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("type name %s already registered", name)
	}

	r.factories[name] = factory
	r.names[t] = name
	return nil
}

// New creates a fresh instance of the type registered under name.
func (r *TypeRegistry) New(name string) (interface{}, bool) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return factory(), true
}

// TypeName returns the registered name for v's type.
func (r *TypeRegistry) TypeName(v interface{}) (string, error) {
	if v == nil {
		return "", fmt.Errorf("value cannot be nil")
	}

	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[t]
	if !ok {
		return "", fmt.Errorf("type %v not registered", t)
	}
	return name, nil
}

// IsRegistered reports whether a type name has a registration.
func (r *TypeRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[name]
	return ok
}

// Types returns all registered type names.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
