// File: control/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with typed variables and listener support.

package control

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// settable is the type-erased registry view of a Var.
type settable interface {
	Name() string
	Description() string
	setFromAny(raw any) error
}

var registry = struct {
	mu   sync.RWMutex
	vars map[string]settable
}{vars: make(map[string]settable)}

// Var is a typed configuration variable with change listeners.
type Var[T any] struct {
	name string
	desc string

	mu        sync.RWMutex
	val       T
	listeners map[uint64]func(oldVal, newVal T)
	nextKey   uint64
}

// Lookup returns the variable registered under name, creating it with the
// given default if absent. Registering the same name with a different type
// panics: that is a programming error, not a runtime condition.
func Lookup[T any](name string, def T, desc string) *Var[T] {
	if !validName(name) {
		panic(fmt.Sprintf("control: invalid config name %q", name))
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if existing, ok := registry.vars[name]; ok {
		v, ok := existing.(*Var[T])
		if !ok {
			panic(fmt.Sprintf("control: config %q already registered with a different type", name))
		}
		return v
	}
	v := &Var[T]{
		name:      name,
		desc:      desc,
		val:       def,
		listeners: make(map[uint64]func(T, T)),
	}
	registry.vars[name] = v
	return v
}

// LookupRaw returns the registered variable for name, if any.
func LookupRaw(name string) (any, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	v, ok := registry.vars[name]
	return v, ok
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}

// Name returns the variable's registry key.
func (v *Var[T]) Name() string { return v.name }

// Description returns the human-readable description.
func (v *Var[T]) Description() string { return v.desc }

// Value returns the current value.
func (v *Var[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val
}

// SetValue notifies listeners with (old, new) and then commits the new value.
// Listeners run before the store is updated, so a listener that reads the
// variable still observes the prior value; the stored value is updated after
// all listeners have returned.
func (v *Var[T]) SetValue(newVal T) {
	v.mu.RLock()
	oldVal := v.val
	cbs := make([]func(T, T), 0, len(v.listeners))
	for _, cb := range v.listeners {
		cbs = append(cbs, cb)
	}
	v.mu.RUnlock()

	for _, cb := range cbs {
		cb(oldVal, newVal)
	}

	v.mu.Lock()
	v.val = newVal
	v.mu.Unlock()
}

// AddListener registers a change callback and returns its key.
func (v *Var[T]) AddListener(cb func(oldVal, newVal T)) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextKey++
	key := v.nextKey
	v.listeners[key] = cb
	return key
}

// DelListener removes a previously registered callback.
func (v *Var[T]) DelListener(key uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.listeners, key)
}

// setFromAny decodes a loosely typed value (as produced by the YAML loader)
// into T by round-tripping through the YAML codec.
func (v *Var[T]) setFromAny(raw any) error {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("control: encode %q: %w", v.name, err)
	}
	var decoded T
	if err := yaml.Unmarshal(buf, &decoded); err != nil {
		return fmt.Errorf("control: decode %q: %w", v.name, err)
	}
	v.SetValue(decoded)
	return nil
}
