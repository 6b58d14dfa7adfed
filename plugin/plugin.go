// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package plugin provides a static, name-keyed registry of SUT and
// Framework implementations. The original implementation discovers
// plugins by importing every module in a directory at runtime; Kirk is
// compiled, so implementations register themselves from an init() in
// their own package instead, and the registry just exposes the same
// name-keyed lookup and help map the CLI needs for autodiscovery and
// `--sut help` / `--framework help`.
package plugin

import (
	"fmt"
	"sort"
)

// Descriptor is what a registered implementation contributes to
// `--sut help` / `--framework help`: its name and a flat map of
// supported config keys to a one-line description of each.
type Descriptor struct {
	Name string
	Help map[string]string
}

// Registry is a capability-specific set of named factories, e.g. one
// Registry for SUT implementations and one for Framework implementations.
// The zero value is not usable; construct with NewRegistry.
type Registry[T any] struct {
	capability string
	factories  map[string]func(config map[string]string) (T, error)
	help       map[string]map[string]string
}

// NewRegistry creates an empty Registry for the named capability
// ("sut", "framework", ...), used only in panic/error messages.
func NewRegistry[T any](capability string) *Registry[T] {
	return &Registry[T]{
		capability: capability,
		factories:  make(map[string]func(config map[string]string) (T, error)),
		help:       make(map[string]map[string]string),
	}
}

// Register adds a named factory to the registry. Called from an init()
// in the implementing package, exactly as kola/register.Register is.
// Panics on a duplicate name: per §7, duplicate plugin names fail
// startup, and here "startup" is package initialization.
func (r *Registry[T]) Register(name string, help map[string]string, factory func(config map[string]string) (T, error)) {
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("plugin: %s %q already registered", r.capability, name))
	}
	r.factories[name] = factory
	r.help[name] = help
}

// New constructs the named implementation with the given config. Returns
// an error (not a panic) for unknown names, since this path is reached
// from user-supplied CLI flags rather than static registration.
func (r *Registry[T]) New(name string, config map[string]string) (T, error) {
	factory, ok := r.factories[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("plugin: unknown %s %q (known: %v)", r.capability, name, r.Names())
	}
	return factory(config)
}

// Merge copies every factory and help entry from others into r. Used by
// cmd/kirk to combine each transport/framework package's own Registry
// into the single registry the CLI's --sut/--framework flags dispatch
// against, mirroring how the original implementation's plugin.discover
// scans one directory into one flat list of loaded plugins.
func (r *Registry[T]) Merge(others ...*Registry[T]) {
	for _, other := range others {
		for name, factory := range other.factories {
			r.Register(name, other.help[name], factory)
		}
	}
}

// Names returns every registered name in sorted order.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the Descriptor for every registered implementation,
// sorted by name, used to print `--sut help` / `--framework help` text.
func (r *Registry[T]) Describe() []Descriptor {
	names := r.Names()
	descs := make([]Descriptor, len(names))
	for i, name := range names {
		descs[i] = Descriptor{Name: name, Help: r.help[name]}
	}
	return descs
}
