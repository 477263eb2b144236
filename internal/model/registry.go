/*
Copyright 2025 The Modelwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"fmt"
)

// BaseTypeName is the name of the implicit root of every registry's type DAG.
const BaseTypeName = "Model"

// Registry holds all declared types and enumerations of one model schema.
// Registries are not safe for concurrent mutation; declare the schema up
// front, then share it read-only.
type Registry struct {
	base  *Type
	types map[string]*Type
	enums map[string]*Enum
}

func NewRegistry() *Registry {
	base := newType(BaseTypeName, nil)

	return &Registry{
		base:  base,
		types: map[string]*Type{BaseTypeName: base},
		enums: map[string]*Enum{},
	}
}

// Base returns the root of the type DAG.
func (r *Registry) Base() *Type {
	return r.base
}

// DefineType registers a new type. An empty supertype name inherits from the
// registry base; otherwise the supertype must already be registered.
func (r *Registry) DefineType(name, supertype string) (*Type, error) {
	if _, exists := r.types[name]; exists {
		return nil, fmt.Errorf("type %q: %w", name, ErrDuplicateType)
	}

	super := r.base
	if supertype != "" {
		var ok bool
		super, ok = r.types[supertype]
		if !ok {
			return nil, fmt.Errorf("supertype %q of %q: %w", supertype, name, ErrUnknownType)
		}
	}

	t := newType(name, super)
	r.types[name] = t

	return t, nil
}

// DefineEnum registers an enumeration type.
func (r *Registry) DefineEnum(enum *Enum) error {
	if _, exists := r.enums[enum.Name]; exists {
		return fmt.Errorf("enumeration %q: %w", enum.Name, ErrDuplicateEnum)
	}

	r.enums[enum.Name] = enum

	return nil
}

// Type returns the registered type with the given name, or nil.
func (r *Registry) Type(name string) *Type {
	return r.types[name]
}

// Enum returns the registered enumeration with the given name, or nil.
func (r *Registry) Enum(name string) *Enum {
	return r.enums[name]
}

// ResolveReferenceTarget resolves a reference property's declared target type.
func (r *Registry) ResolveReferenceTarget(prop *Property) (*Type, error) {
	if prop.Kind != KindReference {
		return nil, fmt.Errorf("property %q is not a reference: %w", prop.Name, ErrTypeMismatch)
	}

	target := r.types[prop.TargetType]
	if target == nil {
		return nil, fmt.Errorf("target type %q of property %q: %w", prop.TargetType, prop.Name, ErrUnknownType)
	}

	return target, nil
}
