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

// Property describes one property of a model type. Descriptors are immutable
// once declared; a collection property holds a homogeneous ordered sequence
// of its kind, a reference property holds a nullable single reference.
type Property struct {
	Name       string
	Kind       Kind
	Collection bool
	Default    any

	// Enum is set for KindEnum properties.
	Enum *Enum

	// TargetType names the admissible instance type (or any of its subtypes)
	// for KindReference properties.
	TargetType string
}

// Procedure is a declared remote procedure on a type. Only the declaration is
// tracked; invocation is handled by the remote side.
type Procedure struct {
	Name   string
	Params []string
}

// Type is a registered model type. Its property set merges all supertype
// properties (in supertype declaration order) before its own additions.
type Type struct {
	Name string

	// Supertype is nil only for a registry's base type.
	Supertype *Type

	properties map[string]*Property
	order      []string
	procedures map[string]*Procedure
	children   []*Type
}

func newType(name string, super *Type) *Type {
	t := &Type{
		Name:       name,
		Supertype:  super,
		properties: map[string]*Property{},
		procedures: map[string]*Procedure{},
	}

	if super != nil {
		for _, key := range super.order {
			t.properties[key] = super.properties[key]
			t.order = append(t.order, key)
		}
		super.children = append(super.children, t)
	}

	return t
}

// DefineProperty declares a new property on this type and propagates it to
// all subtypes. Fails if the name is already taken anywhere it lands.
func (t *Type) DefineProperty(prop Property) error {
	if prop.Kind == KindInvalid {
		return fmt.Errorf("property %q of type %s: %w", prop.Name, t.Name, ErrValueInvalid)
	}
	if prop.Kind == KindReference && prop.TargetType == "" {
		return fmt.Errorf("reference property %q of type %s has no target type: %w", prop.Name, t.Name, ErrValueInvalid)
	}

	return t.addProperty(&prop)
}

func (t *Type) addProperty(prop *Property) error {
	if _, exists := t.properties[prop.Name]; exists {
		return fmt.Errorf("property %q on type %s: %w", prop.Name, t.Name, ErrDuplicateProperty)
	}

	t.properties[prop.Name] = prop
	t.order = append(t.order, prop.Name)

	for _, child := range t.children {
		if err := child.addProperty(prop); err != nil {
			return err
		}
	}

	return nil
}

// DefineProcedure declares a remote procedure on this type.
func (t *Type) DefineProcedure(proc Procedure) error {
	if _, exists := t.procedures[proc.Name]; exists {
		return fmt.Errorf("procedure %q on type %s already declared: %w", proc.Name, t.Name, ErrValueInvalid)
	}

	t.procedures[proc.Name] = &proc

	return nil
}

// Property returns the descriptor for the given name, or nil.
func (t *Type) Property(name string) *Property {
	return t.properties[name]
}

// Procedure returns the procedure declaration for the given name, or nil.
func (t *Type) Procedure(name string) *Procedure {
	return t.procedures[name]
}

// Properties returns all property descriptors in stable declaration order,
// supertype properties first.
func (t *Type) Properties() []*Property {
	result := make([]*Property, 0, len(t.order))
	for _, key := range t.order {
		result = append(result, t.properties[key])
	}

	return result
}

// IsSubtypeOf reports whether t is other or a (transitive) subtype of it.
func (t *Type) IsSubtypeOf(other *Type) bool {
	for cur := t; cur != nil; cur = cur.Supertype {
		if cur == other {
			return true
		}
	}

	return false
}

// SubtypeWithName walks the subtype closure of t (t included) and returns the
// first type with a matching name, or nil.
func (t *Type) SubtypeWithName(name string) *Type {
	if t.Name == name {
		return t
	}

	for _, child := range t.children {
		if found := child.SubtypeWithName(name); found != nil {
			return found
		}
	}

	return nil
}
