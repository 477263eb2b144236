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
	"errors"
	"testing"
)

func TestRegistryRejectsDuplicateTypes(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.DefineType("Thing", ""); err != nil {
		t.Fatalf("failed to define type: %v", err)
	}

	_, err := registry.DefineType("Thing", "")
	if !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("expected ErrDuplicateType, got %v", err)
	}
}

func TestRegistryRejectsUnknownSupertype(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.DefineType("Sub", "Missing")
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestInheritanceMergesAndPropagatesProperties(t *testing.T) {
	registry := NewRegistry()

	base, err := registry.DefineType("Base", "")
	if err != nil {
		t.Fatalf("failed to define Base: %v", err)
	}
	if err := base.DefineProperty(Property{Name: "first", Kind: KindString}); err != nil {
		t.Fatalf("failed to define property: %v", err)
	}

	sub, err := registry.DefineType("Sub", "Base")
	if err != nil {
		t.Fatalf("failed to define Sub: %v", err)
	}
	if err := sub.DefineProperty(Property{Name: "second", Kind: KindInt}); err != nil {
		t.Fatalf("failed to define property: %v", err)
	}

	// supertype properties come first, in declaration order
	props := sub.Properties()
	if len(props) != 2 || props[0].Name != "first" || props[1].Name != "second" {
		t.Fatalf("unexpected property order: %+v", props)
	}

	// later-added supertype properties propagate to existing subtypes
	if err := base.DefineProperty(Property{Name: "third", Kind: KindBool}); err != nil {
		t.Fatalf("failed to define late property: %v", err)
	}
	if sub.Property("third") == nil {
		t.Fatal("late supertype property did not propagate to subtype")
	}

	// duplicates are rejected wherever they land
	err = base.DefineProperty(Property{Name: "second", Kind: KindBool})
	if !errors.Is(err, ErrDuplicateProperty) {
		t.Fatalf("expected ErrDuplicateProperty, got %v", err)
	}
}

func TestSubtypeLookupWalksTheClosure(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.DefineType("Root", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.DefineType("Middle", "Root"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.DefineType("Leaf", "Middle"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.DefineType("Unrelated", ""); err != nil {
		t.Fatal(err)
	}

	root := registry.Type("Root")

	if found := root.SubtypeWithName("Leaf"); found == nil || found.Name != "Leaf" {
		t.Fatalf("expected to find Leaf from Root, got %v", found)
	}
	if found := root.SubtypeWithName("Unrelated"); found != nil {
		t.Fatalf("Unrelated must not be reachable from Root, got %v", found)
	}

	leaf := registry.Type("Leaf")
	if !leaf.IsSubtypeOf(root) {
		t.Fatal("Leaf must be a subtype of Root")
	}
	if root.IsSubtypeOf(leaf) {
		t.Fatal("Root must not be a subtype of Leaf")
	}
}

func TestProcedureDeclarations(t *testing.T) {
	registry := NewRegistry()

	typ, err := registry.DefineType("Thing", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := typ.DefineProcedure(Procedure{Name: "archive", Params: []string{"reason"}}); err != nil {
		t.Fatal(err)
	}
	if err := typ.DefineProcedure(Procedure{Name: "archive"}); err == nil {
		t.Fatal("re-declaring a procedure must fail")
	}

	proc := typ.Procedure("archive")
	if proc == nil || len(proc.Params) != 1 {
		t.Fatalf("unexpected procedure: %+v", proc)
	}
}

func TestEnumMembership(t *testing.T) {
	colors := NewStringEnum("Color", "red", "green")

	if _, err := colors.Coerce("red"); err != nil {
		t.Fatalf("member rejected: %v", err)
	}
	if _, err := colors.Coerce("blue"); !errors.Is(err, ErrEnumInvalid) {
		t.Fatalf("expected ErrEnumInvalid, got %v", err)
	}

	levels := NewIntEnum("Level", map[string]int64{"low": 1, "high": 2})

	value, err := levels.Coerce("high")
	if err != nil || value != int64(2) {
		t.Fatalf("expected 2, got %v (%v)", value, err)
	}
	if _, err := levels.Coerce(int64(3)); !errors.Is(err, ErrEnumInvalid) {
		t.Fatalf("expected ErrEnumInvalid, got %v", err)
	}
	if _, err := levels.Coerce(2); err != nil {
		t.Fatalf("int member rejected: %v", err)
	}
}
