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

package sync

import (
	"errors"
	"testing"

	"github.com/modelwire/modelwire/internal/model"
)

func TestReferenceAssignmentMaintainsParentSet(t *testing.T) {
	scope, root := newTestScope(t)
	child := newChild(t, scope, "kid")

	mustSet(t, root, "m", child)

	if !child.HasParent(root, "m") {
		t.Fatal("expected parent entry (root, m) on child")
	}
	if child.ParentCount() != 1 {
		t.Fatalf("expected exactly one parent entry, got %d", child.ParentCount())
	}

	// re-assigning the same instance is a no-op
	mustSet(t, root, "m", child)
	if child.ParentCount() != 1 {
		t.Fatalf("no-op assignment must not duplicate the parent entry, got %d", child.ParentCount())
	}

	mustSet(t, root, "m", nil)
	if child.ParentCount() != 0 {
		t.Fatalf("expected zero parent entries after nulling, got %d", child.ParentCount())
	}
}

func TestReferenceAssignmentPropagatesScope(t *testing.T) {
	scope, root := newTestScope(t)

	child := newChild(t, scope, "kid")
	grandchild := newChild(t, scope, "grand")

	// mutate child before it is in scope
	if err := child.Set("label", "kid"); err != nil {
		t.Fatal(err)
	}

	mustSet(t, root, "m", child)
	mustSet(t, child, "label", "renamed")

	if child.Scope() != scope {
		t.Fatal("child did not inherit the root's scope")
	}
	if scope.Model(child.UUID()) != child {
		t.Fatal("child is not indexed in the scope")
	}

	// collection references propagate too
	kids := root.Get("kids").(*Collection)
	if err := kids.Push(grandchild); err != nil {
		t.Fatal(err)
	}
	if grandchild.Scope() != scope {
		t.Fatal("collection element did not inherit the scope")
	}
}

func TestCrossScopeReferenceFails(t *testing.T) {
	scopeOne, rootOne := newTestScope(t)
	registry := scopeOne.Registry()

	scopeTwo := NewScope(testLogger(), registry, "Other", nil)
	rootTwo := New(testLogger(), registry, registry.Type("TestModel"))
	rootTwo.SetScopeAndMakeRoot(scopeTwo)

	child := newChild(t, scopeOne, "kid")
	mustSet(t, rootOne, "m", child)

	err := rootTwo.Set("mTwo", child)
	if !errors.Is(err, ErrCrossScope) {
		t.Fatalf("expected ErrCrossScope, got %v", err)
	}
}

func TestScalarAssignmentCoercesAndSkipsNoOps(t *testing.T) {
	_, root := newTestScope(t)

	var changes int
	root.OnChange("number", func(obj *Object, key string, value, prev any) {
		changes++
	})

	mustSet(t, root, "number", "42")
	if got := root.Get("number"); got != int64(42) {
		t.Fatalf("expected coerced int64 42, got %v (%T)", got, got)
	}

	mustSet(t, root, "number", 42)
	if changes != 1 {
		t.Fatalf("equal-value assignment must not emit a change, got %d events", changes)
	}

	if err := root.Set("bogus", 1); !errors.Is(err, model.ErrUnknownProperty) {
		t.Fatalf("expected ErrUnknownProperty, got %v", err)
	}

	if err := root.Set("m", "not an object"); !errors.Is(err, model.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestTypeMismatchOnWrongInstanceType(t *testing.T) {
	scope, root := newTestScope(t)

	other := New(testLogger(), scope.Registry(), scope.Registry().Type("TestModel"))

	err := root.Set("m", other)
	if !errors.Is(err, model.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for wrong instance type, got %v", err)
	}
}

func TestDetachRemovesAllParents(t *testing.T) {
	scope, root := newTestScope(t)
	child := newChild(t, scope, "kid")

	mustSet(t, root, "m", child)
	mustSet(t, root, "mTwo", child)

	kids := root.Get("kids").(*Collection)
	if err := kids.Push(child); err != nil {
		t.Fatal(err)
	}

	if child.ParentCount() != 3 {
		t.Fatalf("expected three parent entries, got %d", child.ParentCount())
	}

	child.Detach()

	if child.ParentCount() != 0 {
		t.Fatalf("expected zero parent entries after detach, got %d", child.ParentCount())
	}
	if root.Get("m") != nil || root.Get("mTwo") != nil {
		t.Fatal("detach must null the single references")
	}
	if kids.Len() != 0 {
		t.Fatal("detach must remove the element from the collection")
	}
	if !scope.HasOrphans() {
		t.Fatal("detached child must be noted as an orphan")
	}
}

func TestInvalidListenerRegistrationIsIgnored(t *testing.T) {
	_, root := newTestScope(t)

	// unknown key and non-collection add listener; neither may panic
	root.OnChange("bogus", func(obj *Object, key string, value, prev any) {})
	root.OnAdd("number", func(obj *Object, key string, element any) {})

	mustSet(t, root, "number", 1)
}

func TestListenerPanicDoesNotAbortMutation(t *testing.T) {
	_, root := newTestScope(t)

	root.OnChange("number", func(obj *Object, key string, value, prev any) {
		panic("listener exploded")
	})

	mustSet(t, root, "number", 5)

	if got := root.Get("number"); got != int64(5) {
		t.Fatalf("mutation must survive a panicking listener, got %v", got)
	}
}

func TestUUIDsAreLowercased(t *testing.T) {
	registry := testRegistry(t)

	obj := NewWithUUID(testLogger(), registry, registry.Type("TestChild"), "6A9FB3B8-DB9C-4B4B-A342-D0EBFD7B80D9")
	if obj.UUID() != "6a9fb3b8-db9c-4b4b-a342-d0ebfd7b80d9" {
		t.Fatalf("uuid was not lowercased: %s", obj.UUID())
	}
}
