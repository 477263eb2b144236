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
	"testing"

	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/model"
)

// testRegistry builds the schema shared by the package tests:
//
//	TestModel{number Int, numberTwo Int, string String, when Time,
//	          m Ref(TestChild), mTwo Ref(TestChild), kids RefList(TestChild)}
//	TestChild{label String, tags StringList}
func testRegistry(t *testing.T) *model.Registry {
	t.Helper()

	registry := model.NewRegistry()

	parent, err := registry.DefineType("TestModel", "")
	if err != nil {
		t.Fatal(err)
	}

	child, err := registry.DefineType("TestChild", "")
	if err != nil {
		t.Fatal(err)
	}

	parentProps := []model.Property{
		{Name: "number", Kind: model.KindInt},
		{Name: "numberTwo", Kind: model.KindInt},
		{Name: "string", Kind: model.KindString},
		{Name: "when", Kind: model.KindTime},
		{Name: "m", Kind: model.KindReference, TargetType: "TestChild"},
		{Name: "mTwo", Kind: model.KindReference, TargetType: "TestChild"},
		{Name: "kids", Kind: model.KindReference, TargetType: "TestChild", Collection: true},
	}
	for _, prop := range parentProps {
		if err := parent.DefineProperty(prop); err != nil {
			t.Fatal(err)
		}
	}

	childProps := []model.Property{
		{Name: "label", Kind: model.KindString},
		{Name: "tags", Kind: model.KindString, Collection: true},
	}
	for _, prop := range childProps {
		if err := child.DefineProperty(prop); err != nil {
			t.Fatal(err)
		}
	}

	return registry
}

// wireDefaultProp is a property carrying a declared default, used by the
// apply-defaults tests.
func wireDefaultProp() model.Property {
	return model.Property{Name: "count", Kind: model.KindInt, Default: int64(11)}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestScope builds a scope with a TestModel root and drains the initial
// add fragment so tests observe only their own mutations. The scope has no
// runner; flushes are driven manually.
func newTestScope(t *testing.T) (*Scope, *Object) {
	t.Helper()

	registry := testRegistry(t)
	scope := NewScope(testLogger(), registry, "Test", nil)

	root := New(testLogger(), registry, registry.Type("TestModel"))
	root.SetScopeAndMakeRoot(scope)
	scope.Flush()

	return scope, root
}

func newChild(t *testing.T, scope *Scope, label string) *Object {
	t.Helper()

	child := New(testLogger(), scope.Registry(), scope.Registry().Type("TestChild"))
	if err := child.Set("label", label); err != nil {
		t.Fatal(err)
	}

	return child
}

// captureChanges collects every change-set the scope flushes.
func captureChanges(scope *Scope) *[]*ChangeSet {
	var sets []*ChangeSet
	scope.OnChanges(func(_ *Scope, cs *ChangeSet) {
		sets = append(sets, cs)
	})

	return &sets
}

// mustSet fails the test on a set error.
func mustSet(t *testing.T, obj *Object, key string, value any) {
	t.Helper()

	if err := obj.Set(key, value); err != nil {
		t.Fatalf("failed to set %s: %v", key, err)
	}
}

// flushChangeSet runs one flush and returns the single produced change-set.
func flushChangeSet(t *testing.T, scope *Scope, sets *[]*ChangeSet) *ChangeSet {
	t.Helper()

	before := len(*sets)
	scope.Flush()

	if len(*sets) != before+1 {
		t.Fatalf("expected exactly one change-set from flush, got %d", len(*sets)-before)
	}

	return (*sets)[len(*sets)-1]
}
