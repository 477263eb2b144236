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
)

func TestSupersetRebase(t *testing.T) {
	scope, root := newTestScope(t)
	sets := captureChanges(scope)
	seedValues(t, scope, root, sets)

	queue := NewChangeSetQueue()

	mustSet(t, root, "number", 2)
	mustSet(t, root, "numberTwo", 20)
	mustSet(t, root, "string", "two")
	cs1 := flushChangeSet(t, scope, sets)

	mustSet(t, root, "number", 3)
	mustSet(t, root, "numberTwo", 30)
	cs2 := flushChangeSet(t, scope, sets)

	mustSet(t, root, "number", 4)
	cs3 := flushChangeSet(t, scope, sets)

	for _, cs := range []*ChangeSet{cs1, cs2, cs3} {
		if err := queue.AddChangeSet(cs); err != nil {
			t.Fatal(err)
		}
	}

	cs1.RevertOnScope(scope)
	cs2.RevertOnScope(scope)
	cs3.RevertOnScope(scope)

	if got := root.Get("number"); got != int64(1) {
		t.Fatalf("number must restore the pre-queue baseline, got %v", got)
	}
	if got := root.Get("numberTwo"); got != int64(10) {
		t.Fatalf("numberTwo must restore the pre-queue baseline, got %v", got)
	}
	if got := root.Get("string"); got != "one" {
		t.Fatalf("string must restore the pre-queue baseline, got %v", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
}

// After a revert with rebase, the successor's touches equal what they would
// have been had its fragments been recorded against the pre-queue baseline.
func TestRebaseAdoptsEarliestPriorValues(t *testing.T) {
	scope, root := newTestScope(t)
	sets := captureChanges(scope)
	seedValues(t, scope, root, sets)

	queue := NewChangeSetQueue()

	mustSet(t, root, "number", 2)
	cs1 := flushChangeSet(t, scope, sets)

	mustSet(t, root, "number", 3)
	cs2 := flushChangeSet(t, scope, sets)

	if err := queue.AddChangeSet(cs1); err != nil {
		t.Fatal(err)
	}
	if err := queue.AddChangeSet(cs2); err != nil {
		t.Fatal(err)
	}

	// before the rebase, cs2 recorded the intermediate value
	if prior, ok := cs2.TouchedValue(root.UUID(), "number"); !ok || prior != int64(2) {
		t.Fatalf("expected recorded prior 2, got %v (%v)", prior, ok)
	}

	cs1.RevertOnScope(scope)

	if prior, ok := cs2.TouchedValue(root.UUID(), "number"); !ok || prior != int64(1) {
		t.Fatalf("expected rebased prior 1, got %v (%v)", prior, ok)
	}
}

func TestDuplicateEnqueueFails(t *testing.T) {
	scope, root := newTestScope(t)
	sets := captureChanges(scope)
	seedValues(t, scope, root, sets)

	queue := NewChangeSetQueue()

	mustSet(t, root, "number", 2)
	cs := flushChangeSet(t, scope, sets)

	if err := queue.AddChangeSet(cs); err != nil {
		t.Fatal(err)
	}
	if err := queue.AddChangeSet(cs); !errors.Is(err, ErrDuplicateChangeSet) {
		t.Fatalf("expected ErrDuplicateChangeSet, got %v", err)
	}
}

func TestQueueNotifications(t *testing.T) {
	scope, root := newTestScope(t)
	sets := captureChanges(scope)
	seedValues(t, scope, root, sets)

	queue := NewChangeSetQueue()

	var added, removed int
	queue.OnAdded(func(*ChangeSet) { added++ })
	queue.OnRemoved(func(*ChangeSet) { removed++ })

	var states []ChangeSetState
	queue.OnStateChanged(func(_ *ChangeSet, state ChangeSetState) {
		states = append(states, state)
	})

	mustSet(t, root, "number", 2)
	cs := flushChangeSet(t, scope, sets)

	if err := queue.AddChangeSet(cs); err != nil {
		t.Fatal(err)
	}
	cs.RevertOnScope(scope)

	if added != 1 || removed != 1 {
		t.Fatalf("expected one add and one remove, got %d/%d", added, removed)
	}
	if len(states) != 1 || states[0] != ChangeSetReverted {
		t.Fatalf("unexpected state notifications: %v", states)
	}
}
