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
	"fmt"

	"github.com/modelwire/modelwire/internal/wire"
)

// ChangeSetState is the change-set's reconciliation state.
type ChangeSetState uint8

const (
	ChangeSetSyncing ChangeSetState = iota
	ChangeSetCompleted
	ChangeSetReverted
	ChangeSetPartiallyReverted
)

func (s ChangeSetState) String() string {
	switch s {
	case ChangeSetSyncing:
		return "syncing"
	case ChangeSetCompleted:
		return "completed"
	case ChangeSetReverted:
		return "reverted"
	case ChangeSetPartiallyReverted:
		return "partially-reverted"
	default:
		return "unknown"
	}
}

// StateChangeCallback observes change-set state transitions.
type StateChangeCallback func(cs *ChangeSet, state ChangeSetState)

// touch records the pre-mutation values of one object, keyed by property
// name. The object reference is retained so revert can bypass scope lookup.
type touch struct {
	object     *Object
	properties map[string]any
}

// ChangeSet is one flush's worth of fragments, tracked as a unit from
// dispatch until the authority's verdicts resolve it.
type ChangeSet struct {
	scope     *Scope
	fragments []*SyncFragment
	atomic    bool
	state     ChangeSetState

	// touches is seeded from change fragments only; add fragments have no
	// prior state to restore.
	touches map[string]*touch

	queue *ChangeSetQueue

	onStateChanged []StateChangeCallback
	onComplete     []func(cs *ChangeSet)
	onError        []func(cs *ChangeSet)
}

// NewChangeSet captures the fragments and seeds the touches map with each
// change fragment's recorded pre-mutation values.
func NewChangeSet(scope *Scope, fragments []*SyncFragment, atomic bool) *ChangeSet {
	cs := &ChangeSet{
		scope:     scope,
		fragments: fragments,
		atomic:    atomic,
		state:     ChangeSetSyncing,
		touches:   map[string]*touch{},
	}

	for _, frag := range fragments {
		if frag.fragmentType != wire.FragmentChange {
			continue
		}

		obj := scope.Model(frag.objectUUID)
		if obj == nil {
			continue
		}

		t, ok := cs.touches[frag.objectUUID]
		if !ok {
			t = &touch{object: obj, properties: map[string]any{}}
			cs.touches[frag.objectUUID] = t
		}

		for key := range frag.properties {
			t.properties[key] = frag.originalProperties[key]
		}
	}

	return cs
}

func (cs *ChangeSet) Scope() *Scope              { return cs.scope }
func (cs *ChangeSet) Fragments() []*SyncFragment { return cs.fragments }
func (cs *ChangeSet) Atomic() bool               { return cs.atomic }
func (cs *ChangeSet) State() ChangeSetState      { return cs.state }

// TouchedValue returns the recorded prior value for (object, key) and whether
// the change-set touches it at all.
func (cs *ChangeSet) TouchedValue(objectUUID, key string) (any, bool) {
	t, ok := cs.touches[objectUUID]
	if !ok {
		return nil, false
	}

	value, ok := t.properties[key]

	return value, ok
}

// WireFragments converts the fragments for transmission.
func (cs *ChangeSet) WireFragments() []wire.Fragment {
	result := make([]wire.Fragment, 0, len(cs.fragments))
	for _, frag := range cs.fragments {
		result = append(result, frag.Wire())
	}

	return result
}

// OnStateChanged subscribes to state transitions.
func (cs *ChangeSet) OnStateChanged(cb StateChangeCallback) {
	cs.onStateChanged = append(cs.onStateChanged, cb)
}

// OnComplete subscribes to successful resolution.
func (cs *ChangeSet) OnComplete(cb func(cs *ChangeSet)) {
	cs.onComplete = append(cs.onComplete, cb)
}

// OnError subscribes to full or partial reverts.
func (cs *ChangeSet) OnError(cb func(cs *ChangeSet)) {
	cs.onError = append(cs.onError, cb)
}

func (cs *ChangeSet) setState(state ChangeSetState) {
	if cs.state == state {
		return
	}

	cs.state = state
	for _, cb := range cs.onStateChanged {
		cb(cs, state)
	}
}

// RevertOnScope writes every touched prior value back to its object, except
// where a later change-set in the same queue also touches the same
// (object, key); there the later set carries the authoritative prior value.
func (cs *ChangeSet) RevertOnScope(scope *Scope) {
	scope.withRemoteApply(func() {
		for id, t := range cs.touches {
			for key, prior := range t.properties {
				cs.updateValueOnModel(scope, id, t.object, key, prior)
			}
		}
	})

	cs.setState(ChangeSetReverted)
	for _, cb := range cs.onError {
		cb(cs)
	}
}

// updateValueOnModel restores one prior value unless a later queued
// change-set supersedes it.
func (cs *ChangeSet) updateValueOnModel(scope *Scope, objectUUID string, obj *Object, key string, prior any) {
	if cs.queue != nil && cs.queue.touchedByLaterChangeSet(cs, objectUUID, key) {
		return
	}

	cs.writeValue(scope, obj, key, prior)
}

// writeValue pushes a wire-encoded value onto the object, resolving
// references through the scope.
func (cs *ChangeSet) writeValue(scope *Scope, obj *Object, key string, value any) {
	prop := obj.Type().Property(key)
	if prop == nil {
		return
	}

	if err := scope.applyWireValue(obj, prop, value); err != nil {
		scope.log.Warnw("Failed to restore value", "uuid", obj.UUID(), "key", key, "error", err)
	}
}

// ApplyFragmentReplies reconciles the authority's verdicts with the
// change-set: rejected change fragments restore their touched prior values,
// modification maps are written unconditionally, and the final state reflects
// the verdict mixture.
func (cs *ChangeSet) ApplyFragmentReplies(replies []wire.FragmentReply, scope *Scope) error {
	if len(replies) != len(cs.fragments) {
		cs.RevertOnScope(scope)
		return fmt.Errorf("%d replies for %d fragments: %w", len(replies), len(cs.fragments), ErrFragmentMismatch)
	}

	accepted := 0

	scope.withRemoteApply(func() {
		for i, reply := range replies {
			frag := cs.fragments[i]

			if reply.Accepted {
				accepted++
			} else if frag.fragmentType == wire.FragmentChange {
				if t, ok := cs.touches[frag.objectUUID]; ok {
					for key := range frag.properties {
						if prior, touched := t.properties[key]; touched {
							cs.updateValueOnModel(scope, frag.objectUUID, t.object, key, prior)
						}
					}
				}
			}

			if len(reply.Modifications) > 0 {
				// modifications write unconditionally, without consulting
				// later change-sets
				if obj := cs.objectFor(scope, frag.objectUUID); obj != nil {
					for key, value := range reply.Modifications {
						cs.writeValue(scope, obj, key, value)
					}
				}
			}
		}
	})

	switch {
	case accepted == len(replies):
		cs.setState(ChangeSetCompleted)
		for _, cb := range cs.onComplete {
			cb(cs)
		}
	case accepted == 0:
		cs.setState(ChangeSetReverted)
		for _, cb := range cs.onError {
			cb(cs)
		}
	default:
		cs.setState(ChangeSetPartiallyReverted)
		for _, cb := range cs.onError {
			cb(cs)
		}
	}

	return nil
}

func (cs *ChangeSet) objectFor(scope *Scope, objectUUID string) *Object {
	if t, ok := cs.touches[objectUUID]; ok {
		return t.object
	}

	return scope.Model(objectUUID)
}

// RebaseOnChangeSet absorbs the earlier change-set's prior values: for every
// (object, key) both sets touch, this set adopts the other's recorded value,
// so that a later revert of this set restores the baseline that preceded the
// entire queue prefix.
func (cs *ChangeSet) RebaseOnChangeSet(other *ChangeSet) {
	for id, t := range cs.touches {
		otherTouch, ok := other.touches[id]
		if !ok {
			continue
		}

		for key := range t.properties {
			if value, ok := otherTouch.properties[key]; ok {
				t.properties[key] = value
			}
		}
	}
}
