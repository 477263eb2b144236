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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/model"
	"github.com/modelwire/modelwire/internal/persist"
	"github.com/modelwire/modelwire/internal/runner"
	"github.com/modelwire/modelwire/internal/wire"
)

// DefaultChangeInterval is how long the scope coalesces local mutations
// before flushing them into a change-set.
const DefaultChangeInterval = 10 * time.Millisecond

// ChangesHandler observes flushed change-sets.
type ChangesHandler func(scope *Scope, changeSet *ChangeSet)

// Scope is the root-anchored index of all objects synchronized as one unit.
// It observes mutations of its objects, coalesces them into pending
// fragments, flushes them on the change timer, and applies remote fragments
// without producing outgoing fragments in response.
type Scope struct {
	log      *zap.SugaredLogger
	registry *model.Registry
	runner   *runner.Runner

	uuid string
	name string

	root   *Object
	models map[string]*Object

	pendingFragments map[string]*SyncFragment
	pendingOrder     []string

	removedModels map[string]*Object
	syncingModels map[string]*Object
	orphans       map[string]*Object

	applyingRemote bool
	poisoned       bool

	changeInterval time.Duration
	changeTimer    *runner.Timer
	sweepTimer     *runner.Timer

	store persist.Store

	onChanges []ChangesHandler
}

// NewScope creates a scope. The runner carries the change timer and deferred
// orphan sweeps; it must be the same runner the owning session runs on.
func NewScope(log *zap.SugaredLogger, registry *model.Registry, name string, rn *runner.Runner) *Scope {
	return &Scope{
		log:              log.With("scope", name),
		registry:         registry,
		runner:           rn,
		uuid:             uuid.NewString(),
		name:             name,
		models:           map[string]*Object{},
		pendingFragments: map[string]*SyncFragment{},
		removedModels:    map[string]*Object{},
		syncingModels:    map[string]*Object{},
		orphans:          map[string]*Object{},
		changeInterval:   DefaultChangeInterval,
	}
}

func (s *Scope) UUID() string              { return s.uuid }
func (s *Scope) Name() string              { return s.name }
func (s *Scope) Root() *Object             { return s.root }
func (s *Scope) Registry() *model.Registry { return s.registry }

// SetChangeInterval adjusts how long mutations coalesce before a flush.
func (s *Scope) SetChangeInterval(d time.Duration) {
	s.changeInterval = d
}

// SetPersistStore attaches the store consulted by fragment validation for
// references that are not part of the in-memory graph.
func (s *Scope) SetPersistStore(store persist.Store) {
	s.store = store
}

// PersistStore returns the attached store, or nil.
func (s *Scope) PersistStore() persist.Store {
	return s.store
}

// OnChanges subscribes to flushed change-sets.
func (s *Scope) OnChanges(handler ChangesHandler) {
	s.onChanges = append(s.onChanges, handler)
}

// Model returns the in-scope object with the given UUID, or nil.
func (s *Scope) Model(id string) *Object {
	return s.models[id]
}

// ModelCount returns the number of objects currently in scope.
func (s *Scope) ModelCount() int {
	return len(s.models)
}

// HasPendingChanges reports whether any fragment is waiting for a flush.
func (s *Scope) HasPendingChanges() bool {
	return len(s.pendingFragments) > 0
}

// HasOrphans reports whether any object is waiting for the orphan sweep.
func (s *Scope) HasOrphans() bool {
	return len(s.orphans) > 0
}

// ApplyingRemote reports whether the scope is inside a remote apply.
func (s *Scope) ApplyingRemote() bool {
	return s.applyingRemote
}

func (s *Scope) setRoot(obj *Object) {
	s.root = obj
}

func (s *Scope) checkPoisoned() {
	if s.poisoned {
		panic(fmt.Sprintf("scope %s has lost integrity and is poisoned", s.name))
	}
}

// addModel indexes an object that just entered the scope. Outside of remote
// applies, entering the scope produces the object's add fragment, once.
func (s *Scope) addModel(obj *Object) {
	s.checkPoisoned()

	s.models[obj.uuid] = obj
	obj.hook = s.onModelKeyChanged
	delete(s.removedModels, obj.uuid)
	delete(s.orphans, obj.uuid)

	if s.applyingRemote {
		return
	}

	if _, pending := s.pendingFragments[obj.uuid]; !pending {
		s.recordFragment(obj.uuid, NewAddFragment(obj))
	}
	s.armChangeTimer()
}

// removeModel drops an object from the scope, non-recursively.
func (s *Scope) removeModel(obj *Object) {
	delete(s.models, obj.uuid)
	s.removedModels[obj.uuid] = obj
	obj.hook = nil
	delete(s.orphans, obj.uuid)
	s.dropPendingFragment(obj.uuid)
}

// noteOrphan marks an object whose last parent was just removed. The object
// stays in scope until the orphan sweep runs; re-parenting before the sweep
// rescues it.
func (s *Scope) noteOrphan(obj *Object) {
	s.orphans[obj.uuid] = obj
	s.dropPendingFragment(obj.uuid)

	if s.applyingRemote {
		// the apply batch sweeps at its end
		return
	}

	s.scheduleOrphanSweep()
}

func (s *Scope) rescueOrphan(obj *Object) {
	delete(s.orphans, obj.uuid)
}

func (s *Scope) scheduleOrphanSweep() {
	if s.runner == nil || s.sweepTimer != nil {
		return
	}

	s.sweepTimer = s.runner.PostDelayed(0, func() {
		s.sweepTimer = nil
		s.SweepOrphans()
	})
}

// SweepOrphans removes every object that still has no parents and is not the
// scope root. Removal is non-recursive; children of a removed object that
// thereby lose their last parent are picked up by the same sweep.
func (s *Scope) SweepOrphans() {
	for len(s.orphans) > 0 {
		for id, obj := range s.orphans {
			delete(s.orphans, id)

			if obj.ParentCount() == 0 && !obj.isScopeRoot && obj.scope == s {
				obj.SetScope(nil, false)
			}
		}
	}
}

// onModelKeyChanged is the per-object observation hook: local mutations are
// coalesced into one pending fragment per object.
func (s *Scope) onModelKeyChanged(obj *Object, key string, value, prev any) {
	if s.applyingRemote {
		return
	}

	s.checkPoisoned()

	frag, ok := s.pendingFragments[obj.uuid]
	if !ok {
		frag = NewChangeFragment(obj.typ.Name, obj.uuid)
		s.recordFragment(obj.uuid, frag)
	}

	frag.UpdateValueFromModel(key, value, prev)
	s.armChangeTimer()
}

func (s *Scope) recordFragment(id string, frag *SyncFragment) {
	s.pendingFragments[id] = frag
	s.pendingOrder = append(s.pendingOrder, id)
}

func (s *Scope) dropPendingFragment(id string) {
	if _, ok := s.pendingFragments[id]; !ok {
		return
	}

	delete(s.pendingFragments, id)
	for i, pending := range s.pendingOrder {
		if pending == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

func (s *Scope) armChangeTimer() {
	if s.runner == nil || s.changeTimer != nil {
		return
	}

	s.changeTimer = s.runner.PostDelayed(s.changeInterval, func() {
		s.changeTimer = nil
		s.Flush()
	})
}

// Flush gathers the pending fragments into a change-set and hands it to the
// changes listeners. Empty change fragments are dropped. The change timer is
// not re-armed until new mutations arrive.
func (s *Scope) Flush() {
	s.checkPoisoned()
	s.SweepOrphans()

	if s.changeTimer != nil {
		s.changeTimer.Stop()
		s.changeTimer = nil
	}

	var fragments []*SyncFragment
	for _, id := range s.pendingOrder {
		frag, ok := s.pendingFragments[id]
		if !ok {
			continue
		}
		if frag.fragmentType == wire.FragmentChange && len(frag.properties) == 0 {
			continue
		}
		fragments = append(fragments, frag)
	}

	s.pendingFragments = map[string]*SyncFragment{}
	s.pendingOrder = nil
	s.removedModels = map[string]*Object{}

	if len(fragments) == 0 {
		return
	}

	changeSet := NewChangeSet(s, fragments, false)
	for _, handler := range s.onChanges {
		handler(s, changeSet)
	}
}

// withRemoteApply runs fn with outgoing fragment production suppressed.
// Nested remote applies keep the guard up until the outermost one unwinds.
func (s *Scope) withRemoteApply(fn func()) {
	was := s.applyingRemote
	s.applyingRemote = true
	defer func() { s.applyingRemote = was }()

	fn()
}

// getOrCreateModel reuses the in-scope object with the fragment's UUID or
// instantiates the subtype indicated by its class name. Unknown classes
// return nil.
func (s *Scope) getOrCreateModel(frag *SyncFragment) *Object {
	if existing, ok := s.models[frag.objectUUID]; ok {
		return existing
	}
	if existing, ok := s.syncingModels[frag.objectUUID]; ok {
		return existing
	}

	var typ *model.Type
	if s.root != nil {
		typ = s.root.typ.SubtypeWithName(frag.clsName)
	}
	if typ == nil {
		typ = s.registry.Type(frag.clsName)
	}
	if typ == nil {
		s.log.Warnw("Cannot create model for unknown class", "cls", frag.clsName, "uuid", frag.objectUUID)
		return nil
	}

	return NewWithUUID(s.log, s.registry, typ, frag.objectUUID)
}

// ApplySyncFragments applies a batch of remote fragments transactionally:
// first pass creates all added objects so forward references within the batch
// resolve, second pass assigns properties. Invalid fragments are skipped with
// a log entry; the batch continues. The whole batch runs in remote-apply mode
// and ends with an orphan sweep.
func (s *Scope) ApplySyncFragments(fragments []*SyncFragment, applyDefaults bool) {
	s.checkPoisoned()

	s.withRemoteApply(func() {
		for _, frag := range fragments {
			if frag.fragmentType != wire.FragmentAdd {
				continue
			}
			if obj := s.getOrCreateModel(frag); obj != nil {
				s.syncingModels[frag.objectUUID] = obj
			}
		}

		for _, frag := range fragments {
			if err := s.applyFragment(frag, applyDefaults); err != nil {
				s.log.Warnw("Skipping sync fragment", "uuid", frag.objectUUID, "cls", frag.clsName, zap.Error(err))
			}
		}

		s.syncingModels = map[string]*Object{}
		s.sweepAllOrphans()
	})

	s.verifyIntegrity()
}

// ApplySyncFragmentsWithRoot resets the scope onto a new authoritative state:
// the root takes the assigned UUID, every in-scope non-root object that
// reappears in the incoming fragments is detached (the apply reattaches it),
// then the batch is applied with defaults.
func (s *Scope) ApplySyncFragmentsWithRoot(rootUUID string, fragments []*SyncFragment) error {
	s.checkPoisoned()

	if s.root == nil {
		return fmt.Errorf("scope %s has no root to apply state to", s.name)
	}

	s.withRemoteApply(func() {
		delete(s.models, s.root.uuid)
		s.root.setUUID(rootUUID)
		s.models[s.root.uuid] = s.root

		incoming := map[string]struct{}{}
		for _, frag := range fragments {
			incoming[frag.objectUUID] = struct{}{}
		}

		for id, obj := range s.models {
			if obj == s.root {
				continue
			}
			if _, ok := incoming[id]; ok {
				obj.Detach()
			}
		}
	})

	s.ApplySyncFragments(fragments, true)

	return nil
}

func (s *Scope) applyFragment(frag *SyncFragment, applyDefaults bool) error {
	obj := s.models[frag.objectUUID]
	if obj == nil {
		obj = s.syncingModels[frag.objectUUID]
	}

	if obj == nil {
		if frag.fragmentType == wire.FragmentChange {
			// a change for an object we never saw; silently skip
			s.log.Debugw("Ignoring change for unknown model", "uuid", frag.objectUUID, "cls", frag.clsName)
			return nil
		}
		return fmt.Errorf("add fragment for unknown class %q: %w", frag.clsName, model.ErrUnknownType)
	}

	lookup := func(id string) bool {
		_, inModels := s.models[id]
		_, inSyncing := s.syncingModels[id]
		return inModels || inSyncing
	}

	if err := frag.VerifyPropertiesForType(obj.typ, lookup, s.store); err != nil {
		return err
	}

	values := frag.properties
	if frag.fragmentType == wire.FragmentAdd && applyDefaults {
		values = s.withDefaults(obj.typ, values)
	}

	// assign in declaration order for deterministic event sequences
	for _, prop := range obj.typ.Properties() {
		wireValue, ok := values[prop.Name]
		if !ok {
			continue
		}
		if err := s.applyWireValue(obj, prop, wireValue); err != nil {
			s.log.Warnw("Failed to apply property from fragment", "uuid", frag.objectUUID, "key", prop.Name, zap.Error(err))
		}
	}

	return nil
}

func (s *Scope) withDefaults(typ *model.Type, values map[string]any) map[string]any {
	merged := make(map[string]any, len(values))
	for k, v := range values {
		merged[k] = v
	}

	for _, prop := range typ.Properties() {
		if prop.Default == nil {
			continue
		}
		if _, present := merged[prop.Name]; !present {
			merged[prop.Name] = prop.Default
		}
	}

	return merged
}

// applyWireValue assigns one wire-encoded value through the object's normal
// set path, resolving reference UUIDs against the scope.
func (s *Scope) applyWireValue(obj *Object, prop *model.Property, wireValue any) error {
	if prop.Kind != model.KindReference {
		return obj.Set(prop.Name, wireValue)
	}

	if prop.Collection {
		if wireValue == nil {
			return obj.Set(prop.Name, nil)
		}

		array, ok := wireValue.([]any)
		if !ok {
			return fmt.Errorf("property %q expects an array of UUIDs: %w", prop.Name, model.ErrValueInvalid)
		}

		targets := make([]any, 0, len(array))
		for _, raw := range array {
			target := s.resolveRef(raw)
			if target == nil {
				return fmt.Errorf("property %q: %w", prop.Name, &RefNotFoundError{UUIDs: []string{fmt.Sprint(raw)}})
			}
			targets = append(targets, target)
		}

		return obj.Set(prop.Name, targets)
	}

	if wireValue == nil {
		return obj.Set(prop.Name, nil)
	}

	target := s.resolveRef(wireValue)
	if target == nil {
		return fmt.Errorf("property %q: %w", prop.Name, &RefNotFoundError{UUIDs: []string{fmt.Sprint(wireValue)}})
	}

	return obj.Set(prop.Name, target)
}

func (s *Scope) resolveRef(raw any) *Object {
	id, ok := raw.(string)
	if !ok {
		return nil
	}

	if obj, ok := s.models[id]; ok {
		return obj
	}

	return s.syncingModels[id]
}

// sweepAllOrphans removes every parentless non-root object at the end of an
// apply batch, whether or not it was noted as an orphan during the batch.
func (s *Scope) sweepAllOrphans() {
	for {
		var doomed []*Object
		for _, obj := range s.models {
			if obj.ParentCount() == 0 && !obj.isScopeRoot {
				doomed = append(doomed, obj)
			}
		}

		if len(doomed) == 0 {
			break
		}

		for _, obj := range doomed {
			obj.SetScope(nil, false)
		}
	}

	s.orphans = map[string]*Object{}
}

// verifyIntegrity poisons the scope if a post-apply sweep left it
// inconsistent. A poisoned scope fails fast on all further operations.
func (s *Scope) verifyIntegrity() {
	lost := false

	if s.root != nil && s.models[s.root.uuid] != s.root {
		lost = true
	}

	for id, obj := range s.models {
		if obj.scope != s || obj.uuid != id {
			lost = true
		}
	}

	if lost {
		s.poisoned = true
		panic(fmt.Sprintf("scope %s has lost integrity", s.name))
	}
}
