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
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/model"
)

// ChangeCallback observes effective mutations of one property.
type ChangeCallback func(obj *Object, key string, value, prev any)

// ElementCallback observes element additions/removals on collection
// properties.
type ElementCallback func(obj *Object, key string, element any)

// keyChangeHook is the scope's observation slot; exactly one per object.
type keyChangeHook func(obj *Object, key string, value, prev any)

type parentEntry struct {
	parent *Object
	key    string
}

// Object is one instance of a registered model type. All mutation goes
// through Set or a collection mutator; those are the only places where the
// parent set and scope membership invariants are maintained.
type Object struct {
	log      *zap.SugaredLogger
	registry *model.Registry
	typ      *model.Type

	uuid        string
	scope       *Scope
	isScopeRoot bool

	values  map[string]any
	parents []parentEntry

	hook            keyChangeHook
	changeListeners map[string][]ChangeCallback
	addListeners    map[string][]ElementCallback
	removeListeners map[string][]ElementCallback
}

// New creates an instance with a fresh UUID.
func New(log *zap.SugaredLogger, registry *model.Registry, typ *model.Type) *Object {
	return NewWithUUID(log, registry, typ, uuid.NewString())
}

// NewWithUUID creates an instance with the given identity; the UUID is
// lowercased.
func NewWithUUID(log *zap.SugaredLogger, registry *model.Registry, typ *model.Type, id string) *Object {
	return &Object{
		log:             log,
		registry:        registry,
		typ:             typ,
		uuid:            strings.ToLower(id),
		values:          map[string]any{},
		changeListeners: map[string][]ChangeCallback{},
		addListeners:    map[string][]ElementCallback{},
		removeListeners: map[string][]ElementCallback{},
	}
}

func (o *Object) UUID() string      { return o.uuid }
func (o *Object) Type() *model.Type { return o.typ }
func (o *Object) Scope() *Scope     { return o.scope }
func (o *Object) IsScopeRoot() bool { return o.isScopeRoot }

// setUUID is used by the scope when the authority reassigns the root identity.
func (o *Object) setUUID(id string) {
	o.uuid = strings.ToLower(id)
}

// ParentCount returns the number of (parent, key) references to this object.
func (o *Object) ParentCount() int {
	return len(o.parents)
}

// HasParent reports whether the given (parent, key) reference exists.
func (o *Object) HasParent(parent *Object, key string) bool {
	return slices.Contains(o.parents, parentEntry{parent: parent, key: key})
}

// Get returns the current value of a property: the canonical scalar, the
// referenced Object (or nil), or the Collection handle for collection
// properties. Unknown keys return nil.
func (o *Object) Get(key string) any {
	prop := o.typ.Property(key)
	if prop == nil {
		return nil
	}

	if prop.Collection {
		return o.collectionFor(prop)
	}

	return o.values[key]
}

// collectionFor lazily creates the Collection handle owned by this object.
func (o *Object) collectionFor(prop *model.Property) *Collection {
	if existing, ok := o.values[prop.Name].(*Collection); ok {
		return existing
	}

	coll := &Collection{owner: o, prop: prop}
	o.values[prop.Name] = coll

	return coll
}

// Set validates, coerces and assigns a property value. Assignments that do
// not change the value are no-ops; every effective mutation notifies the
// change listeners and the owning scope synchronously.
func (o *Object) Set(key string, value any) error {
	prop := o.typ.Property(key)
	if prop == nil {
		return fmt.Errorf("property %q on type %s: %w", key, o.typ.Name, model.ErrUnknownProperty)
	}

	if prop.Collection {
		return o.setCollection(prop, value)
	}

	if prop.Kind == model.KindReference {
		return o.setReference(prop, value)
	}

	coerced, err := model.CoerceScalar(prop.Kind, prop.Enum, value)
	if err != nil {
		return fmt.Errorf("property %q on type %s: %w", key, o.typ.Name, err)
	}

	prev := o.values[key]
	if scalarEqual(prev, coerced) {
		return nil
	}

	if coerced == nil {
		delete(o.values, key)
	} else {
		o.values[key] = coerced
	}

	o.emitChange(key, coerced, prev)

	return nil
}

func (o *Object) setCollection(prop *model.Property, value any) error {
	if value == nil {
		return o.collectionFor(prop).Reset(nil)
	}

	elements, err := anySlice(value)
	if err != nil {
		return fmt.Errorf("property %q on type %s: %w", prop.Name, o.typ.Name, err)
	}

	return o.collectionFor(prop).Reset(elements)
}

func (o *Object) setReference(prop *model.Property, value any) error {
	var target *Object
	if value != nil {
		var ok bool
		target, ok = value.(*Object)
		if !ok {
			return fmt.Errorf("property %q on type %s expects an object reference, got %T: %w", prop.Name, o.typ.Name, value, model.ErrTypeMismatch)
		}

		if err := o.checkReferenceTarget(prop, target); err != nil {
			return err
		}
	}

	prev, _ := o.values[prop.Name].(*Object)
	if prev == target {
		return nil
	}

	if target != nil && o.scope != nil && target.scope != nil && target.scope != o.scope {
		return fmt.Errorf("cannot reference %s from %s: %w", target.uuid, o.uuid, ErrCrossScope)
	}

	if prev != nil {
		prev.removeParent(o, prop.Name)
	}

	if target == nil {
		delete(o.values, prop.Name)
	} else {
		o.values[prop.Name] = target
		target.addParent(o, prop.Name)

		if o.scope != nil && target.scope != o.scope {
			target.SetScope(o.scope, true)
		}
	}

	o.emitChange(prop.Name, target, prev)

	return nil
}

func (o *Object) checkReferenceTarget(prop *model.Property, target *Object) error {
	declared, err := o.registry.ResolveReferenceTarget(prop)
	if err != nil {
		return err
	}

	if !target.typ.IsSubtypeOf(declared) {
		return fmt.Errorf("property %q on type %s expects %s, got %s: %w", prop.Name, o.typ.Name, declared.Name, target.typ.Name, model.ErrTypeMismatch)
	}

	return nil
}

// OnChange registers a listener for effective mutations of one property.
// Invalid registrations are logged and ignored.
func (o *Object) OnChange(key string, cb ChangeCallback) {
	if o.typ.Property(key) == nil {
		o.logInvalidListener(key, "change")
		return
	}

	o.changeListeners[key] = append(o.changeListeners[key], cb)
}

// OnAdd registers an element-addition listener on a collection property.
func (o *Object) OnAdd(key string, cb ElementCallback) {
	prop := o.typ.Property(key)
	if prop == nil || !prop.Collection {
		o.logInvalidListener(key, "add")
		return
	}

	o.addListeners[key] = append(o.addListeners[key], cb)
}

// OnRemove registers an element-removal listener on a collection property.
func (o *Object) OnRemove(key string, cb ElementCallback) {
	prop := o.typ.Property(key)
	if prop == nil || !prop.Collection {
		o.logInvalidListener(key, "remove")
		return
	}

	o.removeListeners[key] = append(o.removeListeners[key], cb)
}

func (o *Object) logInvalidListener(key, action string) {
	if o.log != nil {
		o.log.Warnw("Ignoring invalid property listener", "type", o.typ.Name, "key", key, "action", action)
	}
}

// Detach removes this object from every parent, invoking each parent's
// child-removal path. Afterwards the object is orphaned unless it is a scope
// root.
func (o *Object) Detach() {
	for len(o.parents) > 0 {
		entry := o.parents[len(o.parents)-1]
		entry.parent.removeChildReference(entry.key, o)
	}
}

// removeChildReference clears one reference from this object to child, either
// by nulling the single reference property or by removing the element from
// the collection.
func (o *Object) removeChildReference(key string, child *Object) {
	prop := o.typ.Property(key)
	if prop == nil {
		return
	}

	if prop.Collection {
		o.collectionFor(prop).removeElement(child)
		return
	}

	if cur, _ := o.values[key].(*Object); cur == child {
		// best effort; nulling a reference cannot fail validation
		_ = o.Set(key, nil)
	}
}

func (o *Object) addParent(parent *Object, key string) {
	o.parents = append(o.parents, parentEntry{parent: parent, key: key})

	if o.scope != nil {
		o.scope.rescueOrphan(o)
	}
}

func (o *Object) removeParent(parent *Object, key string) {
	idx := slices.Index(o.parents, parentEntry{parent: parent, key: key})
	if idx < 0 {
		return
	}
	o.parents = slices.Delete(o.parents, idx, idx+1)

	if len(o.parents) == 0 && !o.isScopeRoot && o.scope != nil {
		o.scope.noteOrphan(o)
	}
}

// SetScope moves the object into the given scope. With recursive set, the
// move propagates through all child reference targets, single and collection.
func (o *Object) SetScope(s *Scope, recursive bool) {
	if o.scope == s {
		return
	}

	if o.scope != nil {
		o.scope.removeModel(o)
		o.scope = nil
	}

	if s != nil {
		o.scope = s
		s.addModel(o)
	}

	if !recursive {
		return
	}

	for _, prop := range o.typ.Properties() {
		if prop.Kind != model.KindReference {
			continue
		}

		if prop.Collection {
			if coll, ok := o.values[prop.Name].(*Collection); ok {
				for _, element := range coll.Values() {
					if child, ok := element.(*Object); ok {
						child.SetScope(s, true)
					}
				}
			}
			continue
		}

		if child, ok := o.values[prop.Name].(*Object); ok {
			child.SetScope(s, true)
		}
	}
}

// SetScopeAndMakeRoot detaches the object from all parents and anchors it as
// the scope's root.
func (o *Object) SetScopeAndMakeRoot(s *Scope) {
	o.Detach()
	o.isScopeRoot = true
	o.SetScope(s, true)
	s.setRoot(o)
}

func (o *Object) emitChange(key string, value, prev any) {
	if o.hook != nil {
		o.hook(o, key, value, prev)
	}

	for _, cb := range o.changeListeners[key] {
		o.invokeListener(func() { cb(o, key, value, prev) })
	}
}

func (o *Object) emitElement(listeners map[string][]ElementCallback, key string, element any) {
	for _, cb := range listeners[key] {
		o.invokeListener(func() { cb(o, key, element) })
	}
}

// invokeListener shields the emitting operation from listener panics.
func (o *Object) invokeListener(fn func()) {
	defer func() {
		if r := recover(); r != nil && o.log != nil {
			o.log.Errorw("Property listener panicked", "type", o.typ.Name, "panic", r)
		}
	}()

	fn()
}

// scalarEqual compares two canonical scalar values.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}

	return a == b
}

func anySlice(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []*Object:
		result := make([]any, 0, len(v))
		for _, obj := range v {
			result = append(result, obj)
		}
		return result, nil
	case []string:
		result := make([]any, 0, len(v))
		for _, s := range v {
			result = append(result, s)
		}
		return result, nil
	}

	return nil, fmt.Errorf("expected a slice of values: %w", model.ErrValueInvalid)
}
