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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelwire/modelwire/internal/model"
	"github.com/modelwire/modelwire/internal/persist"
	"github.com/modelwire/modelwire/internal/wire"
)

// SyncFragment is the delta for a single object inside a change-set: either
// an add carrying the full property snapshot, or a change carrying only the
// mutated keys. For change fragments the pre-mutation value of each key is
// preserved in originalProperties the first time that key is recorded.
type SyncFragment struct {
	fragmentType       wire.FragmentType
	objectUUID         string
	clsName            string
	properties         map[string]any
	originalProperties map[string]any
}

// NewAddFragment snapshots every currently set property of the object.
func NewAddFragment(obj *Object) *SyncFragment {
	frag := &SyncFragment{
		fragmentType:       wire.FragmentAdd,
		objectUUID:         obj.UUID(),
		clsName:            obj.Type().Name,
		properties:         map[string]any{},
		originalProperties: map[string]any{},
	}

	for _, prop := range obj.Type().Properties() {
		value := obj.Get(prop.Name)
		if value == nil {
			continue
		}
		if coll, ok := value.(*Collection); ok && coll.Len() == 0 {
			continue
		}
		frag.properties[prop.Name] = serializeValue(value)
	}

	return frag
}

// NewChangeFragment builds an empty change fragment for the given object
// identity; values are recorded through UpdateValueFromModel.
func NewChangeFragment(clsName, objectUUID string) *SyncFragment {
	return &SyncFragment{
		fragmentType:       wire.FragmentChange,
		objectUUID:         strings.ToLower(objectUUID),
		clsName:            clsName,
		properties:         map[string]any{},
		originalProperties: map[string]any{},
	}
}

// FragmentFromWire converts an incoming wire fragment.
func FragmentFromWire(wf wire.Fragment) *SyncFragment {
	props := wf.Properties
	if props == nil {
		props = map[string]any{}
	}

	return &SyncFragment{
		fragmentType:       wf.Type,
		objectUUID:         strings.ToLower(wf.UUID),
		clsName:            wf.ClsName,
		properties:         props,
		originalProperties: map[string]any{},
	}
}

func (f *SyncFragment) FragmentType() wire.FragmentType { return f.fragmentType }
func (f *SyncFragment) ObjectUUID() string              { return f.objectUUID }
func (f *SyncFragment) ClsName() string                 { return f.clsName }

// Properties exposes the recorded (already wire-serialized) values.
func (f *SyncFragment) Properties() map[string]any { return f.properties }

// OriginalProperties exposes the recorded pre-mutation values.
func (f *SyncFragment) OriginalProperties() map[string]any { return f.originalProperties }

// Wire converts the fragment into its wire shape.
func (f *SyncFragment) Wire() wire.Fragment {
	return wire.Fragment{
		Type:       f.fragmentType,
		UUID:       f.objectUUID,
		ClsName:    f.clsName,
		Properties: f.properties,
	}
}

// UpdateValueFromModel coalesces a successive mutation of one key into this
// fragment. The first change to a key records its pre-mutation value.
func (f *SyncFragment) UpdateValueFromModel(key string, value, prev any) {
	if _, recorded := f.originalProperties[key]; !recorded {
		f.originalProperties[key] = serializeValue(prev)
	}

	f.properties[key] = serializeValue(value)
}

// serializeValue maps an in-memory property value onto plain JSON values:
// references become lowercased UUID strings, timestamps integer milliseconds,
// collections arrays.
func serializeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case *Object:
		if v == nil {
			return nil
		}
		return v.UUID()
	case *Collection:
		elements := v.Values()
		result := make([]any, 0, len(elements))
		for _, element := range elements {
			result = append(result, serializeValue(element))
		}
		return result
	case []any:
		result := make([]any, 0, len(v))
		for _, element := range v {
			result = append(result, serializeValue(element))
		}
		return result
	case time.Time:
		return v.UnixMilli()
	default:
		return v
	}
}

// refLookup resolves a UUID during fragment validation; it covers objects
// concurrently added within the same batch.
type refLookup func(uuid string) bool

// VerifyPropertiesForType validates the fragment's properties against a model
// type. Reference UUIDs are normalized to lowercase in place; if a lookup is
// given, every referenced UUID must resolve through it or be present in the
// persist store. All unresolvable references are reported in one error.
func (f *SyncFragment) VerifyPropertiesForType(typ *model.Type, lookup refLookup, store persist.Store) error {
	var missing []string

	for key, value := range f.properties {
		prop := typ.Property(key)
		if prop == nil {
			return fmt.Errorf("fragment for %s: property %q: %w", f.clsName, key, model.ErrUnknownProperty)
		}

		if prop.Kind == model.KindReference {
			if err := f.verifyReference(key, prop, value, lookup, store, &missing); err != nil {
				return err
			}
			continue
		}

		if err := verifyScalarWireValue(prop, value); err != nil {
			return fmt.Errorf("fragment for %s: property %q: %w", f.clsName, key, err)
		}
	}

	if len(missing) > 0 {
		return &RefNotFoundError{UUIDs: missing}
	}

	return nil
}

func (f *SyncFragment) verifyReference(key string, prop *model.Property, value any, lookup refLookup, store persist.Store, missing *[]string) error {
	if value == nil {
		if prop.Collection {
			return fmt.Errorf("collection property %q cannot be null: %w", key, model.ErrValueInvalid)
		}
		return nil
	}

	check := func(raw any) (string, error) {
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("reference property %q must hold a UUID string, got %T: %w", key, raw, model.ErrValueInvalid)
		}
		parsed, err := uuid.Parse(s)
		if err != nil {
			return "", fmt.Errorf("reference property %q holds invalid UUID %q: %w", key, s, model.ErrValueInvalid)
		}
		return parsed.String(), nil
	}

	if prop.Collection {
		array, ok := value.([]any)
		if !ok {
			return fmt.Errorf("collection property %q must be an array, got %T: %w", key, value, model.ErrValueInvalid)
		}

		for i, raw := range array {
			normalized, err := check(raw)
			if err != nil {
				return err
			}
			array[i] = normalized
			f.noteMissingRef(normalized, lookup, store, missing)
		}

		return nil
	}

	normalized, err := check(value)
	if err != nil {
		return err
	}
	f.properties[key] = normalized
	f.noteMissingRef(normalized, lookup, store, missing)

	return nil
}

func (f *SyncFragment) noteMissingRef(ref string, lookup refLookup, store persist.Store, missing *[]string) {
	if lookup == nil {
		return
	}
	if lookup(ref) {
		return
	}
	if store != nil {
		if has, err := store.Has(ref); err == nil && has {
			return
		}
	}

	*missing = append(*missing, ref)
}

func verifyScalarWireValue(prop *model.Property, value any) error {
	if value == nil {
		if prop.Collection {
			return fmt.Errorf("collection cannot be null: %w", model.ErrValueInvalid)
		}
		return nil
	}

	if prop.Collection {
		array, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected an array, got %T: %w", value, model.ErrValueInvalid)
		}
		for _, element := range array {
			if err := verifyScalarElement(prop, element); err != nil {
				return err
			}
		}
		return nil
	}

	return verifyScalarElement(prop, value)
}

func verifyScalarElement(prop *model.Property, value any) error {
	_, err := model.CoerceScalar(prop.Kind, prop.Enum, value)
	return err
}
