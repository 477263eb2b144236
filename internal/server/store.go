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

package server

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/modelwire/modelwire/internal/persist"
	"github.com/modelwire/modelwire/internal/wire"
)

// ScopeStore is the authority's persisted state of one scope: the root UUID
// and one JSON property document per object. Add fragments insert whole
// documents; change fragments land as JSON merge patches on the stored
// document.
type ScopeStore struct {
	name     string
	rootUUID string
	store    persist.Store
}

func NewScopeStore(name string, store persist.Store) *ScopeStore {
	return &ScopeStore{
		name:  name,
		store: store,
	}
}

func (s *ScopeStore) Name() string     { return s.name }
func (s *ScopeStore) RootUUID() string { return s.rootUUID }

// SetRoot initializes the root object. The root document is stored like any
// other object.
func (s *ScopeStore) SetRoot(uuid, clsName string, properties map[string]any) error {
	s.rootUUID = strings.ToLower(uuid)

	return s.putDocument(s.rootUUID, clsName, properties)
}

func (s *ScopeStore) putDocument(uuid, clsName string, properties map[string]any) error {
	if properties == nil {
		properties = map[string]any{}
	}

	data, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", uuid, err)
	}

	return s.store.Put(persist.Document{
		UUID:    strings.ToLower(uuid),
		ClsName: clsName,
		Data:    data,
	})
}

// ApplyFragment folds one accepted fragment into the persisted state. The
// modifications decided by the write concerns are merged on top of the
// fragment's own properties.
func (s *ScopeStore) ApplyFragment(frag wire.Fragment, modifications map[string]any) error {
	properties := frag.Properties
	if len(modifications) > 0 {
		merged := make(map[string]any, len(properties)+len(modifications))
		for k, v := range properties {
			merged[k] = v
		}
		for k, v := range modifications {
			merged[k] = v
		}
		properties = merged
	}

	switch frag.Type {
	case wire.FragmentAdd:
		return s.putDocument(frag.UUID, frag.ClsName, properties)

	case wire.FragmentChange:
		doc, err := s.store.Get(frag.UUID)
		if err != nil {
			return fmt.Errorf("failed to load document %s: %w", frag.UUID, err)
		}
		if doc == nil {
			return fmt.Errorf("no document for change fragment %s", frag.UUID)
		}

		patch, err := json.Marshal(properties)
		if err != nil {
			return fmt.Errorf("failed to encode patch for %s: %w", frag.UUID, err)
		}

		patched, err := jsonpatch.MergePatch(doc.Data, patch)
		if err != nil {
			return fmt.Errorf("failed to patch document %s: %w", frag.UUID, err)
		}

		doc.Data = patched
		return s.store.Put(*doc)

	default:
		return fmt.Errorf("unknown fragment type %q", frag.Type)
	}
}

// StateFragments renders the whole persisted scope as add fragments, the
// shape a ScopeState message carries.
func (s *ScopeStore) StateFragments() ([]wire.Fragment, error) {
	docs, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list scope %s: %w", s.name, err)
	}

	fragments := make([]wire.Fragment, 0, len(docs))
	for _, doc := range docs {
		var properties map[string]any
		if err := json.Unmarshal(doc.Data, &properties); err != nil {
			return nil, fmt.Errorf("corrupt document %s: %w", doc.UUID, err)
		}

		fragments = append(fragments, wire.Fragment{
			Type:       wire.FragmentAdd,
			UUID:       doc.UUID,
			ClsName:    doc.ClsName,
			Properties: properties,
		})
	}

	return fragments, nil
}
