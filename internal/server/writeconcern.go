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
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/wire"
)

// ErrConcernConflict rejects registrations that cannot be told apart at
// resolution time.
var ErrConcernConflict = errors.New("conflicting write concern")

// WriteConcern decides the verdict for fragments of one (change type, class)
// combination that carry any of the claimed property keys. When two concerns
// claim the same key, their constrain maps must disagree on at least one
// shared key so that a fragment can only ever engage one of them.
type WriteConcern struct {
	// Name identifies the concern in logs and errors.
	Name string
	// ChangeType restricts the concern to add or change fragments; empty
	// matches both.
	ChangeType wire.FragmentType
	// ClsName is the model class this concern guards.
	ClsName string
	// When lists the property keys this concern claims. A fragment engages
	// the concern if it carries at least one claimed key.
	When []string
	// Constrain restricts the concern to fragments whose properties carry
	// exactly these values.
	Constrain map[string]any
	// Accept is the verdict for engaged fragments.
	Accept bool
	// DenyMessage is carried in the reply error when Accept is false.
	DenyMessage string
	// Modifications are applied to the property document of accepted
	// fragments; changed values are returned to the client.
	Modifications []ModificationRule
}

func (c *WriteConcern) matches(frag wire.Fragment) bool {
	if c.ChangeType != "" && c.ChangeType != frag.Type {
		return false
	}
	if c.ClsName != frag.ClsName {
		return false
	}

	claimed := false
	for _, key := range c.When {
		if _, ok := frag.Properties[key]; ok {
			claimed = true
			break
		}
	}
	if !claimed {
		return false
	}

	for key, want := range c.Constrain {
		got, ok := frag.Properties[key]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}

	return true
}

// conflictsWith reports whether two concerns could engage the same fragment.
func (c *WriteConcern) conflictsWith(other *WriteConcern) bool {
	if c.ChangeType != "" && other.ChangeType != "" && c.ChangeType != other.ChangeType {
		return false
	}
	if c.ClsName != other.ClsName {
		return false
	}

	shared := false
	for _, key := range c.When {
		for _, otherKey := range other.When {
			if key == otherKey {
				shared = true
			}
		}
	}
	if !shared {
		return false
	}

	// differing values on a shared constrain key keep the concerns apart
	for key, value := range c.Constrain {
		if otherValue, ok := other.Constrain[key]; ok && !looseEqual(value, otherValue) {
			return false
		}
	}

	return true
}

// ConcernRegistry resolves per-fragment verdicts: the first registered
// concern engaged by a fragment decides; otherwise the per-scope default or
// the global default applies.
type ConcernRegistry struct {
	log *zap.SugaredLogger

	concerns []*WriteConcern

	// acceptByDefault is the global default verdict for unclaimed fragments.
	acceptByDefault bool
	scopeDefaults   map[string]bool
}

func NewConcernRegistry(log *zap.SugaredLogger, acceptByDefault bool) *ConcernRegistry {
	return &ConcernRegistry{
		log:             log,
		acceptByDefault: acceptByDefault,
		scopeDefaults:   map[string]bool{},
	}
}

// SetScopeDefault overrides the default verdict for one scope.
func (r *ConcernRegistry) SetScopeDefault(scopeName string, accept bool) {
	r.scopeDefaults[scopeName] = accept
}

// Register adds a concern, rejecting registrations that conflict with an
// existing one.
func (r *ConcernRegistry) Register(concern *WriteConcern) error {
	if concern.ClsName == "" {
		return fmt.Errorf("concern %q has no class name: %w", concern.Name, ErrConcernConflict)
	}
	if len(concern.When) == 0 {
		return fmt.Errorf("concern %q claims no property keys: %w", concern.Name, ErrConcernConflict)
	}

	for _, existing := range r.concerns {
		if existing.conflictsWith(concern) {
			return fmt.Errorf("concern %q overlaps %q on class %s: %w", concern.Name, existing.Name, concern.ClsName, ErrConcernConflict)
		}
	}

	r.concerns = append(r.concerns, concern)

	return nil
}

// Resolve produces the verdict for one fragment within one scope.
func (r *ConcernRegistry) Resolve(scopeName string, frag wire.Fragment) wire.FragmentReply {
	for _, concern := range r.concerns {
		if !concern.matches(frag) {
			continue
		}

		if !concern.Accept {
			message := concern.DenyMessage
			if message == "" {
				message = fmt.Sprintf("rejected by write concern %q", concern.Name)
			}
			return wire.FragmentReply{
				Accepted: false,
				Error:    &wire.ErrorDetail{Message: message},
			}
		}

		reply := wire.FragmentReply{Accepted: true}
		if len(concern.Modifications) > 0 {
			modifications, err := ApplyModificationRules(frag.Properties, concern.Modifications)
			if err != nil {
				r.log.Warnw("Modification rules failed", "concern", concern.Name, zap.Error(err))
			} else {
				reply.Modifications = modifications
			}
		}

		return reply
	}

	accept := r.acceptByDefault
	if scoped, ok := r.scopeDefaults[scopeName]; ok {
		accept = scoped
	}

	if !accept {
		return wire.FragmentReply{
			Accepted: false,
			Error:    &wire.ErrorDetail{Message: "rejected by default write concern"},
		}
	}

	return wire.FragmentReply{Accepted: true}
}

// ApplySyncFragmentsForScope resolves one verdict per fragment, in order.
func (r *ConcernRegistry) ApplySyncFragmentsForScope(scopeName string, fragments []wire.Fragment) []wire.FragmentReply {
	replies := make([]wire.FragmentReply, 0, len(fragments))
	for _, frag := range fragments {
		replies = append(replies, r.Resolve(scopeName, frag))
	}

	return replies
}

// looseEqual compares wire property values; numbers compare by value across
// int/float representations.
func looseEqual(a, b any) bool {
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		return ok && af == bf
	}

	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}

	return 0, false
}
