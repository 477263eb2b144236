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

	"github.com/modelwire/modelwire/internal/model"
)

// Collection is the ordered sequence held by a collection property. It is
// owned by its object and bound to one property; mutating it is the only way
// references observe parent additions and removals.
type Collection struct {
	owner    *Object
	prop     *model.Property
	elements []any
}

func (c *Collection) Len() int {
	return len(c.elements)
}

// At returns the element at index i, or nil when out of range.
func (c *Collection) At(i int) any {
	if i < 0 || i >= len(c.elements) {
		return nil
	}

	return c.elements[i]
}

// Values returns a snapshot of the current contents.
func (c *Collection) Values() []any {
	return slices.Clone(c.elements)
}

// Push appends values to the end of the collection.
func (c *Collection) Push(values ...any) error {
	coerced, err := c.coerceAll(values)
	if err != nil {
		return err
	}

	prev := slices.Clone(c.elements)
	c.elements = append(c.elements, coerced...)
	c.noteAdded(coerced)
	c.emitChanged(prev)

	return nil
}

// Pop removes and returns the last element, or nil on an empty collection.
func (c *Collection) Pop() any {
	if len(c.elements) == 0 {
		return nil
	}

	prev := slices.Clone(c.elements)
	element := c.elements[len(c.elements)-1]
	c.elements = c.elements[:len(c.elements)-1]
	c.noteRemoved([]any{element})
	c.emitChanged(prev)

	return element
}

// Shift removes and returns the first element, or nil on an empty collection.
func (c *Collection) Shift() any {
	if len(c.elements) == 0 {
		return nil
	}

	prev := slices.Clone(c.elements)
	element := c.elements[0]
	c.elements = slices.Delete(c.elements, 0, 1)
	c.noteRemoved([]any{element})
	c.emitChanged(prev)

	return element
}

// Unshift prepends values to the front of the collection.
func (c *Collection) Unshift(values ...any) error {
	coerced, err := c.coerceAll(values)
	if err != nil {
		return err
	}

	prev := slices.Clone(c.elements)
	c.elements = append(slices.Clone(coerced), c.elements...)
	c.noteAdded(coerced)
	c.emitChanged(prev)

	return nil
}

// Splice removes deleteCount elements starting at start and inserts items in
// their place, returning the removed elements.
func (c *Collection) Splice(start, deleteCount int, items ...any) ([]any, error) {
	coerced, err := c.coerceAll(items)
	if err != nil {
		return nil, err
	}

	if start < 0 {
		start = 0
	}
	if start > len(c.elements) {
		start = len(c.elements)
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if start+deleteCount > len(c.elements) {
		deleteCount = len(c.elements) - start
	}

	prev := slices.Clone(c.elements)
	removed := slices.Clone(c.elements[start : start+deleteCount])

	tail := slices.Clone(c.elements[start+deleteCount:])
	c.elements = append(c.elements[:start], append(coerced, tail...)...)

	c.noteRemoved(removed)
	c.noteAdded(coerced)
	c.emitChanged(prev)

	return removed, nil
}

// Reset replaces the contents. The set difference against the prior contents
// determines the emitted events: exactly one add/remove per distinct changed
// element, and none for elements present on both sides.
func (c *Collection) Reset(values []any) error {
	coerced, err := c.coerceAll(values)
	if err != nil {
		return err
	}

	prev := slices.Clone(c.elements)

	removed := diffElements(prev, coerced)
	added := diffElements(coerced, prev)
	if len(removed) == 0 && len(added) == 0 && slices.EqualFunc(prev, coerced, scalarEqual) {
		return nil
	}

	c.elements = coerced
	c.noteRemoved(removed)
	c.noteAdded(added)
	c.emitChanged(prev)

	return nil
}

// removeElement removes every occurrence of the element (used by the
// child-removal path of reference collections).
func (c *Collection) removeElement(element any) {
	if !slices.ContainsFunc(c.elements, func(e any) bool { return elementEqual(e, element) }) {
		return
	}

	prev := slices.Clone(c.elements)
	var removed []any

	c.elements = slices.DeleteFunc(c.elements, func(e any) bool {
		if elementEqual(e, element) {
			removed = append(removed, e)
			return true
		}
		return false
	})

	c.noteRemoved(removed)
	c.emitChanged(prev)
}

func (c *Collection) coerceAll(values []any) ([]any, error) {
	result := make([]any, 0, len(values))

	for _, value := range values {
		coerced, err := c.coerceElement(value)
		if err != nil {
			return nil, fmt.Errorf("property %q on type %s: %w", c.prop.Name, c.owner.typ.Name, err)
		}
		result = append(result, coerced)
	}

	return result, nil
}

func (c *Collection) coerceElement(value any) (any, error) {
	if c.prop.Kind != model.KindReference {
		if value == nil {
			return nil, fmt.Errorf("collection elements cannot be null: %w", model.ErrValueInvalid)
		}
		return model.CoerceScalar(c.prop.Kind, c.prop.Enum, value)
	}

	target, ok := value.(*Object)
	if !ok {
		return nil, fmt.Errorf("expected an object reference, got %T: %w", value, model.ErrValueInvalid)
	}

	if err := c.owner.checkReferenceTarget(c.prop, target); err != nil {
		return nil, err
	}

	owner := c.owner
	if owner.scope != nil && target.scope != nil && target.scope != owner.scope {
		return nil, fmt.Errorf("cannot reference %s from %s: %w", target.uuid, owner.uuid, ErrCrossScope)
	}

	return target, nil
}

// noteAdded maintains parent sets and scope membership for added reference
// elements and fires the add listeners.
func (c *Collection) noteAdded(elements []any) {
	for _, element := range elements {
		if c.prop.Kind == model.KindReference {
			child := element.(*Object)
			child.addParent(c.owner, c.prop.Name)

			if c.owner.scope != nil && child.scope != c.owner.scope {
				child.SetScope(c.owner.scope, true)
			}
		}

		c.owner.emitElement(c.owner.addListeners, c.prop.Name, element)
	}
}

func (c *Collection) noteRemoved(elements []any) {
	for _, element := range elements {
		if c.prop.Kind == model.KindReference {
			element.(*Object).removeParent(c.owner, c.prop.Name)
		}

		c.owner.emitElement(c.owner.removeListeners, c.prop.Name, element)
	}
}

// emitChanged fires the property-level change notification with the whole
// collection as value; prev carries the prior contents.
func (c *Collection) emitChanged(prev []any) {
	c.owner.emitChange(c.prop.Name, c, prev)
}

// diffElements returns the distinct elements of a that do not occur in b.
func diffElements(a, b []any) []any {
	var result []any

	for _, element := range a {
		inB := slices.ContainsFunc(b, func(e any) bool { return elementEqual(e, element) })
		inResult := slices.ContainsFunc(result, func(e any) bool { return elementEqual(e, element) })

		if !inB && !inResult {
			result = append(result, element)
		}
	}

	return result
}

func elementEqual(a, b any) bool {
	if ao, ok := a.(*Object); ok {
		bo, ok := b.(*Object)
		return ok && ao == bo
	}

	return scalarEqual(a, b)
}
