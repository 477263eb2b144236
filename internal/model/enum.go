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

package model

import (
	"fmt"
	"slices"
)

// Enum is a declared enumeration type. String enums carry a set of admissible
// string values; integer enums map member names to their integer values.
type Enum struct {
	Name string

	stringValues []string
	intValues    map[string]int64
}

// NewStringEnum declares a string-valued enumeration.
func NewStringEnum(name string, values ...string) *Enum {
	return &Enum{
		Name:         name,
		stringValues: slices.Clone(values),
	}
}

// NewIntEnum declares an integer-valued enumeration from a name→value map.
func NewIntEnum(name string, values map[string]int64) *Enum {
	copied := make(map[string]int64, len(values))
	for k, v := range values {
		copied[k] = v
	}

	return &Enum{
		Name:      name,
		intValues: copied,
	}
}

func (e *Enum) IsString() bool {
	return e.intValues == nil
}

// Coerce validates membership and returns the canonical member value: the
// string itself for string enums, the int64 value for integer enums (member
// names are accepted and mapped).
func (e *Enum) Coerce(value any) (any, error) {
	if e.IsString() {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("enum %s expects a string, got %T: %w", e.Name, value, ErrEnumInvalid)
		}
		if !slices.Contains(e.stringValues, s) {
			return nil, fmt.Errorf("%q is not a member of enum %s: %w", s, e.Name, ErrEnumInvalid)
		}
		return s, nil
	}

	if name, ok := value.(string); ok {
		if v, exists := e.intValues[name]; exists {
			return v, nil
		}
		return nil, fmt.Errorf("%q is not a member of enum %s: %w", name, e.Name, ErrEnumInvalid)
	}

	if i, ok := asInt(value); ok {
		for _, v := range e.intValues {
			if v == i {
				return i, nil
			}
		}
		return nil, fmt.Errorf("%d is not a member of enum %s: %w", i, e.Name, ErrEnumInvalid)
	}

	return nil, fmt.Errorf("enum %s cannot hold %T: %w", e.Name, value, ErrEnumInvalid)
}
