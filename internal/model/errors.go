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

import "errors"

// Sentinel errors for registry and value validation failures. Callers are
// expected to match them with errors.Is after unwrapping.
var (
	ErrDuplicateType     = errors.New("duplicate type")
	ErrDuplicateProperty = errors.New("duplicate property")
	ErrDuplicateEnum     = errors.New("duplicate enumeration")
	ErrUnknownType       = errors.New("unknown type")
	ErrUnknownProperty   = errors.New("unknown property")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrValueInvalid      = errors.New("value invalid")
	ErrEnumInvalid       = errors.New("enumeration value invalid")
)
