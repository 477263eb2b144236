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
	"fmt"
	"strings"
)

var (
	// ErrCrossScope is returned when a reference assignment would connect two
	// objects that already live in different scopes.
	ErrCrossScope = errors.New("objects belong to different scopes")

	// ErrDuplicateChangeSet is returned when a change-set is enqueued twice.
	ErrDuplicateChangeSet = errors.New("change set is already queued")

	// ErrFragmentMismatch is returned when a sync reply does not carry exactly
	// one verdict per sent fragment.
	ErrFragmentMismatch = errors.New("fragment replies do not match fragments")
)

// RefNotFoundError reports reference UUIDs that could not be resolved against
// the scope or its persist store during fragment validation.
type RefNotFoundError struct {
	UUIDs []string
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("referenced objects not found: %s", strings.Join(e.UUIDs, ", "))
}
