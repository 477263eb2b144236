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

// Package wire defines the JSON messages exchanged between a client session
// and the authority. Every message carries an index and a type; replies
// additionally reference the message they answer via replyTo. The transport
// only ever sees opaque byte slices produced by Marshal and consumed by
// ParseMessage.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type discriminators as they appear on the wire.
const (
	TypePing               = "Ping"
	TypeSessionCreate      = "SessionCreate"
	TypeSessionCreateReply = "SessionCreateReply"
	TypeScopeFetch         = "ScopeFetch"
	TypeScopeFetchReply    = "ScopeFetchReply"
	TypeScopeState         = "ScopeState"
	TypeScopeSync          = "ScopeSync"
	TypeScopeSyncReply     = "ScopeSyncReply"
)

// ErrMessageParse is wrapped by all parse failures.
var ErrMessageParse = errors.New("message parse error")

// Message is the closed union of all wire messages.
type Message interface {
	// MessageIndex returns the sender-assigned ordering index. Zero on
	// server-originated messages means "not ordered".
	MessageIndex() uint64
	// MessageType returns the wire type discriminator.
	MessageType() string
}

// ErrorDetail is the error object carried by replies.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Known error.type values on the wire. Anything else is treated as generic.
const (
	ErrorTypeScopeNotFound             = "ScopeNotFound"
	ErrorTypeCouldNotApplySyncMessage  = "CouldNotApplySyncMessage"
	ErrorTypeScopeAtIndexNotFound      = "ScopeAtIndexNotFound"
)

// FragmentType discriminates add and change fragments.
type FragmentType string

const (
	FragmentAdd    FragmentType = "add"
	FragmentChange FragmentType = "change"
)

// Fragment is the wire shape of a single object delta. Properties hold plain
// JSON values only: scalars, arrays and nulls; timestamps are integer
// milliseconds since epoch, references are lowercased UUID strings.
type Fragment struct {
	Type       FragmentType   `json:"type"`
	UUID       string         `json:"uuid"`
	ClsName    string         `json:"clsName"`
	Properties map[string]any `json:"properties,omitempty"`
}

// FragmentReply is the per-fragment verdict inside a ScopeSyncReply.
type FragmentReply struct {
	Accepted      bool           `json:"accepted"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Error         *ErrorDetail   `json:"error,omitempty"`
}

type header struct {
	Index uint64 `json:"index"`
	Type  string `json:"type"`
}

// Ping is exchanged in both directions and bypasses message ordering.
type Ping struct {
	Index         uint64 `json:"index"`
	Ack           uint64 `json:"ack,omitempty"`
	ResendMissing bool   `json:"resendMissing,omitempty"`
}

func (m *Ping) MessageIndex() uint64 { return m.Index }
func (m *Ping) MessageType() string  { return TypePing }

// SessionCreate opens a session.
type SessionCreate struct {
	Index   uint64 `json:"index"`
	Version string `json:"version"`
}

func (m *SessionCreate) MessageIndex() uint64 { return m.Index }
func (m *SessionCreate) MessageType() string  { return TypeSessionCreate }

// SessionCreateReply carries the session token on success.
type SessionCreateReply struct {
	Index        uint64       `json:"index"`
	ReplyTo      uint64       `json:"replyTo"`
	SessionToken string       `json:"sessionToken,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

func (m *SessionCreateReply) MessageIndex() uint64 { return m.Index }
func (m *SessionCreateReply) MessageType() string  { return TypeSessionCreateReply }

// ScopeFetch attaches the session to a named scope.
type ScopeFetch struct {
	Index  uint64         `json:"index"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func (m *ScopeFetch) MessageIndex() uint64 { return m.Index }
func (m *ScopeFetch) MessageType() string  { return TypeScopeFetch }

// ScopeFetchReply assigns the scope index used by all further scope messages.
type ScopeFetchReply struct {
	Index      uint64       `json:"index"`
	ReplyTo    uint64       `json:"replyTo"`
	ScopeIndex uint32       `json:"scopeIndex"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

func (m *ScopeFetchReply) MessageIndex() uint64 { return m.Index }
func (m *ScopeFetchReply) MessageType() string  { return TypeScopeFetchReply }

// ScopeState transfers the full state of a scope, anchored at a root object.
type ScopeState struct {
	Index      uint64     `json:"index"`
	ScopeIndex uint32     `json:"scopeIndex"`
	RootUUID   string     `json:"rootUUID"`
	Fragments  []Fragment `json:"fragments"`
}

func (m *ScopeState) MessageIndex() uint64 { return m.Index }
func (m *ScopeState) MessageType() string  { return TypeScopeState }

// ScopeSync carries one change-set worth of fragments, in either direction.
type ScopeSync struct {
	Index      uint64     `json:"index"`
	ScopeIndex uint32     `json:"scopeIndex"`
	Atomic     bool       `json:"atomic"`
	Fragments  []Fragment `json:"fragments"`
}

func (m *ScopeSync) MessageIndex() uint64 { return m.Index }
func (m *ScopeSync) MessageType() string  { return TypeScopeSync }

// ScopeSyncReply answers a ScopeSync with one verdict per fragment, in order.
type ScopeSyncReply struct {
	Index           uint64          `json:"index"`
	ReplyTo         uint64          `json:"replyTo"`
	FragmentReplies []FragmentReply `json:"fragmentReplies"`
	Error           *ErrorDetail    `json:"error,omitempty"`
}

func (m *ScopeSyncReply) MessageIndex() uint64 { return m.Index }
func (m *ScopeSyncReply) MessageType() string  { return TypeScopeSyncReply }

// ReplyTarget returns the replyTo index of reply messages and false for
// everything else.
func ReplyTarget(msg Message) (uint64, bool) {
	switch m := msg.(type) {
	case *SessionCreateReply:
		return m.ReplyTo, true
	case *ScopeFetchReply:
		return m.ReplyTo, true
	case *ScopeSyncReply:
		return m.ReplyTo, true
	default:
		return 0, false
	}
}

// Marshal encodes a message, injecting the type discriminator.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}

	// splice the type field in; all message structs only carry typed fields
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to re-decode %s message: %w", msg.MessageType(), err)
	}
	obj["type"] = msg.MessageType()

	return json.Marshal(obj)
}

// ParseMessage decodes a single wire message. Unknown types and malformed
// documents fail with an error wrapping ErrMessageParse.
func ParseMessage(data []byte) (Message, error) {
	var head header
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageParse, err)
	}

	var msg Message
	switch head.Type {
	case TypePing:
		msg = &Ping{}
	case TypeSessionCreate:
		msg = &SessionCreate{}
	case TypeSessionCreateReply:
		msg = &SessionCreateReply{}
	case TypeScopeFetch:
		msg = &ScopeFetch{}
	case TypeScopeFetchReply:
		msg = &ScopeFetchReply{}
	case TypeScopeState:
		msg = &ScopeState{}
	case TypeScopeSync:
		msg = &ScopeSync{}
	case TypeScopeSyncReply:
		msg = &ScopeSyncReply{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMessageParse, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: invalid %s message: %v", ErrMessageParse, head.Type, err)
	}

	return msg, nil
}
