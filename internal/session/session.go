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

// Package session drives one client session against the authority: it mints
// the outgoing message indices, enforces the incoming order, routes scope
// messages into the right scope's remote apply, and tracks every dispatched
// change-set until its verdict arrives.
package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/runner"
	"github.com/modelwire/modelwire/internal/sync"
	"github.com/modelwire/modelwire/internal/wire"
)

// ErrSessionClosed fails operations and pending callbacks on a closed
// session.
var ErrSessionClosed = errors.New("session is closed")

// ErrScopeNotAttached is returned when a scope message references an index
// the session never fetched.
var ErrScopeNotAttached = errors.New("scope is not attached")

// Transport is what the session consumes from the transport layer. Send
// dispatches one message; Reconnect is invoked when the incoming order is
// broken.
type Transport interface {
	Send(msg wire.Message) error
	Reconnect()
}

// ClientVersion is sent during the session handshake.
const ClientVersion = "1.0"

type replyHandler func(msg wire.Message)

// pendingReply tracks one awaited reply. onClosed runs if the session closes
// first; in-flight change-sets deliberately have no close action, they stay
// queued until the transport signals their loss.
type pendingReply struct {
	onReply  replyHandler
	onClosed func()
}

// Session is not safe for concurrent use; all entry points must run on the
// session's runner, which the transport read loop and all timers post to.
type Session struct {
	log       *zap.SugaredLogger
	rn        *runner.Runner
	transport Transport

	token            string
	serverIndex      uint64
	nextMessageIndex uint64

	scopes       map[uint32]*sync.Scope
	scopeIndexes map[*sync.Scope]uint32

	queue *sync.ChangeSetQueue

	pendingReplies map[uint64]pendingReply

	closed bool
}

func New(log *zap.SugaredLogger, rn *runner.Runner, transport Transport) *Session {
	return &Session{
		log:              log,
		rn:               rn,
		transport:        transport,
		nextMessageIndex: 1,
		scopes:           map[uint32]*sync.Scope{},
		scopeIndexes:     map[*sync.Scope]uint32{},
		queue:            sync.NewChangeSetQueue(),
		pendingReplies:   map[uint64]pendingReply{},
	}
}

func (s *Session) Token() string                { return s.token }
func (s *Session) ServerIndex() uint64          { return s.serverIndex }
func (s *Session) Queue() *sync.ChangeSetQueue  { return s.queue }
func (s *Session) Runner() *runner.Runner       { return s.rn }
func (s *Session) Closed() bool                 { return s.closed }

// nextIndex mints the strictly increasing outgoing message index, starting
// at 1.
func (s *Session) nextIndex() uint64 {
	index := s.nextMessageIndex
	s.nextMessageIndex++

	return index
}

// Create performs the session handshake. The callback runs when the reply
// arrives.
func (s *Session) Create(done func(error)) error {
	if s.closed {
		return ErrSessionClosed
	}

	index := s.nextIndex()
	msg := &wire.SessionCreate{Index: index, Version: ClientVersion}

	s.pendingReplies[index] = pendingReply{onClosed: func() { done(ErrSessionClosed) }, onReply: func(reply wire.Message) {
		created, ok := reply.(*wire.SessionCreateReply)
		if !ok {
			done(fmt.Errorf("unexpected reply %s: %w", reply.MessageType(), wire.ErrMessageParse))
			return
		}
		if created.Error != nil {
			done(fmt.Errorf("session create rejected: %s", created.Error.Message))
			return
		}

		s.token = created.SessionToken
		done(nil)
	}}

	return s.transport.Send(msg)
}

// Fetch attaches the session to a scope by name. On success the assigned
// scope index is recorded and the scope's flushed change-sets start flowing
// through this session.
func (s *Session) Fetch(scope *sync.Scope, params map[string]any, done func(error)) error {
	if s.closed {
		return ErrSessionClosed
	}

	index := s.nextIndex()
	msg := &wire.ScopeFetch{Index: index, Name: scope.Name(), Params: params}

	s.pendingReplies[index] = pendingReply{onClosed: func() { done(ErrSessionClosed) }, onReply: func(reply wire.Message) {
		fetched, ok := reply.(*wire.ScopeFetchReply)
		if !ok {
			done(fmt.Errorf("unexpected reply %s: %w", reply.MessageType(), wire.ErrMessageParse))
			return
		}
		if fetched.Error != nil {
			done(fmt.Errorf("scope fetch rejected: %s", fetched.Error.Message))
			return
		}

		s.attachScope(fetched.ScopeIndex, scope)
		done(nil)
	}}

	return s.transport.Send(msg)
}

func (s *Session) attachScope(index uint32, scope *sync.Scope) {
	s.scopes[index] = scope
	s.scopeIndexes[scope] = index

	scope.OnChanges(s.scopeChanged)
}

// ScopeIndex returns the index assigned to an attached scope.
func (s *Session) ScopeIndex(scope *sync.Scope) (uint32, bool) {
	index, ok := s.scopeIndexes[scope]
	return index, ok
}

// scopeChanged dispatches one flushed change-set: the set is enqueued
// strictly before the sync message reaches the transport, so later local
// mutations land behind it in the queue.
func (s *Session) scopeChanged(scope *sync.Scope, cs *sync.ChangeSet) {
	if s.closed {
		return
	}

	scopeIndex, attached := s.scopeIndexes[scope]
	if !attached {
		s.log.Warnw("Dropping change-set of unattached scope", "scope", scope.Name(), zap.Error(ErrScopeNotAttached))
		return
	}

	index := s.nextIndex()
	msg := &wire.ScopeSync{
		Index:      index,
		ScopeIndex: scopeIndex,
		Atomic:     cs.Atomic(),
		Fragments:  cs.WireFragments(),
	}

	if err := s.queue.AddChangeSet(cs); err != nil {
		s.log.Errorw("Failed to enqueue change-set", zap.Error(err))
		return
	}

	s.pendingReplies[index] = pendingReply{onReply: func(reply wire.Message) {
		syncReply, ok := reply.(*wire.ScopeSyncReply)
		if !ok || syncReply.Error != nil {
			cs.RevertOnScope(scope)
			return
		}

		if err := cs.ApplyFragmentReplies(syncReply.FragmentReplies, scope); err != nil {
			s.log.Warnw("Change-set reverted", "scope", scope.Name(), zap.Error(err))
		}
	}}

	if err := s.transport.Send(msg); err != nil {
		s.log.Errorw("Failed to send sync message", zap.Error(err))
		delete(s.pendingReplies, index)
		cs.RevertOnScope(scope)
	}
}

// HandleMessage processes one incoming server message. Non-zero indices must
// arrive in strict server_index+1 order: duplicates are discarded silently,
// gaps trigger exactly one reconnect and drop the message.
func (s *Session) HandleMessage(msg wire.Message) {
	if s.closed {
		return
	}

	if index := msg.MessageIndex(); index != 0 {
		if index <= s.serverIndex {
			s.log.Debugw("Discarding duplicate message", "index", index, "serverIndex", s.serverIndex)
			return
		}
		if index != s.serverIndex+1 {
			s.log.Warnw("Out-of-order message, requesting reconnect", "index", index, "serverIndex", s.serverIndex)
			s.transport.Reconnect()
			return
		}
		s.serverIndex = index
	}

	if replyTo, isReply := wire.ReplyTarget(msg); isReply {
		pending, ok := s.pendingReplies[replyTo]
		if !ok {
			s.log.Debugw("Reply without pending handler", "replyTo", replyTo)
			return
		}
		delete(s.pendingReplies, replyTo)
		pending.onReply(msg)
		return
	}

	switch m := msg.(type) {
	case *wire.ScopeState:
		s.handleScopeState(m)
	case *wire.ScopeSync:
		s.handleScopeSync(m)
	case *wire.Ping:
		s.handlePing(m)
	default:
		s.log.Debugw("Ignoring unexpected message", "type", msg.MessageType())
	}
}

func (s *Session) handleScopeState(msg *wire.ScopeState) {
	scope, ok := s.scopes[msg.ScopeIndex]
	if !ok {
		s.log.Warnw("ScopeState for unknown scope index", "scopeIndex", msg.ScopeIndex)
		return
	}

	fragments := fragmentsFromWire(msg.Fragments)
	if err := scope.ApplySyncFragmentsWithRoot(msg.RootUUID, fragments); err != nil {
		s.log.Errorw("Failed to apply scope state", "scope", scope.Name(), zap.Error(err))
	}
}

func (s *Session) handleScopeSync(msg *wire.ScopeSync) {
	scope, ok := s.scopes[msg.ScopeIndex]
	if !ok {
		s.log.Warnw("ScopeSync for unknown scope index", "scopeIndex", msg.ScopeIndex)
		return
	}

	scope.ApplySyncFragments(fragmentsFromWire(msg.Fragments), false)
}

func (s *Session) handlePing(msg *wire.Ping) {
	// pings bypass ordering; answer with our acknowledged server index
	reply := &wire.Ping{Index: 0, Ack: s.serverIndex, ResendMissing: msg.ResendMissing}
	if err := s.transport.Send(reply); err != nil {
		s.log.Debugw("Failed to answer ping", zap.Error(err))
	}
}

// Close detaches all scopes and drops every pending reply handler; handlers
// with a close callback (pending creates and fetches) are failed through it,
// change-set replies are dropped without action. Further fetches fail with
// ErrSessionClosed.
func (s *Session) Close() {
	if s.closed {
		return
	}

	s.closed = true
	s.scopes = map[uint32]*sync.Scope{}
	s.scopeIndexes = map[*sync.Scope]uint32{}

	for index, pending := range s.pendingReplies {
		delete(s.pendingReplies, index)
		if pending.onClosed != nil {
			pending.onClosed()
		}
	}
}

func fragmentsFromWire(wireFragments []wire.Fragment) []*sync.SyncFragment {
	result := make([]*sync.SyncFragment, 0, len(wireFragments))
	for _, wf := range wireFragments {
		result = append(result, sync.FragmentFromWire(wf))
	}

	return result
}
