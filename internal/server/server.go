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

// Package server hosts the authority side: it accepts websocket sessions,
// resolves sync fragments through the write-concern registry, folds accepted
// fragments into the persisted scope state and relays them to every other
// session attached to the same scope.
package server

import (
	"fmt"
	"net/http"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/wire"
)

// Server is the authority endpoint. Scopes must be registered before
// clients fetch them.
type Server struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	tokens   *TokenIssuer
	concerns *ConcernRegistry

	mu       gosync.Mutex
	scopes   map[string]*ScopeStore
	sessions map[string]*clientSession
}

// clientSession is the authority's view of one connected client.
type clientSession struct {
	id   string
	conn *websocket.Conn
	log  *zap.SugaredLogger

	// writes to one connection are serialized; the broadcast path crosses
	// session goroutines
	writeMu gosync.Mutex

	// outIndex numbers the ordered messages this server sends to the client
	outIndex uint64

	// attachedScopes maps the indices handed out by ScopeFetchReply
	attachedScopes map[uint32]*ScopeStore
	nextScopeIndex uint32
}

func New(log *zap.SugaredLogger, tokens *TokenIssuer, concerns *ConcernRegistry) *Server {
	return &Server{
		log:      log,
		tokens:   tokens,
		concerns: concerns,
		scopes:   map[string]*ScopeStore{},
		sessions: map[string]*clientSession{},
	}
}

// AddScope registers a scope store under its name.
func (s *Server) AddScope(store *ScopeStore) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scopes[store.Name()] = store
}

// Handler returns the websocket http handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleConnection)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("Failed to upgrade connection", zap.Error(err))
		return
	}

	session := &clientSession{
		id:             uuid.NewString(),
		conn:           conn,
		attachedScopes: map[uint32]*ScopeStore{},
	}
	session.log = s.log.With("session", session.id)

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.id)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			session.log.Debugw("Session disconnected", zap.Error(err))
			return
		}

		msg, err := wire.ParseMessage(data)
		if err != nil {
			session.log.Warnw("Dropping malformed message", zap.Error(err))
			continue
		}

		messagesTotal.WithLabelValues(msg.MessageType()).Inc()
		s.handleMessage(session, msg)
	}
}

func (s *Server) handleMessage(session *clientSession, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.SessionCreate:
		s.handleSessionCreate(session, m)
	case *wire.ScopeFetch:
		s.handleScopeFetch(session, m)
	case *wire.ScopeSync:
		s.handleScopeSync(session, m)
	case *wire.Ping:
		s.send(session, &wire.Ping{Index: 0, Ack: m.Index})
	default:
		session.log.Debugw("Ignoring unexpected message", "type", msg.MessageType())
	}
}

func (s *Server) handleSessionCreate(session *clientSession, msg *wire.SessionCreate) {
	token, err := s.tokens.Mint(session.id)
	if err != nil {
		session.log.Errorw("Failed to mint session token", zap.Error(err))
		s.send(session, &wire.SessionCreateReply{
			Index:   s.nextIndex(session),
			ReplyTo: msg.Index,
			Error:   &wire.ErrorDetail{Message: "failed to create session"},
		})
		return
	}

	sessionsTotal.Inc()

	s.send(session, &wire.SessionCreateReply{
		Index:        s.nextIndex(session),
		ReplyTo:      msg.Index,
		SessionToken: token,
	})
}

func (s *Server) handleScopeFetch(session *clientSession, msg *wire.ScopeFetch) {
	s.mu.Lock()
	store, ok := s.scopes[msg.Name]
	s.mu.Unlock()

	if !ok {
		s.send(session, &wire.ScopeFetchReply{
			Index:   s.nextIndex(session),
			ReplyTo: msg.Index,
			Error: &wire.ErrorDetail{
				Message: fmt.Sprintf("no scope named %q", msg.Name),
				Type:    wire.ErrorTypeScopeNotFound,
			},
		})
		return
	}

	s.mu.Lock()
	session.nextScopeIndex++
	scopeIndex := session.nextScopeIndex
	session.attachedScopes[scopeIndex] = store
	s.mu.Unlock()

	s.send(session, &wire.ScopeFetchReply{
		Index:      s.nextIndex(session),
		ReplyTo:    msg.Index,
		ScopeIndex: scopeIndex,
	})

	fragments, err := store.StateFragments()
	if err != nil {
		session.log.Errorw("Failed to render scope state", "scope", store.Name(), zap.Error(err))
		return
	}

	s.send(session, &wire.ScopeState{
		Index:      s.nextIndex(session),
		ScopeIndex: scopeIndex,
		RootUUID:   store.RootUUID(),
		Fragments:  fragments,
	})
}

func (s *Server) handleScopeSync(session *clientSession, msg *wire.ScopeSync) {
	s.mu.Lock()
	store, ok := session.attachedScopes[msg.ScopeIndex]
	s.mu.Unlock()

	if !ok {
		s.send(session, &wire.ScopeSyncReply{
			Index:   s.nextIndex(session),
			ReplyTo: msg.Index,
			Error: &wire.ErrorDetail{
				Message: fmt.Sprintf("no scope at index %d", msg.ScopeIndex),
				Type:    wire.ErrorTypeScopeAtIndexNotFound,
			},
		})
		return
	}

	replies := s.concerns.ApplySyncFragmentsForScope(store.Name(), msg.Fragments)

	// atomic change-sets are all-or-nothing: one denial reverts the batch
	if msg.Atomic {
		denied := false
		for _, reply := range replies {
			if !reply.Accepted {
				denied = true
				break
			}
		}
		if denied {
			for i := range replies {
				replies[i].Accepted = false
				replies[i].Modifications = nil
			}
		}
	}

	var accepted []wire.Fragment
	for i, reply := range replies {
		if !reply.Accepted {
			fragmentsTotal.WithLabelValues("denied").Inc()
			continue
		}
		fragmentsTotal.WithLabelValues("accepted").Inc()

		if err := store.ApplyFragment(msg.Fragments[i], reply.Modifications); err != nil {
			session.log.Errorw("Failed to persist fragment", "uuid", msg.Fragments[i].UUID, zap.Error(err))
			replies[i] = wire.FragmentReply{
				Accepted: false,
				Error: &wire.ErrorDetail{
					Message: "could not apply sync fragment",
					Type:    wire.ErrorTypeCouldNotApplySyncMessage,
				},
			}
			continue
		}

		accepted = append(accepted, msg.Fragments[i])
	}

	s.send(session, &wire.ScopeSyncReply{
		Index:           s.nextIndex(session),
		ReplyTo:         msg.Index,
		FragmentReplies: replies,
	})

	if len(accepted) > 0 {
		s.broadcast(session, store, accepted)
	}
}

// broadcast relays accepted fragments to every other session attached to the
// same scope.
func (s *Server) broadcast(origin *clientSession, store *ScopeStore, fragments []wire.Fragment) {
	type target struct {
		session    *clientSession
		scopeIndex uint32
	}

	s.mu.Lock()
	var targets []target
	for _, other := range s.sessions {
		if other == origin {
			continue
		}
		for index, attached := range other.attachedScopes {
			if attached == store {
				targets = append(targets, target{session: other, scopeIndex: index})
			}
		}
	}
	s.mu.Unlock()

	for _, tgt := range targets {
		s.send(tgt.session, &wire.ScopeSync{
			Index:      s.nextIndex(tgt.session),
			ScopeIndex: tgt.scopeIndex,
			Fragments:  fragments,
		})
	}
}

func (s *Server) nextIndex(session *clientSession) uint64 {
	session.outIndex++
	return session.outIndex
}

func (s *Server) send(session *clientSession, msg wire.Message) {
	data, err := wire.Marshal(msg)
	if err != nil {
		session.log.Errorw("Failed to encode message", "type", msg.MessageType(), zap.Error(err))
		return
	}

	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	if err := session.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		session.log.Debugw("Failed to write message", zap.Error(err))
	}
}
