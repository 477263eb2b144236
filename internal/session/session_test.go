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

package session

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/model"
	"github.com/modelwire/modelwire/internal/runner"
	"github.com/modelwire/modelwire/internal/sync"
	"github.com/modelwire/modelwire/internal/wire"
)

type fakeTransport struct {
	sent       []wire.Message
	reconnects int
	onSend     func(msg wire.Message)
}

func (t *fakeTransport) Send(msg wire.Message) error {
	t.sent = append(t.sent, msg)
	if t.onSend != nil {
		t.onSend(msg)
	}

	return nil
}

func (t *fakeTransport) Reconnect() {
	t.reconnects++
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testRegistry(t *testing.T) *model.Registry {
	t.Helper()

	registry := model.NewRegistry()

	typ, err := registry.DefineType("Board", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := typ.DefineProperty(model.Property{Name: "title", Kind: model.KindString}); err != nil {
		t.Fatal(err)
	}
	if err := typ.DefineProperty(model.Property{Name: "count", Kind: model.KindInt}); err != nil {
		t.Fatal(err)
	}

	return registry
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *sync.Scope, *sync.Object) {
	t.Helper()

	registry := testRegistry(t)
	transport := &fakeTransport{}
	sess := New(testLogger(), runner.New(), transport)

	scope := sync.NewScope(testLogger(), registry, "Boards", nil)
	root := sync.New(testLogger(), registry, registry.Type("Board"))
	root.SetScopeAndMakeRoot(scope)
	scope.Flush()

	return sess, transport, scope, root
}

// attach fetches the scope and answers the fetch reply inline.
func attach(t *testing.T, sess *Session, transport *fakeTransport, scope *sync.Scope, scopeIndex uint32) {
	t.Helper()

	var fetchErr error
	fetched := false

	if err := sess.Fetch(scope, nil, func(err error) {
		fetched = true
		fetchErr = err
	}); err != nil {
		t.Fatal(err)
	}

	fetch, ok := transport.sent[len(transport.sent)-1].(*wire.ScopeFetch)
	if !ok {
		t.Fatalf("expected a ScopeFetch, got %T", transport.sent[len(transport.sent)-1])
	}

	sess.HandleMessage(&wire.ScopeFetchReply{
		Index:      sess.ServerIndex() + 1,
		ReplyTo:    fetch.Index,
		ScopeIndex: scopeIndex,
	})

	if !fetched || fetchErr != nil {
		t.Fatalf("fetch did not complete: %v (%v)", fetched, fetchErr)
	}
}

func TestOutgoingIndicesAreStrictlyIncreasingFromOne(t *testing.T) {
	sess, transport, scope, _ := newTestSession(t)

	if err := sess.Create(func(error) {}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Fetch(scope, nil, func(error) {}); err != nil {
		t.Fatal(err)
	}

	if len(transport.sent) != 2 {
		t.Fatalf("expected two sent messages, got %d", len(transport.sent))
	}
	if got := transport.sent[0].MessageIndex(); got != 1 {
		t.Fatalf("first message must carry index 1, got %d", got)
	}
	if got := transport.sent[1].MessageIndex(); got != 2 {
		t.Fatalf("second message must carry index 2, got %d", got)
	}
}

func TestSessionCreateStoresToken(t *testing.T) {
	sess, transport, _, _ := newTestSession(t)

	var createErr error
	if err := sess.Create(func(err error) { createErr = err }); err != nil {
		t.Fatal(err)
	}

	create := transport.sent[0].(*wire.SessionCreate)
	sess.HandleMessage(&wire.SessionCreateReply{
		Index:        1,
		ReplyTo:      create.Index,
		SessionToken: "token-123",
	})

	if createErr != nil {
		t.Fatal(createErr)
	}
	if sess.Token() != "token-123" {
		t.Fatalf("token not stored, got %q", sess.Token())
	}
}

func TestOutOfOrderMessageTriggersOneReconnect(t *testing.T) {
	sess, transport, scope, _ := newTestSession(t)
	attach(t, sess, transport, scope, 1)

	// drive the server index to 10
	for i := sess.ServerIndex() + 1; i <= 10; i++ {
		sess.HandleMessage(&wire.Ping{Index: i})
	}
	if sess.ServerIndex() != 10 {
		t.Fatalf("expected server index 10, got %d", sess.ServerIndex())
	}

	sess.HandleMessage(&wire.ScopeSync{Index: 12, ScopeIndex: 1})

	if sess.ServerIndex() != 10 {
		t.Fatalf("gap message must not advance the index, got %d", sess.ServerIndex())
	}
	if transport.reconnects != 1 {
		t.Fatalf("expected exactly one reconnect, got %d", transport.reconnects)
	}
}

func TestDuplicateMessagesAreDiscarded(t *testing.T) {
	sess, transport, scope, root := newTestSession(t)
	attach(t, sess, transport, scope, 1)

	state := &wire.ScopeState{
		Index:      sess.ServerIndex() + 1,
		ScopeIndex: 1,
		RootUUID:   root.UUID(),
		Fragments: []wire.Fragment{{
			Type: wire.FragmentAdd, UUID: root.UUID(), ClsName: "Board",
			Properties: map[string]any{"title": "from server", "count": 2.0},
		}},
	}

	sess.HandleMessage(state)

	if got := root.Get("title"); got != "from server" {
		t.Fatalf("scope state not applied: %v", got)
	}

	// mutate locally, then replay the same message; the order gate drops it
	if err := root.Set("title", "local edit"); err != nil {
		t.Fatal(err)
	}
	scope.Flush()

	before := transport.reconnects
	sess.HandleMessage(state)

	if got := root.Get("title"); got != "local edit" {
		t.Fatalf("duplicate message must be dropped, got %v", got)
	}
	if transport.reconnects != before {
		t.Fatal("duplicates must not trigger reconnects")
	}
}

func TestZeroIndexedMessagesBypassOrdering(t *testing.T) {
	sess, transport, scope, _ := newTestSession(t)
	attach(t, sess, transport, scope, 1)

	sent := len(transport.sent)
	sess.HandleMessage(&wire.Ping{Index: 0})

	if transport.reconnects != 0 {
		t.Fatal("zero-indexed messages must bypass the order gate")
	}
	if len(transport.sent) != sent+1 {
		t.Fatal("expected a ping answer")
	}
}

func TestChangeSetIsEnqueuedBeforeSend(t *testing.T) {
	sess, transport, scope, root := newTestSession(t)
	attach(t, sess, transport, scope, 1)

	transport.onSend = func(msg wire.Message) {
		if _, ok := msg.(*wire.ScopeSync); ok && sess.Queue().Len() != 1 {
			t.Fatal("change-set must be enqueued before the message is sent")
		}
	}

	if err := root.Set("title", "hello"); err != nil {
		t.Fatal(err)
	}
	scope.Flush()

	last, ok := transport.sent[len(transport.sent)-1].(*wire.ScopeSync)
	if !ok {
		t.Fatalf("expected a ScopeSync, got %T", transport.sent[len(transport.sent)-1])
	}
	if last.ScopeIndex != 1 {
		t.Fatalf("unexpected scope index %d", last.ScopeIndex)
	}
	if len(last.Fragments) != 1 {
		t.Fatalf("expected one fragment, got %d", len(last.Fragments))
	}

	// accept the reply: the set completes and leaves the queue
	sess.HandleMessage(&wire.ScopeSyncReply{
		Index:           sess.ServerIndex() + 1,
		ReplyTo:         last.Index,
		FragmentReplies: []wire.FragmentReply{{Accepted: true}},
	})

	if sess.Queue().Len() != 0 {
		t.Fatalf("expected empty queue after acceptance, got %d", sess.Queue().Len())
	}
}

func TestSyncReplyWithErrorRevertsChangeSet(t *testing.T) {
	sess, transport, scope, root := newTestSession(t)
	attach(t, sess, transport, scope, 1)

	if err := root.Set("title", "seeded"); err != nil {
		t.Fatal(err)
	}
	scope.Flush()
	seeded := transport.sent[len(transport.sent)-1].(*wire.ScopeSync)
	sess.HandleMessage(&wire.ScopeSyncReply{
		Index:           sess.ServerIndex() + 1,
		ReplyTo:         seeded.Index,
		FragmentReplies: []wire.FragmentReply{{Accepted: true}},
	})

	if err := root.Set("title", "doomed"); err != nil {
		t.Fatal(err)
	}
	scope.Flush()

	last := transport.sent[len(transport.sent)-1].(*wire.ScopeSync)
	sess.HandleMessage(&wire.ScopeSyncReply{
		Index:   sess.ServerIndex() + 1,
		ReplyTo: last.Index,
		Error:   &wire.ErrorDetail{Message: "boom", Type: wire.ErrorTypeCouldNotApplySyncMessage},
	})

	if got := root.Get("title"); got != "seeded" {
		t.Fatalf("expected revert to the accepted state, got %v", got)
	}
	if sess.Queue().Len() != 0 {
		t.Fatalf("expected empty queue, got %d", sess.Queue().Len())
	}
}

func TestIncomingScopeSyncAppliesWithoutEcho(t *testing.T) {
	sess, transport, scope, root := newTestSession(t)
	attach(t, sess, transport, scope, 1)

	sent := len(transport.sent)

	sess.HandleMessage(&wire.ScopeSync{
		Index:      sess.ServerIndex() + 1,
		ScopeIndex: 1,
		Fragments: []wire.Fragment{{
			Type: wire.FragmentChange, UUID: root.UUID(), ClsName: "Board",
			Properties: map[string]any{"count": 5.0},
		}},
	})

	if got := root.Get("count"); got != int64(5) {
		t.Fatalf("server change not applied: %v", got)
	}

	scope.Flush()
	if len(transport.sent) != sent {
		t.Fatal("applying server changes must not echo messages back")
	}
}

func TestCloseFailsPendingCallbacks(t *testing.T) {
	sess, _, scope, _ := newTestSession(t)

	var fetchErr error
	if err := sess.Fetch(scope, nil, func(err error) { fetchErr = err }); err != nil {
		t.Fatal(err)
	}

	sess.Close()

	if !errors.Is(fetchErr, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", fetchErr)
	}

	if err := sess.Fetch(scope, nil, func(error) {}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("fetch on closed session must fail, got %v", err)
	}
}
