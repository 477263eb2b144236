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

// Package transport frames wire messages over a websocket connection. The
// reconnect policy is intentionally thin: a reconnect tears the connection
// down and dials again; session re-establishment is the caller's business.
package transport

import (
	"fmt"
	gosync "sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modelwire/modelwire/internal/runner"
	"github.com/modelwire/modelwire/internal/wire"
)

// Status describes transport connectivity transitions.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusReconnecting
)

// StatusCallback observes connectivity transitions.
type StatusCallback func(status Status)

// MessageCallback receives parsed incoming messages, posted on the session's
// runner.
type MessageCallback func(msg wire.Message)

// WebSocket is a client transport over one websocket connection. Send may be
// called from the session; the read loop posts every parsed message through
// the runner so the session never sees concurrent calls.
type WebSocket struct {
	log    *zap.SugaredLogger
	url    string
	rn     *runner.Runner
	onMsg  MessageCallback
	status StatusCallback

	mu   gosync.Mutex
	conn *websocket.Conn
}

func NewWebSocket(log *zap.SugaredLogger, url string, rn *runner.Runner, onMsg MessageCallback, status StatusCallback) *WebSocket {
	return &WebSocket{
		log:    log.With("url", url),
		url:    url,
		rn:     rn,
		onMsg:  onMsg,
		status: status,
	}
}

// Connect dials the endpoint and starts the read loop.
func (t *WebSocket) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if t.status != nil {
		t.status(StatusConnected)
	}

	go t.readLoop(conn)

	return nil
}

// Send marshals and writes one message.
func (t *WebSocket) Send(msg wire.Message) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Reconnect tears the connection down and dials again.
func (t *WebSocket) Reconnect() {
	if t.status != nil {
		t.status(StatusReconnecting)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	if err := t.Connect(); err != nil {
		t.log.Errorw("Reconnect failed", zap.Error(err))
		if t.status != nil {
			t.status(StatusDisconnected)
		}
	}
}

// Close shuts the connection down for good.
func (t *WebSocket) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.conn != conn
			t.mu.Unlock()

			if !closed {
				t.log.Debugw("Read loop ended", zap.Error(err))
				if t.status != nil {
					t.status(StatusDisconnected)
				}
			}
			return
		}

		msg, err := wire.ParseMessage(data)
		if err != nil {
			// drop unparseable messages
			t.log.Warnw("Dropping malformed message", zap.Error(err))
			continue
		}

		t.rn.Post(func() {
			t.onMsg(msg)
		})
	}
}
