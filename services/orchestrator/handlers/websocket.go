// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/middleware"
	"github.com/openchatd/openchatd/services/orchestrator/observability"
	"github.com/openchatd/openchatd/services/orchestrator/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 15 * time.Second
)

// wsInbound is a client-to-server message on the WebSocket transport.
//
// # Fields
//
//   - Type: "chat" opens a stream, "stop" cancels the active one.
//   - StreamRequest: Embedded chat fields, used when Type is "chat".
type wsInbound struct {
	Type string `json:"type"`
	datatypes.StreamRequest
}

// wsConn serializes writes to one WebSocket connection. Gorilla permits at
// most one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// HandleChatWS serves GET /v1/chat/ws.
//
// # Description
//
// Upgrades the connection and serves chat turns over it. The client sends
// {"type":"chat", ...StreamRequest} to open a stream and receives the same
// event JSON as the SSE transport. One stream runs at a time per
// connection; {"type":"stop"} cancels it in-band. Closing the socket
// mid-stream cancels exactly like an SSE disconnect.
func (h *StreamHandler) HandleChatWS(allowedOrigins []string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(c *gin.Context) {
		sess, ok := middleware.GetSession(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}
		defer conn.Close()
		slog.Info("Websocket client connected", "session_id", sess.ID)

		ws := &wsConn{conn: conn}
		h.serveWS(c, ws, sess.ID)
	}
}

func (h *StreamHandler) serveWS(c *gin.Context, ws *wsConn, sessionID string) {
	endpoint := observability.EndpointChatWS

	// Read pump: inbound frames become chat or stop signals. A read error
	// means the client went away.
	inbound := make(chan wsInbound)
	readFailed := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(readFailed)
		for {
			var msg wsInbound
			if err := ws.conn.ReadJSON(&msg); err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				return
			}
			select {
			case inbound <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	var active *stream.Stream

	cancelActive := func() {
		if active != nil {
			active.Cancel()
			drainToSettled(active)
			active = nil
		}
	}
	defer cancelActive()

	for {
		var events <-chan datatypes.StreamEvent
		if active != nil {
			events = active.Events()
		}

		select {
		case <-readFailed:
			return

		case <-pingTicker.C:
			if err := ws.ping(); err != nil {
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}

		case msg := <-inbound:
			switch msg.Type {
			case "stop":
				cancelActive()
			case "chat":
				if active != nil {
					_ = ws.writeJSON(gin.H{"error": "a stream is already active on this connection"})
					continue
				}
				active = h.startWSStream(c, ws, sessionID, msg.StreamRequest, endpoint)
			default:
				_ = ws.writeJSON(gin.H{"error": "unknown message type"})
			}

		case ev, open := <-events:
			if !open {
				<-active.Done()
				active = nil
				continue
			}
			ev.Stamp()
			if err := ws.writeJSON(ev); err != nil {
				return
			}
		}
	}
}

// startWSStream validates and starts one stream, reporting pre-stream
// failures as JSON error frames.
func (h *StreamHandler) startWSStream(c *gin.Context, ws *wsConn, sessionID string,
	req datatypes.StreamRequest, endpoint observability.Endpoint) *stream.Stream {

	if err := req.Validate(); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		_ = ws.writeJSON(gin.H{
			"error": "invalid request: validation failed",
			"code":  observability.ErrorCodeValidation,
		})
		return nil
	}

	files, err := h.resolveFiles(c, req.FileRefs)
	if err != nil {
		_ = ws.writeJSON(gin.H{"error": err.Error()})
		return nil
	}

	st, err := h.orch.Start(c.Request.Context(), stream.Request{
		SessionID:      sessionID,
		ConversationID: req.ConversationID,
		UserText:       req.UserText,
		FileRefs:       req.FileRefs,
		Files:          files,
		Endpoint:       endpoint,
	})
	if err != nil {
		code := stream.ClassifyError(err)
		_ = ws.writeJSON(gin.H{
			"error": stream.PublicMessage(code),
			"code":  code,
		})
		return nil
	}
	return st
}

// originChecker builds the upgrade origin check from the CORS allow-list.
func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAny := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAny = true
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowAny {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
