package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilycore/gateway-core/internal/apierror"
	"github.com/lilycore/gateway-core/internal/engine"
	"github.com/lilycore/gateway-core/internal/logx"
	"github.com/lilycore/gateway-core/internal/tts"
)

const writeWait = 10 * time.Second
const sendBufferSize = 32

// ttsRequest is the optional synthesis request nested on a chat frame,
// per spec §6.
type ttsRequest struct {
	Enabled bool          `json:"enabled"`
	Params  ttsParamsSpec `json:"params,omitempty"`
}

type ttsParamsSpec struct {
	Speaker    int    `json:"speaker"`
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model"`
	Lang       string `json:"lang"`
}

// inboundFrame is the union of every WS text-frame shape the client may
// send, per spec §4.11.
type inboundFrame struct {
	Type   string      `json:"type,omitempty"`
	UserID string      `json:"user_id,omitempty"`
	Text   string      `json:"text,omitempty"`
	TTS    *ttsRequest `json:"tts,omitempty"`
}

// handleWS upgrades the request and runs the connection's read pump on
// the calling goroutine, starting a dedicated write pump alongside it.
// Nothing here blocks on agent work: every branch either replies inline
// or hands off to dispatchAgentWork, whose callback re-enters through
// conn.send rather than touching the websocket directly.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Warn().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	c := &connection{
		ws:         ws,
		send:       make(chan []byte, sendBufferSize),
		sendBinary: make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
		lastPong:   time.Now(),
	}
	g.mu.Lock()
	g.allConns[c] = struct{}{}
	g.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	go g.writePump(c)
	g.readPump(c)
}

func (g *Gateway) writePump(c *connection) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case audio, ok := <-c.sendBinary:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, audio); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (g *Gateway) readPump(c *connection) {
	defer g.dropConnection(c)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			g.handleBinaryFrame(c, data)
		case websocket.TextMessage:
			g.handleTextFrame(c, data)
		}
	}
}

func (g *Gateway) handleBinaryFrame(c *connection, data []byte) {
	// Audio frames are forwarded to the STT client; transcripts come back
	// asynchronously through Gateway.HandleTranscript.
	if g.STT == nil {
		return
	}
	if err := g.STT.SendAudio(data); err != nil {
		logx.Warn().Err(err).Msg("gateway: failed forwarding audio frame to stt")
	}
}

func (g *Gateway) handleTextFrame(c *connection, data []byte) {
	raw := string(data)
	if raw == "ping" || raw == `"ping"` {
		trySend(c, []byte("pong"))
		return
	}
	if userID, ok := strings.CutPrefix(raw, "register:"); ok {
		g.registerConnection(c, userID)
		trySend(c, []byte("registered"))
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		trySend(c, mustJSON(map[string]any{"type": "error", "message": "invalid frame"}))
		return
	}

	switch frame.Type {
	case "session_start":
		g.Sessions.Start(frame.UserID)
		g.dispatchAgentWork(frame.UserID, frame.Text, func(loop engine.AgentLoop) {
			g.sendToUser(frame.UserID, map[string]any{"type": "session_start", "user_id": frame.UserID, "text": loop.FinalResponse})
		})

	case "session_end":
		g.dispatchAgentWork(frame.UserID, frame.Text, func(loop engine.AgentLoop) {
			g.sendToUser(frame.UserID, map[string]any{"type": "session_end", "user_id": frame.UserID, "text": loop.FinalResponse})
			g.Sessions.End(frame.UserID)
		})

	default:
		g.Sessions.Touch(frame.UserID)
		g.dispatchAgentWork(frame.UserID, frame.Text, func(loop engine.AgentLoop) {
			g.sendToUser(frame.UserID, map[string]any{"type": "response", "user_id": frame.UserID, "text": loop.FinalResponse})
			g.maybeSynthesize(frame.UserID, loop.FinalResponse, frame.TTS)
		})
	}
}

// maybeSynthesize fires off a best-effort TTS synthesis for text and
// pushes the resulting audio to userID as a binary WS frame. It never
// blocks the caller and never affects the text reply already in flight:
// per spec's error-handling section, a TTS failure degrades to a
// text-only reply rather than surfacing to the client.
func (g *Gateway) maybeSynthesize(userID, text string, req *ttsRequest) {
	if g.TTS == nil || req == nil || !req.Enabled || text == "" {
		return
	}

	go func() {
		audio, err := g.TTS.Synthesize(tts.Request{
			Text:       text,
			Speaker:    req.Params.Speaker,
			SampleRate: req.Params.SampleRate,
			Model:      req.Params.Model,
			Lang:       req.Params.Lang,
		})
		if err != nil {
			logx.Warn().Err(err).Str("user", userID).Msg("gateway: tts synthesis failed, falling back to text-only reply")
			return
		}
		g.sendAudioToUser(userID, audio)
	}()
}

func (g *Gateway) registerConnection(c *connection, userID string) {
	g.mu.Lock()
	if existing, ok := g.connsByUser[userID]; ok && existing != c {
		existing.closeDone()
		delete(g.allConns, existing)
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	g.connsByUser[userID] = c
	g.mu.Unlock()
}

func (g *Gateway) dropConnection(c *connection) {
	g.mu.Lock()
	delete(g.allConns, c)
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID != "" {
		if existing, ok := g.connsByUser[userID]; ok && existing == c {
			delete(g.connsByUser, userID)
		}
	}
	g.mu.Unlock()

	c.closeDone()
	c.ws.Close()
}

func trySend(c *connection, data []byte) {
	select {
	case c.send <- data:
	default:
		logx.Warn().Msg("gateway: dropping frame, connection send buffer full")
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"encode failure"}`)
	}
	return data
}

// -- HTTP endpoints --------------------------------------------------

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "UP"})
}

func (g *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snap := g.Config.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"gemini_model":         snap.GeminiModel,
		"gemini_system_prompt": snap.GeminiSystemPrompt,
		"gemini_api_keys":      g.Config.MaskedKeys(),
		"max_queue_size":       snap.MaxQueueSize,
		"max_concurrent_tasks": snap.MaxConcurrentTasks,
		"ping_interval_sec":    snap.PingIntervalSec,
		"pong_timeout_sec":     snap.PongTimeoutSec,
		"default_user_id":      snap.DefaultUserID,
	})
}

type configUpdateRequest struct {
	GeminiAPIKeys      []string `json:"gemini_api_keys,omitempty"`
	GeminiModel        string   `json:"gemini_model,omitempty"`
	GeminiSystemPrompt string   `json:"gemini_system_prompt,omitempty"`
}

func (g *Gateway) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	traceID := r.Header.Get("X-Trace-ID")

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.BadRequest(w, traceID, "invalid JSON body", "")
		return
	}

	if req.GeminiAPIKeys != nil {
		if err := g.Config.SetGeminiKeys(req.GeminiAPIKeys); err != nil {
			apierror.InternalError(w, traceID, "failed to persist config", err.Error())
			return
		}
	}
	if req.GeminiModel != "" {
		if err := g.Config.SetGeminiModel(req.GeminiModel); err != nil {
			apierror.InternalError(w, traceID, "failed to persist config", err.Error())
			return
		}
	}
	if req.GeminiSystemPrompt != "" {
		if err := g.Config.SetGeminiSystemPrompt(req.GeminiSystemPrompt); err != nil {
			apierror.InternalError(w, traceID, "failed to persist config", err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (g *Gateway) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	connected := len(g.connsByUser)
	g.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"connected_users": connected,
		"active_sessions": len(g.Sessions.List()),
		"queue_length":    g.Pool.Len(),
		"jobs_in_flight":  g.Pool.InFlight(),
		"known_services":  len(g.Registry.Services()),
		"known_tools":     len(g.Registry.Tools()),
	})
}

// handleTools reports the per-server tool list, per spec §4.11 — not the
// merged cross-server catalog the engine actually dispatches against
// (that's g.Registry.Tools(), used internally by the engine/LLM client).
func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": g.Registry.Catalog()})
}

func (g *Gateway) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": g.Sessions.List()})
}

func (g *Gateway) handleConnectedUsers(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	users := make([]string, 0, len(g.connsByUser))
	for u := range g.connsByUser {
		users = append(users, u)
	}
	g.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"connected_users": users})
}

// chatRequest is the documented POST /chat body, per spec §6.
type chatRequest struct {
	Message string      `json:"message"`
	UserID  string      `json:"user_id"`
	TTS     *ttsRequest `json:"tts,omitempty"`
}

// handleChat is a synchronous-looking HTTP facade over the same worker
// pool the WS path uses: the request handler submits the work and blocks
// on a local result channel rather than the connection's send channel.
// Per spec §4.11 the response carries only {response, timestamp} — any
// requested TTS synthesis happens out of band and, if the user also has
// an open WS connection, arrives there as a binary frame.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	traceID := r.Header.Get("X-Trace-ID")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.BadRequest(w, traceID, "invalid JSON body", "")
		return
	}
	if req.UserID == "" {
		req.UserID = g.Config.Snapshot().DefaultUserID
	}

	result := make(chan engine.AgentLoop, 1)
	err := g.Pool.Submit(func() {
		result <- g.Engine.Run(context.Background(), req.UserID, req.Message)
	})
	if err != nil {
		apierror.ServiceUnavailable(w, traceID, "agent worker queue is full, try again shortly")
		return
	}

	loop := <-result
	g.maybeSynthesize(req.UserID, loop.FinalResponse, req.TTS)

	writeJSON(w, http.StatusOK, map[string]any{
		"response":  loop.FinalResponse,
		"timestamp": loop.End.UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	history := g.Memory.Get(userID, 0)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "messages": history})
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	g.Memory.Clear(userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": "cleared"})
}

// handleAgentLoops reports the last loop in the buffer, per spec §4.11 —
// singular, not the full retained ring.
func (g *Gateway) handleAgentLoops(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = g.Config.Snapshot().DefaultUserID
	}

	loop, ok := g.Engine.LastLoopFor(userID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "loop": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "loop": loop})
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	apierror.NotFound(w, r.Header.Get("X-Trace-ID"), "no such endpoint: "+r.Method+" "+r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
