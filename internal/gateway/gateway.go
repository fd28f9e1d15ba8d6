// Package gateway unifies the HTTP API and the WebSocket hub on one port.
//
// Grounded on api-gateway/gates/routes.go for the middleware-chain and
// multiplexed-path idiom (this package drops the reverse-proxy use of
// that idiom since there is nothing left to proxy to — the Agent Loop
// Engine runs in-process here — but keeps the chain(...) composition and
// the "accept /api/... and bare paths" convention). The connection
// lifecycle and WS routing follow spec §4.11 directly; there is no
// existing WS hub in the teacher to ground that part on, so it is built
// in the same mutex-guarded-map style as internal/session and
// internal/registry.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilycore/gateway-core/internal/config"
	"github.com/lilycore/gateway-core/internal/engine"
	"github.com/lilycore/gateway-core/internal/logx"
	"github.com/lilycore/gateway-core/internal/memory"
	"github.com/lilycore/gateway-core/internal/metrics"
	"github.com/lilycore/gateway-core/internal/registry"
	"github.com/lilycore/gateway-core/internal/session"
	"github.com/lilycore/gateway-core/internal/stt"
	"github.com/lilycore/gateway-core/internal/tts"
	"github.com/lilycore/gateway-core/internal/workerpool"
)

const defaultRateLimit = 120 // requests per window, per client address
const rateLimitWindow = time.Minute

// connection is one WebSocket client. All websocket writes go through
// send so exactly one goroutine (writePump) ever calls ws.WriteMessage,
// per gorilla/websocket's concurrency contract.
type connection struct {
	ws         *websocket.Conn
	send       chan []byte
	sendBinary chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	userID   string
	lastPong time.Time
}

func (c *connection) closeDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Gateway is the composed HTTP + WebSocket server.
type Gateway struct {
	Config   *config.Config
	Sessions *session.Tracker
	Memory   *memory.Store
	Registry *registry.Registry
	Engine   *engine.Engine
	TTS      *tts.Client
	STT      *stt.Client
	Pool     *workerpool.Pool

	upgrader websocket.Upgrader
	limiter  *rateLimiter

	mu          sync.RWMutex
	connsByUser map[string]*connection
	allConns    map[*connection]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New wires a Gateway from its already-constructed dependencies. Nothing
// here talks to the network until Router/Run are called.
func New(cfg *config.Config, sessions *session.Tracker, mem *memory.Store, reg *registry.Registry, eng *engine.Engine, ttsClient *tts.Client, sttClient *stt.Client, pool *workerpool.Pool) *Gateway {
	return &Gateway{
		Config:      cfg,
		Sessions:    sessions,
		Memory:      mem,
		Registry:    reg,
		Engine:      eng,
		TTS:         ttsClient,
		STT:         sttClient,
		Pool:        pool,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		limiter:     newRateLimiter(defaultRateLimit, rateLimitWindow),
		connsByUser: make(map[string]*connection),
		allConns:    make(map[*connection]struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Router builds the fully middleware-wrapped HTTP handler, including the
// WS upgrade endpoint, ready to pass to http.Server.
func (g *Gateway) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /config", g.handleGetConfig)
	mux.HandleFunc("POST /config", g.handlePostConfig)
	mux.HandleFunc("GET /monitoring", g.handleMonitoring)
	mux.HandleFunc("GET /tools", g.handleTools)
	mux.HandleFunc("GET /active-sessions", g.handleActiveSessions)
	mux.HandleFunc("GET /connected-users", g.handleConnectedUsers)
	mux.HandleFunc("POST /chat", g.handleChat)
	mux.HandleFunc("GET /conversation/{user_id}", g.handleGetConversation)
	mux.HandleFunc("DELETE /conversation/{user_id}", g.handleDeleteConversation)
	mux.HandleFunc("GET /agent-loops", g.handleAgentLoops)
	mux.HandleFunc("/", g.handleNotFound)

	withAPIPrefix := func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = trimAPIPrefix(r.URL.Path)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
		mux.ServeHTTP(w, r)
	}

	return chain(withAPIPrefix, corsMiddleware, tracingMiddleware, validationMiddleware, rateLimitMiddleware(g.limiter))
}

// Run starts the ping-sweep loop. Blocks until Stop is called.
func (g *Gateway) Run() {
	defer close(g.doneCh)
	interval := time.Duration(g.Config.Snapshot().PingIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sweepConnections()
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.doneCh
}

func (g *Gateway) sweepConnections() {
	timeout := time.Duration(g.Config.Snapshot().PongTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	g.mu.RLock()
	conns := make([]*connection, 0, len(g.allConns))
	for c := range g.allConns {
		conns = append(conns, c)
	}
	connected := len(g.connsByUser)
	g.mu.RUnlock()

	metrics.SetActiveConnections(connected)
	metrics.SetWorkerPoolGauges(g.Pool.Len(), g.Pool.InFlight())
	metrics.SetRegistryGauges(len(g.Registry.Services()), len(g.Registry.Tools()))

	now := time.Now()
	for _, c := range conns {
		c.mu.Lock()
		stale := now.Sub(c.lastPong) > timeout
		c.mu.Unlock()

		if stale {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "pong timeout"),
				time.Now().Add(time.Second))
			g.dropConnection(c)
			continue
		}
		select {
		case c.send <- pingFrame:
		default:
		}
	}
}

var pingFrame = []byte("ping")

// Broadcast implements session.Broadcaster: it delivers event/payload as
// a JSON frame to every currently registered user.
func (g *Gateway) Broadcast(event string, payload any) {
	frame, err := json.Marshal(map[string]any{"type": event, "payload": payload})
	if err != nil {
		logx.Error().Err(err).Msg("gateway: failed to marshal broadcast frame")
		return
	}

	g.mu.RLock()
	targets := make([]*connection, 0, len(g.connsByUser))
	for _, c := range g.connsByUser {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			logx.Warn().Msg("gateway: dropping broadcast frame, connection send buffer full")
		}
	}
}

// HandleTranscript implements stt.Handler: final transcripts with no
// client_id are treated as chat input from the default user, per §4.9.
// Interim/final transcripts destined for a specific client go out as a
// "transcription:"-prefixed frame, per §6's wire format.
func (g *Gateway) HandleTranscript(msg stt.Message) {
	if msg.ClientID != "" {
		g.sendTranscriptionToUser(msg.ClientID, map[string]any{"type": msg.Type, "text": msg.Text})
		return
	}
	if msg.Type != "final" {
		return
	}

	userID := g.Config.Snapshot().DefaultUserID
	g.dispatchAgentWork(userID, msg.Text, func(loop engine.AgentLoop) {
		g.sendToUser(userID, map[string]any{"type": "response", "user_id": userID, "text": loop.FinalResponse})
	})
}

const transcriptionPrefix = "transcription:"

// sendTranscriptionToUser marshals frame and sends it prefixed with
// "transcription:", the bare-text framing §6 documents for STT output.
func (g *Gateway) sendTranscriptionToUser(userID string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		logx.Error().Err(err).Msg("gateway: failed to marshal transcription frame")
		return
	}
	g.sendBytesToUser(userID, append([]byte(transcriptionPrefix), data...))
}

func (g *Gateway) sendToUser(userID string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		logx.Error().Err(err).Msg("gateway: failed to marshal outbound frame")
		return
	}
	g.sendBytesToUser(userID, data)
}

func (g *Gateway) sendBytesToUser(userID string, data []byte) {
	g.mu.RLock()
	c, ok := g.connsByUser[userID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.send <- data:
	default:
		logx.Warn().Str("user", userID).Msg("gateway: dropping frame, connection send buffer full")
	}
}

// sendAudioToUser pushes synthesized audio as a binary WS frame to
// userID's connection, if one is registered. There is no queued-for-later
// delivery: a user who isn't connected simply doesn't receive the audio,
// matching the text-only fallback spec §4.1's error-handling section
// describes for TTS failures.
func (g *Gateway) sendAudioToUser(userID string, audio []byte) {
	g.mu.RLock()
	c, ok := g.connsByUser[userID]
	g.mu.RUnlock()
	if !ok {
		logx.Warn().Str("user", userID).Msg("gateway: tts audio ready but user has no open connection, dropping")
		return
	}

	select {
	case c.sendBinary <- audio:
	default:
		logx.Warn().Str("user", userID).Msg("gateway: dropping tts audio, connection send buffer full")
	}
}

// dispatchAgentWork submits an agent-loop run to the Worker Pool and
// invokes onDone with the result. onDone runs on a worker goroutine, not
// the WS read loop; it must only enqueue onto a connection's send
// channel, never call ws.WriteMessage directly. If the queue is full the
// work is dropped and userID's connection, if any, gets an error frame.
func (g *Gateway) dispatchAgentWork(userID, message string, onDone func(engine.AgentLoop)) {
	err := g.Pool.Submit(func() {
		loop := g.Engine.Run(context.Background(), userID, message)
		onDone(loop)
	})
	if err != nil {
		logx.Warn().Err(err).Str("user", userID).Msg("gateway: worker queue full, dropping agent work")
		g.sendToUser(userID, map[string]any{"type": "error", "message": "agent worker queue is full"})
	}
}
