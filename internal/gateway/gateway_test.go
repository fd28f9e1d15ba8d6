package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilycore/gateway-core/internal/config"
	"github.com/lilycore/gateway-core/internal/engine"
	"github.com/lilycore/gateway-core/internal/llm"
	"github.com/lilycore/gateway-core/internal/memory"
	"github.com/lilycore/gateway-core/internal/registry"
	"github.com/lilycore/gateway-core/internal/session"
	"github.com/lilycore/gateway-core/internal/stt"
	"github.com/lilycore/gateway-core/internal/workerpool"
)

// newPipeConn spins up a one-shot WS server so sweepConnections tests have
// a real *websocket.Conn to issue WriteControl against.
func newPipeConn(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-serverConnCh
	return server, client
}

type scriptedLLM struct{ reply string }

func (s *scriptedLLM) Call(ctx context.Context, prompt string, tools []registry.Tool) llm.Response {
	return llm.Response{Candidates: []llm.Candidate{{Content: llm.Content{Parts: []llm.Part{{Text: s.reply}}}}}}
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, toolName string, params any) map[string]any {
	return map[string]any{"status": "success"}
}

func newTestGateway(t *testing.T, reply string) *Gateway {
	t.Helper()
	cfg := config.Load()
	mem := memory.New()
	reg := registry.New("localhost", "8500", "test-gateway", "localhost", 9000, nil, false)
	eng := engine.New(&scriptedLLM{reply: reply}, noopExecutor{}, reg, mem, func() string { return "system" })
	pool := workerpool.New(2, 10)

	gw := New(cfg, nil, mem, reg, eng, nil, nil, pool)
	sessions := session.New(time.Minute, gw)
	gw.Sessions = sessions
	return gw
}

func newTestConnection() *connection {
	return &connection{
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}
}

func TestRegisterConnectionReplacesExisting(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	first := newTestConnection()
	second := newTestConnection()
	gw.mu.Lock()
	gw.allConns[first] = struct{}{}
	gw.allConns[second] = struct{}{}
	gw.mu.Unlock()

	gw.registerConnection(first, "u1")
	gw.registerConnection(second, "u1")

	select {
	case <-first.done:
	default:
		t.Fatalf("expected the replaced connection's done channel to be closed")
	}

	gw.mu.RLock()
	current := gw.connsByUser["u1"]
	gw.mu.RUnlock()
	if current != second {
		t.Fatalf("expected the newest registration to own the user mapping")
	}
}

func TestBroadcastWithNoConnectionsIsNoop(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	// Must not panic or block when nobody is registered.
	gw.Broadcast("session_expired", map[string]any{"user_id": "ghost"})
}

func TestSweepConnectionsClosesStaleConnections(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	stale := newTestConnection()
	stale.lastPong = time.Now().Add(-time.Hour)
	stale.userID = "stale-user"

	server, client := newPipeConn(t)
	defer client.Close()
	stale.ws = server

	gw.mu.Lock()
	gw.allConns[stale] = struct{}{}
	gw.connsByUser["stale-user"] = stale
	gw.mu.Unlock()

	gw.sweepConnections()

	gw.mu.RLock()
	_, stillTracked := gw.allConns[stale]
	_, stillMapped := gw.connsByUser["stale-user"]
	gw.mu.RUnlock()

	if stillTracked || stillMapped {
		t.Fatalf("expected a connection past the pong timeout to be dropped")
	}
}

func TestSweepConnectionsPingsFreshConnections(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	fresh := newTestConnection()
	gw.mu.Lock()
	gw.allConns[fresh] = struct{}{}
	gw.mu.Unlock()

	gw.sweepConnections()

	select {
	case msg := <-fresh.send:
		if string(msg) != "ping" {
			t.Fatalf("expected a ping frame, got %q", msg)
		}
	default:
		t.Fatalf("expected a ping frame to be queued for a fresh connection")
	}
}

func TestHandleTextFramePingRepliesPong(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	c := newTestConnection()
	gw.handleTextFrame(c, []byte("ping"))

	select {
	case msg := <-c.send:
		if string(msg) != "pong" {
			t.Fatalf("expected pong, got %q", msg)
		}
	default:
		t.Fatalf("expected a queued pong reply")
	}
}

func TestHandleTextFrameRegisterPrefixRepliesRegistered(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	c := newTestConnection()
	gw.mu.Lock()
	gw.allConns[c] = struct{}{}
	gw.mu.Unlock()

	gw.handleTextFrame(c, []byte("register:u2"))

	select {
	case msg := <-c.send:
		if string(msg) != "registered" {
			t.Fatalf("expected bare 'registered' reply, got %q", msg)
		}
	default:
		t.Fatalf("expected a queued registered reply")
	}

	gw.mu.RLock()
	current := gw.connsByUser["u2"]
	gw.mu.RUnlock()
	if current != c {
		t.Fatalf("expected register: prefix to register the connection under u2")
	}
}

func TestHandleTextFrameDefaultDispatchesAgentWorkAndReplies(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hello there")
	defer gw.Pool.Shutdown()

	c := newTestConnection()
	gw.registerConnection(c, "u1")
	gw.handleTextFrame(c, []byte(`{"type":"chat","user_id":"u1","text":"hi"}`))

	select {
	case msg := <-c.send:
		if string(msg) == "" {
			t.Fatalf("expected a non-empty response frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the agent's response frame")
	}
}

func TestHandleTranscriptSendsPrefixedFrameToClient(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	c := newTestConnection()
	gw.registerConnection(c, "u3")

	gw.HandleTranscript(stt.Message{Type: "interim", Text: "hel", ClientID: "u3"})

	select {
	case msg := <-c.send:
		if !strings.HasPrefix(string(msg), "transcription:") {
			t.Fatalf("expected a transcription:-prefixed frame, got %q", msg)
		}
		if !strings.Contains(string(msg), `"text":"hel"`) {
			t.Fatalf("expected transcript text in frame, got %q", msg)
		}
	default:
		t.Fatalf("expected a queued transcription frame")
	}
}

func TestHandleTextFrameInvalidJSONRepliesError(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	c := newTestConnection()
	gw.handleTextFrame(c, []byte(`not json`))

	select {
	case msg := <-c.send:
		if string(msg) != `{"message":"invalid frame","type":"error"}` {
			t.Fatalf("unexpected error frame: %s", msg)
		}
	default:
		t.Fatalf("expected an error frame to be queued")
	}
}

// TestHandleChatPureLLMReply exercises the documented POST /chat contract
// end to end: a plain reply with no tool usage, per the "pure LLM reply"
// scenario — request {message, user_id}, response {response, timestamp},
// the turn recorded in memory, and a single RESPONSE step in the loop.
func TestHandleChatPureLLMReply(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hello")
	defer gw.Pool.Shutdown()

	body := strings.NewReader(`{"message":"hi","user_id":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	rec := httptest.NewRecorder()

	gw.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Response  string `json:"response"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rec.Body.String())
	}
	if resp.Response != "hello" {
		t.Fatalf("expected response %q, got %q", "hello", resp.Response)
	}
	if resp.Timestamp == "" {
		t.Fatalf("expected a non-empty timestamp")
	}

	history := gw.Memory.Get("u1", 0)
	if len(history) != 2 || history[0].Content != "hi" || history[1].Content != "hello" {
		t.Fatalf("expected memory [user:hi, assistant:hello], got %+v", history)
	}

	loop, ok := gw.Engine.LastLoopFor("u1")
	if !ok {
		t.Fatalf("expected an agent loop to be recorded")
	}
	if len(loop.Steps) != 1 || loop.Steps[0].Type != engine.StepResponse {
		t.Fatalf("expected a single RESPONSE step, got %+v", loop.Steps)
	}
}

func TestHandleChatBadJSONBody(t *testing.T) {
	gw := newTestGateway(t, "FINAL_RESPONSE:hi")
	defer gw.Pool.Shutdown()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()

	gw.handleChat(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
