package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

type recordingHandler struct {
	mu       sync.Mutex
	messages []Message
}

func (h *recordingHandler) HandleTranscript(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectAndReceiveTranscripts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()
		conn.WriteJSON(Message{Type: "interim", Text: "hel"})
		conn.WriteJSON(Message{Type: "final", Text: "hello"})
		time.Sleep(50 * time.Millisecond)
	}))
	defer ts.Close()

	h := &recordingHandler{}
	c := NewClient(wsURL(ts.URL), h)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(time.Second)
	for h.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.count() != 2 {
		t.Fatalf("expected 2 transcripts, got %d", h.count())
	}
}

func TestSendAudioWithoutConnectFails(t *testing.T) {
	c := NewClient("ws://unused", &recordingHandler{})
	if err := c.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error sending audio before Connect")
	}
}

func TestSendAudioForwardsBinaryFrame(t *testing.T) {
	received := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := upgrader.Upgrade(w, r, nil)
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	}))
	defer ts.Close()

	c := NewClient(wsURL(ts.URL), &recordingHandler{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.SendAudio([]byte("audio-chunk")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "audio-chunk" {
			t.Fatalf("got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("server did not receive audio chunk")
	}
}
