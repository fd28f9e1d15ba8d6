package tts

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func TestSynthesizeSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()

		var req Request
		conn.ReadJSON(&req)
		conn.WriteJSON(statusFrame{Status: "success"})
		conn.WriteMessage(websocket.BinaryMessage, []byte("abc"))
		conn.WriteMessage(websocket.BinaryMessage, []byte("def"))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer ts.Close()

	c := NewClient(wsURL(ts.URL))
	audio, err := c.Synthesize(Request{Text: "hi", Speaker: 1, SampleRate: 16000, Model: "m", Lang: "en"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "abcdef" {
		t.Fatalf("got %q", audio)
	}
}

func TestSynthesizeFailureStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := upgrader.Upgrade(w, r, nil)
		defer conn.Close()
		var req Request
		conn.ReadJSON(&req)
		conn.WriteJSON(statusFrame{Status: "error"})
	}))
	defer ts.Close()

	c := NewClient(wsURL(ts.URL))
	_, err := c.Synthesize(Request{Text: "hi"})
	if err == nil {
		t.Fatalf("expected error on failure status")
	}
}

func TestSynthesizeImmediateCloseIsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := upgrader.Upgrade(w, r, nil)
		conn.Close()
	}))
	defer ts.Close()

	c := NewClient(wsURL(ts.URL))
	_, err := c.Synthesize(Request{Text: "hi"})
	if err == nil {
		t.Fatalf("expected error on immediate close")
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
