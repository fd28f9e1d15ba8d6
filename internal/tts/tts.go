// Package tts synthesizes speech over a per-request WebSocket connection.
//
// Grounded on the gorilla/websocket Dialer/ReadJSON/WriteJSON idiom in
// nugget-thane-ai-agent/internal/homeassistant/websocket.go, retargeted
// from a persistent authenticated session to a fresh per-call connection
// per spec §4.8.
package tts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilycore/gateway-core/internal/logx"
)

const (
	maxRetries       = 3
	retryBackoff     = time.Second
	maxIdlePings     = 10
	synthesisTimeout = 30 * time.Second
)

// Request is the outbound text frame for a synthesis call.
type Request struct {
	Text       string `json:"text"`
	Speaker    int    `json:"speaker"`
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model"`
	Lang       string `json:"lang"`
}

// statusFrame is the inbound text frame announcing success or failure.
type statusFrame struct {
	Status string `json:"status"`
}

// Client synthesizes speech against a single TTS WebSocket endpoint.
type Client struct {
	URL string
}

// NewClient creates a Client targeting the given WebSocket URL.
func NewClient(url string) *Client {
	return &Client{URL: url}
}

// Synthesize sends req and returns the concatenated binary audio payload.
// It makes up to 3 attempts with a 1s backoff, closing and re-dialing
// between attempts, per spec §4.8.
func (c *Client) Synthesize(req Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}

		audio, err := c.synthesizeOnce(req)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		logx.Warn().Err(err).Int("attempt", attempt+1).Msg("tts: synthesis attempt failed")
	}
	return nil, fmt.Errorf("tts synthesis failed after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) synthesizeOnce(req Request) ([]byte, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial tts endpoint: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(synthesisTimeout))

	// gorilla/websocket dispatches control frames through these handlers
	// rather than returning them from ReadMessage; count them here so a
	// run of idle keepalives can still trip the hang ceiling.
	pings := 0
	hung := false
	countPing := func(string) error {
		pings++
		if pings > maxIdlePings {
			hung = true
			return fmt.Errorf("tts exchange hung after %d ping/pong frames", maxIdlePings)
		}
		return nil
	}
	conn.SetPingHandler(countPing)
	conn.SetPongHandler(countPing)

	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send synthesis request: %w", err)
	}

	var audio bytes.Buffer
	gotStatus := false

	for {
		if hung {
			return nil, fmt.Errorf("tts exchange hung after %d ping/pong frames", maxIdlePings)
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if gotStatus && audio.Len() > 0 {
					return audio.Bytes(), nil
				}
				return nil, fmt.Errorf("connection closed before any audio arrived")
			}
			return nil, fmt.Errorf("read tts frame: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			var status statusFrame
			if err := json.Unmarshal(data, &status); err != nil {
				return nil, fmt.Errorf("decode tts status frame: %w", err)
			}
			if status.Status != "success" {
				return nil, fmt.Errorf("tts reported failure status %q", status.Status)
			}
			gotStatus = true
		case websocket.BinaryMessage:
			audio.Write(data)
		}
	}
}
