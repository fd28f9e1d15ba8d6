// Package stt maintains the persistent "echo" speech-to-text WebSocket
// connection: binary audio frames go out, decoded text frames come back
// in and are handed to a Handler (the Gateway).
//
// Grounded on the same gorilla/websocket Dialer/readLoop idiom as
// internal/tts and nugget-thane-ai-agent/internal/homeassistant/websocket.go,
// but kept as one long-lived connection rather than per-call, per spec §4.9.
package stt

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lilycore/gateway-core/internal/logx"
)

// Message is one decoded inbound transcription frame.
type Message struct {
	Type     string `json:"type"` // "interim" or "final"
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// Handler receives every decoded Message from the STT connection.
type Handler interface {
	HandleTranscript(Message)
}

// Client owns the single persistent connection to the echo STT endpoint.
type Client struct {
	url     string
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a Client. Connect must be called before use.
func NewClient(url string, handler Handler) *Client {
	return &Client{url: url, handler: handler}
}

// SetHandler replaces the transcript handler. Useful when the handler
// (the Gateway) cannot exist yet at NewClient time because it is itself
// constructed with this Client as a dependency.
func (c *Client) SetHandler(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect dials the endpoint and starts the read loop on a new goroutine.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// SendAudio forwards one binary audio chunk over the connection.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logx.Info().Msg("stt: connection closed normally")
				return
			}
			logx.Warn().Err(err).Msg("stt: read error, stopping read loop")
			return
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler.HandleTranscript(msg)
		}
	}
}

type sttError string

func (e sttError) Error() string { return string(e) }

const errNotConnected = sttError("stt: not connected")
