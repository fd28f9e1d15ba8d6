// Package llm is the Gemini wire-format client.
//
// Grounded on agent-service/internal/llm/client.go's Client/NewClient/Chat
// shape, retargeted from Ollama's wire format to Gemini's generateContent
// endpoint. google.golang.org/genai is deliberately not used here: that
// SDK binds one client to one static credential, which cannot express the
// per-call key rotation this gateway requires without rebuilding a client
// on every request, so a plain *http.Client POST against the documented
// endpoint is used instead.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lilycore/gateway-core/internal/logx"
	"github.com/lilycore/gateway-core/internal/metrics"
	"github.com/lilycore/gateway-core/internal/registry"
	"github.com/lilycore/gateway-core/internal/retry"
)

const endpointTemplate = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s"

// Part is one piece of message content.
type Part struct {
	Text string `json:"text,omitempty"`
}

// Content is one turn in a Gemini request/response.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// FunctionDeclaration describes one callable tool, translated from an MCP
// tool's inputSchema.
type FunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolDecl wraps the function declarations Gemini expects under "tools".
type ToolDecl struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// Request is the body POSTed to generateContent.
type Request struct {
	Contents []Content `json:"contents"`
	Tools    []ToolDecl `json:"tools,omitempty"`
}

// Candidate is one returned completion.
type Candidate struct {
	Content Content `json:"content"`
}

// Response is the decoded generateContent body.
type Response struct {
	Candidates []Candidate `json:"candidates"`
}

// FirstText returns the text of the first part of the first candidate, or
// "" if the response carries no candidates (the caller's signal that the
// call produced nothing usable).
func (r Response) FirstText() string {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}

// KeySource rotates through the configured Gemini API keys.
type KeySource interface {
	NextKey() string
}

// Client is a minimal HTTP client against the Gemini generateContent API.
type Client struct {
	HTTP  *http.Client
	Keys  KeySource
	Model string
}

// NewClient creates a Client with the documented default timeout.
func NewClient(keys KeySource, model string) *Client {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Client{
		HTTP:  &http.Client{Timeout: 30 * time.Second},
		Keys:  keys,
		Model: model,
	}
}

// schemaToParameters translates an MCP inputSchema into Gemini's
// parameters shape: {type:"OBJECT", properties, required?}.
func schemaToParameters(inputSchema json.RawMessage) any {
	if len(inputSchema) == 0 {
		return map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	}
	var parsed struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required,omitempty"`
	}
	if err := json.Unmarshal(inputSchema, &parsed); err != nil {
		return map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	}
	out := map[string]any{"type": "OBJECT", "properties": parsed.Properties}
	if len(parsed.Required) > 0 {
		out["required"] = parsed.Required
	}
	return out
}

// Call builds a generateContent request from prompt and the current tool
// catalog, POSTs it with a rotated API key, and returns the parsed body.
// On a non-200 response or a transport error it logs and returns an empty
// Response — callers must treat that as "no candidate".
func (c *Client) Call(ctx context.Context, prompt string, tools []registry.Tool) Response {
	start := time.Now()
	callStatus := "error"
	defer func() { metrics.RecordLLMRequest(c.Model, callStatus, time.Since(start)) }()

	req := Request{Contents: []Content{{Role: "user", Parts: []Part{{Text: prompt}}}}}
	if len(tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToParameters(t.InputSchema),
			})
		}
		req.Tools = []ToolDecl{{FunctionDeclarations: decls}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		logx.Error().Err(err).Msg("llm: failed to marshal request")
		return Response{}
	}

	// A transient transport error or a 429/502/503/504 from Gemini is
	// retried with a fresh rotated key on each attempt, in case the
	// failure is specific to the key currently at the front of the
	// rotation.
	out, err := retry.DoWithResultContext(ctx, retry.LLMConfig, func() (Response, error) {
		key := ""
		if c.Keys != nil {
			key = c.Keys.NextKey()
		}
		url := fmt.Sprintf(endpointTemplate, c.Model, key)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Response{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(httpReq)
		if err != nil {
			return Response{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return Response{}, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(b))
		}

		var decoded Response
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return Response{}, err
		}
		return decoded, nil
	})
	if err != nil {
		logx.Warn().Err(err).Msg("llm: call to Gemini failed")
		return Response{}
	}
	callStatus = "success"
	return out
}
