// Package toolexec executes an MCP tool call against every known server in
// turn until one succeeds.
//
// Grounded on original_source/src/services/Service.cpp's execute_tool /
// execute_tool_on_server: one POST per server with a 30s timeout, trial
// order over the discovered set, structured error accumulation, no
// double-retry of a single server within one call.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lilycore/gateway-core/internal/metrics"
	"github.com/lilycore/gateway-core/internal/registry"
)

const perServerTimeout = 30 * time.Second

// ServerLister is the subset of the Registry the executor needs: the
// per-server tool catalog, to find which servers currently advertise a
// given tool name.
type ServerLister interface {
	Catalog() []registry.ServerCatalog
}

// Executor dispatches tools/call requests to MCP servers.
type Executor struct {
	HTTP     *http.Client
	Registry ServerLister
}

// New creates an Executor against the given Registry.
func New(reg ServerLister) *Executor {
	return &Executor{
		HTTP:     &http.Client{Timeout: perServerTimeout},
		Registry: reg,
	}
}

// serverError is one failed attempt, surfaced in the aggregated error.
type serverError struct {
	Server     string `json:"server"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	ErrorBody  string `json:"error_body,omitempty"`
	ErrorType  string `json:"error_type"`
}

// Execute tries toolName on every MCP server that advertises it, in the
// order Registry.Catalog lists them (not fixed between calls), returning
// the first successful response body. If every
// server fails, it returns an aggregated error object rather than an error
// value — execute never throws out of the caller's perspective.
func (e *Executor) Execute(ctx context.Context, toolName string, params any) map[string]any {
	start := time.Now()
	var errs []serverError

	for _, server := range e.candidateServers(toolName) {
		result, srvErr := e.callServer(ctx, server, toolName, params)
		if srvErr == nil {
			if isSuccess(result) {
				metrics.RecordToolCall(toolName, "success", time.Since(start))
				return result
			}
			errs = append(errs, serverError{
				Server:    server.Name,
				Message:   extractMessage(result),
				ErrorType: "unsuccessful_result",
			})
			continue
		}
		errs = append(errs, *srvErr)
	}

	metrics.RecordToolCall(toolName, "error", time.Since(start))
	return map[string]any{
		"status":        "error",
		"message":       aggregateMessage(toolName, errs),
		"error_details": errs,
	}
}

// candidateServers returns every server currently advertising toolName.
func (e *Executor) candidateServers(toolName string) []registry.ServerCatalog {
	var out []registry.ServerCatalog
	for _, server := range e.Registry.Catalog() {
		for _, t := range server.Tools {
			if t.Name == toolName {
				out = append(out, server)
				break
			}
		}
	}
	return out
}

func (e *Executor) callServer(ctx context.Context, server registry.ServerCatalog, toolName string, params any) (map[string]any, *serverError) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"id":      1,
		"params": map[string]any{
			"name":      toolName,
			"arguments": params,
		},
	})
	if err != nil {
		return nil, &serverError{Server: server.Name, Message: err.Error(), ErrorType: "marshal_error"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, perServerTimeout)
	defer cancel()

	// Exactly one round trip per server: a transport error or a non-200
	// status is reported as-is and Execute moves on to the next server.
	attempt, err := func() (serverAttempt, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, server.MCPURL, bytes.NewReader(body))
		if err != nil {
			return serverAttempt{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.HTTP.Do(req)
		if err != nil {
			return serverAttempt{}, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return serverAttempt{}, err
		}
		return serverAttempt{status: resp.StatusCode, body: raw}, nil
	}()
	if err != nil {
		return nil, &serverError{Server: server.Name, Message: err.Error(), ErrorType: "transport_error"}
	}

	if attempt.status != http.StatusOK {
		return nil, &serverError{
			Server:     server.Name,
			Message:    fmt.Sprintf("server returned status %d", attempt.status),
			HTTPStatus: attempt.status,
			ErrorBody:  string(attempt.body),
			ErrorType:  "http_error",
		}
	}

	var result map[string]any
	if err := json.Unmarshal(attempt.body, &result); err != nil {
		return nil, &serverError{Server: server.Name, Message: err.Error(), ErrorType: "decode_error"}
	}
	return result, nil
}

// serverAttempt is the outcome of callServer's single HTTP round trip.
type serverAttempt struct {
	status int
	body   []byte
}

// isSuccess classifies a server's response per spec §4.6: success if the
// body reports status=="success", or carries a result or content field.
func isSuccess(body map[string]any) bool {
	if status, ok := body["status"].(string); ok && status == "success" {
		return true
	}
	if _, ok := body["result"]; ok {
		return true
	}
	if _, ok := body["content"]; ok {
		return true
	}
	return false
}

func extractMessage(body map[string]any) string {
	if msg, ok := body["message"].(string); ok && msg != "" {
		return msg
	}
	return "unknown error"
}

func aggregateMessage(toolName string, errs []serverError) string {
	if len(errs) == 0 {
		return fmt.Sprintf("no server advertises tool %q", toolName)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "tool %q failed on every server:", toolName)
	for i, e := range errs {
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, e.Server, e.Message)
	}
	return b.String()
}
