// Package registry discovers peer services through a Consul-compatible
// coordination store, merges their MCP tool catalogs, and self-registers
// the owning process.
//
// Grounded on agent-service/internal/llm/registry.go for the
// RWMutex-guarded map shape, and on original_source/src/services/Service.cpp
// for the discovery/refresh/execute_tool control flow this is the Go
// rendition of.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lilycore/gateway-core/internal/logx"
)

const (
	refreshInterval = 30 * time.Second
	retryDelay      = 5 * time.Second
	toolsListTimeout = 5 * time.Second
)

// ServerCatalog is one MCP server's tools, for callers that need to know
// where a tool actually lives (the Tool Executor).
type ServerCatalog struct {
	Name   string
	MCPURL string
	Tools  []Tool
}

// Registry holds every known peer and the merged MCP tool catalog behind
// one RWMutex.
type Registry struct {
	mu sync.RWMutex

	consul *consulClient
	http   *http.Client

	selfName          string
	selfHost          string
	selfPort          int
	selfTags          []string
	useWebsocketCheck bool
	selfID            string

	services    map[string]ServiceInfo
	serverTools map[string][]Tool
	tools       map[string]Tool

	// serverSeq records, for each server with tools currently in
	// serverTools, the seqCounter value at the refresh that last stored
	// its tool list. rebuildMergedCatalogLocked merges servers ascending
	// by this sequence so a same-named tool resolves to whichever server
	// was refreshed most recently — map iteration order can't be relied
	// on to express that.
	serverSeq  map[string]uint64
	seqCounter uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Registry. selfName/selfHost/selfPort identify the owning
// process for self-registration and for excluding itself from discovery.
// useWebsocketCheck selects a TCP health check instead of HTTP /health,
// matching the "websocket" tag rule in spec §4.4.
func New(consulHost, consulPort, selfName, selfHost string, selfPort int, selfTags []string, useWebsocketCheck bool) *Registry {
	return &Registry{
		consul:            newConsulClient(consulHost, consulPort),
		http:              &http.Client{Timeout: toolsListTimeout},
		selfName:          selfName,
		selfHost:          selfHost,
		selfPort:          selfPort,
		selfTags:          selfTags,
		useWebsocketCheck: useWebsocketCheck,
		services:          make(map[string]ServiceInfo),
		serverTools:       make(map[string][]Tool),
		tools:             make(map[string]Tool),
		serverSeq:         make(map[string]uint64),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// SelfRegister PUTs this process's service definition to the coordination
// store and records the assigned id for later deregistration.
func (r *Registry) SelfRegister() error {
	check := checkDef{
		Interval:                       "10s",
		Timeout:                        "2s",
		DeregisterCriticalServiceAfter: "1m",
	}
	if r.useWebsocketCheck {
		check.TCP = fmt.Sprintf("%s:%d", r.selfHost, r.selfPort)
	} else {
		check.HTTP = fmt.Sprintf("http://%s:%d/health", r.selfHost, r.selfPort)
	}

	id := fmt.Sprintf("%s-%s-%d", r.selfName, r.selfHost, r.selfPort)
	payload := registerPayload{
		ID:      id,
		Name:    r.selfName,
		Tags:    append([]string{"hostname=" + r.selfHost}, r.selfTags...),
		Address: r.selfHost,
		Port:    r.selfPort,
		Check:   check,
	}

	if err := r.consul.register(payload); err != nil {
		return err
	}
	r.mu.Lock()
	r.selfID = id
	r.mu.Unlock()
	return nil
}

// Deregister removes this process's service id from the coordination
// store, if it was ever registered. Idempotent.
func (r *Registry) Deregister() error {
	r.mu.RLock()
	id := r.selfID
	r.mu.RUnlock()
	if id == "" {
		return nil
	}
	return r.consul.deregister(id)
}

// Run starts the periodic discovery + tool-refresh loop. Blocks until
// Stop is called, so callers should invoke it with `go`.
func (r *Registry) Run() {
	defer close(r.doneCh)
	for {
		err := r.refreshOnce()
		wait := refreshInterval
		if err != nil {
			wait = retryDelay
		}

		select {
		case <-r.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// refreshOnce runs one discovery pass followed by one tool-catalog pass.
// Only a catalog-listing failure is returned as an error (it controls the
// retry backoff); per-service failures are logged and retained per §4.4.
func (r *Registry) refreshOnce() error {
	if err := r.discoverOnce(); err != nil {
		return err
	}
	r.refreshTools()
	return nil
}

func (r *Registry) discoverOnce() error {
	catalog, err := r.consul.catalogServices()
	if err != nil {
		logx.Warn().Err(err).Msg("registry: failed to list catalog services")
		return err
	}

	discovered := make(map[string]bool, len(catalog))
	for name, tags := range catalog {
		if name == r.selfName {
			continue
		}
		discovered[name] = true

		instances, err := r.consul.healthyInstances(name)
		if err != nil || len(instances) == 0 {
			logx.Warn().Err(err).Str("service", name).Msg("registry: no healthy instance, retaining last-known")
			continue
		}

		inst := instances[0]
		host := hostnameTag(inst.Service.Tags)
		if host == "" {
			host = inst.Service.Address
		}
		mcp := hasTag(tags, "mcp") || hasTag(inst.Service.Tags, "mcp")

		info := ServiceInfo{
			Name:    name,
			Host:    host,
			HTTPURL: "https://" + host + "/api",
			WSURL:   "wss://" + host + "/ws",
			MCP:     mcp,
		}
		if mcp {
			info.MCPURL = "https://" + host + "/mcp"
		}

		r.mu.Lock()
		r.services[name] = info
		r.mu.Unlock()
	}

	r.mu.Lock()
	for name := range r.services {
		if !discovered[name] {
			delete(r.services, name)
			delete(r.serverTools, name)
			delete(r.serverSeq, name)
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) refreshTools() {
	r.mu.RLock()
	mcpServers := make([]ServiceInfo, 0, len(r.services))
	for _, s := range r.services {
		if s.MCP {
			mcpServers = append(mcpServers, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(mcpServers, func(i, j int) bool { return mcpServers[i].Name < mcpServers[j].Name })

	stillDiscovered := make(map[string]bool, len(mcpServers))
	for _, s := range mcpServers {
		stillDiscovered[s.Name] = true

		tools, err := r.fetchToolsList(s.MCPURL)
		if err != nil {
			logx.Warn().Err(err).Str("server", s.Name).Msg("registry: tools/list failed, retaining last-known tools")
			continue
		}

		r.mu.Lock()
		r.serverTools[s.Name] = tools
		r.seqCounter++
		r.serverSeq[s.Name] = r.seqCounter
		r.mu.Unlock()
	}

	r.mu.Lock()
	for name := range r.serverTools {
		if !stillDiscovered[name] {
			delete(r.serverTools, name)
			delete(r.serverSeq, name)
		}
	}
	r.rebuildMergedCatalogLocked()
	r.mu.Unlock()
}

// rebuildMergedCatalogLocked must be called with r.mu held for writing. It
// merges serverTools ascending by serverSeq, so on a tool-name collision
// the server whose tool list was stored most recently wins (within one
// refresh pass servers are refreshed in name order), deterministically
// rather than by Go's randomized map iteration order.
func (r *Registry) rebuildMergedCatalogLocked() {
	names := make([]string, 0, len(r.serverTools))
	for name := range r.serverTools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return r.serverSeq[names[i]] < r.serverSeq[names[j]] })

	merged := make(map[string]Tool)
	for _, name := range names {
		for _, t := range r.serverTools[name] {
			merged[t.Name] = t
		}
	}
	r.tools = merged
}

func (r *Registry) fetchToolsList(mcpURL string) ([]Tool, error) {
	body, err := json.Marshal(newRPCRequest("tools/list", nil))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), toolsListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mcpURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools/list on %s returned %d", mcpURL, resp.StatusCode)
	}

	var result toolsListResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Result.Tools, nil
}

// Services returns a snapshot of every currently discovered peer.
func (r *Registry) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// Tools returns the merged tool catalog across every known MCP server.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Catalog returns the per-server tool lists, for the Tool Executor's
// trial-per-server order.
func (r *Registry) Catalog() []ServerCatalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerCatalog, 0, len(r.serverTools))
	for name, tools := range r.serverTools {
		out = append(out, ServerCatalog{Name: name, MCPURL: r.services[name].MCPURL, Tools: tools})
	}
	return out
}

func hostnameTag(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(t, "hostname=") {
			return strings.TrimPrefix(t, "hostname=")
		}
	}
	return ""
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
