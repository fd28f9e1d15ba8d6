// Command gateway is the entry point of the conversational agent gateway.
// It wires Config, Memory, Sessions, the Service/Tool Registry, the LLM,
// Tool, TTS, and STT clients, the Worker Pool, the Agent Loop Engine, and
// the Gateway itself in explicit dependency order — there is no global
// singleton or ambient lookup anywhere in this chain.
//
// Grounded on agent-service/cmd/server/main.go and api-gateway/cmd/main.go's
// flat main()-does-everything shape, generalized with graceful shutdown
// since this gateway, unlike either teacher binary, owns live WebSocket
// connections and a Consul registration that must be torn down cleanly.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lilycore/gateway-core/internal/config"
	"github.com/lilycore/gateway-core/internal/engine"
	"github.com/lilycore/gateway-core/internal/gateway"
	"github.com/lilycore/gateway-core/internal/llm"
	"github.com/lilycore/gateway-core/internal/logx"
	"github.com/lilycore/gateway-core/internal/memory"
	"github.com/lilycore/gateway-core/internal/registry"
	"github.com/lilycore/gateway-core/internal/session"
	"github.com/lilycore/gateway-core/internal/stt"
	"github.com/lilycore/gateway-core/internal/toolexec"
	"github.com/lilycore/gateway-core/internal/tts"
	"github.com/lilycore/gateway-core/internal/workerpool"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	if err := cfg.LoadFile(); err != nil {
		logx.Fatal().Err(err).Msg("gateway: failed to load config file")
	}

	env := logx.Development
	if cfg.Environment == "production" {
		env = logx.Production
	}
	logx.Init(env, cfg.LogLevel)

	mem := memory.New()
	sttClient := stt.NewClient(cfg.EchoWSURL, nil) // handler attached below, once the Gateway exists
	ttsClient := tts.NewClient(cfg.TTSWSURL)

	reg := registry.New(cfg.ConsulHost, cfg.ConsulPort, cfg.ServiceName, cfg.HTTPAddress, mustPort(cfg.HTTPPort), []string{"mcp=false"}, false)

	llmClient := llm.NewClient(cfg, cfg.GeminiModel)
	toolExecutor := toolexec.New(reg)
	eng := engine.New(llmClient, toolExecutor, reg, mem, func() string { return cfg.Snapshot().GeminiSystemPrompt })

	pool := workerpool.New(cfg.MaxConcurrentTasks, cfg.MaxQueueSize)

	gw := gateway.New(cfg, nil, mem, reg, eng, ttsClient, sttClient, pool)
	sttClient.SetHandler(gw)
	sessions := session.New(session.DefaultTimeout, gw)
	gw.Sessions = sessions

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.SelfRegister(); err != nil {
		logx.Warn().Err(err).Msg("gateway: self-registration with the coordination store failed, continuing without it")
	}
	go reg.Run()
	go sessions.Run()
	go gw.Run()

	if cfg.EchoWSURL != "" {
		if err := sttClient.Connect(ctx); err != nil {
			logx.Warn().Err(err).Msg("gateway: failed to connect to stt provider, continuing without live transcription")
		}
	}

	addr := cfg.HTTPAddress + ":" + cfg.HTTPPort
	httpServer := &http.Server{Addr: addr, Handler: gw.Router()}

	go func() {
		logx.Info().Str("addr", addr).Msg("gateway: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal().Err(err).Msg("gateway: http server failed")
		}
	}()

	waitForShutdownSignal()
	logx.Info().Msg("gateway: shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logx.Warn().Err(err).Msg("gateway: http server did not shut down cleanly")
	}

	cancel()
	gw.Stop()
	sessions.Stop()
	reg.Stop()
	if err := reg.Deregister(); err != nil {
		logx.Warn().Err(err).Msg("gateway: failed to deregister from the coordination store")
	}
	sttClient.Close()
	pool.Shutdown()

	logx.Info().Msg("gateway: shutdown complete")
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func mustPort(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n == 0 {
		return 8000
	}
	return n
}
