// Package config is the gateway's single mutable configuration store.
//
// All fields live behind one lock (Config.mu); no other package is allowed
// to cache a copy of a mutable field for longer than one call — callers
// that need a consistent view across several fields should call Snapshot.
// The one exception is GeminiModel, which cmd/gateway hands to the LLM
// client once at startup (see SetGeminiModel).
//
// Load order: environment variables first (Load), then the on-disk JSON
// config file if present (LoadFile) — file values win over env values on
// any field they set. This mirrors the literal precedence described by the
// system this gateway implements; earlier drafts of that system had env win
// over the file, which is why this order is called out explicitly here
// rather than left to be inferred from the code.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/lilycore/gateway-core/internal/apperror"
	"github.com/lilycore/gateway-core/internal/logx"
)

// Config holds every tunable of the gateway behind a single RWMutex.
type Config struct {
	mu sync.RWMutex

	HTTPAddress string
	HTTPPort    string

	ConsulHost  string
	ConsulPort  string
	ServiceName string

	geminiAPIKeys      []string
	geminiKeyCursor    int
	GeminiModel        string
	GeminiSystemPrompt string

	PingIntervalSec int
	PongTimeoutSec  int

	MaxQueueSize       int
	MaxConcurrentTasks int

	EchoWSURL string
	TTSWSURL  string

	DefaultUserID string

	LogLevel    string
	Environment string

	ConfigFilePath string
}

// Snapshot is an immutable, lock-free copy of Config for callers (e.g. the
// LLM Client or the Registry) that need a consistent read across fields.
type Snapshot struct {
	HTTPAddress        string
	HTTPPort           string
	ConsulHost         string
	ConsulPort         string
	ServiceName        string
	GeminiAPIKeyCount  int
	GeminiModel        string
	GeminiSystemPrompt string
	PingIntervalSec    int
	PongTimeoutSec     int
	MaxQueueSize       int
	MaxConcurrentTasks int
	EchoWSURL          string
	TTSWSURL           string
	DefaultUserID      string
}

// Load builds a Config from environment variables (falling back to a
// .env file, if present) with the documented defaults. Called once at
// startup, before LoadFile.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logx.Debug().Msg("no .env file found, relying on process environment")
	}

	return &Config{
		HTTPAddress:        getEnv("LILY_HTTP_ADDRESS", "0.0.0.0"),
		HTTPPort:           getEnv("LILY_HTTP_PORT", "8000"),
		ConsulHost:         getEnv("CONSUL_HOST", "localhost"),
		ConsulPort:         getEnv("CONSUL_PORT", "8500"),
		ServiceName:        getEnv("LILY_SERVICE_NAME", "lily-core"),
		geminiAPIKeys:      splitCSV(getEnv("GEMINI_API_KEYS", "")),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiSystemPrompt: getEnv("GEMINI_SYSTEM_PROMPT", "You are Lily, a helpful AI assistant."),
		PingIntervalSec:    getEnvInt("LILY_PING_INTERVAL_SEC", 30),
		PongTimeoutSec:     getEnvInt("LILY_PONG_TIMEOUT_SEC", 60),
		MaxQueueSize:       getEnvInt("LILY_MAX_QUEUE_SIZE", 1000),
		MaxConcurrentTasks: getEnvInt("LILY_MAX_CONCURRENT_TASKS", 4),
		EchoWSURL:          getEnv("ECHO_WS_URL", ""),
		TTSWSURL:           getEnv("TTS_PROVIDER_URL", ""),
		DefaultUserID:      getEnv("LILY_DEFAULT_USER_ID", "default_user"),
		LogLevel:           getEnv("LILY_LOG_LEVEL", "info"),
		Environment:        getEnv("LILY_ENV", "development"),
		ConfigFilePath:     getEnv("LILY_CONFIG_FILE", "./lily-config.json"),
	}
}

// fileShape is the on-disk persisted subset of Config (spec §6: the
// persisted config file only carries the LLM-related fields).
type fileShape struct {
	GeminiAPIKeys      []string `json:"gemini_api_keys"`
	GeminiModel        string   `json:"gemini_model"`
	GeminiSystemPrompt string   `json:"gemini_system_prompt"`
}

// LoadFile overlays the on-disk JSON config file, if it exists, onto c.
// File values win over whatever Load populated from the environment.
// A missing file is not an error — env/defaults remain in effect.
func (c *Config) LoadFile() *apperror.AppError {
	data, err := os.ReadFile(c.ConfigFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperror.Internal("failed to read config file", err)
	}

	var fs fileShape
	if err := json.Unmarshal(data, &fs); err != nil {
		return apperror.Internal("failed to parse config file", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(fs.GeminiAPIKeys) > 0 {
		c.geminiAPIKeys = fs.GeminiAPIKeys
		c.geminiKeyCursor = 0
	}
	if fs.GeminiModel != "" {
		c.GeminiModel = fs.GeminiModel
	}
	if fs.GeminiSystemPrompt != "" {
		c.GeminiSystemPrompt = fs.GeminiSystemPrompt
	}
	return nil
}

// SaveFile persists the LLM-related fields to the on-disk config file.
// Called only from explicit LLM-config mutation paths (SetGeminiKeys,
// SetGeminiModel, SetGeminiSystemPrompt), never on a plain read.
func (c *Config) SaveFile() *apperror.AppError {
	c.mu.RLock()
	fs := fileShape{
		GeminiAPIKeys:      append([]string{}, c.geminiAPIKeys...),
		GeminiModel:        c.GeminiModel,
		GeminiSystemPrompt: c.GeminiSystemPrompt,
	}
	path := c.ConfigFilePath
	c.mu.RUnlock()

	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return apperror.Internal("failed to marshal config file", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperror.Internal("failed to write config file", err)
	}
	return nil
}

// NextKey returns the currently-indicated Gemini API key and advances the
// rotation cursor modulo the key count. Returns "" if no keys are set.
func (c *Config) NextKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.geminiAPIKeys) == 0 {
		return ""
	}
	key := c.geminiAPIKeys[c.geminiKeyCursor%len(c.geminiAPIKeys)]
	c.geminiKeyCursor++
	return key
}

// SetGeminiKeys replaces the rotating key set and persists the change.
func (c *Config) SetGeminiKeys(keys []string) *apperror.AppError {
	c.mu.Lock()
	c.geminiAPIKeys = keys
	c.geminiKeyCursor = 0
	c.mu.Unlock()
	return c.SaveFile()
}

// SetGeminiModel updates the stored model identifier and persists it. The
// LLM client built in cmd/gateway receives the model once at construction,
// so a running client keeps sending the model it started with; the new
// value is used after a restart (it is loaded back by LoadFile).
func (c *Config) SetGeminiModel(model string) *apperror.AppError {
	c.mu.Lock()
	c.GeminiModel = model
	c.mu.Unlock()
	return c.SaveFile()
}

// SetGeminiSystemPrompt updates the prompt prepended to every agent loop.
func (c *Config) SetGeminiSystemPrompt(prompt string) *apperror.AppError {
	c.mu.Lock()
	c.GeminiSystemPrompt = prompt
	c.mu.Unlock()
	return c.SaveFile()
}

// Snapshot returns a consistent, lock-free copy of the current config.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		HTTPAddress:        c.HTTPAddress,
		HTTPPort:           c.HTTPPort,
		ConsulHost:         c.ConsulHost,
		ConsulPort:         c.ConsulPort,
		ServiceName:        c.ServiceName,
		GeminiAPIKeyCount:  len(c.geminiAPIKeys),
		GeminiModel:        c.GeminiModel,
		GeminiSystemPrompt: c.GeminiSystemPrompt,
		PingIntervalSec:    c.PingIntervalSec,
		PongTimeoutSec:     c.PongTimeoutSec,
		MaxQueueSize:       c.MaxQueueSize,
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		EchoWSURL:          c.EchoWSURL,
		TTSWSURL:           c.TTSWSURL,
		DefaultUserID:      c.DefaultUserID,
	}
}

// MaskedKeys returns the rotating key set with everything but the last 4
// characters of each key replaced by "...", for the GET /config endpoint.
func (c *Config) MaskedKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	masked := make([]string, len(c.geminiAPIKeys))
	for i, k := range c.geminiAPIKeys {
		if len(k) <= 4 {
			masked[i] = "..." + k
			continue
		}
		masked[i] = "..." + k[len(k)-4:]
	}
	return masked
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
