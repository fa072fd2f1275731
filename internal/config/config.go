// Package config provides configuration management for Veritwin. Process
// settings load from environment variables with the VERITWIN_ prefix and
// carry sensible defaults; multi-backend deployments can additionally be
// described in a YAML deployment file. Per-twin runtime overrides live in
// the twin_settings table and are read at request time, not here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level configuration.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Security  SecurityConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port           int      // Server port (default: 8480)
	Host           string   // Server host (default: 127.0.0.1)
	AllowedOrigins []string // WebSocket origins accepted on upgrade
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string // SQLite data directory (default: ./data)
	PostgresDSN string // Postgres connection string
}

// LLMConfig contains LLM provider configuration.
type LLMConfig struct {
	Provider        string // LLM provider: ollama, openai, anthropic (default: ollama)
	OllamaURL       string // Ollama API URL (default: http://localhost:11434)
	OllamaModel     string // Ollama model for rewriting/synthesis (default: qwen2.5:7b)
	EmbeddingModel  string // Embedding model name (default: nomic-embed-text)
	OpenAIAPIKey    string // OpenAI API key
	OpenAIModel     string // OpenAI model name (default: gpt-4o-mini)
	AnthropicAPIKey string // Anthropic API key
	AnthropicModel  string // Anthropic model name (default: claude-3-5-haiku-latest)
}

// RetrievalConfig contains orchestrator defaults. Per-twin settings
// override the threshold and semantic toggle at request time.
type RetrievalConfig struct {
	ConfidenceThreshold       float64       // Escalation threshold (default: 0.7)
	SemanticVerifiedThreshold float64       // Semantic verified reuse gate (default: 0.90)
	SemanticMatching          bool          // Semantic verified matching (default: true)
	MaxContexts               int           // Grounding list cap (default: 10)
	SourceTimeout             time.Duration // Per-source lookup timeout (default: 3s)
	DedupWindow               time.Duration // Escalation dedup window (default: 1h)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string // Security mode: development, production (default: development)
	APIToken     string // Bearer token required in production mode
}

// LoadConfig loads configuration from environment variables with defaults.
// All environment variables use the VERITWIN_ prefix.
func LoadConfig() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port:           getEnvInt("VERITWIN_PORT", 8480),
			Host:           getEnv("VERITWIN_HOST", "127.0.0.1"),
			AllowedOrigins: getEnvList("VERITWIN_ALLOWED_ORIGINS", []string{"http://localhost:8480", "http://127.0.0.1:8480"}),
		},
		Storage: StorageConfig{
			Engine:      getEnv("VERITWIN_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("VERITWIN_DATA_PATH", "./data"),
			PostgresDSN: getEnv("VERITWIN_POSTGRES_DSN", ""),
		},
		LLM: LLMConfig{
			Provider:        getEnv("VERITWIN_LLM_PROVIDER", "ollama"),
			OllamaURL:       getEnv("VERITWIN_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:     getEnv("VERITWIN_OLLAMA_MODEL", "qwen2.5:7b"),
			EmbeddingModel:  getEnv("VERITWIN_EMBEDDING_MODEL", "nomic-embed-text"),
			OpenAIAPIKey:    getEnv("VERITWIN_OPENAI_API_KEY", ""),
			OpenAIModel:     getEnv("VERITWIN_OPENAI_MODEL", "gpt-4o-mini"),
			AnthropicAPIKey: getEnv("VERITWIN_ANTHROPIC_API_KEY", ""),
			AnthropicModel:  getEnv("VERITWIN_ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		},
		Retrieval: RetrievalConfig{
			ConfidenceThreshold:       getEnvFloat("VERITWIN_CONFIDENCE_THRESHOLD", 0.7),
			SemanticVerifiedThreshold: getEnvFloat("VERITWIN_SEMANTIC_THRESHOLD", 0.90),
			SemanticMatching:          getEnvBool("VERITWIN_SEMANTIC_MATCHING", true),
			MaxContexts:               getEnvInt("VERITWIN_MAX_CONTEXTS", 10),
			SourceTimeout:             getEnvDuration("VERITWIN_SOURCE_TIMEOUT", 3*time.Second),
			DedupWindow:               getEnvDuration("VERITWIN_DEDUP_WINDOW", time.Hour),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("VERITWIN_SECURITY_MODE", "development"),
			APIToken:     getEnv("VERITWIN_API_TOKEN", ""),
		},
	}, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated environment variable or returns a
// default value.
func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value when unset or unparseable.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. Recognizes "true"/"1"/"yes" and "false"/"0"/"no", case-insensitive.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "30s") or
// returns a default value when unset or unparseable.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
