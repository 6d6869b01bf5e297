// Package config loads service configuration from a YAML file with
// environment-variable overrides. A .env file next to the process is honored
// before the environment is read. Secrets never live in the YAML file; it
// names the environment variable that holds them.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// StoreConfig configures the document source.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// QdrantConfig contains connection details for a remote vector index.
type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

// IndexConfig selects the vector index implementation.
type IndexConfig struct {
	Type   string       `yaml:"type"` // flat or qdrant
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// OpenAIConfig configures an OpenAI-compatible endpoint. APIKeyEnv names the
// environment variable holding the key.
type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// OllamaConfig configures a local Ollama endpoint.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	Type              string       `yaml:"type"` // openai or ollama
	OpenAI            OpenAIConfig `yaml:"openai"`
	Ollama            OllamaConfig `yaml:"ollama"`
	RequestsPerSecond float64      `yaml:"requests_per_second"`
	Burst             int          `yaml:"burst"`
}

// AnswerConfig selects the answer composer. Type static needs no credential.
type AnswerConfig struct {
	Type   string       `yaml:"type"` // openai or static
	OpenAI OpenAIConfig `yaml:"openai"`
}

// GraphConfig configures the optional Neo4j tag graph.
type GraphConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
}

// NATSConfig configures the optional document-event consumer.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// QueryConfig tunes the retrieval defaults.
type QueryConfig struct {
	TopK            int    `yaml:"top_k"`
	SnippetLength   int    `yaml:"snippet_length"`
	OverFetch       int    `yaml:"over_fetch"`
	DefaultLanguage string `yaml:"default_language"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Index    IndexConfig    `yaml:"index"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Answer   AnswerConfig   `yaml:"answer"`
	Graph    GraphConfig    `yaml:"graph"`
	NATS     NATSConfig     `yaml:"nats"`
	Query    QueryConfig    `yaml:"query"`
}

// Default returns the configuration used when no file and no overrides are
// present: a local flat index over a local SQLite file, Ollama embeddings.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", CORSOrigin: "*"},
		Store:  StoreConfig{SQLitePath: "knowledge.db"},
		Index:  IndexConfig{Type: "flat", Qdrant: QdrantConfig{Addr: "localhost:6334", Collection: "knowledge"}},
		Embedder: EmbedderConfig{
			Type:              "ollama",
			OpenAI:            OpenAIConfig{APIKeyEnv: "OPENAI_API_KEY"},
			Ollama:            OllamaConfig{BaseURL: "http://localhost:11434", Model: "nomic-embed-text"},
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Answer: AnswerConfig{Type: "static", OpenAI: OpenAIConfig{APIKeyEnv: "OPENAI_API_KEY"}},
		Graph:  GraphConfig{URL: "neo4j://localhost:7687", User: "neo4j", PasswordEnv: "NEO4J_PASS"},
		NATS:   NATSConfig{URL: "nats://localhost:4222"},
		Query:  QueryConfig{TopK: 3, SnippetLength: 200, OverFetch: 3, DefaultLanguage: "zh-CN"},
	}
}

// Load reads the YAML file at path (when it exists) over the defaults, then
// applies environment overrides. A missing file is not an error; a present
// but malformed file is.
func Load(path string) (Config, error) {
	// Best effort: absence of a .env file is the normal case.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv maps well-known environment variables over the file values.
func applyEnv(cfg *Config) {
	set(&cfg.Server.Port, "PORT")
	set(&cfg.Server.CORSOrigin, "CORS_ORIGIN")
	set(&cfg.Store.SQLitePath, "SQLITE_PATH")
	set(&cfg.Index.Type, "INDEX_TYPE")
	set(&cfg.Index.Qdrant.Addr, "QDRANT_ADDR")
	set(&cfg.Index.Qdrant.Collection, "QDRANT_COLLECTION")
	set(&cfg.Embedder.Type, "EMBEDDER_TYPE")
	set(&cfg.Embedder.OpenAI.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.Embedder.OpenAI.Model, "EMBED_MODEL")
	set(&cfg.Embedder.Ollama.BaseURL, "OLLAMA_URL")
	set(&cfg.Embedder.Ollama.Model, "OLLAMA_MODEL")
	set(&cfg.Answer.Type, "ANSWER_TYPE")
	set(&cfg.Graph.URL, "NEO4J_URL")
	set(&cfg.Graph.User, "NEO4J_USER")
	set(&cfg.NATS.URL, "NATS_URL")
	set(&cfg.Query.DefaultLanguage, "DEFAULT_LANGUAGE")
}

func set(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Secret resolves a secret by the environment variable name configured for
// it. Empty names resolve to empty secrets.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
