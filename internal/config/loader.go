package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Known provider names per kind. Used by [Validate] to reject typos early
// instead of failing on the first LLM call.
var (
	ValidLLMProviders       = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"}
	ValidEmbeddingProviders = []string{"openai", "ollama"}
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. A missing file is not an
// error: the defaults plus environment variables are used instead.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		ApplyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from environment variables. Variables take
// precedence over file values; unset variables leave the field untouched.
//
// The LLM API key is read from <PROVIDER>_API_KEY (e.g. OPENAI_API_KEY,
// ANTHROPIC_API_KEY) based on the configured provider, unless LLM_API_KEY is
// set explicitly.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.Auth.ChatAPIKey, "CHAT_API_KEY")
	setString(&cfg.Auth.AdminAPIKey, "ADMIN_API_KEY")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setInt(&cfg.LLM.MaxTokens, "LLM_MAX_TOKENS")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	if cfg.LLM.APIKey == "" && cfg.LLM.Provider != "" {
		setString(&cfg.LLM.APIKey, providerKeyVar(cfg.LLM.Provider))
	}

	setString(&cfg.Embeddings.Provider, "EMBEDDINGS_PROVIDER")
	setString(&cfg.Embeddings.Model, "EMBEDDINGS_MODEL")
	setString(&cfg.Embeddings.BaseURL, "EMBEDDINGS_BASE_URL")
	setString(&cfg.Embeddings.APIKey, "EMBEDDINGS_API_KEY")
	if cfg.Embeddings.APIKey == "" && cfg.Embeddings.Provider == "openai" {
		setString(&cfg.Embeddings.APIKey, "OPENAI_API_KEY")
	}

	setString(&cfg.Database.URL, "DATABASE_URL")

	setInt(&cfg.Chat.MaxHistoryMessages, "MAX_HISTORY_MESSAGES")
	setInt(&cfg.Summary.Threshold, "SUMMARY_THRESHOLD")
	setInt(&cfg.Summary.KeepTail, "SUMMARY_KEEP_TAIL")
	setString(&cfg.RAG.DocsFolder, "RAG_DOCS_FOLDER")
	setInt(&cfg.RAG.TopK, "RAG_TOP_K")
}

// providerKeyVar maps a provider name to its conventional API key variable.
func providerKeyVar(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	case "deepseek":
		return "DEEPSEEK_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Auth.ChatAPIKey == "" {
		errs = append(errs, errors.New("auth.chat_api_key (CHAT_API_KEY) is required"))
	}
	if cfg.Auth.AdminAPIKey == "" {
		errs = append(errs, errors.New("auth.admin_api_key (ADMIN_API_KEY) is required"))
	}

	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	} else if !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is unknown; valid values: %v", cfg.LLM.Provider, ValidLLMProviders))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must be positive", cfg.LLM.MaxTokens))
	}
	for i, fb := range cfg.LLM.Fallbacks {
		if !slices.Contains(ValidLLMProviders, fb.Provider) {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].provider %q is unknown; valid values: %v", i, fb.Provider, ValidLLMProviders))
		}
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].model is required", i))
		}
	}

	if cfg.Embeddings.Provider != "" && !slices.Contains(ValidEmbeddingProviders, cfg.Embeddings.Provider) {
		errs = append(errs, fmt.Errorf("embeddings.provider %q is unknown; valid values: %v", cfg.Embeddings.Provider, ValidEmbeddingProviders))
	}

	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}

	if cfg.Chat.MaxHistoryMessages <= 0 {
		errs = append(errs, fmt.Errorf("chat.max_history_messages %d must be positive", cfg.Chat.MaxHistoryMessages))
	}
	if cfg.Chat.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("chat.max_message_bytes %d must be positive", cfg.Chat.MaxMessageBytes))
	}
	if cfg.Chat.OutboundQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("chat.outbound_queue_size %d must be positive", cfg.Chat.OutboundQueueSize))
	}
	if cfg.Chat.TurnTimeout < time.Second {
		errs = append(errs, fmt.Errorf("chat.turn_timeout %s must be at least 1s", cfg.Chat.TurnTimeout))
	}

	if cfg.Summary.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("summary.threshold %d must be positive", cfg.Summary.Threshold))
	}
	if cfg.Summary.KeepTail < 0 {
		errs = append(errs, fmt.Errorf("summary.keep_tail %d must not be negative", cfg.Summary.KeepTail))
	}
	if cfg.Summary.KeepTail >= cfg.Summary.Threshold {
		errs = append(errs, fmt.Errorf("summary.keep_tail %d must be below summary.threshold %d", cfg.Summary.KeepTail, cfg.Summary.Threshold))
	}

	if cfg.RAG.TopK <= 0 {
		errs = append(errs, fmt.Errorf("rag.top_k %d must be positive", cfg.RAG.TopK))
	}
	if cfg.RAG.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("rag.chunk_size %d must be positive", cfg.RAG.ChunkSize))
	}
	if cfg.RAG.ChunkOverlap < 0 || cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("rag.chunk_overlap %d must be in [0, chunk_size)", cfg.RAG.ChunkOverlap))
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
