package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the zero-valued fields that have non-zero defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = BackendFlat
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = 3
	}
	if cfg.Engine.HistoryWindow == 0 {
		cfg.Engine.HistoryWindow = 8
	}
	if cfg.Engine.MaxContextLength == 0 {
		cfg.Engine.MaxContextLength = 1024
	}
	if cfg.Engine.MaxConversationLength == 0 {
		cfg.Engine.MaxConversationLength = 2048
	}
	if cfg.Engine.MaxTotalLength == 0 {
		cfg.Engine.MaxTotalLength = 4096
	}
	if cfg.Persistence.DataDir == "" {
		cfg.Persistence.DataDir = "data"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" && len(cfg.Agents) > 0 {
		errs = append(errs, errors.New("providers.llm is required when agents are configured"))
	}

	if cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: flat, postgres", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == BackendPostgres {
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			slog.Warn("memory.embedding_dimensions is not set; defaulting to 1536")
		}
	}
	if cfg.Memory.TopK < 0 {
		errs = append(errs, fmt.Errorf("memory.top_k %d must not be negative", cfg.Memory.TopK))
	}

	if cfg.Engine.Temperature < 0 || cfg.Engine.Temperature > 2 {
		errs = append(errs, fmt.Errorf("engine.temperature %.2f is out of range [0, 2]", cfg.Engine.Temperature))
	}
	if cfg.Engine.MaxTotalLength > 0 && cfg.Engine.MaxContextLength > cfg.Engine.MaxTotalLength {
		slog.Warn("engine.max_context_length exceeds max_total_length; context sections will be trimmed again by the total budget")
	}
	if cfg.Persistence.AutosaveInterval < 0 {
		errs = append(errs, fmt.Errorf("persistence.autosave_interval %s must not be negative", cfg.Persistence.AutosaveInterval))
	}

	namesSeen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[a.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, a.Name, prev))
			}
			namesSeen[a.Name] = i
		}
		if a.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
