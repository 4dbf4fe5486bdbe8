package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/threadline/internal/common"
)

// Default values applied when the configuration file leaves a key unset.
const (
	DefaultDataDir           = "$HOME/.local/share/threadline"
	DefaultGitHubBaseURL     = "https://api.github.com"
	DefaultDiscordBaseURL    = "https://discord.com/api/v10"
	DefaultPageSize          = 100
	DefaultBatchSize         = 50
	DefaultFirstRunCap       = 200
	DefaultMinScore          = 0.35
	DefaultMinSimilarity     = 0.5
	DefaultSemanticThreshold = 0.82
	DefaultEmbeddingRPM      = 500
	DefaultEmbeddingTimeout  = 30 * time.Second
)

// Config is the typed view over everything viper loaded.
type Config struct {
	Grouping       GroupingConfig
	Embedding      EmbeddingConfig
	DataDir        string
	DatabasePath   string
	GitHub         GitHubConfig
	Discord        DiscordConfig
	Classification ClassificationConfig
}

// InstallationConfig describes a refreshable credential minted through an
// OAuth2 client-credentials endpoint.
type InstallationConfig struct {
	ID           string   `mapstructure:"id"`
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// GitHubConfig configures the work-item source.
type GitHubConfig struct {
	BaseURL       string
	Owner         string
	Repo          string
	Tokens        []string
	Installations []InstallationConfig
	PerPage       int
	MaxItems      int

	// RequestsPerSecond paces API calls; zero leaves them unpaced.
	RequestsPerSecond float64
}

// DiscordConfig configures the chat source.
type DiscordConfig struct {
	BaseURL           string
	BotTokens         []string
	ChannelIDs        []string
	PerPage           int
	MaxMessages       int
	RequestsPerSecond float64
}

// EmbeddingConfig configures the optional embedding provider. An empty
// Endpoint disables embeddings and the engine scores on keywords only.
type EmbeddingConfig struct {
	Endpoint          string
	Model             string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration
}

// ClassificationConfig controls batch sizing for classification runs.
type ClassificationConfig struct {
	BatchSize   int
	FirstRunCap int
	Limit       int
	MinScore    float64
}

// GroupingConfig controls grouping thresholds and the feature map used for
// cross-cutting detection.
type GroupingConfig struct {
	Features          map[string][]string
	MinSimilarity     float64
	SemanticThreshold float64
}

// Load builds a Config from viper, falling back to well-known environment
// variables and finally to defaults.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:      ExpandPath(stringOr(v.GetString("data_dir"), DefaultDataDir)),
		DatabasePath: v.GetString("database.path"),
		GitHub: GitHubConfig{
			BaseURL:  stringOr(v.GetString("github.base_url"), DefaultGitHubBaseURL),
			Owner:    v.GetString("github.owner"),
			Repo:     v.GetString("github.repo"),
			Tokens:   nonEmpty(v.GetStringSlice("github.tokens")),
			PerPage:  intOr(v.GetInt("github.per_page"), DefaultPageSize),
			MaxItems: v.GetInt("github.max_items"),

			RequestsPerSecond: v.GetFloat64("github.requests_per_second"),
		},
		Discord: DiscordConfig{
			BaseURL:     stringOr(v.GetString("discord.base_url"), DefaultDiscordBaseURL),
			BotTokens:   nonEmpty(v.GetStringSlice("discord.bot_tokens")),
			ChannelIDs:  nonEmpty(v.GetStringSlice("discord.channel_ids")),
			PerPage:     intOr(v.GetInt("discord.per_page"), DefaultPageSize),
			MaxMessages: v.GetInt("discord.max_messages"),

			RequestsPerSecond: v.GetFloat64("discord.requests_per_second"),
		},
		Embedding: EmbeddingConfig{
			Endpoint:          v.GetString("embedding.endpoint"),
			Model:             v.GetString("embedding.model"),
			APIKey:            v.GetString("embedding.api_key"),
			RequestsPerMinute: intOr(v.GetInt("embedding.requests_per_minute"), DefaultEmbeddingRPM),
			Timeout:           v.GetDuration("embedding.timeout"),
		},
		Classification: ClassificationConfig{
			BatchSize:   intOr(v.GetInt("classification.batch_size"), DefaultBatchSize),
			FirstRunCap: intOr(v.GetInt("classification.first_run_cap"), DefaultFirstRunCap),
			Limit:       v.GetInt("classification.limit"),
			MinScore:    floatOr(v.GetFloat64("classification.min_score"), DefaultMinScore),
		},
		Grouping: GroupingConfig{
			MinSimilarity:     floatOr(v.GetFloat64("grouping.min_similarity"), DefaultMinSimilarity),
			SemanticThreshold: floatOr(v.GetFloat64("grouping.semantic_threshold"), DefaultSemanticThreshold),
			Features:          v.GetStringMapStringSlice("grouping.features"),
		},
	}

	if err := v.UnmarshalKey("github.installations", &cfg.GitHub.Installations); err != nil {
		return nil, fmt.Errorf("%w: github.installations: %v", common.ErrInvalidConfig, err)
	}

	// Direct environment variables fill in credentials the file left out.
	if len(cfg.GitHub.Tokens) == 0 {
		cfg.GitHub.Tokens = splitList(os.Getenv("GITHUB_TOKEN"))
	}
	if len(cfg.Discord.BotTokens) == 0 {
		cfg.Discord.BotTokens = splitList(os.Getenv("DISCORD_TOKEN"))
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.Timeout <= 0 {
		cfg.Embedding.Timeout = DefaultEmbeddingTimeout
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "threadline.db")
	}
	cfg.DatabasePath = ExpandPath(cfg.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. Missing sources are reported by the commands
// that need them, not here.
func (c *Config) Validate() error {
	if c.GitHub.PerPage <= 0 || c.GitHub.PerPage > 100 {
		return fmt.Errorf("%w: github.per_page must be within 1..100, got %d", common.ErrInvalidConfig, c.GitHub.PerPage)
	}
	if c.Discord.PerPage <= 0 || c.Discord.PerPage > 100 {
		return fmt.Errorf("%w: discord.per_page must be within 1..100, got %d", common.ErrInvalidConfig, c.Discord.PerPage)
	}
	if c.Classification.BatchSize <= 0 {
		return fmt.Errorf("%w: classification.batch_size must be positive", common.ErrInvalidConfig)
	}
	if c.Classification.FirstRunCap <= 0 {
		return fmt.Errorf("%w: classification.first_run_cap must be positive", common.ErrInvalidConfig)
	}
	if c.GitHub.RequestsPerSecond < 0 || c.Discord.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests_per_second must not be negative", common.ErrInvalidConfig)
	}
	for name, value := range map[string]float64{
		"classification.min_score":    c.Classification.MinScore,
		"grouping.min_similarity":     c.Grouping.MinSimilarity,
		"grouping.semantic_threshold": c.Grouping.SemanticThreshold,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", common.ErrInvalidConfig, name, value)
		}
	}
	for i, inst := range c.GitHub.Installations {
		if inst.TokenURL == "" || inst.ClientID == "" {
			return fmt.Errorf("%w: github.installations[%d] needs token_url and client_id", common.ErrInvalidConfig, i)
		}
	}
	return nil
}

// RequireGitHub reports whether the work-item source is configured.
func (c *Config) RequireGitHub() error {
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("%w: github.owner and github.repo", common.ErrMissingConfig)
	}
	return nil
}

// RequireDiscord reports whether the chat source is configured.
func (c *Config) RequireDiscord() error {
	if len(c.Discord.ChannelIDs) == 0 {
		return fmt.Errorf("%w: discord.channel_ids", common.ErrMissingConfig)
	}
	if len(c.Discord.BotTokens) == 0 {
		return fmt.Errorf("%w: discord.bot_tokens or DISCORD_TOKEN", common.ErrMissingConfig)
	}
	return nil
}

// SignalCachePath is the JSON cache file for one synchronized collection.
func (c *Config) SignalCachePath(collection string) string {
	return filepath.Join(c.DataDir, "signals-"+collection+".json")
}

// HistoryPath is the classification history file.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "classification-history.json")
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func floatOr(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return nonEmpty(strings.Split(raw, ","))
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
