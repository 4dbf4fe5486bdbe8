package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/threadline/internal/common"
)

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(doc)))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := loadYAML(t, "data_dir: /tmp/tl\n")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tl", cfg.DataDir)
	assert.Equal(t, filepath.Join("/tmp/tl", "threadline.db"), cfg.DatabasePath)
	assert.Equal(t, DefaultGitHubBaseURL, cfg.GitHub.BaseURL)
	assert.Equal(t, DefaultDiscordBaseURL, cfg.Discord.BaseURL)
	assert.Equal(t, DefaultPageSize, cfg.GitHub.PerPage)
	assert.Equal(t, DefaultBatchSize, cfg.Classification.BatchSize)
	assert.Equal(t, DefaultFirstRunCap, cfg.Classification.FirstRunCap)
	assert.InDelta(t, DefaultMinScore, cfg.Classification.MinScore, 1e-9)
	assert.InDelta(t, DefaultSemanticThreshold, cfg.Grouping.SemanticThreshold, 1e-9)
	assert.Equal(t, DefaultEmbeddingTimeout, cfg.Embedding.Timeout)
	assert.Empty(t, cfg.GitHub.Tokens)

	assert.ErrorIs(t, cfg.RequireGitHub(), common.ErrMissingConfig)
	assert.ErrorIs(t, cfg.RequireDiscord(), common.ErrMissingConfig)
	assert.Equal(t, filepath.Join("/tmp/tl", "classification-history.json"), cfg.HistoryPath())
	assert.Equal(t, filepath.Join("/tmp/tl", "signals-discord.json"), cfg.SignalCachePath("discord"))
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := loadYAML(t, `
data_dir: /srv/tl
database:
  path: /srv/db/ledger.db
github:
  owner: acme
  repo: app
  tokens: [" a ", "", "b"]
  installations:
    - id: app-1
      token_url: https://auth.example/token
      client_id: cid
      client_secret: secret
      scopes: [repo]
discord:
  channel_ids: ["100", "200"]
  bot_tokens: [bot]
  per_page: 50
  requests_per_second: 2.5
embedding:
  endpoint: https://embed.example
  timeout: 5s
classification:
  batch_size: 10
  first_run_cap: 20
  limit: 5
  min_score: 0.5
grouping:
  semantic_threshold: 0.9
  features:
    export: [export, csv]
    auth: [login]
`)
	require.NoError(t, err)

	assert.Equal(t, "/srv/db/ledger.db", cfg.DatabasePath)
	assert.Equal(t, []string{"a", "b"}, cfg.GitHub.Tokens)
	require.Len(t, cfg.GitHub.Installations, 1)
	assert.Equal(t, "cid", cfg.GitHub.Installations[0].ClientID)
	assert.Equal(t, []string{"repo"}, cfg.GitHub.Installations[0].Scopes)
	assert.Equal(t, []string{"100", "200"}, cfg.Discord.ChannelIDs)
	assert.Equal(t, 50, cfg.Discord.PerPage)
	assert.InDelta(t, 2.5, cfg.Discord.RequestsPerSecond, 1e-9)
	assert.Zero(t, cfg.GitHub.RequestsPerSecond)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 10, cfg.Classification.BatchSize)
	assert.Equal(t, 20, cfg.Classification.FirstRunCap)
	assert.Equal(t, 5, cfg.Classification.Limit)
	assert.Equal(t, []string{"export", "csv"}, cfg.Grouping.Features["export"])
	assert.NoError(t, cfg.RequireGitHub())
	assert.NoError(t, cfg.RequireDiscord())
}

func TestLoad_EnvironmentCredentials(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "t1, t2")
	t.Setenv("DISCORD_TOKEN", "bot")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := loadYAML(t, "data_dir: /tmp/tl\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, cfg.GitHub.Tokens)
	assert.Equal(t, []string{"bot"}, cfg.Discord.BotTokens)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "per page too large", doc: "github:\n  per_page: 101\n"},
		{name: "negative batch size", doc: "classification:\n  batch_size: -1\n"},
		{name: "score out of range", doc: "classification:\n  min_score: 1.5\n"},
		{name: "negative pacing", doc: "github:\n  requests_per_second: -1\n"},
		{name: "threshold out of range", doc: "grouping:\n  semantic_threshold: -0.2\n"},
		{name: "installation without client", doc: "github:\n  installations:\n    - id: x\n      token_url: https://a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, "data_dir: /tmp/tl\n"+tt.doc)
			require.ErrorIs(t, err, common.ErrInvalidConfig)
		})
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("TL_DIR", "/data")

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/home/tester/x", ExpandPath("~/x"))
	assert.Equal(t, "/home/tester", ExpandPath("~"))
	assert.Equal(t, "/data/db", ExpandPath("$TL_DIR/db"))
	assert.Equal(t, "~user/x", ExpandPath("~user/x"))
}

func TestConfigDir(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("XDG_CONFIG_HOME", "")
	assert.Equal(t, "/home/tester/.config/threadline", ConfigDir())

	t.Setenv("XDG_CONFIG_HOME", "/etc/xdg")
	assert.Equal(t, "/etc/xdg/threadline", ConfigDir())
}
