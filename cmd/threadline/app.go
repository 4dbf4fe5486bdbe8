package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/Veraticus/threadline/internal/classification"
	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/config"
	"github.com/Veraticus/threadline/internal/credentials"
	"github.com/Veraticus/threadline/internal/embed"
	"github.com/Veraticus/threadline/internal/engine"
	"github.com/Veraticus/threadline/internal/grouping"
	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/similarity"
	"github.com/Veraticus/threadline/internal/source"
	"github.com/Veraticus/threadline/internal/storage"
)

// app bundles what the commands share for one invocation.
type app struct {
	cfg      *config.Config
	ledger   *storage.SQLiteStorage
	history  *classification.FileHistoryStore
	progress *cli.ProgressBar
}

func newApp(ctx context.Context, quiet bool) (*app, func(), error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, common.NewUserError("invalid configuration", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	history, err := classification.NewFileHistoryStore(cfg.HistoryPath())
	if err != nil {
		return nil, nil, err
	}

	ledger, err := storage.OpenLedger(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		ledger:   ledger,
		history:  history,
		progress: cli.NewProgressBar(os.Stderr, quiet),
	}
	cleanup := func() {
		if err := ledger.Close(); err != nil {
			common.LogError(err, "Failed to close ledger", common.Fields{"path": cfg.DatabasePath})
		}
	}
	return a, cleanup, nil
}

func (a *app) pool(ctx context.Context, tokens []string, installations []config.InstallationConfig) (*credentials.Pool, error) {
	insts := make([]credentials.Installation, 0, len(installations))
	for _, inst := range installations {
		insts = append(insts, credentials.ClientCredentials(ctx, inst.ID, inst.TokenURL, inst.ClientID, inst.ClientSecret, inst.Scopes))
	}
	if len(tokens) == 0 && len(insts) == 0 {
		return nil, nil
	}
	return credentials.NewPool(tokens, insts)
}

func (a *app) githubClient() *source.GitHubClient {
	return source.NewGitHubClient(a.cfg.GitHub.BaseURL, a.cfg.GitHub.Owner, a.cfg.GitHub.Repo, nil)
}

func (a *app) discordClient() *source.DiscordClient {
	return source.NewDiscordClient(a.cfg.Discord.BaseURL, a.cfg.Discord.ChannelIDs, nil)
}

func (a *app) githubSyncer(ctx context.Context) (*source.Syncer, error) {
	if err := a.cfg.RequireGitHub(); err != nil {
		return nil, common.NewUserError("GitHub is not configured", err)
	}
	pool, err := a.pool(ctx, a.cfg.GitHub.Tokens, a.cfg.GitHub.Installations)
	if err != nil {
		return nil, err
	}
	client := a.githubClient()
	fetcher, err := source.NewFetcher(source.FetcherConfig{
		Name:       "github",
		Lister:     client,
		Detailer:   client,
		Pool:       pool,
		Progress:   a.progress,
		PerPage:    a.cfg.GitHub.PerPage,
		MaxResults: a.cfg.GitHub.MaxItems,
		Limiter:    limiter(a.cfg.GitHub.RequestsPerSecond),
	})
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSignalFileStore(a.cfg.SignalCachePath(client.Collection()))
	if err != nil {
		return nil, err
	}
	return source.NewSyncer(fetcher, store), nil
}

func (a *app) discordSyncer(ctx context.Context) (*source.Syncer, error) {
	if err := a.cfg.RequireDiscord(); err != nil {
		return nil, common.NewUserError("Discord is not configured", err)
	}
	pool, err := a.pool(ctx, a.cfg.Discord.BotTokens, nil)
	if err != nil {
		return nil, err
	}
	client := a.discordClient()
	fetcher, err := source.NewFetcher(source.FetcherConfig{
		Name:       "discord",
		Lister:     client,
		Pool:       pool,
		Progress:   a.progress,
		PerPage:    a.cfg.Discord.PerPage,
		MaxResults: a.cfg.Discord.MaxMessages,
		Limiter:    limiter(a.cfg.Discord.RequestsPerSecond),
	})
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSignalFileStore(a.cfg.SignalCachePath(client.Collection()))
	if err != nil {
		return nil, err
	}
	return source.NewSyncer(fetcher, store), nil
}

// units builds classification units from the cached chat messages.
func (a *app) units() ([]model.Unit, error) {
	store, err := storage.NewSignalFileStore(a.cfg.SignalCachePath(a.discordClient().Collection()))
	if err != nil {
		return nil, err
	}
	threads, standalone := storage.OrganizeByThread(store.Load().Items)
	return storage.BuildUnits(threads, standalone), nil
}

// targets returns the cached work items keyed by id. Without a configured
// repository there are none.
func (a *app) targets() (map[string]model.Signal, error) {
	if a.cfg.RequireGitHub() != nil {
		return map[string]model.Signal{}, nil
	}
	store, err := storage.NewSignalFileStore(a.cfg.SignalCachePath(a.githubClient().Collection()))
	if err != nil {
		return nil, err
	}
	return store.Load().Index(), nil
}

// embedder returns the cached embedding provider, or nil when no endpoint
// is configured.
func (a *app) embedder() (embed.Provider, error) {
	if a.cfg.Embedding.Endpoint == "" {
		return nil, nil
	}
	client, err := embed.NewOpenAIClient(embed.Config{
		Endpoint:          a.cfg.Embedding.Endpoint,
		Model:             a.cfg.Embedding.Model,
		APIKey:            a.cfg.Embedding.APIKey,
		Timeout:           a.cfg.Embedding.Timeout,
		RequestsPerMinute: a.cfg.Embedding.RequestsPerMinute,
	})
	if err != nil {
		return nil, err
	}
	return embed.NewCachedProvider(client, a.ledger.EmbeddingCache(client.Model())), nil
}

func (a *app) engine() (*engine.Engine, error) {
	provider, err := a.embedder()
	if err != nil {
		return nil, err
	}

	cfg := engine.DefaultConfig()
	cfg.Embedder = provider
	cfg.Progress = a.progress
	cfg.BatchSize = a.cfg.Classification.BatchSize
	cfg.FirstRunCap = a.cfg.Classification.FirstRunCap
	cfg.MinScore = a.cfg.Classification.MinScore
	if len(a.cfg.Grouping.Features) > 0 {
		cfg.Features = grouping.NewKeywordFeatureMapper(a.cfg.Grouping.Features)
	}

	return engine.NewWithConfig(a.history, similarity.NewEngine(provider), a.ledger, cfg), nil
}

func limiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func candidates(targets map[string]model.Signal) []similarity.Candidate {
	out := make([]similarity.Candidate, 0, len(targets))
	for _, t := range targets {
		out = append(out, similarity.CandidateFromSignal(t))
	}
	return out
}
