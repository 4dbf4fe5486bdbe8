package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/credentials"
	"github.com/Veraticus/threadline/internal/metrics"
	"github.com/Veraticus/threadline/internal/model"
)

// Detail batch sizes by credential class.
const (
	DefaultPerPage            = 100
	AuthenticatedBatchSize    = 10
	AnonymousBatchSize        = 5
	DefaultRateLimitRetries   = 3
	DefaultRateLimitBackoff   = 2 * time.Second
	DefaultRateLimitCooldown  = time.Minute
	defaultTransientAttempts  = 3
	defaultTransientBaseDelay = 500 * time.Millisecond
)

// Checkpoint persists one finished batch. The fetcher blocks on it before
// starting the next batch.
type Checkpoint func(ctx context.Context, batch []model.Signal) error

// Progress receives fetch progress. Implementations must be safe for use
// from one goroutine at a time; the fetcher reports between batches.
type Progress interface {
	Start(total int, description string)
	Add(n int)
	Finish()
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Lister   Lister
	Detailer Detailer
	Progress Progress
	// Pool is optional; a nil pool sends unauthenticated requests.
	Pool    *credentials.Pool
	Limiter *rate.Limiter
	Name    string
	PerPage int
	// MaxResults caps the number of listed ids; zero means no cap.
	MaxResults int
	// BatchSize overrides the credential-dependent detail batch size.
	BatchSize        int
	RateLimitRetries int
	RateLimitBackoff time.Duration
	Retry            common.RetryOptions
}

// Fetcher lists ids page by page and fetches details in checkpointed batches.
type Fetcher struct {
	cfg    FetcherConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher, filling in defaults.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Lister == nil {
		return nil, fmt.Errorf("%w: fetcher needs a lister", common.ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "source"
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = AuthenticatedBatchSize
		if cfg.Pool == nil {
			cfg.BatchSize = AnonymousBatchSize
		}
	}
	if cfg.RateLimitRetries <= 0 {
		cfg.RateLimitRetries = DefaultRateLimitRetries
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = common.RetryOptions{
			MaxAttempts:  defaultTransientAttempts,
			InitialDelay: defaultTransientBaseDelay,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}
	}

	return &Fetcher{
		cfg:    cfg,
		logger: slog.Default().With("component", "fetcher", "source", cfg.Name),
		sleep:  sleepContext,
	}, nil
}

// BatchSize returns the effective detail batch size.
func (f *Fetcher) BatchSize() int {
	return f.cfg.BatchSize
}

// Capped reports whether a listing of n entries stopped at the result cap.
func (f *Fetcher) Capped(n int) bool {
	return f.cfg.MaxResults > 0 && n >= f.cfg.MaxResults
}

// ListIDs walks list pages in order and returns the deduplicated entries
// that pass the source predicate. It stops on a short page, on the result
// cap, or when credentials run out; in that last case the entries gathered
// so far are returned with an *common.ExhaustedError.
func (f *Fetcher) ListIDs(ctx context.Context, since *time.Time) ([]ListEntry, error) {
	var (
		entries []ListEntry
		seen    = make(map[string]struct{})
		cursor  string
		pages   int
	)

	for {
		var page *Page
		err := f.do(ctx, func(token string) (RateLimit, error) {
			p, err := f.cfg.Lister.ListPage(ctx, PageRequest{
				Cursor:  cursor,
				PerPage: f.cfg.PerPage,
				Since:   since,
				Token:   token,
			})
			if err != nil {
				return rateLimitOf(err), err
			}
			page = p
			return p.RateLimit, nil
		})
		if err != nil {
			var exhausted *common.ExhaustedError
			if errors.As(err, &exhausted) {
				exhausted.Completed = len(entries)
				f.logger.Warn("listing stopped, credentials exhausted",
					"pages", pages,
					"entries", len(entries),
					"reset_at", exhausted.ResetAt)
				return entries, exhausted
			}
			return entries, fmt.Errorf("list page %d: %w", pages+1, err)
		}
		pages++

		for _, e := range page.Entries {
			if e.Skip {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			entries = append(entries, e)
			if f.cfg.MaxResults > 0 && len(entries) >= f.cfg.MaxResults {
				f.logger.Info("listing reached result cap", "pages", pages, "cap", f.cfg.MaxResults)
				return entries, nil
			}
		}

		if len(page.Entries) < f.cfg.PerPage || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	f.logger.Info("listing complete", "pages", pages, "entries", len(entries))
	return entries, nil
}

// FetchDetails fetches every entry not already fresh in existing. Batches
// run one after another; ids inside a batch are fetched concurrently. After
// each batch the checkpoint runs and must return before the next batch
// starts, so a crash loses at most one batch.
func (f *Fetcher) FetchDetails(ctx context.Context, entries []ListEntry, existing map[string]model.Signal, checkpoint Checkpoint) ([]model.Signal, error) {
	pending := make([]ListEntry, 0, len(entries))
	for _, e := range entries {
		if cached, ok := existing[e.ID]; ok && !cached.LastActivity().Before(e.LastActivity()) {
			continue
		}
		pending = append(pending, e)
	}

	f.logger.Info("fetching details",
		"requested", len(entries),
		"already_cached", len(entries)-len(pending),
		"batch_size", f.cfg.BatchSize)

	if f.cfg.Progress != nil {
		f.cfg.Progress.Start(len(pending), "Fetching "+f.cfg.Name)
		defer f.cfg.Progress.Finish()
	}

	var all []model.Signal
	for start := 0; start < len(pending); start += f.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		end := min(start+f.cfg.BatchSize, len(pending))
		batchStart := time.Now()
		results, exhausted, err := f.fetchBatch(ctx, pending[start:end])
		metrics.ObserveBatch("fetch", time.Since(batchStart))

		if len(results) > 0 && checkpoint != nil {
			if cerr := checkpoint(ctx, results); cerr != nil {
				return all, fmt.Errorf("checkpoint after batch at %d: %w", start, cerr)
			}
		}
		all = append(all, results...)
		if f.cfg.Progress != nil {
			f.cfg.Progress.Add(end - start)
		}

		if err != nil {
			return all, err
		}
		if exhausted != nil {
			exhausted.Completed = len(all)
			f.logger.Warn("detail fetch stopped, credentials exhausted",
				"fetched", len(all),
				"remaining", len(pending)-end,
				"reset_at", exhausted.ResetAt)
			return all, exhausted
		}
	}

	return all, nil
}

// fetchBatch fetches one batch concurrently. Missing items and items that
// keep failing are skipped so the rest of the run continues.
func (f *Fetcher) fetchBatch(ctx context.Context, batch []ListEntry) ([]model.Signal, *common.ExhaustedError, error) {
	results := make([]*model.Signal, len(batch))
	var (
		mu        sync.Mutex
		exhausted *common.ExhaustedError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.BatchSize)

	for i, e := range batch {
		g.Go(func() error {
			if e.Signal != nil {
				sig := *e.Signal
				results[i] = &sig
				return nil
			}
			if f.cfg.Detailer == nil {
				return fmt.Errorf("%w: entry %s needs a detail fetch but no detailer is configured", common.ErrInvalidConfig, e.ID)
			}

			var sig model.Signal
			err := f.do(gctx, func(token string) (RateLimit, error) {
				s, rl, err := f.cfg.Detailer.GetItem(gctx, token, e.ID)
				sig = s
				return rl, err
			})

			var ex *common.ExhaustedError
			switch {
			case err == nil:
				results[i] = &sig
			case IsNotFound(err):
				f.logger.Info("item gone, skipping", "id", e.ID)
			case errors.As(err, &ex):
				mu.Lock()
				if exhausted == nil {
					exhausted = ex
				}
				mu.Unlock()
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				f.logger.Error("detail fetch failed, will retry next run", "id", e.ID, "error", err)
			}
			return nil
		})
	}

	err := g.Wait()

	out := make([]model.Signal, 0, len(batch))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, exhausted, err
}

// do runs one request with credential rotation on rate limits and
// exponential backoff on transient server errors.
func (f *Fetcher) do(ctx context.Context, call func(token string) (RateLimit, error)) error {
	return common.WithRetry(ctx, func() error {
		return f.attempt(ctx, call)
	}, f.cfg.Retry)
}

func (f *Fetcher) attempt(ctx context.Context, call func(token string) (RateLimit, error)) error {
	pool := f.cfg.Pool

	for rateLimited := 0; ; rateLimited++ {
		if f.cfg.Limiter != nil {
			if err := f.cfg.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var (
			cred  *credentials.Credential
			token string
		)
		if pool != nil {
			cred = pool.Next(ctx)
			if cred == nil {
				return &common.ExhaustedError{ResetAt: pool.EarliestReset()}
			}
			var err error
			if token, err = pool.Token(ctx, cred); err != nil {
				return err
			}
		}

		rl, err := call(token)
		if pool != nil && rl.Known {
			pool.RecordUsage(cred, rl.Remaining, rl.Limit, rl.ResetAt)
		}

		switch {
		case err == nil:
			metrics.ObserveRequest(f.cfg.Name, metrics.OutcomeOK)
			return nil
		case IsNotFound(err):
			metrics.ObserveRequest(f.cfg.Name, metrics.OutcomeNotFound)
			return err
		case !IsRateLimited(err):
			metrics.ObserveRequest(f.cfg.Name, metrics.OutcomeError)
			return err
		}

		metrics.ObserveRequest(f.cfg.Name, metrics.OutcomeRateLimited)

		resetAt := rl.ResetAt
		if resetAt.IsZero() {
			resetAt = time.Now().Add(DefaultRateLimitCooldown)
		}
		if pool != nil {
			pool.MarkExhausted(cred, resetAt)
		}

		if rateLimited+1 >= f.cfg.RateLimitRetries {
			if pool != nil {
				resetAt = pool.EarliestReset()
			}
			return &common.ExhaustedError{ResetAt: resetAt}
		}

		f.logger.Warn("rate limited, rotating credential",
			"credential", credentialID(cred),
			"attempt", rateLimited+1,
			"backoff", f.cfg.RateLimitBackoff)

		if err := f.sleep(ctx, f.cfg.RateLimitBackoff); err != nil {
			return err
		}
	}
}

func rateLimitOf(err error) RateLimit {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimit
	}
	return RateLimit{}
}

func credentialID(c *credentials.Credential) string {
	if c == nil {
		return "anonymous"
	}
	return c.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
