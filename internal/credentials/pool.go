// Package credentials tracks API credentials and their remaining quota, and
// rotates between them as quota runs out.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Veraticus/threadline/internal/common"
)

// Kind distinguishes static tokens from refreshable installations.
type Kind string

// Credential kinds.
const (
	KindToken        Kind = "token"
	KindInstallation Kind = "installation"
)

// DefaultLimit is the assumed quota ceiling before the first response
// reports the real one.
const DefaultLimit = 5000

// Credential is one API credential and its last-known quota.
type Credential struct {
	ResetAt   time.Time
	LastUsed  time.Time
	source    oauth2.TokenSource
	ID        string
	Kind      Kind
	token     string
	Remaining int
	Limit     int
}

// Installation is a refreshable credential backed by a token source.
type Installation struct {
	Source oauth2.TokenSource
	ID     string
}

// ClientCredentials builds an Installation whose tokens are minted from an
// OAuth2 client-credentials endpoint and cached until they expire.
func ClientCredentials(ctx context.Context, id, tokenURL, clientID, clientSecret string, scopes []string) Installation {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return Installation{ID: id, Source: cfg.TokenSource(ctx)}
}

// Pool holds every configured credential. Installations are always tried
// before static tokens.
type Pool struct {
	now           func() time.Time
	logger        *slog.Logger
	installations []*Credential
	tokens        []*Credential
	mu            sync.Mutex
}

// NewPool creates a pool from static tokens and installations.
func NewPool(tokens []string, installations []Installation) (*Pool, error) {
	p := &Pool{
		now:    time.Now,
		logger: slog.Default().With("component", "credentials"),
	}

	for _, inst := range installations {
		if inst.Source == nil {
			return nil, fmt.Errorf("%w: installation %q has no token source", common.ErrInvalidConfig, inst.ID)
		}
		p.installations = append(p.installations, &Credential{
			ID:        "installation:" + inst.ID,
			Kind:      KindInstallation,
			source:    oauth2.ReuseTokenSource(nil, inst.Source),
			Remaining: DefaultLimit,
			Limit:     DefaultLimit,
		})
	}

	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		p.tokens = append(p.tokens, &Credential{
			ID:        fmt.Sprintf("token:%d", i),
			Kind:      KindToken,
			token:     tok,
			Remaining: DefaultLimit,
			Limit:     DefaultLimit,
		})
	}

	if len(p.installations) == 0 && len(p.tokens) == 0 {
		return nil, common.ErrNoCredentials
	}

	return p, nil
}

// Len returns the number of configured credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.installations) + len(p.tokens)
}

// Current returns the primary credential: the first installation when one
// is configured, otherwise the first token.
func (p *Pool) Current() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.installations) > 0 {
		return p.installations[0]
	}
	return p.tokens[0]
}

// Next returns the first credential with quota left, scanning installations
// and then tokens. Installations that cannot mint a token are skipped for
// this call only. It returns nil when every credential is exhausted.
//
// Minting talks to the token endpoint, so it runs without holding the pool
// lock.
func (p *Pool) Next(ctx context.Context) *Credential {
	p.mu.Lock()
	now := p.now()
	var candidates []*Credential
	for _, c := range p.installations {
		c.applyReset(now)
		if c.Remaining > 0 {
			candidates = append(candidates, c)
		}
	}
	p.mu.Unlock()

	for _, c := range candidates {
		if _, err := c.mint(ctx); err != nil {
			p.logger.Warn("installation token refresh failed, falling back",
				"credential", c.ID,
				"error", err)
			continue
		}
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now = p.now()
	for _, c := range p.tokens {
		c.applyReset(now)
		if c.Remaining > 0 {
			return c
		}
	}

	return nil
}

// Token returns the bearer value for a credential, minting one for
// installations when the cached token is missing or expired. It is safe to
// call concurrently and never blocks other pool operations.
func (p *Pool) Token(ctx context.Context, c *Credential) (string, error) {
	if c == nil {
		return "", nil
	}
	return c.mint(ctx)
}

// RecordUsage updates a credential from an API response's rate-limit headers.
// A zero limit keeps the previous ceiling.
func (p *Pool) RecordUsage(c *Credential, remaining, limit int, resetAt time.Time) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit > 0 {
		c.Limit = limit
	}
	c.Remaining = max(0, min(remaining, c.Limit))
	if !resetAt.IsZero() {
		c.ResetAt = resetAt
	}
	c.LastUsed = p.now()
}

// MarkExhausted records that a credential was rate limited outright.
func (p *Pool) MarkExhausted(c *Credential, resetAt time.Time) {
	if c == nil {
		return
	}
	p.RecordUsage(c, 0, 0, resetAt)
}

// EarliestReset returns the soonest reset time among exhausted credentials.
func (p *Pool) EarliestReset() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	for _, c := range append(append([]*Credential{}, p.installations...), p.tokens...) {
		if c.Remaining > 0 || c.ResetAt.IsZero() {
			continue
		}
		if earliest.IsZero() || c.ResetAt.Before(earliest) {
			earliest = c.ResetAt
		}
	}
	return earliest
}

// Snapshot returns copies of all credentials in scan order.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, 0, len(p.installations)+len(p.tokens))
	for _, c := range p.installations {
		out = append(out, c.public())
	}
	for _, c := range p.tokens {
		out = append(out, c.public())
	}
	return out
}

// applyReset restores the full quota once the reset time has passed.
func (c *Credential) applyReset(now time.Time) {
	if !c.ResetAt.IsZero() && !now.Before(c.ResetAt) {
		c.Remaining = c.Limit
		c.ResetAt = time.Time{}
	}
}

// mint reads only fields fixed at construction. Installation sources are
// wrapped in oauth2.ReuseTokenSource, which caches and serialises refreshes.
func (c *Credential) mint(ctx context.Context) (string, error) {
	if c.Kind == KindToken {
		return c.token, nil
	}
	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("mint token for %s: %w", c.ID, err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return tok.AccessToken, nil
}

func (c *Credential) public() Credential {
	return Credential{
		ID:        c.ID,
		Kind:      c.Kind,
		Remaining: c.Remaining,
		Limit:     c.Limit,
		ResetAt:   c.ResetAt,
		LastUsed:  c.LastUsed,
	}
}
