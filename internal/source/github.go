package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v72/github"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
)

// DefaultGitHubURL is the public GitHub REST endpoint.
const DefaultGitHubURL = "https://api.github.com"

// GitHubClient lists and fetches issues of one repository. It keeps one
// API client per token so each credential's quota state stays separate.
type GitHubClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	clients    map[string]*github.Client
	owner      string
	repo       string
	mu         sync.Mutex
}

// NewGitHubClient creates a client. An empty baseURL uses the public API and
// a nil httpClient gets a client with a 30s timeout.
func NewGitHubClient(baseURL, owner, repo string, httpClient *http.Client) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubURL
	}
	// A malformed URL leaves base nil and every request fails with
	// ErrInvalidConfig.
	base, _ := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	return &GitHubClient{
		httpClient: newHTTPClient(httpClient),
		baseURL:    base,
		clients:    make(map[string]*github.Client),
		owner:      owner,
		repo:       repo,
	}
}

// Collection names the cache collection for this repository.
func (c *GitHubClient) Collection() string {
	return "github-" + c.owner + "-" + c.repo
}

func (c *GitHubClient) client(token string) (*github.Client, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("%w: github base url", common.ErrInvalidConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gh, ok := c.clients[token]; ok {
		return gh, nil
	}
	gh := github.NewClient(c.httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	gh.BaseURL = c.baseURL
	gh.UserAgent = "threadline"
	c.clients[token] = gh
	return gh, nil
}

func validateIssue(i *github.Issue) error {
	switch {
	case i.GetID() == 0:
		return fmt.Errorf("%w: issue missing id", common.ErrBadResponse)
	case i.GetNumber() == 0:
		return fmt.Errorf("%w: issue %d missing number", common.ErrBadResponse, i.GetID())
	case i.CreatedAt == nil:
		return fmt.Errorf("%w: issue #%d missing created_at", common.ErrBadResponse, i.GetNumber())
	case i.UpdatedAt == nil:
		return fmt.Errorf("%w: issue #%d missing updated_at", common.ErrBadResponse, i.GetNumber())
	}
	return nil
}

func issueSignal(i *github.Issue) model.Signal {
	sig := model.Signal{
		Source:    model.SourceTracker,
		ID:        strconv.Itoa(i.GetNumber()),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		URL:       i.GetHTMLURL(),
		State:     i.GetState(),
		Author:    i.GetUser().GetLogin(),
		CreatedAt: i.GetCreatedAt().UTC(),
		UpdatedAt: i.GetUpdatedAt().UTC(),
		Metadata: map[string]string{
			"github_id": strconv.FormatInt(i.GetID(), 10),
			"comments":  strconv.Itoa(i.GetComments()),
		},
	}
	for _, l := range i.Labels {
		sig.Labels = append(sig.Labels, l.GetName())
	}
	return sig
}

// ListPage returns one page of issues, most recently updated first. The
// cursor is the page number. Pull requests are marked Skip.
func (c *GitHubClient) ListPage(ctx context.Context, req PageRequest) (*Page, error) {
	page := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: github cursor %q", common.ErrInvalidConfig, req.Cursor)
		}
		page = n
	}

	gh, err := c.client(req.Token)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{Page: page, PerPage: req.PerPage},
	}
	if req.Since != nil {
		opts.Since = req.Since.UTC()
	}

	issues, resp, err := gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
	rl := githubRateLimit(resp)
	if err != nil {
		return nil, githubError(err, resp, rl)
	}

	out := &Page{RateLimit: rl, Entries: make([]ListEntry, 0, len(issues))}
	for _, issue := range issues {
		if err := validateIssue(issue); err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, ListEntry{
			ID:        strconv.Itoa(issue.GetNumber()),
			CreatedAt: issue.GetCreatedAt().UTC(),
			UpdatedAt: issue.GetUpdatedAt().UTC(),
			Skip:      issue.IsPullRequest(),
		})
	}

	switch {
	case resp.NextPage != 0:
		out.NextCursor = strconv.Itoa(resp.NextPage)
	case resp.Header.Get("Link") == "" && len(issues) >= req.PerPage:
		// Without pagination links a full page may still have a successor.
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

// GetItem fetches one issue by number.
func (c *GitHubClient) GetItem(ctx context.Context, token, id string) (model.Signal, RateLimit, error) {
	number, err := strconv.Atoi(id)
	if err != nil || number < 1 {
		return model.Signal{}, RateLimit{}, fmt.Errorf("%w: issue %q", common.ErrNotFound, id)
	}

	gh, err := c.client(token)
	if err != nil {
		return model.Signal{}, RateLimit{}, err
	}

	issue, resp, err := gh.Issues.Get(ctx, c.owner, c.repo, number)
	rl := githubRateLimit(resp)
	if err != nil {
		return model.Signal{}, rl, githubError(err, resp, rl)
	}
	if err := validateIssue(issue); err != nil {
		return model.Signal{}, rl, err
	}
	return issueSignal(issue), rl, nil
}

// githubRateLimit prefers the response headers and falls back to the
// client's own quota record, which is all a request refused before it was
// sent carries.
func githubRateLimit(resp *github.Response) RateLimit {
	if resp == nil {
		return RateLimit{}
	}
	if resp.Response != nil {
		if rl := ParseRateLimit(resp.Header); rl.Known || rl.RetryAfter {
			return rl
		}
	}
	if resp.Rate.Limit == 0 && resp.Rate.Reset.IsZero() {
		return RateLimit{}
	}
	return RateLimit{
		Remaining: resp.Rate.Remaining,
		Limit:     resp.Rate.Limit,
		ResetAt:   resp.Rate.Reset.UTC(),
		Known:     true,
	}
}

// githubError maps client errors onto *APIError so the fetcher sees one
// error shape for every source.
func githubError(err error, resp *github.Response, rl RateLimit) error {
	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
		respErr  *github.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr):
		return &APIError{StatusCode: statusOf(rateErr.Response, http.StatusForbidden), Body: rateErr.Message, RateLimit: rl}
	case errors.As(err, &abuseErr):
		if abuseErr.RetryAfter != nil {
			rl.RetryAfter = true
			if rl.ResetAt.IsZero() {
				rl.ResetAt = time.Now().Add(*abuseErr.RetryAfter).UTC()
			}
		}
		return &APIError{StatusCode: statusOf(abuseErr.Response, http.StatusForbidden), Body: abuseErr.Message, RateLimit: rl}
	case errors.As(err, &respErr):
		return &APIError{StatusCode: statusOf(respErr.Response, 0), Body: respErr.Message, RateLimit: rl}
	case resp != nil && resp.Response != nil && resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Body: err.Error(), RateLimit: rl}
	case resp != nil && resp.Response != nil:
		return fmt.Errorf("%w: %w", common.ErrBadResponse, err)
	}
	return fmt.Errorf("github request: %w", err)
}

func statusOf(resp *http.Response, fallback int) int {
	if resp == nil {
		return fallback
	}
	return resp.StatusCode
}
