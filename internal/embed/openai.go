package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Veraticus/threadline/internal/common"
)

// Defaults for OpenAIClient.
const (
	DefaultModel             = "text-embedding-3-small"
	DefaultTimeout           = 30 * time.Second
	DefaultRequestsPerMinute = 500
)

// Config configures an OpenAIClient.
type Config struct {
	HTTPClient *http.Client
	// Endpoint is the server base URL, without the /v1/embeddings suffix.
	Endpoint          string
	Model             string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	Retry             common.RetryOptions
}

// OpenAIClient calls POST {endpoint}/v1/embeddings. Requests are paced by a
// token-bucket limiter; 429 and 5xx responses are retried with backoff.
type OpenAIClient struct {
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	endpoint string
	model    string
	apiKey   string
	retry    common.RetryOptions
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: embedding endpoint", common.ErrMissingConfig)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	return &OpenAIClient{
		client:   client,
		limiter:  rate.NewLimiter(perSecond, 1),
		logger:   slog.Default().With("component", "embeddings", "model", cfg.Model),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		retry:    cfg.Retry,
	}, nil
}

// Model returns the model name sent with each request.
func (c *OpenAIClient) Model() string {
	return c.model
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns the vector for one text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns vectors for texts in input order, in one request.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vecs [][]float32
	err := common.WithRetry(ctx, func() error {
		var callErr error
		vecs, callErr = c.call(ctx, texts)
		return callErr
	}, c.retry)
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

func (c *OpenAIClient) call(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("POST %s: %w", url, err), Retryable: ctx.Err() == nil}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, &common.RetryableError{Err: err, Retryable: retryable}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: missing embedding for input %d", common.ErrBadResponse, i)
		}
	}
	c.logger.Debug("embedded texts", "count", len(texts), "dimensions", len(vecs[0]))
	return vecs, nil
}
