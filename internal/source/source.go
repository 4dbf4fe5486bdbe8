// Package source fetches paginated collections from rate-limited source APIs
// and keeps a resumable local copy of them.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
)

// RateLimit is the quota state reported by a response. RetryAfter is set
// when the server asked for a pause with a Retry-After header.
type RateLimit struct {
	ResetAt    time.Time
	Remaining  int
	Limit      int
	Known      bool
	RetryAfter bool
}

// ListEntry is one item from a list page. Chat listings carry the full
// signal already; tracker listings need a detail fetch.
type ListEntry struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Signal    *model.Signal
	ID        string
	Skip      bool
}

// LastActivity returns the later of the entry's creation and update times.
func (e ListEntry) LastActivity() time.Time {
	if e.UpdatedAt.After(e.CreatedAt) {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// PageRequest asks a Lister for one page.
type PageRequest struct {
	Since   *time.Time
	Cursor  string
	Token   string
	PerPage int
}

// Page is one page of list results. An empty NextCursor ends pagination.
type Page struct {
	NextCursor string
	Entries    []ListEntry
	RateLimit  RateLimit
}

// Lister walks a paginated list endpoint.
type Lister interface {
	ListPage(ctx context.Context, req PageRequest) (*Page, error)
}

// Detailer fetches the full record for one id.
type Detailer interface {
	GetItem(ctx context.Context, token, id string) (model.Signal, RateLimit, error)
}

// APIError is a non-success response from a source API.
type APIError struct {
	RateLimit  RateLimit
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source API error (status %d): %s", e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the common error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return common.ErrNotFound
	case e.rateLimited():
		return common.ErrRateLimit
	case e.StatusCode >= 500:
		return common.ErrSourceServer
	default:
		return nil
	}
}

func (e *APIError) rateLimited() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode != http.StatusForbidden {
		return false
	}
	// Secondary limits answer 403 with Retry-After while quota remains.
	return e.RateLimit.RetryAfter || (e.RateLimit.Known && e.RateLimit.Remaining == 0)
}

// IsRateLimited reports whether err is a quota rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, common.ErrRateLimit)
}

// IsNotFound reports whether err means the item is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}

// ParseRateLimit reads X-RateLimit-* headers. The reset header is an epoch
// in seconds and may carry a fractional part.
func ParseRateLimit(h http.Header) RateLimit {
	var rl RateLimit

	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Remaining = n
			rl.Known = true
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Limit = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			sec := int64(f)
			rl.ResetAt = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			rl.RetryAfter = true
			if rl.ResetAt.IsZero() {
				rl.ResetAt = time.Now().Add(time.Duration(sec * float64(time.Second))).UTC()
			}
		}
	}
	return rl
}
