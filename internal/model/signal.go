// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Source names the platform a signal was fetched from.
type Source string

// Signal sources.
const (
	SourceChat    Source = "chat"
	SourceTracker Source = "tracker"
)

// Signal is a single fetched item: a chat message or a tracker work item.
type Signal struct {
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Source    Source            `json:"source"`
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Author    string            `json:"author,omitempty"`
	URL       string            `json:"url,omitempty"`
	State     string            `json:"state,omitempty"`
	Labels    []string          `json:"labels,omitempty"`
}

// LastActivity returns the later of the signal's creation and update times.
func (s Signal) LastActivity() time.Time {
	if s.UpdatedAt.After(s.CreatedAt) {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// Text is the searchable text of the signal.
func (s Signal) Text() string {
	switch {
	case s.Title == "":
		return s.Body
	case s.Body == "":
		return s.Title
	default:
		return s.Title + "\n\n" + s.Body
	}
}

// ContentHash identifies the signal's text for embedding caches.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
