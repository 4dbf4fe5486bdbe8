// Package storage persists signal caches, the group ledger and cached
// embeddings.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/threadline/internal/model"
)

// Validation errors.
var (
	ErrNilContext    = errors.New("context cannot be nil")
	ErrEmptyString   = errors.New("string parameter cannot be empty")
	ErrNilParameter  = errors.New("parameter cannot be nil")
	ErrInvalidGroup  = errors.New("invalid group")
	ErrInvalidVector = errors.New("invalid embedding vector")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateGroup checks the fields the ledger relies on.
func validateGroup(g *model.Group) error {
	if g == nil {
		return fmt.Errorf("%w: group", ErrNilParameter)
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidGroup)
	}
	if len(g.UnitIDs) == 0 {
		return fmt.Errorf("%w: group %s has no members", ErrInvalidGroup, g.ID)
	}
	switch g.Mode {
	case model.GroupModeIssue, model.GroupModeSemantic:
	default:
		return fmt.Errorf("%w: group %s has mode %q", ErrInvalidGroup, g.ID, g.Mode)
	}
	switch g.ExportStatus {
	case "", model.ExportPending, model.ExportExported:
	default:
		return fmt.Errorf("%w: group %s has export status %q", ErrInvalidGroup, g.ID, g.ExportStatus)
	}
	return nil
}
