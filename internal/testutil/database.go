// Package testutil provides shared fixtures for tests that need a ledger or
// cached signals on disk.
package testutil

import (
	"context"
	"testing"

	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/storage"
)

// SetupLedger creates a migrated in-memory ledger seeded with groups. It is
// closed when the test ends.
func SetupLedger(t *testing.T, groups ...model.Group) *storage.SQLiteStorage {
	t.Helper()

	ctx := context.Background()
	ledger, err := storage.OpenLedger(ctx, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test ledger: %v", err)
	}
	t.Cleanup(func() {
		_ = ledger.Close()
	})

	if len(groups) > 0 {
		if err := ledger.SaveGroups(ctx, groups); err != nil {
			t.Fatalf("failed to seed groups: %v", err)
		}
	}
	return ledger
}
