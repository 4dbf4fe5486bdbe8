package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
)

const groupColumns = `id, title, summary, canonical_unit_id, feature_bucket, mode, priority,
	export_status, external_id, external_url, external_identifier, cross_cutting,
	target_ids, affected_features, labels, created_at, updated_at, superseded_by, superseded_at`

// SaveGroups upserts groups and their membership in one transaction. A
// group already exported keeps its export status and external linkage, so
// re-grouping never turns it back into pending work. The slice is updated
// in place with the stored status and creation time.
func (s *SQLiteStorage) SaveGroups(ctx context.Context, groups []model.Group) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	for i := range groups {
		if err := validateGroup(&groups[i]); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for i := range groups {
		if err := saveGroupTx(ctx, tx, &groups[i], now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit groups: %w", err)
	}
	return nil
}

// ReplaceGroups stores the complete result of one grouping run in mode.
// Groups of that mode that the run did not produce are marked superseded,
// pointing at the new group that holds their first member when there is
// one, and drop out of ListGroups and CountGroups. Superseded groups keep
// their export linkage. It returns the number of groups superseded.
func (s *SQLiteStorage) ReplaceGroups(ctx context.Context, mode model.GroupMode, groups []model.Group) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	for i := range groups {
		if err := validateGroup(&groups[i]); err != nil {
			return 0, err
		}
		if groups[i].Mode != mode {
			return 0, fmt.Errorf("%w: group %s has mode %q, replacing %q", ErrInvalidGroup, groups[i].ID, groups[i].Mode, mode)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	current := make(map[string]bool, len(groups))
	owner := make(map[string]string)
	for i := range groups {
		if err := saveGroupTx(ctx, tx, &groups[i], now); err != nil {
			return 0, err
		}
		current[groups[i].ID] = true
		for _, unitID := range groups[i].UnitIDs {
			if _, ok := owner[unitID]; !ok {
				owner[unitID] = groups[i].ID
			}
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM issue_groups WHERE mode = ? AND superseded_at IS NULL`, string(mode))
	if err != nil {
		return 0, fmt.Errorf("failed to query live groups: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan group id: %w", err)
		}
		if !current[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("error iterating groups: %w", err)
	}

	for _, id := range stale {
		members, err := groupMembers(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		successor := ""
		for _, unitID := range members {
			if g, ok := owner[unitID]; ok {
				successor = g
				break
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE issue_groups SET superseded_by = ?, superseded_at = ? WHERE id = ?`,
			successor, now, id); err != nil {
			return 0, fmt.Errorf("failed to supersede group %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit groups: %w", err)
	}
	if len(stale) > 0 {
		slog.Info("Superseded groups from earlier runs", "mode", mode, "count", len(stale))
	}
	return len(stale), nil
}

func saveGroupTx(ctx context.Context, tx *sql.Tx, g *model.Group, now time.Time) error {
	existing, err := getGroup(ctx, tx, g.ID)
	switch {
	case errors.Is(err, common.ErrGroupNotFound):
		g.ExportStatus = model.ExportPending
		if g.CreatedAt.IsZero() {
			g.CreatedAt = now
		}
	case err != nil:
		return err
	default:
		g.CreatedAt = existing.CreatedAt
		if existing.ExportStatus == model.ExportExported {
			g.ExportStatus = model.ExportExported
			g.ExternalID = existing.ExternalID
			g.ExternalURL = existing.ExternalURL
			g.ExternalIdentifier = existing.ExternalIdentifier
		} else if g.ExportStatus == "" {
			g.ExportStatus = model.ExportPending
		}
	}
	g.UpdatedAt = now
	g.SupersededBy = ""
	g.SupersededAt = nil

	targets, features, labels, err := encodeLists(g)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO issue_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			canonical_unit_id = excluded.canonical_unit_id,
			feature_bucket = excluded.feature_bucket,
			mode = excluded.mode,
			priority = excluded.priority,
			export_status = excluded.export_status,
			external_id = excluded.external_id,
			external_url = excluded.external_url,
			external_identifier = excluded.external_identifier,
			cross_cutting = excluded.cross_cutting,
			target_ids = excluded.target_ids,
			affected_features = excluded.affected_features,
			labels = excluded.labels,
			updated_at = excluded.updated_at,
			superseded_by = '',
			superseded_at = NULL`,
		g.ID, g.Title, g.Summary, g.CanonicalUnitID, g.FeatureBucket, string(g.Mode), string(g.Priority),
		string(g.ExportStatus), g.ExternalID, g.ExternalURL, g.ExternalIdentifier, g.CrossCutting,
		targets, features, labels, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save group %s: %w", g.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, g.ID); err != nil {
		return fmt.Errorf("failed to clear members of group %s: %w", g.ID, err)
	}
	for pos, unitID := range g.UnitIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (group_id, unit_id, position) VALUES (?, ?, ?)`,
			g.ID, unitID, pos); err != nil {
			return fmt.Errorf("failed to add unit %s to group %s: %w", unitID, g.ID, err)
		}
	}
	return nil
}

// GetGroup returns one group with its members.
func (s *SQLiteStorage) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getGroup(ctx, s.db, id)
}

// ListGroups returns live groups with the given export status, or every
// live group for an empty status, most recently updated first. Superseded
// groups are left out.
func (s *SQLiteStorage) ListGroups(ctx context.Context, status model.ExportStatus) ([]model.Group, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + groupColumns + ` FROM issue_groups WHERE superseded_at IS NULL`
	var args []any
	if status != "" {
		query += ` AND export_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	_ = rows.Close()

	for i := range groups {
		members, err := groupMembers(ctx, s.db, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].UnitIDs = members
	}
	return groups, nil
}

// MarkExported records the external issue created for a group.
func (s *SQLiteStorage) MarkExported(ctx context.Context, id, externalID, url, identifier string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	if err := validateString(externalID, "externalID"); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE issue_groups
		SET export_status = ?, external_id = ?, external_url = ?, external_identifier = ?, updated_at = ?
		WHERE id = ?`,
		string(model.ExportExported), externalID, url, identifier, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark group %s exported: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", common.ErrGroupNotFound, id)
	}
	return nil
}

// CountGroups returns live group counts by export status.
func (s *SQLiteStorage) CountGroups(ctx context.Context) (map[model.ExportStatus]int, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT export_status, COUNT(*) FROM issue_groups WHERE superseded_at IS NULL GROUP BY export_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.ExportStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan group count: %w", err)
		}
		counts[model.ExportStatus(status)] = n
	}
	return counts, rows.Err()
}

func getGroup(ctx context.Context, q queryable, id string) (*model.Group, error) {
	row := q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM issue_groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", common.ErrGroupNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	members, err := groupMembers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	g.UnitIDs = members
	return g, nil
}

func groupMembers(ctx context.Context, q queryable, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT unit_id FROM group_members WHERE group_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query members of group %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var unitID string
		if err := rows.Scan(&unitID); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, unitID)
	}
	return members, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*model.Group, error) {
	var (
		g                         model.Group
		mode, priority, status    string
		targets, features, labels string
		supersededAt              sql.NullTime
	)
	err := row.Scan(&g.ID, &g.Title, &g.Summary, &g.CanonicalUnitID, &g.FeatureBucket, &mode, &priority,
		&status, &g.ExternalID, &g.ExternalURL, &g.ExternalIdentifier, &g.CrossCutting,
		&targets, &features, &labels, &g.CreatedAt, &g.UpdatedAt, &g.SupersededBy, &supersededAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}

	g.Mode = model.GroupMode(mode)
	g.Priority = model.Priority(priority)
	g.ExportStatus = model.ExportStatus(status)
	if supersededAt.Valid {
		at := supersededAt.Time
		g.SupersededAt = &at
	}

	for _, col := range []struct {
		dst  *[]string
		name string
		raw  string
	}{
		{&g.TargetIDs, "target_ids", targets},
		{&g.AffectedFeatures, "affected_features", features},
		{&g.Labels, "labels", labels},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode %s of group %s: %w", col.name, g.ID, err)
		}
		if len(*col.dst) == 0 {
			*col.dst = nil
		}
	}
	return &g, nil
}

func encodeLists(g *model.Group) (targets, features, labels string, err error) {
	enc := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	if targets, err = enc(g.TargetIDs); err != nil {
		return "", "", "", fmt.Errorf("failed to encode target ids: %w", err)
	}
	if features, err = enc(g.AffectedFeatures); err != nil {
		return "", "", "", fmt.Errorf("failed to encode features: %w", err)
	}
	if labels, err = enc(g.Labels); err != nil {
		return "", "", "", fmt.Errorf("failed to encode labels: %w", err)
	}
	return targets, features, labels, nil
}
