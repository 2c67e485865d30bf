package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/njoerd114/platformsync/internal/model"
)

const recordColumns = `id, workspace_id, entity_type, title, body, status, parent_id, assignee, due_date,
       source_platform, external_url, extra, created_at, updated_at`

// ListRecords returns the workspace's records of the given types, oldest
// first.
func (s *Store) ListRecords(ctx context.Context, workspaceID string, types []model.EntityType) ([]model.Record, error) {
	if len(types) == 0 {
		return nil, nil
	}
	q := `SELECT ` + recordColumns + ` FROM records
	      WHERE workspace_id = ? AND entity_type IN (` + placeholders(len(types)) + `)
	      ORDER BY created_at, id`
	args := []any{workspaceID}
	for _, t := range types {
		args = append(args, string(t))
	}
	rows, err := s.db.QueryContext(ctx, s.q(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying records for workspace %s: %w", workspaceID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetRecord returns the record with id, or (nil, nil).
func (s *Store) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM records WHERE id = ?`
	return scanRecord(s.db.QueryRowContext(ctx, s.q(q), id))
}

// CreateRecord inserts r with a fresh id and timestamps and returns the
// stored row.
func (s *Store) CreateRecord(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	extra, err := encodeJSON(nonNil(r.Extra))
	if err != nil {
		return model.Record{}, fmt.Errorf("encoding record extra: %w", err)
	}
	q := `INSERT INTO records (` + recordColumns + `) VALUES (` + placeholders(14) + `)`
	_, err = s.db.ExecContext(ctx, s.q(q),
		r.ID, r.WorkspaceID, string(r.Type), r.Title, r.Body, r.Status, r.ParentID, r.Assignee,
		formatDue(r), string(r.SourcePlatform), r.ExternalURL, extra,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return model.Record{}, fmt.Errorf("inserting record: %w", err)
	}
	return r, nil
}

// UpdateRecord overwrites the content of an existing record and bumps its
// UpdatedAt. It fails with model.ErrNotFound when the record is gone.
func (s *Store) UpdateRecord(ctx context.Context, r model.Record) (model.Record, error) {
	r.UpdatedAt = s.now().UTC()
	extra, err := encodeJSON(nonNil(r.Extra))
	if err != nil {
		return model.Record{}, fmt.Errorf("encoding record extra: %w", err)
	}
	const q = `
		UPDATE records SET
		    title = ?, body = ?, status = ?, parent_id = ?, assignee = ?, due_date = ?,
		    external_url = ?, extra = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.q(q),
		r.Title, r.Body, r.Status, r.ParentID, r.Assignee, formatDue(r),
		r.ExternalURL, extra, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return model.Record{}, fmt.Errorf("updating record %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Record{}, fmt.Errorf("updating record %s: %w", r.ID, model.ErrNotFound)
	}
	stored, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		return model.Record{}, err
	}
	if stored == nil {
		return model.Record{}, fmt.Errorf("reading back record %s: %w", r.ID, model.ErrNotFound)
	}
	return *stored, nil
}

func formatDue(r model.Record) string {
	if r.DueDate == nil {
		return ""
	}
	return formatTime(*r.DueDate)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func scanRecord(sc scanner) (*model.Record, error) {
	var (
		r                    model.Record
		entityType, platform string
		due, extra           string
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.WorkspaceID, &entityType, &r.Title, &r.Body, &r.Status, &r.ParentID,
		&r.Assignee, &due, &platform, &r.ExternalURL, &extra, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}
	r.Type = model.EntityType(entityType)
	r.SourcePlatform = model.Platform(platform)
	if err := decodeJSON(extra, &r.Extra); err != nil {
		return nil, fmt.Errorf("decoding extra of record %s: %w", r.ID, err)
	}
	if due != "" {
		if t, err := parseTime(due); err == nil {
			r.DueDate = &t
		}
	}
	r.CreatedAt, _ = parseTime(createdAt)
	r.UpdatedAt, _ = parseTime(updatedAt)
	return &r, nil
}
