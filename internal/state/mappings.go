package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/platformsync/internal/model"
)

// Mapping links one internal record to one external entity for one
// integration. Internal and external ids never change in place.
type Mapping struct {
	ID            string
	IntegrationID string
	WorkspaceID   string
	Platform      model.Platform
	EntityType    model.EntityType
	InternalID    string
	ExternalID    string
	ExternalURL   string
	Bidirectional bool
	LastSynced    time.Time
	Metadata      map[string]string
	CreatedAt     time.Time
}

const mappingColumns = `id, integration_id, workspace_id, platform, entity_type, internal_id, external_id,
       external_url, bidirectional, last_synced, metadata, created_at`

// GetMappingByExternal returns the mapping for an external id, or (nil, nil).
func (s *Store) GetMappingByExternal(ctx context.Context, integrationID string, t model.EntityType, externalID string) (*Mapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM entity_mappings
	      WHERE integration_id = ? AND entity_type = ? AND external_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, s.q(q), integrationID, string(t), externalID))
}

// GetMappingByInternal returns the mapping for an internal id, or (nil, nil).
func (s *Store) GetMappingByInternal(ctx context.Context, integrationID string, t model.EntityType, internalID string) (*Mapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM entity_mappings
	      WHERE integration_id = ? AND entity_type = ? AND internal_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, s.q(q), integrationID, string(t), internalID))
}

// ListMappings returns every mapping of an integration.
func (s *Store) ListMappings(ctx context.Context, integrationID string) ([]*Mapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE integration_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.q(q), integrationID)
	if err != nil {
		return nil, fmt.Errorf("querying mappings for %s: %w", integrationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMapping inserts m, assigning its id and creation time. A duplicate on
// either unique key fails with model.ErrConflict.
func (s *Store) CreateMapping(ctx context.Context, m *Mapping) error {
	return insertMapping(ctx, s, s.db, m)
}

// TouchMapping bumps lastSynced and refreshes the external URL when set.
func (s *Store) TouchMapping(ctx context.Context, id string, lastSynced time.Time, externalURL string) error {
	const q = `UPDATE entity_mappings
	           SET last_synced = ?, external_url = CASE WHEN ? = '' THEN external_url ELSE ? END
	           WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, s.q(q), formatTime(lastSynced), externalURL, externalURL, id); err != nil {
		return fmt.Errorf("touching mapping %s: %w", id, err)
	}
	return nil
}

// ReplaceMapping deletes the mapping oldID and inserts next in one
// transaction. It is used when a write returns a different id than the one
// mapped.
func (s *Store) ReplaceMapping(ctx context.Context, oldID string, next *Mapping) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM entity_mappings WHERE id = ?`), oldID); err != nil {
			return fmt.Errorf("deleting mapping %s: %w", oldID, err)
		}
		return insertMapping(ctx, s, tx, next)
	})
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMapping(ctx context.Context, s *Store, ex execer, m *Mapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	enc, err := encodeJSON(meta)
	if err != nil {
		return fmt.Errorf("encoding mapping metadata: %w", err)
	}
	q := `INSERT INTO entity_mappings (` + mappingColumns + `) VALUES (` + placeholders(12) + `)`
	_, err = ex.ExecContext(ctx, s.q(q),
		m.ID, m.IntegrationID, m.WorkspaceID, string(m.Platform), string(m.EntityType),
		m.InternalID, m.ExternalID, m.ExternalURL, boolInt(m.Bidirectional),
		formatTime(m.LastSynced), enc, formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: mapping for %s %s (internal %s, external %s) already exists",
				model.ErrConflict, m.IntegrationID, m.EntityType, m.InternalID, m.ExternalID)
		}
		return fmt.Errorf("inserting mapping: %w", err)
	}
	return nil
}

func scanMapping(sc scanner) (*Mapping, error) {
	var (
		m                           Mapping
		platform, entityType        string
		bidi                        int
		lastSynced, meta, createdAt string
	)
	err := sc.Scan(&m.ID, &m.IntegrationID, &m.WorkspaceID, &platform, &entityType, &m.InternalID,
		&m.ExternalID, &m.ExternalURL, &bidi, &lastSynced, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping row: %w", err)
	}
	m.Platform = model.Platform(platform)
	m.EntityType = model.EntityType(entityType)
	m.Bidirectional = bidi == 1
	if err := decodeJSON(meta, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of mapping %s: %w", m.ID, err)
	}
	m.LastSynced, _ = parseTime(lastSynced)
	m.CreatedAt, _ = parseTime(createdAt)
	return &m, nil
}
