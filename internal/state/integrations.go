package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/platformsync/internal/model"
)

const integrationColumns = `id, workspace_id, name, platform, credentials, config, sync_settings,
       is_active, sync_status, last_sync, error_log, revision, created_at, updated_at`

// keepPaused leaves a paused integration paused when a sync that started
// before the pause finishes. The caller binds the new status.
const keepPaused = `sync_status = CASE WHEN sync_status = 'paused' THEN sync_status ELSE ? END`

// IntegrationFilter narrows ListIntegrations. Zero fields match everything.
type IntegrationFilter struct {
	WorkspaceID string
	Platform    model.Platform
	ActiveOnly  bool
}

// CreateIntegration inserts in, assigning an id and timestamps when unset. A
// second active integration for the same workspace and platform fails with
// model.ErrConflict.
func (s *Store) CreateIntegration(ctx context.Context, in *model.Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	if in.SyncStatus == "" {
		in.SyncStatus = model.SyncStatusPending
	}
	if in.Revision == 0 {
		in.Revision = 1
	}

	args, err := integrationArgs(in)
	if err != nil {
		return err
	}
	q := `INSERT INTO integrations (` + integrationColumns + `) VALUES (` + placeholders(14) + `)`
	if _, err := s.db.ExecContext(ctx, s.q(q), args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: active %s integration already exists for workspace %s",
				model.ErrConflict, in.Platform, in.WorkspaceID)
		}
		return fmt.Errorf("inserting integration %s: %w", in.ID, err)
	}
	return nil
}

// GetIntegration returns the integration with id, or (nil, nil) if it does
// not exist.
func (s *Store) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = ?`
	return scanIntegration(s.db.QueryRowContext(ctx, s.q(q), id))
}

// FindActiveIntegration returns the active integration for workspace and
// platform, or (nil, nil).
func (s *Store) FindActiveIntegration(ctx context.Context, workspaceID string, p model.Platform) (*model.Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations
	      WHERE workspace_id = ? AND platform = ? AND is_active = 1`
	return scanIntegration(s.db.QueryRowContext(ctx, s.q(q), workspaceID, string(p)))
}

// ListIntegrations returns integrations matching f, oldest first.
func (s *Store) ListIntegrations(ctx context.Context, f IntegrationFilter) ([]*model.Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE 1 = 1`
	var args []any
	if f.WorkspaceID != "" {
		q += ` AND workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	if f.Platform != "" {
		q += ` AND platform = ?`
		args = append(args, string(f.Platform))
	}
	if f.ActiveOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// IntegrationPatch names the columns PatchIntegration writes. Nil fields
// are left alone.
type IntegrationPatch struct {
	Name         *string
	Credentials  *model.Credentials
	Config       map[string]string
	SyncSettings *model.SyncSettings
	IsActive     *bool
}

// PatchIntegration writes only the columns set in p and bumps the revision,
// so concurrent status, error log and token writes survive. Reactivating an
// integration whose slot is taken fails with model.ErrConflict.
func (s *Store) PatchIntegration(ctx context.Context, id string, p IntegrationPatch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Credentials != nil {
		enc, err := encodeJSON(*p.Credentials)
		if err != nil {
			return fmt.Errorf("encoding credentials: %w", err)
		}
		set("credentials", enc)
	}
	if p.Config != nil {
		enc, err := encodeJSON(p.Config)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		set("config", enc)
	}
	if p.SyncSettings != nil {
		enc, err := encodeJSON(*p.SyncSettings)
		if err != nil {
			return fmt.Errorf("encoding sync settings: %w", err)
		}
		set("sync_settings", enc)
	}
	if p.IsActive != nil {
		set("is_active", boolInt(*p.IsActive))
	}
	set("updated_at", formatTime(s.now()))
	args = append(args, id)

	q := `UPDATE integrations SET ` + strings.Join(sets, ", ") + `, revision = revision + 1 WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.q(q), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: another active integration holds the slot of %s", model.ErrConflict, id)
		}
		return fmt.Errorf("updating integration %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating integration %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetPaused pauses or resumes integration id. Pausing also turns auto sync
// off; resuming turns it back on and clears the paused status.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, s.q(`SELECT sync_settings FROM integrations WHERE id = ?`), id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pausing integration %s: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading sync settings for %s: %w", id, err)
		}
		var settings model.SyncSettings
		if err := decodeJSON(raw, &settings); err != nil {
			return fmt.Errorf("decoding sync settings for %s: %w", id, err)
		}
		settings.AutoSync = !paused
		enc, err := encodeJSON(settings)
		if err != nil {
			return fmt.Errorf("encoding sync settings: %w", err)
		}
		status := model.SyncStatusSuccess
		if paused {
			status = model.SyncStatusPaused
		}
		const q = `UPDATE integrations SET sync_status = ?, sync_settings = ?, revision = revision + 1, updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, s.q(q), string(status), enc, formatTime(s.now()), id); err != nil {
			return fmt.Errorf("setting integration %s paused=%v: %w", id, paused, err)
		}
		return nil
	})
}

// SaveCredentials replaces the stored credentials of integration id.
func (s *Store) SaveCredentials(ctx context.Context, id string, creds model.Credentials) error {
	enc, err := encodeJSON(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	const q = `UPDATE integrations SET credentials = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, s.q(q), enc, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("saving credentials for %s: %w", id, err)
	}
	return nil
}

// MarkSyncSuccess records a successful full sync finished at at. A paused
// integration keeps its status.
func (s *Store) MarkSyncSuccess(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE integrations SET ` + keepPaused + `, last_sync = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, s.q(q), string(model.SyncStatusSuccess), formatTime(at), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("marking sync success for %s: %w", id, err)
	}
	return nil
}

// AppendIntegrationError appends e to the integration's bounded error log and
// sets its status to error unless it is paused.
func (s *Store) AppendIntegrationError(ctx context.Context, id string, e model.ErrorEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, s.q(`SELECT error_log FROM integrations WHERE id = ?`), id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("appending error to integration %s: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading error log for %s: %w", id, err)
		}
		in := model.Integration{}
		if err := decodeJSON(raw, &in.ErrorLog); err != nil {
			return fmt.Errorf("decoding error log for %s: %w", id, err)
		}
		in.AppendError(e)
		enc, err := encodeJSON(in.ErrorLog)
		if err != nil {
			return fmt.Errorf("encoding error log: %w", err)
		}
		const q = `UPDATE integrations SET ` + keepPaused + `, error_log = ?, updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, s.q(q), string(model.SyncStatusError), enc, formatTime(s.now()), id); err != nil {
			return fmt.Errorf("writing error log for %s: %w", id, err)
		}
		return nil
	})
}

// SetActive flips the soft-delete flag of integration id.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	const q = `UPDATE integrations SET is_active = ?, revision = revision + 1, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, s.q(q), boolInt(active), formatTime(s.now()), id); err != nil {
		return fmt.Errorf("setting integration %s active=%v: %w", id, active, err)
	}
	return nil
}

func integrationArgs(in *model.Integration) ([]any, error) {
	creds, err := encodeJSON(in.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	cfg := in.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	config, err := encodeJSON(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	settings, err := encodeJSON(in.SyncSettings)
	if err != nil {
		return nil, fmt.Errorf("encoding sync settings: %w", err)
	}
	elog := in.ErrorLog
	if elog == nil {
		elog = []model.ErrorEntry{}
	}
	errLog, err := encodeJSON(elog)
	if err != nil {
		return nil, fmt.Errorf("encoding error log: %w", err)
	}
	return []any{
		in.ID, in.WorkspaceID, in.Name, string(in.Platform), creds, config, settings,
		boolInt(in.IsActive), string(in.SyncStatus), formatTime(in.LastSync), errLog, in.Revision,
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt),
	}, nil
}

func scanIntegration(sc scanner) (*model.Integration, error) {
	var (
		in                              model.Integration
		platform, status                string
		creds, config, settings, errLog string
		active                          int
		lastSync, createdAt, updatedAt  string
	)
	err := sc.Scan(&in.ID, &in.WorkspaceID, &in.Name, &platform, &creds, &config, &settings,
		&active, &status, &lastSync, &errLog, &in.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning integration row: %w", err)
	}

	in.Platform = model.Platform(platform)
	in.SyncStatus = model.SyncStatus(status)
	in.IsActive = active == 1
	if err := decodeJSON(creds, &in.Credentials); err != nil {
		return nil, fmt.Errorf("decoding credentials of %s: %w", in.ID, err)
	}
	if err := decodeJSON(config, &in.Config); err != nil {
		return nil, fmt.Errorf("decoding config of %s: %w", in.ID, err)
	}
	if err := decodeJSON(settings, &in.SyncSettings); err != nil {
		return nil, fmt.Errorf("decoding sync settings of %s: %w", in.ID, err)
	}
	if err := decodeJSON(errLog, &in.ErrorLog); err != nil {
		return nil, fmt.Errorf("decoding error log of %s: %w", in.ID, err)
	}
	in.LastSync, _ = parseTime(lastSync)
	in.CreatedAt, _ = parseTime(createdAt)
	in.UpdatedAt, _ = parseTime(updatedAt)
	return &in, nil
}
