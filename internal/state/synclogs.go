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

// MaxRetries bounds how many times a failed log row can be retried.
const MaxRetries = 3

// SyncLog is one audit row per attempted entity write.
type SyncLog struct {
	ID             string
	IntegrationID  string
	WorkspaceID    string
	Platform       model.Platform
	SyncType       model.SyncType
	Operation      model.Operation
	EntityType     model.EntityType
	EntityID       string
	ExternalID     string
	Status         model.LogStatus
	Direction      model.Direction
	Payload        string // JSON snapshot, may be empty
	Error          *LogError
	RetryCount     int
	ProcessingTime time.Duration
	CreatedAt      time.Time
}

// LogError is the structured failure attached to an error row.
type LogError struct {
	Message string
	Code    string
	Stack   string
}

// LogQuery filters and pages QuerySyncLogs. Page is 1-based.
type LogQuery struct {
	IntegrationID string
	Status        model.LogStatus
	EntityType    model.EntityType
	Operation     model.Operation
	From, To      time.Time
	Page, Limit   int
}

// StatRow aggregates sync log rows for one platform and status.
type StatRow struct {
	Platform          model.Platform
	Status            model.LogStatus
	Count             int
	AvgProcessingTime time.Duration
}

const logColumns = `id, integration_id, workspace_id, platform, sync_type, operation, entity_type,
       entity_id, external_id, status, direction, payload, error_message, error_code, error_stack,
       retry_count, processing_ms, created_at`

// AppendSyncLog inserts l, assigning its id and creation time when unset.
func (s *Store) AppendSyncLog(ctx context.Context, l *SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	var e LogError
	if l.Error != nil {
		e = *l.Error
	}
	q := `INSERT INTO sync_logs (` + logColumns + `) VALUES (` + placeholders(18) + `)`
	_, err := s.db.ExecContext(ctx, s.q(q),
		l.ID, l.IntegrationID, l.WorkspaceID, string(l.Platform), string(l.SyncType), string(l.Operation),
		string(l.EntityType), l.EntityID, l.ExternalID, string(l.Status), string(l.Direction), l.Payload,
		e.Message, e.Code, e.Stack, l.RetryCount, l.ProcessingTime.Milliseconds(), formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}
	return nil
}

// GetSyncLog returns the log row with id, or (nil, nil).
func (s *Store) GetSyncLog(ctx context.Context, id string) (*SyncLog, error) {
	q := `SELECT ` + logColumns + ` FROM sync_logs WHERE id = ?`
	return scanSyncLog(s.db.QueryRowContext(ctx, s.q(q), id))
}

// QuerySyncLogs returns one page of matching rows, newest first, and the
// total number of matching rows.
func (s *Store) QuerySyncLogs(ctx context.Context, lq LogQuery) ([]*SyncLog, int, error) {
	where := ` WHERE integration_id = ?`
	args := []any{lq.IntegrationID}
	if lq.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(lq.Status))
	}
	if lq.EntityType != "" {
		where += ` AND entity_type = ?`
		args = append(args, string(lq.EntityType))
	}
	if lq.Operation != "" {
		where += ` AND operation = ?`
		args = append(args, string(lq.Operation))
	}
	if !lq.From.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, formatTime(lq.From))
	}
	if !lq.To.IsZero() {
		where += ` AND created_at <= ?`
		args = append(args, formatTime(lq.To))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sync_logs`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sync logs: %w", err)
	}

	page, limit := lq.Page, lq.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	q := `SELECT ` + logColumns + ` FROM sync_logs` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.q(q), append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying sync logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// MarkForRetry flips eligible error rows of an integration to pending and
// increments their retry count. Rows already retried MaxRetries times are
// left alone. An empty ids slice selects every eligible row. It returns the
// ids it marked.
func (s *Store) MarkForRetry(ctx context.Context, integrationID string, ids []string) ([]string, error) {
	var marked []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		where := ` WHERE integration_id = ? AND status = ? AND retry_count < ?`
		args := []any{integrationID, string(model.LogError), MaxRetries}
		if len(ids) > 0 {
			where += ` AND id IN (` + placeholders(len(ids)) + `)`
			for _, id := range ids {
				args = append(args, id)
			}
		}

		rows, err := tx.QueryContext(ctx, s.q(`SELECT id FROM sync_logs`+where), args...)
		if err != nil {
			return fmt.Errorf("selecting retryable logs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning retryable log id: %w", err)
			}
			marked = append(marked, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(marked) == 0 {
			return nil
		}

		q := `UPDATE sync_logs SET retry_count = retry_count + 1, status = ? WHERE id IN (` + placeholders(len(marked)) + `)`
		uargs := []any{string(model.LogPending)}
		for _, id := range marked {
			uargs = append(uargs, id)
		}
		if _, err := tx.ExecContext(ctx, s.q(q), uargs...); err != nil {
			return fmt.Errorf("marking logs for retry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// ResolvePending sets the status of pending rows among ids, used once the
// retry sync they triggered has finished.
func (s *Store) ResolvePending(ctx context.Context, ids []string, status model.LogStatus) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE sync_logs SET status = ? WHERE status = ? AND id IN (` + placeholders(len(ids)) + `)`
	args := []any{string(status), string(model.LogPending)}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, s.q(q), args...); err != nil {
		return fmt.Errorf("resolving pending logs: %w", err)
	}
	return nil
}

// Stats aggregates the workspace's sync logs created since since, grouped by
// platform and status.
func (s *Store) Stats(ctx context.Context, workspaceID string, since time.Time) ([]StatRow, error) {
	const q = `
		SELECT platform, status, COUNT(*), CAST(AVG(processing_ms) AS DOUBLE PRECISION)
		FROM sync_logs
		WHERE workspace_id = ? AND created_at >= ?
		GROUP BY platform, status
		ORDER BY platform, status`
	rows, err := s.db.QueryContext(ctx, s.q(q), workspaceID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("aggregating sync logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StatRow
	for rows.Next() {
		var (
			r                StatRow
			platform, status string
			avg              float64
		)
		if err := rows.Scan(&platform, &status, &r.Count, &avg); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		r.Platform = model.Platform(platform)
		r.Status = model.LogStatus(status)
		r.AvgProcessingTime = time.Duration(avg * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSyncLog(sc scanner) (*SyncLog, error) {
	var (
		l                                    SyncLog
		platform, syncType, op, entityType   string
		status, direction                    string
		errMsg, errCode, errStack, createdAt string
		procMS                               int64
	)
	err := sc.Scan(&l.ID, &l.IntegrationID, &l.WorkspaceID, &platform, &syncType, &op, &entityType,
		&l.EntityID, &l.ExternalID, &status, &direction, &l.Payload, &errMsg, &errCode, &errStack,
		&l.RetryCount, &procMS, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync log row: %w", err)
	}
	l.Platform = model.Platform(platform)
	l.SyncType = model.SyncType(syncType)
	l.Operation = model.Operation(op)
	l.EntityType = model.EntityType(entityType)
	l.Status = model.LogStatus(status)
	l.Direction = model.Direction(direction)
	if errMsg != "" || errCode != "" {
		l.Error = &LogError{Message: errMsg, Code: errCode, Stack: errStack}
	}
	l.ProcessingTime = time.Duration(procMS) * time.Millisecond
	l.CreatedAt, _ = parseTime(createdAt)
	return &l, nil
}
