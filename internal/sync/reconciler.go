package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
)

// importPhase fetches every external item and writes it to the internal
// store. It stops early only when the fetch fails or ctx expires.
func (o *Orchestrator) importPhase(ctx context.Context, in *model.Integration, a adapter.Adapter) (Stats, error) {
	var stats Stats

	items, err := a.FetchExternalData(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching external data for %s: %w", in.ID, err)
	}
	items = adapter.FilterItems(in.SyncSettings, items)
	o.log.Debug("import phase", "integration_id", in.ID, "items", len(items))

	for _, item := range items {
		stats.add(o.importItem(ctx, in, a, item))
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("import phase for %s: %w", in.ID, err)
		}
	}
	return stats, nil
}

// exportPhase pushes internal records changed since their last crossing to
// the platform.
func (o *Orchestrator) exportPhase(ctx context.Context, in *model.Integration, a adapter.Adapter) (Stats, error) {
	var stats Stats

	records, err := a.FetchInternalData(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching internal data for %s: %w", in.ID, err)
	}
	o.log.Debug("export phase", "integration_id", in.ID, "records", len(records))

	for _, rec := range records {
		stats.add(o.exportRecord(ctx, in, a, rec))
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("export phase for %s: %w", in.ID, err)
		}
	}
	return stats, nil
}

// importItem applies one external item under its item lock and writes one
// sync log row.
func (o *Orchestrator) importItem(ctx context.Context, in *model.Integration, a adapter.Adapter, item model.Item) Stats {
	unlock := o.items.Lock(itemKey(in.ID, item.Type, "ext", item.ID))
	defer unlock()

	entry := o.newLog(in, model.SyncImport, model.FromExternal, item.Type)
	entry.ExternalID = item.ID
	entry.Payload = snapshot(item.Fields)

	start := time.Now()
	err := guard(entry, func() error { return o.importOne(ctx, in, a, item, entry) })
	return o.finish(ctx, entry, start, err)
}

func (o *Orchestrator) importOne(ctx context.Context, in *model.Integration, a adapter.Adapter, item model.Item, entry *state.SyncLog) error {
	m, err := o.store.GetMappingByExternal(ctx, in.ID, item.Type, item.ID)
	if err != nil {
		return fmt.Errorf("looking up mapping for %s %s: %w", item.Type, item.ID, err)
	}
	op, existing := model.OpCreate, ""
	if m != nil {
		op, existing = model.OpUpdate, m.InternalID
		entry.EntityID = m.InternalID
	}
	entry.Operation = op

	rec, err := a.TransformFromExternal(item)
	if err != nil {
		return err
	}
	res, err := a.ApplyToInternal(ctx, op, existing, rec)
	if err != nil {
		return err
	}
	entry.EntityID = res.ID

	url := item.URL
	if url == "" {
		url = res.URL
	}
	next := &state.Mapping{
		IntegrationID: in.ID,
		WorkspaceID:   in.WorkspaceID,
		Platform:      in.Platform,
		EntityType:    item.Type,
		InternalID:    res.ID,
		ExternalID:    item.ID,
		ExternalURL:   url,
		Bidirectional: in.SyncSettings.Bidirectional,
		LastSynced:    o.now().UTC(),
	}
	return o.saveMapping(ctx, m, next, res.ID != existing)
}

// exportRecord pushes one internal record under its item lock. Records not
// changed since the mapping's last crossing are skipped without a log row.
// Unmapped records that belong to another platform are not this
// integration's to push and are passed over entirely.
func (o *Orchestrator) exportRecord(ctx context.Context, in *model.Integration, a adapter.Adapter, rec model.Record) Stats {
	unlock := o.items.Lock(itemKey(in.ID, rec.Type, "int", rec.ID))
	defer unlock()

	m, err := o.store.GetMappingByInternal(ctx, in.ID, rec.Type, rec.ID)
	if err == nil && m != nil && !rec.UpdatedAt.After(m.LastSynced) {
		return Stats{Skipped: 1}
	}
	if err == nil && m == nil && !adapter.Exportable(rec, in.Platform) {
		return Stats{}
	}

	entry := o.newLog(in, model.SyncExport, model.ToExternal, rec.Type)
	entry.EntityID = rec.ID
	entry.Operation = model.OpCreate

	start := time.Now()
	if err != nil {
		return o.finish(ctx, entry, start, fmt.Errorf("looking up mapping for %s %s: %w", rec.Type, rec.ID, err))
	}
	err = guard(entry, func() error { return o.exportOne(ctx, in, a, rec, m, entry) })
	return o.finish(ctx, entry, start, err)
}

func (o *Orchestrator) exportOne(ctx context.Context, in *model.Integration, a adapter.Adapter, rec model.Record, m *state.Mapping, entry *state.SyncLog) error {
	op, existing := model.OpCreate, ""
	if m != nil {
		op, existing = model.OpUpdate, m.ExternalID
		entry.ExternalID = m.ExternalID
	}
	entry.Operation = op

	item, err := a.TransformToExternal(rec)
	if err != nil {
		return err
	}
	entry.Payload = snapshot(item.Fields)
	res, err := a.ApplyToExternal(ctx, op, existing, item)
	if err != nil {
		return err
	}
	entry.ExternalID = res.ID

	next := &state.Mapping{
		IntegrationID: in.ID,
		WorkspaceID:   in.WorkspaceID,
		Platform:      in.Platform,
		EntityType:    rec.Type,
		InternalID:    rec.ID,
		ExternalID:    res.ID,
		ExternalURL:   res.URL,
		Bidirectional: in.SyncSettings.Bidirectional,
		LastSynced:    o.now().UTC(),
	}
	return o.saveMapping(ctx, m, next, res.ID != existing)
}

// saveMapping creates, replaces or touches the mapping after a successful
// write. changed reports that the write returned a different id than the
// mapped one.
func (o *Orchestrator) saveMapping(ctx context.Context, prev, next *state.Mapping, changed bool) error {
	switch {
	case prev == nil:
		if err := o.store.CreateMapping(ctx, next); err != nil {
			return fmt.Errorf("creating mapping: %w", err)
		}
	case changed:
		if err := o.store.ReplaceMapping(ctx, prev.ID, next); err != nil {
			return fmt.Errorf("replacing mapping %s: %w", prev.ID, err)
		}
	default:
		if err := o.store.TouchMapping(ctx, prev.ID, next.LastSynced, next.ExternalURL); err != nil {
			return fmt.Errorf("touching mapping %s: %w", prev.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) newLog(in *model.Integration, st model.SyncType, dir model.Direction, t model.EntityType) *state.SyncLog {
	return &state.SyncLog{
		IntegrationID: in.ID,
		WorkspaceID:   in.WorkspaceID,
		Platform:      in.Platform,
		SyncType:      st,
		EntityType:    t,
		Direction:     dir,
		Status:        model.LogSuccess,
	}
}

// finish stamps the outcome on entry, persists it and returns the item's
// contribution to the run stats.
func (o *Orchestrator) finish(ctx context.Context, entry *state.SyncLog, start time.Time, err error) Stats {
	entry.ProcessingTime = time.Since(start)
	var stats Stats
	if err != nil {
		entry.Status = model.LogError
		if entry.Error == nil {
			entry.Error = &state.LogError{}
		}
		entry.Error.Message = err.Error()
		entry.Error.Code = model.ErrorCode(err)
		stats.Errors++
		o.log.Warn("sync item failed",
			"integration_id", entry.IntegrationID,
			"direction", entry.Direction,
			"type", entry.EntityType,
			"external_id", entry.ExternalID,
			"entity_id", entry.EntityID,
			"error", err,
		)
	} else if entry.Operation == model.OpCreate {
		stats.Created++
	} else {
		stats.Updated++
	}

	if lerr := o.store.AppendSyncLog(context.WithoutCancel(ctx), entry); lerr != nil {
		o.log.Error("writing sync log", "integration_id", entry.IntegrationID, "error", lerr)
	}
	return stats
}

func (o *Orchestrator) logSkippedDelete(ctx context.Context, in *model.Integration, item model.Item) {
	entry := o.newLog(in, model.SyncImport, model.FromExternal, item.Type)
	entry.Operation = model.OpDelete
	entry.ExternalID = item.ID
	entry.Status = model.LogSkipped
	if m, err := o.store.GetMappingByExternal(ctx, in.ID, item.Type, item.ID); err == nil && m != nil {
		entry.EntityID = m.InternalID
	}
	o.log.Info("delete not propagated", "integration_id", in.ID, "type", item.Type, "external_id", item.ID)
	if err := o.store.AppendSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		o.log.Error("writing sync log", "integration_id", in.ID, "error", err)
	}
}

// guard runs fn and turns a panic into an error, keeping the stack on entry.
func guard(entry *state.SyncLog, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			entry.Error = &state.LogError{Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

func itemKey(integrationID string, t model.EntityType, side, id string) string {
	return integrationID + ":" + string(t) + ":" + side + ":" + id
}

// snapshot encodes fields for the sync log payload. Encoding failures leave
// the payload empty.
func snapshot(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}
