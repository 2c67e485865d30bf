package homeassistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/platformsync/internal/model"
)

// HA todo service constants.
const (
	domainTodo        = "todo"
	serviceGetItems   = "get_items"
	serviceAddItem    = "add_item"
	serviceUpdateItem = "update_item"

	statusNeedsAction = "needs_action"
	statusCompleted   = "completed"

	dateLayout = "2006-01-02"

	// idSeparator joins the todo entity and the item uid into an external id.
	idSeparator = "#"
)

// haTodoItem is the JSON structure for a single item returned by the HA
// todo.get_items service.
type haTodoItem struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Status      string `json:"status"` // "needs_action" or "completed"
	Description string `json:"description,omitempty"`
	Due         string `json:"due,omitempty"` // "YYYY-MM-DD" or RFC 3339
}

// haItemsResponse wraps the items array inside the service response for a
// single entity.
type haItemsResponse struct {
	Items []haTodoItem `json:"items"`
}

// Priorities travel as a description prefix such as "[High] ", since HA todo
// items have no priority field.
var priorityPrefixes = []struct{ name, prefix string }{
	{"high", "[High] "},
	{"medium", "[Medium] "},
	{"low", "[Low] "},
}

func decodePriority(desc string) (priority, rest string) {
	for _, p := range priorityPrefixes {
		if after, ok := strings.CutPrefix(desc, p.prefix); ok {
			return p.name, after
		}
	}
	return "", desc
}

func encodePriority(priority, desc string) string {
	for _, p := range priorityPrefixes {
		if p.name == priority {
			return p.prefix + desc
		}
	}
	return desc
}

func externalID(entityID, uid string) string { return entityID + idSeparator + uid }

// splitID reverses externalID.
func splitID(id string) (entityID, uid string, err error) {
	entityID, uid, ok := strings.Cut(id, idSeparator)
	if !ok || entityID == "" || uid == "" {
		return "", "", fmt.Errorf("malformed home assistant item id %q", id)
	}
	return entityID, uid, nil
}

// haItemToItem converts an HA todo item of entityID into an external item.
func haItemToItem(entityID string, h haTodoItem) model.Item {
	return model.Item{
		ID:   externalID(entityID, h.UID),
		Type: model.EntityTask,
		Fields: map[string]any{
			"entity_id":   entityID,
			"uid":         h.UID,
			"summary":     h.Summary,
			"status":      h.Status,
			"description": h.Description,
			"due":         h.Due,
		},
	}
}

// itemToRecord converts a todo item into a task record. The priority prefix
// is stripped from the description into Extra["priority"].
func itemToRecord(it model.Item) (model.Record, error) {
	if it.String("summary") == "" {
		return model.Record{}, model.TransformErrorf("home assistant item %s has no summary", it.ID)
	}
	priority, body := decodePriority(it.String("description"))
	rec := model.Record{
		Type:      model.EntityTask,
		Title:     it.String("summary"),
		Body:      body,
		Status:    model.StatusOpen,
		Extra:     map[string]string{"entity_id": it.String("entity_id")},
		UpdatedAt: it.UpdatedAt,
	}
	if it.String("status") == statusCompleted {
		rec.Status = model.StatusDone
	}
	if priority != "" {
		rec.Extra["priority"] = priority
	}
	if due := it.String("due"); due != "" {
		t, err := parseDue(due)
		if err != nil {
			return model.Record{}, model.TransformErrorf("home assistant item %s due %q: %v", it.ID, due, err)
		}
		rec.DueDate = &t
	}
	return rec, nil
}

// recordToItem converts a task record into a todo item for entityID.
func recordToItem(entityID string, rec model.Record) model.Item {
	status := statusNeedsAction
	if rec.Status == model.StatusDone {
		status = statusCompleted
	}
	f := map[string]any{
		"entity_id":   entityID,
		"summary":     rec.Title,
		"status":      status,
		"description": encodePriority(rec.Extra["priority"], rec.Body),
	}
	if rec.DueDate != nil {
		f["due"] = formatDue(rec.DueDate)
	}
	return model.Item{Type: model.EntityTask, Fields: f, UpdatedAt: rec.UpdatedAt}
}

// buildAddItemData returns the service-call payload for todo.add_item.
func buildAddItemData(entityID string, it model.Item) map[string]any {
	data := map[string]any{
		"entity_id": entityID,
		"item":      it.String("summary"),
	}
	if desc := it.String("description"); desc != "" {
		data["description"] = desc
	}
	if due := it.String("due"); due != "" {
		data["due_date"] = due
	}
	return data
}

// buildUpdateItemData returns the service-call payload for todo.update_item.
// uid identifies the item, so the summary is always sent as a rename.
func buildUpdateItemData(entityID, uid string, it model.Item) map[string]any {
	data := map[string]any{
		"entity_id":   entityID,
		"item":        uid,
		"rename":      it.String("summary"),
		"description": it.String("description"),
		"status":      statusNeedsAction,
	}
	if it.String("status") == statusCompleted {
		data["status"] = statusCompleted
	}
	if due := it.String("due"); due != "" {
		data["due_date"] = due
	}
	return data
}

// buildGetItemsData returns the service-call payload for todo.get_items.
func buildGetItemsData(entityID string) map[string]any {
	return map[string]any{
		"entity_id": entityID,
	}
}

// parseDue parses an HA due-date string. It tries date-only format first
// ("2006-01-02"), then falls back to RFC 3339.
func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// formatDue formats a time value as a date-only string for HA.
func formatDue(t *time.Time) string {
	return t.Format(dateLayout)
}

// fingerprint identifies the visible state of an item so the watcher only
// emits real changes.
func fingerprint(h haTodoItem) string {
	return strings.Join([]string{h.Summary, h.Status, h.Description, h.Due}, "\x1f")
}
