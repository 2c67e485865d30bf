package model

import (
	"fmt"
	"time"
)

// EntityType is the kind of object crossing the sync boundary.
type EntityType string

const (
	EntityTask      EntityType = "task"
	EntityMessage   EntityType = "message"
	EntityFile      EntityType = "file"
	EntityComment   EntityType = "comment"
	EntityUser      EntityType = "user"
	EntityProject   EntityType = "project"
	EntityWorkspace EntityType = "workspace"
)

// ParseEntityType validates s as an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	switch t {
	case EntityTask, EntityMessage, EntityFile, EntityComment, EntityUser, EntityProject, EntityWorkspace:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Operation is the write performed (or attempted) for one entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSync   Operation = "sync"
)

// Direction is which side of the boundary a write landed on.
type Direction string

const (
	ToExternal   Direction = "to_external"
	FromExternal Direction = "from_external"
)

// SyncType classifies a sync log row.
type SyncType string

const (
	SyncImport        SyncType = "import"
	SyncExport        SyncType = "export"
	SyncBidirectional SyncType = "bidirectional"
)

// LogStatus is the outcome of one logged sync attempt.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogPending LogStatus = "pending"
	LogSkipped LogStatus = "skipped"
)

// Item is an external-shaped record as returned by an adapter's fetch. Fields
// carries the platform's own attribute names; only the adapter that produced
// the item interprets them.
type Item struct {
	ID        string
	Type      EntityType
	URL       string
	Fields    map[string]any
	UpdatedAt time.Time
}

// String returns s from Fields, or "" when absent or not a string.
func (it Item) String(key string) string {
	if v, ok := it.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean stored under key, or false.
func (it Item) Bool(key string) bool {
	v, _ := it.Fields[key].(bool)
	return v
}

// Record is the internal canonical representation of a synced entity.
type Record struct {
	ID             string
	WorkspaceID    string
	Type           EntityType
	Title          string
	Body           string
	Status         string
	ParentID       string
	Assignee       string
	DueDate        *time.Time
	SourcePlatform Platform
	ExternalURL    string
	Extra          map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Canonical task status values shared by every adapter.
const (
	StatusOpen = "open"
	StatusDone = "done"
)

// Result is what an apply call wrote.
type Result struct {
	ID  string
	URL string
}
