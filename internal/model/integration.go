// Package model defines shared types used across the sync engine, the state
// store, and the platform adapters.
package model

import (
	"slices"
	"time"
)

// Platform identifies the kind of external service an integration talks to.
// The set is open: adapters register themselves for a platform value in the
// adapter catalog.
type Platform string

const (
	PlatformChat         Platform = "chat"
	PlatformIssueTracker Platform = "issue-tracker"
	PlatformDesign       Platform = "design"
	PlatformBoard        Platform = "board"
	PlatformOfficeSuite  Platform = "office-suite"
	PlatformTodo         Platform = "todo"
)

// Frequency is how often an integration is fully synced.
type Frequency string

const (
	FrequencyRealtime Frequency = "realtime"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
)

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyRealtime, FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// SyncStatus is the outcome of the most recent full sync.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
	SyncStatusPaused  SyncStatus = "paused"
)

// Health is the live credential state of a loaded adapter.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthNotLoaded Health = "not_loaded"
)

// MaxErrorLog bounds the number of entries kept in Integration.ErrorLog.
const MaxErrorLog = 50

// Credentials are opaque to the engine; only adapters interpret them.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// SyncSettings controls how and when an integration is synced.
type SyncSettings struct {
	Bidirectional bool         `json:"bidirectional"`
	Frequency     Frequency    `json:"sync_frequency"`
	AutoSync      bool         `json:"auto_sync"`
	EntityTypes   []EntityType `json:"entity_types,omitempty"`
}

// Includes reports whether entity type t passes the filter. An empty filter
// admits every type.
func (s SyncSettings) Includes(t EntityType) bool {
	if len(s.EntityTypes) == 0 {
		return true
	}
	return slices.Contains(s.EntityTypes, t)
}

// DefaultSyncSettings returns the settings applied to a new integration when
// the caller leaves them unset.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Bidirectional: true,
		Frequency:     FrequencyRealtime,
		AutoSync:      true,
		EntityTypes:   []EntityType{EntityTask, EntityMessage, EntityFile, EntityComment},
	}
}

// ErrorEntry is one failure recorded against an integration.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
}

// Integration is one connected account of one platform for one workspace.
type Integration struct {
	ID           string
	WorkspaceID  string
	Name         string
	Platform     Platform
	Credentials  Credentials
	Config       map[string]string
	SyncSettings SyncSettings
	IsActive     bool
	SyncStatus   SyncStatus
	LastSync     time.Time
	ErrorLog     []ErrorEntry
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Revision increases whenever the integration's definition or lifecycle
	// changes. Sync outcomes and token refreshes leave it alone.
	Revision int64
}

// AppendError adds e to the error log, dropping the oldest entries so the log
// never exceeds MaxErrorLog.
func (in *Integration) AppendError(e ErrorEntry) {
	in.ErrorLog = append(in.ErrorLog, e)
	if n := len(in.ErrorLog); n > MaxErrorLog {
		in.ErrorLog = slices.Clone(in.ErrorLog[n-MaxErrorLog:])
	}
}

// ConfigValue returns the per-platform config value for key, or "".
func (in *Integration) ConfigValue(key string) string {
	if in.Config == nil {
		return ""
	}
	return in.Config[key]
}

// Clone returns a deep copy safe to hand to an adapter.
func (in *Integration) Clone() *Integration {
	cp := *in
	if in.Config != nil {
		cp.Config = make(map[string]string, len(in.Config))
		for k, v := range in.Config {
			cp.Config[k] = v
		}
	}
	cp.SyncSettings.EntityTypes = slices.Clone(in.SyncSettings.EntityTypes)
	cp.ErrorLog = slices.Clone(in.ErrorLog)
	return &cp
}
