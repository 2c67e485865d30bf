package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSyncSettings_Includes(t *testing.T) {
	all := SyncSettings{}
	if !all.Includes(EntityUser) {
		t.Error("empty filter should admit every type")
	}

	some := SyncSettings{EntityTypes: []EntityType{EntityTask, EntityComment}}
	if !some.Includes(EntityTask) {
		t.Error("task should be included")
	}
	if some.Includes(EntityFile) {
		t.Error("file should be excluded")
	}
}

func TestDefaultSyncSettings(t *testing.T) {
	s := DefaultSyncSettings()
	if !s.Bidirectional || !s.AutoSync {
		t.Errorf("defaults = %+v, want bidirectional and autoSync", s)
	}
	if s.Frequency != FrequencyRealtime {
		t.Errorf("Frequency = %q, want realtime", s.Frequency)
	}
	if len(s.EntityTypes) != 4 {
		t.Errorf("EntityTypes = %v, want 4 entries", s.EntityTypes)
	}
}

func TestIntegration_AppendErrorIsBounded(t *testing.T) {
	in := &Integration{}
	for i := range MaxErrorLog + 10 {
		in.AppendError(ErrorEntry{Timestamp: time.Unix(int64(i), 0), Message: fmt.Sprint(i)})
	}
	if len(in.ErrorLog) != MaxErrorLog {
		t.Fatalf("len = %d, want %d", len(in.ErrorLog), MaxErrorLog)
	}
	if in.ErrorLog[0].Message != "10" {
		t.Errorf("oldest kept = %q, want %q", in.ErrorLog[0].Message, "10")
	}
	if in.ErrorLog[MaxErrorLog-1].Message != fmt.Sprint(MaxErrorLog+9) {
		t.Errorf("newest = %q", in.ErrorLog[MaxErrorLog-1].Message)
	}
}

func TestIntegration_CloneIsDeep(t *testing.T) {
	in := &Integration{
		Config:       map[string]string{"owner": "acme"},
		SyncSettings: SyncSettings{EntityTypes: []EntityType{EntityTask}},
	}
	cp := in.Clone()
	cp.Config["owner"] = "other"
	cp.SyncSettings.EntityTypes[0] = EntityFile

	if in.Config["owner"] != "acme" {
		t.Error("clone shares Config map")
	}
	if in.SyncSettings.EntityTypes[0] != EntityTask {
		t.Error("clone shares EntityTypes slice")
	}
}

func TestParseEntityType(t *testing.T) {
	if _, err := ParseEntityType("task"); err != nil {
		t.Errorf("task: %v", err)
	}
	if _, err := ParseEntityType("invoice"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("fetch: %w", ErrAuth), "AUTH_ERROR"},
		{fmt.Errorf("fetch: %w", ErrRateLimited), "RATE_LIMIT"},
		{fmt.Errorf("fetch: %w", ErrTransientNetwork), "NETWORK_ERROR"},
		{UnsupportedType(PlatformChat, EntityTask), "TRANSFORM_ERROR"},
		{ApplyErrorf("update not supported"), "APPLY_ERROR"},
		{ConfigErrorf("owner is required"), "CONFIGURATION_ERROR"},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), "TIMEOUT"},
		{context.Canceled, "CANCELLED"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestItemAccessors(t *testing.T) {
	it := Item{Fields: map[string]any{"title": "Fix", "closed": true, "n": 3}}
	if it.String("title") != "Fix" {
		t.Errorf("String(title) = %q", it.String("title"))
	}
	if it.String("n") != "" {
		t.Error("non-string field should read as empty")
	}
	if !it.Bool("closed") {
		t.Error("Bool(closed) = false")
	}
}
