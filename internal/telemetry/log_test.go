package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, false, false)
	log.Debug("hidden")
	log.Info("shown", "integration_id", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(out, "integration_id=abc") {
		t.Errorf("output = %q, want integration_id attr", out)
	}

	buf.Reset()
	NewLogger(&buf, true, false).Debug("verbose")
	if !strings.Contains(buf.String(), "verbose") {
		t.Error("debug record missing with verbose logger")
	}
}

func TestFanout(t *testing.T) {
	var info, debug bytes.Buffer
	h := Fanout(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("fanout should be enabled when any handler is")
	}

	log := slog.New(h).With("platform", "chat").WithGroup("sync")
	log.Debug("tick", "n", 1)
	log.Info("done", "n", 2)

	if strings.Contains(info.String(), "tick") {
		t.Error("info handler received a debug record")
	}
	if !strings.Contains(info.String(), "platform=chat") || !strings.Contains(info.String(), "sync.n=2") {
		t.Errorf("info output = %q, want attrs and group", info.String())
	}
	if strings.Count(debug.String(), "\n") != 2 {
		t.Errorf("debug output = %q, want two records", debug.String())
	}
}
