package daemon

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/msageha/ringmaster/internal/model"
	"github.com/msageha/ringmaster/internal/uds"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newTestDaemon(t *testing.T, cfg model.Config) *Daemon {
	t.Helper()
	var buf bytes.Buffer
	d, err := newDaemon(t.TempDir(), cfg, &buf, nopCloser{})
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	t.Cleanup(func() { d.ticker.Stop() })
	return d
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"ERROR", LogLevelError},
		{"", LogLevelInfo},
		{"verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewDaemonDefaults(t *testing.T) {
	d := newTestDaemon(t, model.Config{})

	if d.debounce != time.Second {
		t.Errorf("debounce = %v, want 1s", d.debounce)
	}
	if d.logLevel != LogLevelInfo {
		t.Errorf("logLevel = %v, want info", d.logLevel)
	}
	if d.coordinator == nil || d.server == nil || d.fileLock == nil {
		t.Error("daemon components not wired")
	}
}

func TestHandleStatusEmptyBoard(t *testing.T) {
	d := newTestDaemon(t, model.Config{})

	resp := d.handleStatus(&uds.Request{ProtocolVersion: uds.ProtocolVersion, Command: uds.CommandStatus})
	if !resp.Success {
		t.Fatalf("status failed: %+v", resp.Error)
	}

	var data uds.StatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if len(data.TaskCounts) != 0 {
		t.Errorf("task_counts = %v, want empty", data.TaskCounts)
	}
	if data.Owner == "" {
		t.Error("owner missing from status payload")
	}
}

func TestHandlePromoteValidation(t *testing.T) {
	d := newTestDaemon(t, model.Config{})

	resp := d.handlePromote(&uds.Request{
		ProtocolVersion: uds.ProtocolVersion,
		Command:         uds.CommandPromote,
		Params:          mustJSON(t, uds.PromoteParams{}),
	})
	if resp.Success || resp.Error == nil || resp.Error.Code != uds.ErrCodeValidation {
		t.Errorf("empty task_id: expected validation error, got %+v", resp)
	}

	resp = d.handlePromote(&uds.Request{
		ProtocolVersion: uds.ProtocolVersion,
		Command:         uds.CommandPromote,
		Params:          mustJSON(t, uds.PromoteParams{TaskID: "ghost"}),
	})
	if resp.Success || resp.Error == nil || resp.Error.Code != uds.ErrCodeNotFound {
		t.Errorf("unknown task: expected not-found error, got %+v", resp)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
