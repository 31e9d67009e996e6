package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// executeStatusCmd executes the status subcommand with captured output.
// It uses --control-db to isolate filesystem state between tests.
func executeStatusCmd(t *testing.T, controlPath string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Reset package-level flag variables to their defaults.
	// Cobra parses into these variables, so stale values from previous
	// tests would leak if not reset.
	statusControlOverride = ""
	statusJSONOutput = false

	// Validation would otherwise require CUTOVER_API_KEY.
	t.Setenv("CUTOVER_DEV_MODE", "true")

	fullArgs := append([]string{"status"}, args...)
	fullArgs = append(fullArgs, "--control-db", controlPath)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(fullArgs)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

func newControlPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "control.db")
}

func TestStatus_EmptyControlStore(t *testing.T) {
	controlPath := newControlPath(t)

	stdout, _, err := executeStatusCmd(t, controlPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout, "Backend mode:") {
		t.Errorf("stdout = %q, want it to contain 'Backend mode:'", stdout)
	}
	if !strings.Contains(stdout, "legacy") {
		t.Errorf("stdout = %q, want default backend mode 'legacy'", stdout)
	}
	if !strings.Contains(stdout, "Outbox pending:") {
		t.Errorf("stdout = %q, want it to contain 'Outbox pending:'", stdout)
	}
}

func TestStatus_JSONOutput(t *testing.T) {
	controlPath := newControlPath(t)

	// Seed one pending outbox entry so the count is non-zero.
	s, err := store.NewSQLiteStore(controlPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	entry := &types.OutboxEntry{
		IdempotencyKey: "abc123",
		Operation:      types.OperationUpsert,
		Table:          "expenses",
		RecordID:       "e1",
		Payload:        map[string]any{"amount": 10},
		RecordVersion:  time.Now().UnixNano(),
		MaxRetries:     10,
	}
	if _, err := s.Enqueue(context.Background(), entry); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	stdout, _, err := executeStatusCmd(t, controlPath, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, stdout)
	}

	if out["backend_mode"] != "legacy" {
		t.Errorf("backend_mode = %v, want %q", out["backend_mode"], "legacy")
	}
	if out["write_mode"] != "single" {
		t.Errorf("write_mode = %v, want %q", out["write_mode"], "single")
	}
	if out["outbox_pending"] != float64(1) {
		t.Errorf("outbox_pending = %v, want 1", out["outbox_pending"])
	}
	if out["open_conflicts"] != float64(0) {
		t.Errorf("open_conflicts = %v, want 0", out["open_conflicts"])
	}
}

func TestStatus_ModesFromEnv(t *testing.T) {
	controlPath := newControlPath(t)

	t.Setenv("BACKEND_MODE", "shadow")
	t.Setenv("WRITE_MODE", "dual")

	stdout, _, err := executeStatusCmd(t, controlPath, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, stdout)
	}

	if out["backend_mode"] != "shadow" {
		t.Errorf("backend_mode = %v, want %q", out["backend_mode"], "shadow")
	}
	if out["write_mode"] != "dual" {
		t.Errorf("write_mode = %v, want %q", out["write_mode"], "dual")
	}
}

func TestStatus_UnwritableControlPath(t *testing.T) {
	// A directory path is not a usable SQLite file.
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "control.db"), 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	_, _, err := executeStatusCmd(t, filepath.Join(dir, "control.db"))
	if err == nil {
		t.Error("expected error for unusable control store path, got nil")
	}
}
