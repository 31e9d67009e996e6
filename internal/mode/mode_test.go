package mode

import (
	"errors"
	"testing"
)

func TestParseBackendMode_ValidValues(t *testing.T) {
	for _, raw := range []string{"legacy", "shadow", "target"} {
		m, err := ParseBackendMode(raw)
		if err != nil {
			t.Errorf("ParseBackendMode(%q) returned error: %v", raw, err)
		}
		if string(m) != raw {
			t.Errorf("ParseBackendMode(%q) = %q", raw, m)
		}
	}
}

func TestParseBackendMode_UnrecognizedFailsClosed(t *testing.T) {
	m, err := ParseBackendMode("hybrid")
	if m != BackendLegacy {
		t.Errorf("expected fallback to legacy, got %q", m)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cfgErr.Value != "hybrid" || cfgErr.Name != "BACKEND_MODE" {
		t.Errorf("unexpected error contents: %+v", cfgErr)
	}
}

func TestParseWriteMode_UnrecognizedFailsClosed(t *testing.T) {
	m, err := ParseWriteMode("triple")
	if m != WriteSingle {
		t.Errorf("expected fallback to single, got %q", m)
	}
	if err == nil {
		t.Fatal("expected ConfigError for unrecognized write mode")
	}
}

func TestResolve_Defaults(t *testing.T) {
	cfg, errs := Resolve("", "")
	if len(errs) != 0 {
		t.Fatalf("empty values must resolve silently, got %v", errs)
	}
	if cfg.Backend != BackendLegacy || cfg.Write != WriteSingle {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestResolve_CollectsBothErrors(t *testing.T) {
	cfg, errs := Resolve("bogus", "also-bogus")
	if len(errs) != 2 {
		t.Fatalf("expected 2 config errors, got %d", len(errs))
	}
	if cfg.Backend != DefaultBackendMode || cfg.Write != DefaultWriteMode {
		t.Errorf("expected fail-closed defaults, got %+v", cfg)
	}
}

func TestResolve_ValidCombination(t *testing.T) {
	cfg, errs := Resolve("shadow", "dual")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !cfg.Shadow() || !cfg.Dual() {
		t.Errorf("shadow/dual helpers disagree with config %+v", cfg)
	}
}
