package validation

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestValidateRequired(t *testing.T) {
	if err := ValidateRequired("actor_id", "ops-user"); err != nil {
		t.Errorf("valid value rejected: %v", err)
	}
	for _, value := range []string{"", "   ", "\t\n"} {
		if err := ValidateRequired("actor_id", value); err == nil {
			t.Errorf("value %q accepted", value)
		}
	}
}

func TestValidateMaxLength(t *testing.T) {
	if err := ValidateMaxLength("table", "expenses", 128); err != nil {
		t.Errorf("short value rejected: %v", err)
	}
	if err := ValidateMaxLength("table", strings.Repeat("x", 129), 128); err == nil {
		t.Error("overlong value accepted")
	}
	// Rune count, not byte count.
	if err := ValidateMaxLength("table", strings.Repeat("é", 100), 128); err != nil {
		t.Errorf("multibyte value within limit rejected: %v", err)
	}
}

func TestValidateEnum(t *testing.T) {
	allowed := []string{"server-wins", "client-wins", "merge"}
	if err := ValidateEnum("resolution", "merge", allowed); err != nil {
		t.Errorf("allowed value rejected: %v", err)
	}
	err := ValidateEnum("resolution", "coin-flip", allowed)
	if err == nil {
		t.Fatal("unknown value accepted")
	}
	if !strings.Contains(err.Message, "server-wins") {
		t.Errorf("message should list allowed values, got %q", err.Message)
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, value := range []string{"expenses", "exp_1", "EXP-2024", "a"} {
		if err := ValidateIdentifier("table", value); err != nil {
			t.Errorf("identifier %q rejected: %v", value, err)
		}
	}
	for _, value := range []string{"", "ex penses", "exp;drop", "a/b", "x\x00y", strings.Repeat("a", 129)} {
		if err := ValidateIdentifier("table", value); err == nil {
			t.Errorf("identifier %q accepted", value)
		}
	}
}

func TestValidateULID(t *testing.T) {
	id := ulid.Make().String()
	if err := ValidateULID("id", id); err != nil {
		t.Errorf("generated ULID %q rejected: %v", id, err)
	}
	for _, value := range []string{"", "short", strings.Repeat("I", 26), strings.Repeat("0", 27)} {
		if err := ValidateULID("id", value); err == nil {
			t.Errorf("value %q accepted as ULID", value)
		}
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	if c.HasErrors() {
		t.Error("empty collector reports errors")
	}

	c.Add(nil)
	c.Add(ValidateRequired("actor_id", ""))
	c.Add(ValidateIdentifier("table", "bad table"))

	if !c.HasErrors() {
		t.Fatal("collector missed errors")
	}
	if len(c.Errors()) != 2 {
		t.Errorf("errors = %d, want 2 (nil adds skipped)", len(c.Errors()))
	}
}
