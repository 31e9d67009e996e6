// Package mode resolves backend-mode and write-mode configuration into
// closed typed variants. Resolution is pure: unrecognized values fail
// closed to the documented default and are reported as ConfigErrors for
// the caller to log.
package mode

import "fmt"

// BackendMode selects which store serves reads and which store is the
// primary for writes.
type BackendMode string

const (
	BackendLegacy BackendMode = "legacy"
	BackendShadow BackendMode = "shadow"
	BackendTarget BackendMode = "target"
)

// WriteMode selects whether writes go to the primary store only, or are
// additionally mirrored to the secondary store via the outbox.
type WriteMode string

const (
	WriteSingle WriteMode = "single"
	WriteDual   WriteMode = "dual"
)

// DefaultBackendMode and DefaultWriteMode are the fail-closed defaults.
const (
	DefaultBackendMode = BackendLegacy
	DefaultWriteMode   = WriteSingle
)

// ConfigError reports a configuration value that was rejected and the
// default it fell back to.
type ConfigError struct {
	Name     string
	Value    string
	Fallback string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s=%q is not recognized, falling back to %q", e.Name, e.Value, e.Fallback)
}

// ParseBackendMode validates a raw backend mode value.
func ParseBackendMode(raw string) (BackendMode, error) {
	switch BackendMode(raw) {
	case BackendLegacy, BackendShadow, BackendTarget:
		return BackendMode(raw), nil
	}
	return DefaultBackendMode, &ConfigError{Name: "BACKEND_MODE", Value: raw, Fallback: string(DefaultBackendMode)}
}

// ParseWriteMode validates a raw write mode value.
func ParseWriteMode(raw string) (WriteMode, error) {
	switch WriteMode(raw) {
	case WriteSingle, WriteDual:
		return WriteMode(raw), nil
	}
	return DefaultWriteMode, &ConfigError{Name: "WRITE_MODE", Value: raw, Fallback: string(DefaultWriteMode)}
}

// ModeConfig is resolved once per process and immutable afterwards.
type ModeConfig struct {
	Backend BackendMode
	Write   WriteMode
}

// Resolve validates both raw mode values. Empty values resolve silently
// to the defaults; unrecognized values resolve to the defaults and are
// returned as ConfigErrors, never accepted as a third state.
func Resolve(backendRaw, writeRaw string) (ModeConfig, []error) {
	cfg := ModeConfig{Backend: DefaultBackendMode, Write: DefaultWriteMode}
	var errs []error

	if backendRaw != "" {
		backend, err := ParseBackendMode(backendRaw)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Backend = backend
	}
	if writeRaw != "" {
		write, err := ParseWriteMode(writeRaw)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Write = write
	}
	return cfg, errs
}

// Dual reports whether writes should be mirrored through the outbox.
func (c ModeConfig) Dual() bool {
	return c.Write == WriteDual
}

// Shadow reports whether reads should trigger background comparisons.
func (c ModeConfig) Shadow() bool {
	return c.Backend == BackendShadow
}
