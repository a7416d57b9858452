// Package logging provides structured logging with automatic secret redaction.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"password",
	"passwd",
	"passphrase",
	"secret",
	"token",
	"private_key",
	"privatekey",
	"connectionstring",
	"connection_string",
	"securestring",
	"secure_string",
	"masterkey",
	"master_key",
}

// RedactingWriter sits between zerolog and the real sink. Every JSON event
// passing through has its secret-named fields replaced by RedactValue.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (n int, err error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return rw.inner.Write(p)
	}

	redacted := false
	for k, v := range fields {
		if !IsSecretField(k) {
			continue
		}
		if s, ok := v.(string); ok {
			fields[k] = RedactValue(s)
		} else {
			fields[k] = "[REDACTED]"
		}
		redacted = true
	}
	if !redacted {
		return rw.inner.Write(p)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return 0, err
	}
	if _, err := rw.inner.Write(append(out, '\n')); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Component is the value of the component field on every event.
const Component = "dbanative"

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(&RedactingWriter{inner: w}).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", Component).
		Logger()
}

// NewLogger creates a console logger on stderr. A non-empty runID tags every
// event so the lines of one broker run can be told apart.
func NewLogger(level string, runID string) zerolog.Logger {
	logger := newLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, level)
	if runID != "" {
		logger = logger.With().Str("run_id", runID).Logger()
	}
	return logger
}

// NewJSONLogger writes one JSON object per event to w.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

// Subsystem tags l with the name of the subsystem logging through it.
func Subsystem(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("subsystem", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
