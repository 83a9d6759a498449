// Package trace provides an env-driven wire tracer for debugging backend
// protocol traffic. Disabled it costs a nil check per call.
package trace

import (
	"log/slog"
	"os"
	"strings"
)

// Level controls how much of each frame is logged.
type Level string

const (
	// LevelHeaders logs only direction, adapter, and frame type.
	LevelHeaders Level = "headers"
	// LevelFull logs complete payloads.
	LevelFull Level = "full"
	// LevelSmart logs full payloads truncated to a readable size.
	LevelSmart Level = "smart"
)

const smartMaxBytes = 512

// Tracer logs wire frames. The zero value is a disabled tracer.
type Tracer struct {
	enabled   bool
	level     Level
	sensitive bool
	logger    *slog.Logger
}

// FromEnv builds a tracer from BEAMCODE_TRACE, BEAMCODE_TRACE_LEVEL, and
// BEAMCODE_TRACE_SENSITIVE. Unset or falsy BEAMCODE_TRACE yields a no-op.
func FromEnv(logger *slog.Logger) *Tracer {
	if !truthy(os.Getenv("BEAMCODE_TRACE")) {
		return &Tracer{}
	}
	level := Level(strings.ToLower(os.Getenv("BEAMCODE_TRACE_LEVEL")))
	switch level {
	case LevelHeaders, LevelFull, LevelSmart:
	default:
		level = LevelSmart
	}
	return &Tracer{
		enabled:   true,
		level:     level,
		sensitive: truthy(os.Getenv("BEAMCODE_TRACE_SENSITIVE")),
		logger:    logger.With("component", "trace"),
	}
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Enabled reports whether tracing is on.
func (t *Tracer) Enabled() bool { return t != nil && t.enabled }

// Frame logs a single wire frame. dir is "in" or "out".
func (t *Tracer) Frame(adapter, dir, frameType string, payload []byte) {
	if !t.Enabled() {
		return
	}
	switch t.level {
	case LevelHeaders:
		t.logger.Debug("wire", "adapter", adapter, "dir", dir, "frame", frameType)
	case LevelFull:
		t.logger.Debug("wire", "adapter", adapter, "dir", dir, "frame", frameType,
			"payload", t.redact(payload))
	case LevelSmart:
		p := payload
		if len(p) > smartMaxBytes {
			p = p[:smartMaxBytes]
		}
		t.logger.Debug("wire", "adapter", adapter, "dir", dir, "frame", frameType,
			"payload", t.redact(p), "bytes", len(payload))
	}
}

func (t *Tracer) redact(payload []byte) string {
	if t.sensitive {
		return string(payload)
	}
	// Without the sensitive flag, payloads that look like they carry
	// credentials are replaced wholesale.
	s := string(payload)
	lower := strings.ToLower(s)
	if strings.Contains(lower, "token") || strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization") {
		return "[redacted]"
	}
	return s
}
