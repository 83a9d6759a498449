package trace

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newCaptureTracer(t *testing.T, level Level, sensitive bool) (*Tracer, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &Tracer{
		enabled:   true,
		level:     level,
		sensitive: sensitive,
		logger:    logger,
	}, buf
}

func TestDisabledTracerIsSilentAndNilSafe(t *testing.T) {
	var tr *Tracer
	tr.Frame("claude", "in", "assistant", []byte(`{}`)) // nil receiver
	if tr.Enabled() {
		t.Error("nil tracer enabled")
	}

	zero := &Tracer{}
	zero.Frame("claude", "in", "assistant", []byte(`{}`))
	if zero.Enabled() {
		t.Error("zero tracer enabled")
	}
}

func TestFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv("BEAMCODE_TRACE", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if FromEnv(logger).Enabled() {
		t.Error("tracer enabled without BEAMCODE_TRACE")
	}

	t.Setenv("BEAMCODE_TRACE", "1")
	t.Setenv("BEAMCODE_TRACE_LEVEL", "bogus")
	tr := FromEnv(logger)
	if !tr.Enabled() {
		t.Fatal("tracer not enabled")
	}
	if tr.level != LevelSmart {
		t.Errorf("unknown level fell back to %q, want smart", tr.level)
	}
}

func TestHeadersLevelOmitsPayload(t *testing.T) {
	tr, buf := newCaptureTracer(t, LevelHeaders, false)
	tr.Frame("codex", "out", "sendUserMessage", []byte(`{"secret_payload":true}`))

	out := buf.String()
	if !strings.Contains(out, "codex") || !strings.Contains(out, "sendUserMessage") {
		t.Errorf("missing header fields: %s", out)
	}
	if strings.Contains(out, "secret_payload") {
		t.Errorf("headers level leaked payload: %s", out)
	}
}

func TestSmartLevelTruncates(t *testing.T) {
	tr, buf := newCaptureTracer(t, LevelSmart, true)
	payload := []byte(`{"data":"` + strings.Repeat("x", 2048) + `"}`)
	tr.Frame("claude", "in", "assistant", payload)

	out := buf.String()
	if strings.Contains(out, strings.Repeat("x", 1024)) {
		t.Error("smart level did not truncate")
	}
	if !strings.Contains(out, "bytes=") {
		t.Errorf("smart level missing byte count: %s", out)
	}
}

func TestRedaction(t *testing.T) {
	tr, buf := newCaptureTracer(t, LevelFull, false)
	tr.Frame("remote", "out", "auth", []byte(`{"token":"sk-live-abc123"}`))

	out := buf.String()
	if strings.Contains(out, "sk-live-abc123") {
		t.Errorf("credential leaked: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Errorf("no redaction marker: %s", out)
	}

	// With the sensitive flag the payload passes through.
	tr, buf = newCaptureTracer(t, LevelFull, true)
	tr.Frame("remote", "out", "auth", []byte(`{"token":"sk-live-abc123"}`))
	if !strings.Contains(buf.String(), "sk-live-abc123") {
		t.Error("sensitive mode still redacted")
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		if !truthy(v) {
			t.Errorf("truthy(%q) = false", v)
		}
	}
	for _, v := range []string{"", "0", "false", "off", "no"} {
		if truthy(v) {
			t.Errorf("truthy(%q) = true", v)
		}
	}
}
