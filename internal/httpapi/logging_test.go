package httpapi

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevelOverrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=off", nil)
	r.Header.Set("X-Log-Level", "debug")
	if got := requestLogLevel(r); got != LevelOff {
		t.Fatalf("query should win over header: %v", got)
	}
}

func TestLoggingLineWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	lw := &loggingLineWriter{log: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	_, _ = lw.Write([]byte("a line\npartial"))
	_, _ = lw.Write([]byte("-cont\n\nlast\n"))

	out := buf.String()
	for _, want := range []string{`"line":"a line"`, `"line":"partial-cont"`, `"line":"last"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 3 {
		t.Fatalf("expected 3 log lines, got %d", n)
	}
}

func TestGenerateDebugLogsLines(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	defer SetLogger(zerolog.Nop())

	lm := &scriptedModel{parts: okParts()}
	w := postJSON(NewMux(&mockService{lm: lm}), "/generate?log=debug", `{"messages":[{"role":"user","content":"x"}]}`)
	if w.Code != 200 {
		t.Fatalf("status=%d", w.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "generate start") || !strings.Contains(out, "generate end") || !strings.Contains(out, `\"delta\":\"hello\"`) {
		t.Fatalf("log output: %s", out)
	}
}

func TestGenerateStartLogCarriesRequestFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	lm := &scriptedModel{parts: okParts()}
	w := postJSON(NewMux(&mockService{lm: lm}), "/generate?log=info", `{"model":"org/m","messages":[{"role":"user","content":"x"}]}`)
	if w.Code != 200 {
		t.Fatalf("status=%d", w.Code)
	}
	var start string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "generate start") {
			start = line
		}
	}
	for _, want := range []string{`"path":"/generate"`, `"request_id":"`, `"model":"org/m"`, `"messages":1`} {
		if !strings.Contains(start, want) {
			t.Fatalf("missing %s in start line %q", want, start)
		}
	}
}

func TestSetMaxBodyBytes(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetGenerateTimeoutNormalizesNegative(t *testing.T) {
	defer SetGenerateTimeout(0)
	SetGenerateTimeout(-time.Second)
	if generateTimeout != 0 {
		t.Fatalf("expected 0, got %v", generateTimeout)
	}
}

func TestWithBaseCancelsOnEitherParent(t *testing.T) {
	base, cancelBase := context.WithCancel(context.Background())
	req, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	ctx, cancel := withBase(req, base)
	defer cancel()
	cancelBase()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("context did not cancel when base ended")
	}

	req2, cancelReq2 := context.WithCancel(context.Background())
	ctx2, cancel2 := withBase(req2, context.Background())
	defer cancel2()
	cancelReq2()
	select {
	case <-ctx2.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("context did not cancel with the request")
	}
}
