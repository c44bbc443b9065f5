package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("frame dropped", "reason", "zero size")

	out := buf.String()
	if !strings.Contains(out, `msg="frame dropped"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, `reason="zero size"`) {
		t.Fatalf("expected reason field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("presence")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatAndSessionField(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithSession(L("session"), "abc").Debug("state change")

	out := buf.String()
	if !strings.Contains(out, `"sessionId":"abc"`) {
		t.Fatalf("expected sessionId in json output: %s", out)
	}
	if !strings.Contains(out, `"component":"session"`) {
		t.Fatalf("expected component in json output: %s", out)
	}
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	logger := L("audio")

	var buf bytes.Buffer
	Init("text", "info", &buf)
	logger.Debug("before")
	SetLevel("debug")
	logger.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") || !strings.Contains(out, "after") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestGroupsSurviveInit(t *testing.T) {
	logger := L("browser").WithGroup("tab").With("id", 3)

	var buf bytes.Buffer
	Init("json", "info", &buf)
	logger.Info("navigated")

	if out := buf.String(); !strings.Contains(out, `"tab":{"id":3}`) {
		t.Fatalf("expected grouped attrs, got: %s", out)
	}
}

func TestRotatingWriterRollsOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "meetcap.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, p := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond maxBackups should not exist")
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	rw.Close()
	if _, err := rw.Write([]byte("late")); err == nil {
		t.Fatal("write after close should fail")
	}
}
