package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLoggerRedirect(t *testing.T) {
	defer SetLogger(nil)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, format)
	})

	Logf("hello %d", 1)
	if len(got) != 1 || got[0] != "hello %d" {
		t.Errorf("expected one captured message, got %v", got)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %s", "message")
}

func TestDebugfDisabledByDefault(t *testing.T) {
	SetDebugWriter(nil)
	// Must not panic with no writer installed.
	Debugf("trace %d", 42)
}

func TestDebugfWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	SetDebugWriter(&buf)
	defer SetDebugWriter(nil)

	Debugf("frame %d complete", 7)
	if !strings.Contains(buf.String(), "frame 7 complete") {
		t.Errorf("debug output missing message: %q", buf.String())
	}
}
