package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// Now set to nil and verify it doesn't call our logger
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestWarnf_DefaultsToLogf(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()
	SetWarnLogger(nil)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	Warnf("dropped patch %d", 7)
	if got != "WARN dropped patch 7" {
		t.Errorf("expected WARN prefix, got %q", got)
	}
}

func TestWarnf_Override(t *testing.T) {
	defer SetWarnLogger(nil)

	var lines []string
	SetWarnLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Warnf("a=%s", "b")
	if len(lines) != 1 || lines[0] != "a=b" {
		t.Errorf("expected override to receive warning, got %v", lines)
	}
}

func TestTagged(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Tagged("MapView")("size %dx%d", 4, 4)
	if !strings.HasPrefix(got, "[MapView] ") || !strings.HasSuffix(got, "size 4x4") {
		t.Errorf("unexpected tagged output %q", got)
	}
}
