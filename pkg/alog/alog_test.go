package alog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]Level{
		"debug": DEBUG,
		"info":  INFO,
		"warn":  WARN,
		"error": ERROR,
		"fatal": FATAL,
	}

	for s, want := range cases {
		got, err := LevelFromString(s)
		if err != nil {
			t.Fatalf("LevelFromString(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", s, got, want)
		}
	}

	if _, err := LevelFromString("bogus"); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestAddLoggerRespectsLevel(t *testing.T) {
	defer DelLogger("test")

	var buf bytes.Buffer
	AddLogger("test", &buf, WARN, false)

	Debug("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("debug message leaked through a WARN logger: %q", buf.String())
	}

	Warn("should appear: %d", 42)
	if !strings.Contains(buf.String(), "should appear: 42") {
		t.Fatalf("expected warn message in output, got %q", buf.String())
	}
}

func TestSetLevelAll(t *testing.T) {
	defer DelLogger("a")
	defer DelLogger("b")

	var bufA, bufB bytes.Buffer
	AddLogger("a", &bufA, ERROR, false)
	AddLogger("b", &bufB, ERROR, false)

	SetLevelAll(DEBUG)

	Debug("hi")
	if bufA.Len() == 0 || bufB.Len() == 0 {
		t.Fatal("expected SetLevelAll to lower both loggers to DEBUG")
	}
}
