package debug

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{" info ", LevelInfo},
		{"WARNING", LevelWarning},
		{"ERROR", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(os.Stdout)

	IsEnabled = true
	CurrentLevel = LevelWarning
	defer func() {
		IsEnabled = false
		CurrentLevel = LevelInfo
	}()

	Debug("filtered debug message")
	Info("filtered info message")
	Warning("visible warning message")
	Error("visible error message")

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("messages below the threshold were logged: %q", out)
	}
	if !strings.Contains(out, "visible warning message") {
		t.Errorf("warning message missing from output: %q", out)
	}
	if !strings.Contains(out, "[ERROR]") {
		t.Errorf("error level tag missing from output: %q", out)
	}
}

func TestLogDisabled(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(os.Stdout)

	IsEnabled = false
	Error("should not appear")

	if buf.Len() != 0 {
		t.Errorf("disabled logger produced output: %q", buf.String())
	}
}

func TestReinitializeFromEnv(t *testing.T) {
	t.Setenv("PALISADE_DEBUG", "true")
	t.Setenv("PALISADE_LOG_LEVEL", "ERROR")

	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(os.Stdout)

	Reinitialize()
	defer func() {
		IsEnabled = false
		CurrentLevel = LevelInfo
	}()

	if !IsEnabled {
		t.Error("PALISADE_DEBUG=true did not enable logging")
	}
	if CurrentLevel != LevelError {
		t.Errorf("CurrentLevel = %v, want %v", CurrentLevel, LevelError)
	}
}
