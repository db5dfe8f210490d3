package debug

import (
	"bytes"
	"strings"
	"testing"
)

func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		Init(LevelOff)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelLive)

	Info("info %d", 1)
	Live("live %d", 2)
	Verbose("verbose %d", 3)
	Trace("trace %d", 4)

	got := buf.String()
	if !strings.Contains(got, "[INFO] info 1") {
		t.Errorf("info message missing: %q", got)
	}
	if !strings.Contains(got, "[LIVE] live 2") {
		t.Errorf("live message missing: %q", got)
	}
	if strings.Contains(got, "verbose 3") || strings.Contains(got, "trace 4") {
		t.Errorf("messages above level should be filtered: %q", got)
	}
}

func TestOffProducesNothing(t *testing.T) {
	buf := capture(t, LevelOff)

	Info("hidden")
	Error(nil)
	Summary("hidden")

	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
}

func TestTraceHelpers(t *testing.T) {
	buf := capture(t, LevelTrace)

	GPIO("WritePin", 7, true)
	Buffer("DQBUF", 3, 1024)
	Move(800, "forward")
	Capture(0, 4)

	got := buf.String()
	for _, want := range []string{
		"[GPIO] WritePin pin=7 value=true",
		"[BUF] DQBUF index=3 bytes=1024",
		"Turntable: 800 steps (forward)",
		"Capture 1/4",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
}

func TestIsEnabled(t *testing.T) {
	capture(t, LevelVerbose)
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelVerbose) {
		t.Error("levels <= current should be enabled")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should be disabled at verbose level")
	}
}
