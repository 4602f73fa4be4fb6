package agent

import (
	"strings"
	"testing"
	"time"

	"spectre.c2/internal/core/domain"
)

func TestSleepDuration_JitterBounds(t *testing.T) {
	a, err := New(domain.AgentConfig{
		ServerURL:     "https://c2.example.com",
		SleepInterval: 60,
		JitterPercent: 10,
	}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := float64(60 * time.Second)
	lo := time.Duration(base * 0.9)
	hi := time.Duration(base * 1.1)
	for i := 0; i < 200; i++ {
		d := a.sleepDuration()
		if d < lo || d > hi {
			t.Fatalf("sleepDuration = %s, want within [%s, %s]", d, lo, hi)
		}
	}
}

func TestSleepDuration_ZeroJitterIsExact(t *testing.T) {
	a, err := New(domain.AgentConfig{
		ServerURL:     "https://c2.example.com",
		SleepInterval: 30,
		JitterPercent: 0,
	}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d := a.sleepDuration(); d != 30*time.Second {
		t.Errorf("sleepDuration = %s, want exactly 30s", d)
	}
}

func TestLoadOrCreateID_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateID(dir)
	if err != nil {
		t.Fatalf("loadOrCreateID: %v", err)
	}
	if !strings.HasPrefix(first, "beacon-") {
		t.Errorf("id = %q, want beacon- prefix", first)
	}

	second, err := loadOrCreateID(dir)
	if err != nil {
		t.Fatalf("second loadOrCreateID: %v", err)
	}
	if first != second {
		t.Errorf("id changed across restarts: %q then %q", first, second)
	}
}

func TestNew_RequiresServerURL(t *testing.T) {
	if _, err := New(domain.AgentConfig{}, t.TempDir()); err == nil {
		t.Fatal("expected error for missing server_url")
	}
}

func TestNew_ClampsBadConfig(t *testing.T) {
	a, err := New(domain.AgentConfig{
		ServerURL:     "https://c2.example.com",
		SleepInterval: -5,
		JitterPercent: 300,
	}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.cfg.SleepInterval != domain.DefaultSleepInterval {
		t.Errorf("SleepInterval = %d, want default %d", a.cfg.SleepInterval, domain.DefaultSleepInterval)
	}
	if a.cfg.JitterPercent != domain.DefaultJitterPercent {
		t.Errorf("JitterPercent = %d, want default %d", a.cfg.JitterPercent, domain.DefaultJitterPercent)
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	if got := truncate(short); got != short {
		t.Errorf("truncate(short) = %q, want unchanged", got)
	}

	long := strings.Repeat("x", maxOutputBytes+100)
	got := truncate(long)
	if len(got) <= maxOutputBytes {
		t.Error("truncated output lost the marker")
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Error("missing truncation marker")
	}
}
