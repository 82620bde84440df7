package status

import (
	"strings"
	"testing"

	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
)

func TestViewIdle(t *testing.T) {
	m := New()
	m.Width = 100
	v := m.View()
	if !strings.Contains(v, "no session") {
		t.Error("idle bar should say no session")
	}
	if !strings.Contains(v, "Idle") {
		t.Error("idle bar should show Idle connection")
	}
}

func TestViewConnectionStates(t *testing.T) {
	tests := []struct {
		name string
		snap engine.Snapshot
		want string
	}{
		{"live", engine.Snapshot{SessionID: "s", Status: derive.StatusRunning, Connected: true}, "Live"},
		{"polling", engine.Snapshot{SessionID: "s", Status: derive.StatusRunning, Polling: true}, "Polling"},
		{"reconnecting", engine.Snapshot{SessionID: "s", Status: derive.StatusRunning, Reconnecting: true, Attempt: 3}, "attempt 3"},
		{"closed", engine.Snapshot{SessionID: "s", Status: derive.StatusComplete}, "Closed"},
		{"offline", engine.Snapshot{SessionID: "s", Status: derive.StatusRunning}, "Offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.Width = 120
			m.Snapshot = tt.snap
			if v := m.View(); !strings.Contains(v, tt.want) {
				t.Errorf("view missing %q:\n%s", tt.want, v)
			}
		})
	}
}

func TestViewCountsAndSpinner(t *testing.T) {
	m := New()
	m.Width = 120
	m.Spinner = "⣾"
	m.Snapshot = engine.Snapshot{
		SessionID: "0123456789abcdef",
		Status:    derive.StatusRunning,
		View:      derive.View{ModsAdded: 4, PatchesAdded: 2, ProviderRetries: 1},
	}
	v := m.View()
	for _, want := range []string{"⣾ running", "0123456789ab", "4 mods", "2 patches", "1 retries"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if strings.Contains(v, "0123456789abcdef") {
		t.Error("session id should be shortened")
	}
}
