package timeline

import (
	"strings"
	"testing"

	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/event"
)

func sample() []event.Event {
	return []event.Event{
		{Type: event.TypePhaseStart, PhaseNumber: 1, PhaseName: "Planning"},
		{Type: event.TypeModAdded, ModName: "Create", Category: "tech"},
		{Type: event.TypeFlag, FlagCode: "DUP", Severity: "warn", Message: "duplicate recipe"},
		{Type: event.TypeProgress, Percent: 40},
	}
}

func TestSetDataStartsAnimation(t *testing.T) {
	m := New()
	evs := sample()
	cmd := m.SetData(derive.Compute(evs), evs)
	if cmd == nil {
		t.Fatal("expected a frame command when progress moves")
	}
	if !m.Animating() {
		t.Error("expected model to be animating")
	}
	// A second update while a frame is pending does not schedule another.
	if cmd := m.SetData(derive.Compute(evs), evs); cmd != nil {
		t.Error("expected no duplicate frame command")
	}
}

func TestSpringSettles(t *testing.T) {
	m := New()
	evs := sample()
	m.SetData(derive.Compute(evs), evs)

	for i := 0; i < 10*fps; i++ {
		if cmd := m.Update(FrameMsg{}); cmd == nil {
			break
		}
	}
	if m.Progress() != 40 {
		t.Errorf("expected progress to settle at 40, got %f", m.Progress())
	}
	if m.Animating() {
		t.Error("expected animation to stop once settled")
	}
}

func TestSetDataEmptySnapsToZero(t *testing.T) {
	m := New()
	evs := sample()
	m.SetData(derive.Compute(evs), evs)
	m.Update(FrameMsg{})

	if cmd := m.SetData(derive.View{}, nil); cmd != nil {
		t.Error("expected no animation when cleared")
	}
	if m.Progress() != 0 {
		t.Errorf("expected progress 0 after clear, got %f", m.Progress())
	}
}

func TestIgnoresOtherMessages(t *testing.T) {
	m := New()
	if cmd := m.Update("not a frame"); cmd != nil {
		t.Error("expected nil command for unrelated message")
	}
}

func TestRenderEmpty(t *testing.T) {
	m := New()
	if !strings.Contains(m.Render(80, 20), "Waiting for events") {
		t.Error("empty timeline should show waiting message")
	}
}

func TestRenderShowsPhaseFlagsAndEvents(t *testing.T) {
	m := New()
	evs := sample()
	m.SetData(derive.Compute(evs), evs)
	out := m.Render(100, 30)

	for _, want := range []string{"Phase 1", "Planning", "DUP", "added Create (tech)", "tech 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q", want)
		}
	}
}

func TestScroll(t *testing.T) {
	m := New()
	evs := sample()
	m.SetData(derive.Compute(evs), evs)

	m.ScrollUp(100)
	if m.Offset != len(evs)-1 {
		t.Errorf("expected offset %d, got %d", len(evs)-1, m.Offset)
	}
	m.ScrollDown(100)
	if m.Offset != 0 {
		t.Errorf("expected offset 0, got %d", m.Offset)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 6); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
}
