package derive

import "github.com/modforge/genwatch/internal/event"

// Phase is the latest opened pipeline phase.
type Phase struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	Done   bool   `json:"done"`
}

// Pause is the payload of the latest pause.
type Pause struct {
	Reason      string `json:"reason"`
	PhaseNumber int    `json:"phaseNumber,omitempty"`
}

// Failure is the payload of the latest error event.
type Failure struct {
	Message     string `json:"message"`
	PhaseNumber int    `json:"phaseNumber,omitempty"`
}

// Flag is one diagnostic flag raised by the pipeline.
type Flag struct {
	Code     string `json:"code"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
}

// View is a snapshot of every projection over one log state.
type View struct {
	Events          int            `json:"events"`
	Phase           *Phase         `json:"phase,omitempty"`
	ModsAdded       int            `json:"modsAdded"`
	PatchesAdded    int            `json:"patchesAdded"`
	Categories      map[string]int `json:"categories,omitempty"`
	Flags           []Flag         `json:"flags,omitempty"`
	ProviderRetries int            `json:"providerRetries"`
	Progress        float64        `json:"progress"`
	Pause           *Pause         `json:"pause,omitempty"`
	Failure         *Failure       `json:"failure,omitempty"`
	ArtifactID      string         `json:"artifactId,omitempty"`
}

// CurrentPhase returns the latest phase_start, marked done if a matching
// phase_complete follows it.
func CurrentPhase(events []event.Event) (Phase, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type != event.TypePhaseStart {
			continue
		}
		p := Phase{Number: ev.PhaseNumber, Name: ev.PhaseName}
		for _, later := range events[i+1:] {
			if later.Type == event.TypePhaseComplete && later.PhaseNumber == ev.PhaseNumber {
				p.Done = true
			}
		}
		return p, true
	}
	return Phase{}, false
}

// ModsAdded counts mod_added events.
func ModsAdded(events []event.Event) int {
	return count(events, event.TypeModAdded)
}

// PatchesAdded counts patch_added events.
func PatchesAdded(events []event.Event) int {
	return count(events, event.TypePatchAdded)
}

// LatestPause returns the payload of the most recent paused event.
func LatestPause(events []event.Event) (Pause, bool) {
	ev, ok := last(events, event.TypePaused)
	if !ok {
		return Pause{}, false
	}
	return Pause{Reason: ev.Reason, PhaseNumber: ev.PhaseNumber}, true
}

// LatestError returns the payload of the most recent error event.
func LatestError(events []event.Event) (Failure, bool) {
	ev, ok := last(events, event.TypeError)
	if !ok {
		return Failure{}, false
	}
	msg := ev.Message
	if msg == "" {
		msg = ev.Reason
	}
	return Failure{Message: msg, PhaseNumber: ev.PhaseNumber}, true
}

// Flags returns every flag event in arrival order.
func Flags(events []event.Event) []Flag {
	var out []Flag
	for _, ev := range events {
		if ev.Type == event.TypeFlag {
			out = append(out, Flag{Code: ev.FlagCode, Severity: ev.Severity, Message: ev.Message})
		}
	}
	return out
}

// Compute builds the full View for events.
func Compute(events []event.Event) View {
	v := View{Events: len(events)}
	if p, ok := CurrentPhase(events); ok {
		v.Phase = &p
	}
	if p, ok := LatestPause(events); ok {
		v.Pause = &p
	}
	if f, ok := LatestError(events); ok {
		v.Failure = &f
	}
	v.Flags = Flags(events)

	for _, ev := range events {
		switch ev.Type {
		case event.TypeModAdded:
			v.ModsAdded++
			if ev.Category != "" {
				if v.Categories == nil {
					v.Categories = make(map[string]int)
				}
				v.Categories[ev.Category]++
			}
		case event.TypePatchAdded:
			v.PatchesAdded++
		case event.TypeProviderRetry:
			v.ProviderRetries++
		case event.TypeProgress:
			v.Progress = ev.Percent
		case event.TypeComplete:
			v.ArtifactID = ev.ArtifactID
			v.Progress = 100
		}
	}
	return v
}

func count(events []event.Event, t event.Type) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func last(events []event.Event, t event.Type) (event.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i], true
		}
	}
	return event.Event{}, false
}
