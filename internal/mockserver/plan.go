package mockserver

import (
	"fmt"
	"strings"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/event"
)

// step is one scripted event. A gated step first checks the provider
// credential and pauses the run while it is missing.
type step struct {
	ev    event.Event
	gated bool
}

type pattern string

const (
	patternSteady pattern = "steady"
	// patternError fails during the compatibility phase.
	patternError pattern = "error"
)

func patternFor(req client.StartRequest) pattern {
	p := strings.ToLower(req.Prompt)
	if strings.Contains(p, "fail") || strings.Contains(p, "crash") {
		return patternError
	}
	return patternSteady
}

var catalog = []struct {
	name, id, category string
}{
	{"Sodium", "AANobbMI", "performance"},
	{"Lithium", "gvQqBUqZ", "performance"},
	{"Iris Shaders", "YL57xq9U", "graphics"},
	{"Jade", "nvQzSEkH", "utility"},
	{"Create", "LNytGWDc", "technology"},
	{"Farmer's Delight", "R2OftAxM", "food"},
}

// plan builds the scripted run for a start request.
func plan(req client.StartRequest, provider, sessionID string) []step {
	var steps []step
	add := func(ev event.Event) { steps = append(steps, step{ev: ev}) }

	add(event.Event{Type: event.TypePhaseStart, PhaseNumber: 1, PhaseName: "Discovery"})
	for _, m := range catalog[:3] {
		add(event.Event{Type: event.TypeModAdded, ModName: m.name, ModID: m.id, Category: m.category})
	}
	add(event.Event{Type: event.TypeFlag, FlagCode: "DUPLICATE_ROLE", Severity: "warn",
		Message: "Sodium and Lithium both patch chunk rendering"})
	add(event.Event{Type: event.TypeProgress, Percent: 25, Message: "candidates selected"})
	add(event.Event{Type: event.TypePhaseComplete, PhaseNumber: 1})

	add(event.Event{Type: event.TypePhaseStart, PhaseNumber: 2, PhaseName: "Compatibility"})
	add(event.Event{Type: event.TypeProviderRetry, Provider: provider, Attempt: 1, RetryAfterMS: 500})
	steps = append(steps, step{
		ev:    event.Event{Type: event.TypeModAdded, ModName: catalog[3].name, ModID: catalog[3].id, Category: catalog[3].category},
		gated: true,
	})
	if patternFor(req) == patternError {
		add(event.Event{Type: event.TypeError, Message: "compatibility solver crashed", Reason: "dependency cycle between Create and Iris Shaders"})
		return steps
	}
	add(event.Event{Type: event.TypePatchAdded, PatchName: "iris-sodium-compat"})
	add(event.Event{Type: event.TypeModAdded, ModName: catalog[4].name, ModID: catalog[4].id, Category: catalog[4].category})
	add(event.Event{Type: event.TypeProgress, Percent: 60, Message: "resolving dependencies"})
	add(event.Event{Type: event.TypePhaseComplete, PhaseNumber: 2})

	add(event.Event{Type: event.TypePhaseStart, PhaseNumber: 3, PhaseName: "Packaging"})
	add(event.Event{Type: event.TypeProviderFallback, Provider: provider, FallbackTo: "local"})
	add(event.Event{Type: event.TypeModAdded, ModName: catalog[5].name, ModID: catalog[5].id, Category: catalog[5].category})
	add(event.Event{Type: event.TypeProgress, Percent: 95, Message: "writing manifest"})
	add(event.Event{Type: event.TypePhaseComplete, PhaseNumber: 3})
	add(event.Event{Type: event.TypeComplete, ArtifactID: artifactFor(sessionID)})
	return steps
}

func artifactFor(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("pack-%s", short)
}

func credentialReason(provider string) string {
	return provider + ": invalid api key"
}
