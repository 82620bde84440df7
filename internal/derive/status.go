// Package derive computes session status and read-only views from the event
// log. Everything here is a pure function of the events it is given.
package derive

import "github.com/modforge/genwatch/internal/event"

// Status is the finite session status shown to the user.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusPaused   Status = "paused"
)

// IsTerminal reports whether s is a stable state that needs no live
// connection. Paused counts: it is terminal for now, until a resume.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusPaused
}

// Effect is what applying an event does to status and the live connection.
type Effect int

const (
	// EffectNone leaves status unchanged.
	EffectNone Effect = iota
	// EffectResume moves paused back to running. The connection stays open.
	EffectResume
	// EffectTerminal sets a stable status and closes the connection.
	EffectTerminal
)

func (e Effect) String() string {
	switch e {
	case EffectResume:
		return "resume"
	case EffectTerminal:
		return "terminal"
	default:
		return "none"
	}
}

// Rule is one row of the classification table.
type Rule struct {
	Effect Effect
	Status Status // target status for EffectTerminal
}

// Rules classifies every known event type. Adding an event type to
// event.Known without a row here fails TestRulesExhaustive.
var Rules = map[event.Type]Rule{
	event.TypePhaseStart:       {Effect: EffectNone},
	event.TypePhaseComplete:    {Effect: EffectNone},
	event.TypeModAdded:         {Effect: EffectNone},
	event.TypePatchAdded:       {Effect: EffectNone},
	event.TypeFlag:             {Effect: EffectNone},
	event.TypeProviderRetry:    {Effect: EffectNone},
	event.TypeProviderFallback: {Effect: EffectNone},
	event.TypeProgress:         {Effect: EffectNone},
	event.TypeResumed:          {Effect: EffectResume},
	event.TypePaused:           {Effect: EffectTerminal, Status: StatusPaused},
	event.TypeComplete:         {Effect: EffectTerminal, Status: StatusComplete},
	event.TypeError:            {Effect: EffectTerminal, Status: StatusError},
}

// Classify returns the rule for t. Unknown types have no effect.
func Classify(t event.Type) Rule {
	if r, ok := Rules[t]; ok {
		return r
	}
	return Rule{Effect: EffectNone}
}

// Next applies ev to status s and reports the resulting status and the
// effect the caller must carry out on the connection.
func Next(s Status, ev event.Event) (Status, Effect) {
	r := Classify(ev.Type)
	switch r.Effect {
	case EffectTerminal:
		return r.Status, EffectTerminal
	case EffectResume:
		if s == StatusPaused {
			return StatusRunning, EffectResume
		}
		return s, EffectNone
	default:
		return s, EffectNone
	}
}

// Fold derives status from a full log, starting from running as a fresh
// connection does.
func Fold(events []event.Event) Status {
	s := StatusRunning
	for _, ev := range events {
		s, _ = Next(s, ev)
	}
	return s
}
