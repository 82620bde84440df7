// Package event defines the typed session events streamed by the generation
// pipeline and the append-only log that holds them.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of session event.
type Type string

const (
	TypePhaseStart       Type = "phase_start"
	TypePhaseComplete    Type = "phase_complete"
	TypeModAdded         Type = "mod_added"
	TypePatchAdded       Type = "patch_added"
	TypeFlag             Type = "flag"
	TypeProviderRetry    Type = "provider_retry"
	TypeProviderFallback Type = "provider_fallback"
	TypeProgress         Type = "progress"
	TypeResumed          Type = "resumed"
	TypePaused           Type = "paused"
	TypeComplete         Type = "complete"
	TypeError            Type = "error"
)

// Known lists every event type the client understands, in pipeline order.
var Known = []Type{
	TypePhaseStart,
	TypePhaseComplete,
	TypeModAdded,
	TypePatchAdded,
	TypeFlag,
	TypeProviderRetry,
	TypeProviderFallback,
	TypeProgress,
	TypeResumed,
	TypePaused,
	TypeComplete,
	TypeError,
}

// IsKnown reports whether t is one of the types in Known.
func (t Type) IsKnown() bool {
	for _, k := range Known {
		if k == t {
			return true
		}
	}
	return false
}

// ErrDecode is returned for frames that cannot be decoded as a single event.
var ErrDecode = errors.New("event decode failed")

// Event is one immutable record from the session stream. Fields that do not
// apply to Type are left zero. Raw keeps the original frame so consumers can
// display fields this client does not model, including unknown event types.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp Timestamp `json:"timestamp,omitzero"`

	PhaseNumber int    `json:"phase_number,omitempty"`
	PhaseName   string `json:"phase_name,omitempty"`

	ModName  string `json:"mod_name,omitempty"`
	ModID    string `json:"mod_id,omitempty"`
	Category string `json:"category,omitempty"`

	PatchName string `json:"patch_name,omitempty"`

	FlagCode string `json:"flag_code,omitempty"`
	Severity string `json:"severity,omitempty"`

	Provider     string `json:"provider,omitempty"`
	FallbackTo   string `json:"fallback_to,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	RetryAfterMS int    `json:"retry_after_ms,omitempty"`

	Reason     string  `json:"reason,omitempty"`
	Message    string  `json:"message,omitempty"`
	ArtifactID string  `json:"artifact_id,omitempty"`
	Percent    float64 `json:"percent,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Timestamp is an advisory producer timestamp. Ordering never depends on it,
// so values that do not parse are dropped rather than failing the frame.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts RFC 3339 strings and unix milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
		}
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

// MarshalJSON renders the timestamp as RFC 3339, or null when unset.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Decode parses a single wire frame. The frame must be a JSON object with a
// non-empty type; unknown types are accepted.
func Decode(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("%w: frame is not a JSON object", ErrDecode)
	}

	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrDecode)
	}

	ev.Raw = append(json.RawMessage(nil), trimmed...)
	return ev, nil
}

// Encode renders ev as a wire frame. If ev carries Raw bytes they are
// returned unchanged.
func Encode(ev Event) ([]byte, error) {
	if len(ev.Raw) > 0 {
		return append([]byte(nil), ev.Raw...), nil
	}
	return json.Marshal(ev)
}

// Summary returns a one-line human description of the event.
func (e Event) Summary() string {
	switch e.Type {
	case TypePhaseStart:
		return fmt.Sprintf("phase %d started: %s", e.PhaseNumber, e.PhaseName)
	case TypePhaseComplete:
		return fmt.Sprintf("phase %d complete", e.PhaseNumber)
	case TypeModAdded:
		if e.Category != "" {
			return fmt.Sprintf("added %s (%s)", e.ModName, e.Category)
		}
		return "added " + e.ModName
	case TypePatchAdded:
		return "patch " + e.PatchName
	case TypeFlag:
		return fmt.Sprintf("[%s] %s", e.FlagCode, e.Message)
	case TypeProviderRetry:
		return fmt.Sprintf("%s retry #%d", e.Provider, e.Attempt)
	case TypeProviderFallback:
		return fmt.Sprintf("%s -> %s", e.Provider, e.FallbackTo)
	case TypeProgress:
		return fmt.Sprintf("%.0f%% %s", e.Percent, e.Message)
	case TypeResumed:
		return fmt.Sprintf("resumed at phase %d", e.PhaseNumber)
	case TypePaused:
		return "paused: " + e.Reason
	case TypeComplete:
		return "complete " + e.ArtifactID
	case TypeError:
		return "error: " + e.Message
	default:
		return string(e.Type)
	}
}
