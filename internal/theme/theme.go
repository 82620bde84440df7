// Package theme provides the Lip Gloss color palette and reusable styles
// for the genwatch TUI. It is a leaf package with no internal imports to
// avoid import cycles.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Status colors.
var (
	ColorIdle     = lipgloss.Color("#4b5563")
	ColorRunning  = lipgloss.Color("#2563eb")
	ColorComplete = lipgloss.Color("#16a34a")
	ColorErrored  = lipgloss.Color("#dc2626")
	ColorPaused   = lipgloss.Color("#d97706")
)

// Event colors.
var (
	ColorPhase    = lipgloss.Color("#a855f7")
	ColorMod      = lipgloss.Color("#06b6d4")
	ColorPatch    = lipgloss.Color("#22c55e")
	ColorProvider = lipgloss.Color("#854d0e")
	ColorUnknown  = lipgloss.Color("#374151")
)

// Progress bar thresholds.
var (
	ColorProgressLow  = lipgloss.Color("#7c3aed") // <50%
	ColorProgressMid  = lipgloss.Color("#2563eb") // 50-90%
	ColorProgressHigh = lipgloss.Color("#16a34a") // >90%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StatusColor returns the color for a session status string.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return ColorRunning
	case "complete":
		return ColorComplete
	case "error":
		return ColorErrored
	case "paused":
		return ColorPaused
	default:
		return ColorIdle
	}
}

// StatusGlyph returns a Unicode glyph for a session status string.
func StatusGlyph(status string) string {
	switch status {
	case "running":
		return "●>"
	case "complete":
		return "✓"
	case "error":
		return "✗"
	case "paused":
		return "‖"
	default:
		return "○"
	}
}

// EventColor returns the color used for an event type in the timeline.
func EventColor(eventType string) lipgloss.Color {
	switch {
	case strings.HasPrefix(eventType, "phase_"):
		return ColorPhase
	case eventType == "mod_added":
		return ColorMod
	case eventType == "patch_added":
		return ColorPatch
	case eventType == "flag":
		return ColorWarning
	case strings.HasPrefix(eventType, "provider_"):
		return ColorProvider
	case eventType == "complete":
		return ColorComplete
	case eventType == "error":
		return ColorErrored
	case eventType == "paused", eventType == "resumed":
		return ColorPaused
	case eventType == "progress":
		return ColorDimmed
	default:
		return ColorUnknown
	}
}

// SeverityColor returns the color for a flag severity.
func SeverityColor(severity string) lipgloss.Color {
	switch strings.ToLower(severity) {
	case "error", "critical":
		return ColorDanger
	case "warn", "warning":
		return ColorWarning
	default:
		return ColorDimmed
	}
}

// ProgressColor returns the color for a completion percentage (0-100).
func ProgressColor(pct float64) lipgloss.Color {
	switch {
	case pct > 90:
		return ColorProgressHigh
	case pct >= 50:
		return ColorProgressMid
	default:
		return ColorProgressLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
