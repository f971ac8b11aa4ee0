// Package ui provides terminal styling for hab's CLI output, built on
// the Ayu color theme with adaptive light/dark support.
package ui

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Ayu theme color palette.
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// CategoryStyle is used for section headers.
var CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
	IconInfo = "ℹ"
)

const (
	TreeChild  = "⎿ "
	TreeLast   = "└─ "
	TreeIndent = "  "
)

const (
	SeparatorLight = "──────────────────────────────────────────"
	SeparatorHeavy = "══════════════════════════════════════════"
)

// ColorEnabled reports whether w should receive ANSI color codes: it
// respects NO_COLOR and falls back to plain text for a non-terminal
// (piped or redirected) output stream, queried through termenv rather
// than assuming the caller already checked.
func ColorEnabled(w io.Writer) bool {
	if termenv.EnvNoColor() {
		return false
	}
	return termenv.NewOutput(w).Profile != termenv.Ascii
}

// RenderPass renders text with pass (green) styling.
func RenderPass(s string) string { return PassStyle.Render(s) }

// RenderWarn renders text with warning (yellow) styling.
func RenderWarn(s string) string { return WarnStyle.Render(s) }

// RenderFail renders text with fail (red) styling.
func RenderFail(s string) string { return FailStyle.Render(s) }

// RenderMuted renders text with muted (gray) styling.
func RenderMuted(s string) string { return MutedStyle.Render(s) }

// RenderAccent renders text with accent (blue) styling.
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderCategory renders a category header in uppercase with accent color.
func RenderCategory(s string) string { return CategoryStyle.Render(strings.ToUpper(s)) }

// RenderSeparator renders the light separator line in muted color.
func RenderSeparator() string { return MutedStyle.Render(SeparatorLight) }

// RenderPassIcon renders the pass icon with styling.
func RenderPassIcon() string { return PassStyle.Render(IconPass) }

// RenderWarnIcon renders the warning icon with styling.
func RenderWarnIcon() string { return WarnStyle.Render(IconWarn) }

// RenderFailIcon renders the fail icon with styling.
func RenderFailIcon() string { return FailStyle.Render(IconFail) }

// RenderSkipIcon renders the skip icon with styling.
func RenderSkipIcon() string { return MutedStyle.Render(IconSkip) }

// RenderInfoIcon renders the info icon with styling.
func RenderInfoIcon() string { return AccentStyle.Render(IconInfo) }
