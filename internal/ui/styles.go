// Package ui renders terminal output for the fieldsync CLI.
package ui

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

var renderer = newRenderer(os.Stdout)

func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if f, ok := w.(*os.File); !ok || !IsTerminal(f) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

// SetOutput points styling at w, e.g. to disable colors in tests.
func SetOutput(w io.Writer) {
	renderer = newRenderer(w)
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	colorPass   = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
)

func style(c lipgloss.TerminalColor) lipgloss.Style {
	return renderer.NewStyle().Foreground(c)
}

func RenderAccent(s string) string { return style(colorAccent).Render(s) }
func RenderPass(s string) string   { return style(colorPass).Render(s) }
func RenderWarn(s string) string   { return style(colorWarn).Render(s) }
func RenderFail(s string) string   { return style(colorFail).Render(s) }
func RenderMuted(s string) string  { return style(colorMuted).Render(s) }
func RenderBold(s string) string   { return renderer.NewStyle().Bold(true).Render(s) }

// RenderStatus colors an assignment status by how far along it is.
func RenderStatus(s schema.Status) string {
	s = s.OrAssigned()
	switch s {
	case schema.StatusApprovedPML, schema.StatusApprovedAdmin:
		return RenderPass(string(s))
	case schema.StatusRejectedPML, schema.StatusRejectedAdmin:
		return RenderFail(string(s))
	case schema.StatusSubmitted, schema.StatusSubmittedLocal:
		return RenderAccent(string(s))
	case schema.StatusOpened:
		return RenderWarn(string(s))
	default:
		return RenderMuted(string(s))
	}
}

// Ago formats t relative to now ("3 minutes ago"); zero renders as "never".
func Ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// Bytes formats a byte count ("1.2 MB").
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	header := renderer.NewStyle().Bold(true).Padding(0, 1)
	cell := renderer.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(colorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	return t.Render()
}
