// Package ui renders CLI output with a small lipgloss palette,
// degrading to plain text when stdout is not a terminal.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette.
const (
	colorAccent = "45"  // cyan headers and successes
	colorGray   = "245" // labels
	colorRed    = "196"
	colorYellow = "220"
)

// Styles holds the render styles.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Label   lipgloss.Style
}

func defaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
	}
}

func plainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Header: s, Success: s, Warning: s, Error: s, Label: s}
}

// Printer writes styled output.
type Printer struct {
	w      io.Writer
	styles Styles
}

// NewPrinter creates a printer for w, with color when w is a terminal
// and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	if isTerminal(w) && os.Getenv("NO_COLOR") == "" {
		return &Printer{w: w, styles: defaultStyles()}
	}
	return &Printer{w: w, styles: plainStyles()}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Headerf prints a bold section header.
func (p *Printer) Headerf(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Header.Render(fmt.Sprintf(format, args...)))
}

// Successf prints a success line.
func (p *Printer) Successf(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Success.Render(fmt.Sprintf(format, args...)))
}

// Warnf prints a warning line.
func (p *Printer) Warnf(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Warning.Render(fmt.Sprintf(format, args...)))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Error.Render(fmt.Sprintf(format, args...)))
}

// KV prints an aligned label/value pair.
func (p *Printer) KV(label string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", p.styles.Label.Render(fmt.Sprintf("%-14s", label+":")), value)
}

// Plainf prints an unstyled line.
func (p *Printer) Plainf(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
