// Package render turns reconstructed traffic into framed, optionally
// colored terminal output. It owns standard output exclusively.
package render

import "github.com/pterm/pterm"

// Style is an abstract rendering style. The color styler maps each style
// to an ANSI SGR sequence; the plain styler maps all of them to nothing.
type Style int

const (
	StyleNormal Style = iota
	StyleFrame
	StyleHeader
	StyleText
	StyleDigit
	StyleWhitespace
	StyleControl
	StyleError
	StyleHighlight
)

// Styler decorates a span of text with one style.
type Styler interface {
	Apply(st Style, s string) string
}

// NewStyler returns the ANSI styler or the plain one.
func NewStyler(color bool) Styler {
	if color {
		return ansiStyler{}
	}
	return plainStyler{}
}

var ansiStyles = map[Style]*pterm.Style{
	StyleFrame:      pterm.NewStyle(pterm.FgCyan),
	StyleHeader:     pterm.NewStyle(pterm.Bold),
	StyleText:       pterm.NewStyle(pterm.FgGreen),
	StyleDigit:      pterm.NewStyle(pterm.FgYellow),
	StyleWhitespace: pterm.NewStyle(pterm.FgBlue),
	StyleControl:    pterm.NewStyle(pterm.FgMagenta),
	StyleError:      pterm.NewStyle(pterm.FgRed),
	StyleHighlight:  pterm.NewStyle(pterm.Bold, pterm.FgLightYellow),
}

type ansiStyler struct{}

func (ansiStyler) Apply(st Style, s string) string {
	style, ok := ansiStyles[st]
	if !ok {
		return s
	}
	return style.Sprint(s)
}

type plainStyler struct{}

func (plainStyler) Apply(_ Style, s string) string { return s }
