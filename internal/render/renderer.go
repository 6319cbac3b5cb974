package render

import (
	"bufio"
	"io"
	"strings"
	"time"
)

// Renderer is the sink all reconstructed traffic is written to.
//
// A framed unit is bracketed by Open and Close, with any number of Put and
// EndLine calls in between. Event produces a standalone control line.
// Every method reports write failures; the caller treats them as fatal.
type Renderer interface {
	// Event writes a single control line: ‣ PREFIX text
	Event(prefix, text string) error

	// StyledEvent is Event with the text span styled (used for errors).
	StyledEvent(prefix string, st Style, text string) error

	// Open starts a framed unit: ┌ PREFIX item, item, …
	Open(prefix string, items ...string) error

	// Put appends a styled span to the current content line, opening the
	// line with the frame border if needed.
	Put(st Style, s string) error

	// EndLine terminates the current content line.
	EndLine() error

	// Close ends the framed unit: └ item, item, …
	Close(items ...string) error

	// Flush forces buffered output out.
	Flush() error
}

// idleGap is how long the output must be quiet before a blank separator
// line is inserted ahead of the next unit.
const idleGap = 500 * time.Millisecond

// termRenderer writes box-framed units to a buffered writer. Styling is
// delegated to the Styler, so the color and plain variants differ only
// there.
type termRenderer struct {
	out      *bufio.Writer
	styler   Styler
	lineOpen bool
	lastUnit time.Time
	haveUnit bool
}

// New creates a Renderer writing to w, colored or plain.
func New(w io.Writer, color bool) Renderer {
	return &termRenderer{
		out:    bufio.NewWriterSize(w, 32*1024),
		styler: NewStyler(color),
	}
}

func (r *termRenderer) frame(s string) string {
	return r.styler.Apply(StyleFrame, s)
}

// before inserts a blank separator when the output has been idle a while.
func (r *termRenderer) before() error {
	if r.haveUnit && time.Since(r.lastUnit) >= idleGap {
		if _, err := r.out.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

func (r *termRenderer) after() error {
	r.lastUnit = time.Now()
	r.haveUnit = true
	return r.out.Flush()
}

func (r *termRenderer) Event(prefix, text string) error {
	return r.StyledEvent(prefix, StyleNormal, text)
}

func (r *termRenderer) StyledEvent(prefix string, st Style, text string) error {
	if err := r.before(); err != nil {
		return err
	}
	lead := "‣"
	if prefix != "" {
		lead += " " + prefix
	}
	line := r.frame(lead) + " " + r.styler.Apply(st, text) + "\n"
	if _, err := r.out.WriteString(line); err != nil {
		return err
	}
	return r.after()
}

func (r *termRenderer) Open(prefix string, items ...string) error {
	if err := r.before(); err != nil {
		return err
	}
	header := "┌ " + prefix
	if len(items) > 0 {
		header += " " + strings.Join(items, ", ")
	}
	_, err := r.out.WriteString(r.frame(header) + "\n")
	return err
}

func (r *termRenderer) Put(st Style, s string) error {
	if !r.lineOpen {
		if _, err := r.out.WriteString(r.frame("│ ")); err != nil {
			return err
		}
		r.lineOpen = true
	}
	_, err := r.out.WriteString(r.styler.Apply(st, s))
	return err
}

func (r *termRenderer) EndLine() error {
	r.lineOpen = false
	_, err := r.out.WriteString("\n")
	return err
}

func (r *termRenderer) Close(items ...string) error {
	if r.lineOpen {
		if err := r.EndLine(); err != nil {
			return err
		}
	}
	footer := "└"
	if len(items) > 0 {
		footer += " " + strings.Join(items, ", ")
	}
	if _, err := r.out.WriteString(r.frame(footer) + "\n"); err != nil {
		return err
	}
	return r.after()
}

func (r *termRenderer) Flush() error {
	return r.out.Flush()
}
