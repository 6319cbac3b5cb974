package mapi

import (
	"fmt"

	"github.com/joerivanruth/mapiproxy/internal/render"
)

// hexRow emits a classic hex dump: offset, two 8-byte hex groups, and an
// ASCII gutter, 16 bytes per row. Bytes flagged as header bytes get the
// highlight style in both the hex area and the gutter.
type hexRow struct {
	bytes  [16]byte
	head   [16]bool
	col    int
	offset int
}

// add buffers one byte, writing the row out when it fills up.
func (h *hexRow) add(r render.Renderer, b byte, head bool) error {
	h.bytes[h.col] = b
	h.head[h.col] = head
	h.col++
	if h.col == 16 {
		return h.writeOut(r)
	}
	return nil
}

// finish flushes a partial final row.
func (h *hexRow) finish(r render.Renderer) error {
	if h.col == 0 {
		return nil
	}
	return h.writeOut(r)
}

func (h *hexRow) writeOut(r render.Renderer) error {
	if err := r.Put(render.StyleNormal, fmt.Sprintf("%08x  ", h.offset)); err != nil {
		return err
	}

	for i := 0; i < 16; i++ {
		if i == 8 {
			if err := r.Put(render.StyleNormal, " "); err != nil {
				return err
			}
		}
		if i < h.col {
			st := byteStyle(h.bytes[i], h.head[i])
			if err := r.Put(st, fmt.Sprintf("%02x", h.bytes[i])); err != nil {
				return err
			}
		} else {
			if err := r.Put(render.StyleNormal, "__"); err != nil {
				return err
			}
		}
		if err := r.Put(render.StyleNormal, " "); err != nil {
			return err
		}
	}

	if err := r.Put(render.StyleNormal, " "); err != nil {
		return err
	}
	for i := 0; i < h.col; i++ {
		st := byteStyle(h.bytes[i], h.head[i])
		if err := r.Put(st, gutterGlyph(h.bytes[i])); err != nil {
			return err
		}
	}
	if err := r.EndLine(); err != nil {
		return err
	}

	h.offset += h.col
	h.col = 0
	return nil
}

// byteStyle classifies a byte for coloring: letters, digits and whitespace
// each get their own style; header bytes override everything.
func byteStyle(b byte, head bool) render.Style {
	switch {
	case head:
		return render.StyleHighlight
	case b >= '0' && b <= '9':
		return render.StyleDigit
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return render.StyleText
	case b == ' ', b == '\t', b == '\n', b == '\r':
		return render.StyleWhitespace
	case b >= 0x20 && b < 0x7f:
		return render.StyleNormal
	default:
		return render.StyleControl
	}
}

// gutterGlyph is the ASCII-gutter representation of a byte.
func gutterGlyph(b byte) string {
	if b >= 0x20 && b < 0x7f {
		return string(rune(b))
	}
	return "·"
}
