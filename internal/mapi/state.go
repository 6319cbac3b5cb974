package mapi

import (
	"fmt"
	"unicode/utf8"

	"github.com/joerivanruth/mapiproxy/internal/proxy"
	"github.com/joerivanruth/mapiproxy/internal/render"
	"github.com/joerivanruth/mapiproxy/internal/util"
)

// messageSizeCap bounds the message accumulation buffer. A message growing
// past it is reported and rendered block by block instead.
const messageSizeCap = 64 << 20

// State consumes the proxy's event stream and renders it. It keeps one
// accumulator per connection and direction.
type State struct {
	level       Level
	forceBinary bool
	r           render.Renderer
	conns       map[proxy.ConnectionId]*connState
}

type connState struct {
	up   *Accumulator
	down *Accumulator
}

// NewState creates the reconstructor for the given render level.
func NewState(level Level, forceBinary bool, r render.Renderer) *State {
	return &State{
		level:       level,
		forceBinary: forceBinary,
		r:           r,
		conns:       make(map[proxy.ConnectionId]*connState),
	}
}

// prefix builds the identity column: ‣ #3 for connection-scoped lines,
// >#3 upstream, <#3 downstream.
func prefix(id proxy.ConnectionId) string { return id.String() }

func dirPrefix(id proxy.ConnectionId, dir proxy.Direction) string {
	if dir == proxy.Upstream {
		return ">" + id.String()
	}
	return "<" + id.String()
}

// Handle renders one event. Returned errors are write failures on the
// output and are fatal to the caller.
func (s *State) Handle(ev proxy.MapiEvent) error {
	switch e := ev.(type) {
	case proxy.EvBound:
		return s.r.Event("", "LISTEN on "+e.Addr)

	case proxy.EvIncoming:
		s.addConnection(e.ID)
		return s.r.Event(prefix(e.ID), fmt.Sprintf("INCOMING on %s from %s", e.Local, e.Peer))

	case proxy.EvConnecting:
		return s.r.Event(prefix(e.ID), "CONNECTING to "+e.Target)

	case proxy.EvConnected:
		return s.r.Event(prefix(e.ID), "CONNECTED")

	case proxy.EvConnectFailed:
		return s.r.StyledEvent(prefix(e.ID), render.StyleError, "CONNECT FAILED: "+e.Reason)

	case proxy.EvData:
		acc := s.accumulator(e.ID, e.Dir)
		if acc == nil {
			return nil
		}
		return acc.handleData(s.r, e.Bytes)

	case proxy.EvZeroByteInserted:
		return s.r.Event(prefix(e.ID), "inserted '0' (0x30) handshake byte")

	case proxy.EvZeroByteStripped:
		return s.r.Event(prefix(e.ID), "stripped '0' (0x30) handshake byte")

	case proxy.EvOob:
		return s.r.Event(dirPrefix(e.ID, e.Dir), fmt.Sprintf("OOB byte 0x%02x", e.Byte))

	case proxy.EvShutdownRead:
		if acc := s.accumulator(e.ID, e.Dir); acc != nil {
			if err := acc.reportIncomplete(s.r, e.Dir); err != nil {
				return err
			}
		}
		return s.r.Event(dirPrefix(e.ID, e.Dir), e.Dir.Sender()+" stopped sending")

	case proxy.EvShutdownWrite:
		text := fmt.Sprintf("%s has stopped receiving data, discarding %d bytes",
			e.Dir.Receiver(), e.LostBytes)
		return s.r.Event(dirPrefix(e.ID, e.Dir), text)

	case proxy.EvClosed:
		s.removeConnection(e.ID)
		text := "ENDED"
		if e.LostUp > 0 || e.LostDown > 0 {
			text = fmt.Sprintf("ENDED, lost %d bytes upstream and %d downstream", e.LostUp, e.LostDown)
		}
		return s.r.Event(prefix(e.ID), text)

	case proxy.EvError:
		pfx := prefix(e.ID)
		if e.HasDir {
			pfx = dirPrefix(e.ID, e.Dir)
		}
		return s.r.StyledEvent(pfx, render.StyleError, "ERROR: "+e.Reason)

	default:
		return nil
	}
}

func (s *State) addConnection(id proxy.ConnectionId) {
	if _, exists := s.conns[id]; exists {
		util.LogWarning("duplicate incoming event for connection %s", id)
		return
	}
	s.conns[id] = &connState{
		up:   newAccumulator(dirPrefix(id, proxy.Upstream), s.level, s.forceBinary),
		down: newAccumulator(dirPrefix(id, proxy.Downstream), s.level, s.forceBinary),
	}
}

func (s *State) removeConnection(id proxy.ConnectionId) {
	if _, exists := s.conns[id]; !exists {
		util.LogWarning("close event for unknown connection %s", id)
	}
	delete(s.conns, id)
}

func (s *State) accumulator(id proxy.ConnectionId, dir proxy.Direction) *Accumulator {
	cs, ok := s.conns[id]
	if !ok {
		util.LogWarning("event for unknown connection %s", id)
		return nil
	}
	if dir == proxy.Upstream {
		return cs.up
	}
	return cs.down
}

// ---------------------------------------------------------------------------
// Accumulator — one per connection and direction
// ---------------------------------------------------------------------------

// Accumulator gathers a direction's bytes to the configured granularity
// and dumps each completed unit.
type Accumulator struct {
	prefix      string
	level       Level
	forceBinary bool
	an          *Analyzer
	buf         []byte
	oversized   bool // current message blew the cap; rendering it as blocks
}

func newAccumulator(prefix string, level Level, forceBinary bool) *Accumulator {
	return &Accumulator{
		prefix:      prefix,
		level:       level,
		forceBinary: forceBinary,
		an:          NewAnalyzer(),
	}
}

func (a *Accumulator) handleData(r render.Renderer, data []byte) error {
	if a.level == Raw {
		return a.handleRaw(r, data)
	}
	return a.handleFramed(r, data)
}

// handleRaw dumps each read as it arrived, highlighting the two bytes of
// every block header. The framing state machine runs along solely to
// locate them.
func (a *Accumulator) handleRaw(r render.Renderer, data []byte) error {
	if err := r.Open(a.prefix, fmt.Sprintf("%d bytes", len(data))); err != nil {
		return err
	}

	var row hexRow
	rest := data
	for {
		piece, tail, ok := a.an.Split(rest)
		if !ok {
			break
		}
		rest = tail
		isHead := a.an.WasHead()
		for _, b := range piece {
			if err := row.add(r, b, isHead); err != nil {
				return err
			}
		}
	}
	if err := row.finish(r); err != nil {
		return err
	}
	return r.Close()
}

// handleFramed accumulates payload until a block or message completes,
// then dumps the unit.
func (a *Accumulator) handleFramed(r render.Renderer, data []byte) error {
	rest := data
	for {
		piece, tail, ok := a.an.Split(rest)
		if !ok {
			return nil
		}
		rest = tail

		if !a.an.WasBody() {
			continue
		}

		atEnd := a.an.WasBlockBoundary()
		if a.level == Messages && !a.oversized {
			atEnd = a.an.WasMessageBoundary()
		}

		if !atEnd {
			a.buf = append(a.buf, piece...)
			if err := a.checkCap(r); err != nil {
				return err
			}
			continue
		}

		// A complete unit. Dump straight from the input when nothing was
		// buffered yet.
		frame := piece
		if len(a.buf) > 0 {
			a.buf = append(a.buf, piece...)
			frame = a.buf
		}
		if err := a.dumpFrame(r, frame, a.unitKind()); err != nil {
			return err
		}
		a.buf = a.buf[:0]

		if a.oversized && a.an.WasMessageBoundary() {
			a.oversized = false
		}
	}
}

// checkCap guards the message buffer. Past the cap the rest of the message
// is rendered block by block.
func (a *Accumulator) checkCap(r render.Renderer) error {
	if a.level != Messages || a.oversized || len(a.buf) <= messageSizeCap {
		return nil
	}
	err := r.StyledEvent(a.prefix, render.StyleError,
		fmt.Sprintf("ERROR: %s (over %d bytes), rendering the rest as blocks",
			proxy.ReasonMessageTooLarge, messageSizeCap))
	if err != nil {
		return err
	}
	if err := a.dumpFrame(r, a.buf, "partial message"); err != nil {
		return err
	}
	a.buf = a.buf[:0]
	a.oversized = true
	return nil
}

func (a *Accumulator) unitKind() string {
	if a.level == Messages && !a.oversized {
		return "message"
	}
	return "block"
}

// reportIncomplete emits an error line when the sender stopped somewhere
// other than a message boundary.
func (a *Accumulator) reportIncomplete(r render.Renderer, dir proxy.Direction) error {
	if err := a.an.CheckIncomplete(); err != nil {
		return r.StyledEvent(a.prefix, render.StyleError,
			fmt.Sprintf("%s closed the connection %s", dir.Sender(), err))
	}
	return nil
}

// dumpFrame renders one completed unit, classified as text or binary.
func (a *Accumulator) dumpFrame(r render.Renderer, data []byte, kind string) error {
	binary := a.forceBinary || !isText(data)

	format := "text"
	if binary {
		format = "binary"
	}
	if err := r.Open(a.prefix, format, kind, fmt.Sprintf("%d bytes", len(data))); err != nil {
		return err
	}

	if binary {
		var row hexRow
		for _, b := range data {
			if err := row.add(r, b, false); err != nil {
				return err
			}
		}
		if err := row.finish(r); err != nil {
			return err
		}
	} else if err := dumpText(r, data); err != nil {
		return err
	}

	return r.Close()
}

// dumpText writes a text unit with controls made visible: TAB as →, LF as
// ↵ plus a line break, CR as ↵ without one.
func dumpText(r render.Renderer, data []byte) error {
	runStart := 0
	flush := func(end int) error {
		if runStart < end {
			return r.Put(render.StyleNormal, string(data[runStart:end]))
		}
		return nil
	}

	for i, b := range data {
		var glyph string
		newline := false
		switch {
		case b == '\n':
			glyph, newline = "↵", true
		case b == '\t':
			glyph = "→"
		case b == '\r':
			glyph = "↵"
		case b < 0x20 || b == 0x7f:
			glyph = "·"
		default:
			continue
		}

		if err := flush(i); err != nil {
			return err
		}
		runStart = i + 1
		if err := r.Put(render.StyleControl, glyph); err != nil {
			return err
		}
		if newline {
			if err := r.EndLine(); err != nil {
				return err
			}
		}
	}
	return flush(len(data))
}

// isText reports whether data renders as text: valid UTF-8 with no control
// bytes other than TAB, LF and CR.
func isText(data []byte) bool {
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return false
		}
		if b == 0x7f {
			return false
		}
	}
	return utf8.Valid(data)
}
