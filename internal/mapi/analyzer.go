package mapi

import "errors"

// MaxBlockLength is the largest payload a well-formed block header can
// announce. A larger value means the stream is not MAPI-framed; the
// analyzer stops framing and passes everything through as plain payload.
const MaxBlockLength = 8190

// analyzerState enumerates the positions of the framing state machine.
type analyzerState int

const (
	stHeader        analyzerState = iota // expecting the first header byte
	stPartialHeader                      // one header byte consumed, one to go
	stBody                               // inside a block payload
	stUnframed                           // framing abandoned, pass-through
)

// Analyzer is the per-direction framing state machine. Feed it the byte
// stream in arbitrary chunkings via Split; it cuts each chunk at state
// transitions and answers questions about the piece it just consumed.
type Analyzer struct {
	state    analyzerState
	lowByte  byte // pending low header byte while in stPartialHeader
	needed   int  // payload bytes still expected while in stBody
	length   int  // total payload length of the current block
	last     bool // current block carries the last-flag
	boundary bool // at a message boundary (meaningful in stHeader)
	wasBody  bool // the previous piece was payload (meaningful in stHeader)

	// Properties of the piece most recently returned by Split.
	splitHead     bool
	splitBody     bool
	splitBlockEnd bool
	splitMsgEnd   bool
}

// NewAnalyzer returns an analyzer positioned at a message boundary.
func NewAnalyzer() *Analyzer {
	return &Analyzer{state: stHeader, boundary: true}
}

// Split consumes the next homogeneous piece from data: header bytes,
// payload bytes, or a zero-length payload marking an empty block. It
// returns the piece and the remainder; ok is false once data is exhausted.
//
// Re-running Split over any chunking of the same stream produces identical
// block boundaries.
func (a *Analyzer) Split(data []byte) (head, tail []byte, ok bool) {
	a.splitHead = false
	a.splitBody = false
	a.splitBlockEnd = false
	a.splitMsgEnd = false

	// A zero-length block completes without consuming anything.
	if a.state == stBody && a.needed == 0 {
		a.splitBody = true
		a.finishBlock()
		return data[:0], data, true
	}

	if len(data) == 0 {
		return nil, nil, false
	}

	switch a.state {
	case stHeader:
		if len(data) >= 2 {
			a.parseHeader(data[0], data[1])
			a.splitHead = true
			return data[:2], data[2:], true
		}
		a.lowByte = data[0]
		a.state = stPartialHeader
		a.splitHead = true
		return data[:1], data[1:], true

	case stPartialHeader:
		a.parseHeader(a.lowByte, data[0])
		a.splitHead = true
		return data[:1], data[1:], true

	case stBody:
		n := a.needed
		if n > len(data) {
			n = len(data)
		}
		a.needed -= n
		a.splitBody = true
		if a.needed == 0 {
			a.finishBlock()
		}
		return data[:n], data[n:], true

	default: // stUnframed
		a.splitBody = true
		return data, data[:0], true
	}
}

func (a *Analyzer) parseHeader(lo, hi byte) {
	n := int(lo) | int(hi)<<8
	length := n >> 1
	if length > MaxBlockLength {
		a.state = stUnframed
		return
	}
	a.state = stBody
	a.length = length
	a.needed = length
	a.last = n&1 != 0
}

func (a *Analyzer) finishBlock() {
	a.splitBlockEnd = true
	a.splitMsgEnd = a.last
	a.state = stHeader
	a.boundary = a.last
	a.wasBody = true
}

// WasHead reports whether the last piece consisted of header bytes.
func (a *Analyzer) WasHead() bool { return a.splitHead }

// WasBody reports whether the last piece consisted of payload bytes
// (possibly the empty payload of a zero-length block).
func (a *Analyzer) WasBody() bool { return a.splitBody }

// WasBlockBoundary reports whether the last piece completed a block.
func (a *Analyzer) WasBlockBoundary() bool { return a.splitBlockEnd }

// WasMessageBoundary reports whether the last piece completed a message.
func (a *Analyzer) WasMessageBoundary() bool { return a.splitMsgEnd }

// CheckIncomplete returns an error describing where the stream stopped if
// it ended anywhere other than a message boundary.
func (a *Analyzer) CheckIncomplete() error {
	switch a.state {
	case stHeader:
		if a.boundary {
			return nil
		}
		return errors.New("on a block boundary but not on a message boundary")
	case stPartialHeader:
		return errors.New("in the middle of the block header")
	case stBody:
		if a.last {
			return errors.New("in the middle of the last block of the message")
		}
		return errors.New("in the middle of a block")
	default:
		return nil
	}
}
