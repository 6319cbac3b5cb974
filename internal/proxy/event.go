// Package proxy implements the connection engine: it accepts client
// connections, dials the forward address, shuttles bytes between the pair,
// and publishes an ordered stream of events describing everything it saw.
package proxy

import (
	"fmt"

	"github.com/joerivanruth/mapiproxy/internal/util"
)

// ConnectionId identifies one proxied client/server pair. Ids are assigned
// monotonically on accept and never reused.
type ConnectionId uint64

func (id ConnectionId) String() string { return fmt.Sprintf("#%d", uint64(id)) }

// Direction tells which way bytes are flowing.
type Direction int

const (
	Upstream   Direction = iota // client → server
	Downstream                  // server → client
)

func (d Direction) String() string {
	if d == Upstream {
		return "UPSTREAM"
	}
	return "DOWNSTREAM"
}

// Sender names the party whose bytes flow in this direction.
func (d Direction) Sender() string {
	if d == Upstream {
		return "client"
	}
	return "server"
}

// Receiver names the party the bytes flow towards.
func (d Direction) Receiver() string {
	if d == Upstream {
		return "server"
	}
	return "client"
}

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	if d == Upstream {
		return Downstream
	}
	return Upstream
}

// Error reasons reported through EvError.
const (
	ReasonUnexpectedLeadByte = "unexpected lead byte"
	ReasonOobDropped         = "oob byte dropped"
	ReasonMessageTooLarge    = "message too large"
)

// MapiEvent is the sole contract between the engine and the consumer.
// Events for one ConnectionId arrive in the exact order the engine observed
// them; EvClosed is always the last event for its id.
type MapiEvent interface {
	mapiEvent()
}

// EvBound reports a listening address, before any connection exists.
type EvBound struct {
	Addr string
}

// EvIncoming reports an accepted client connection.
type EvIncoming struct {
	ID    ConnectionId
	Local string
	Peer  string
}

// EvConnecting reports the start of the dial to the forward address.
type EvConnecting struct {
	ID     ConnectionId
	Target string
}

// EvConnected reports a completed dial; forwarding starts now.
type EvConnected struct {
	ID ConnectionId
}

// EvConnectFailed reports a failed dial; the pair closes afterwards.
type EvConnectFailed struct {
	ID     ConnectionId
	Reason string
}

// EvData carries bytes read from one side. Ownership of Bytes transfers to
// the consumer; the engine keeps no reference.
type EvData struct {
	ID    ConnectionId
	Dir   Direction
	Bytes []byte
}

// EvZeroByteInserted reports the synthetic 0x30 handshake byte injected
// when a TCP client is bridged to a Unix server.
type EvZeroByteInserted struct {
	ID ConnectionId
}

// EvZeroByteStripped reports the consumed handshake byte when a Unix client
// is bridged to a TCP server.
type EvZeroByteStripped struct {
	ID ConnectionId
}

// EvOob reports a TCP urgent byte. Its position relative to in-band data is
// not reconstructed.
type EvOob struct {
	ID   ConnectionId
	Dir  Direction
	Byte byte
}

// EvShutdownRead reports end-of-stream on the sending side of a direction.
type EvShutdownRead struct {
	ID  ConnectionId
	Dir Direction
}

// EvShutdownWrite reports that the receiving side of a direction was shut
// down, with the exact number of buffered bytes that could not be delivered.
type EvShutdownWrite struct {
	ID        ConnectionId
	Dir       Direction
	LostBytes int
}

// EvClosed is the final event of a pair.
type EvClosed struct {
	ID       ConnectionId
	LostUp   int
	LostDown int
}

// EvError reports a per-connection error. The pair keeps running or winds
// down depending on the source; the process never dies over one of these.
type EvError struct {
	ID     ConnectionId
	Dir    Direction
	HasDir bool
	Reason string
}

func (EvBound) mapiEvent()            {}
func (EvIncoming) mapiEvent()         {}
func (EvConnecting) mapiEvent()       {}
func (EvConnected) mapiEvent()        {}
func (EvConnectFailed) mapiEvent()    {}
func (EvData) mapiEvent()             {}
func (EvZeroByteInserted) mapiEvent() {}
func (EvZeroByteStripped) mapiEvent() {}
func (EvOob) mapiEvent()              {}
func (EvShutdownRead) mapiEvent()     {}
func (EvShutdownWrite) mapiEvent()    {}
func (EvClosed) mapiEvent()           {}
func (EvError) mapiEvent()            {}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// EventSink publishes events to the bounded consumer channel. Sends block
// when the consumer lags; dropping events is never an option because per-id
// ordering is a hard invariant.
type EventSink struct {
	ch chan<- MapiEvent
}

// NewEventSink wraps the consumer channel.
func NewEventSink(ch chan<- MapiEvent) *EventSink {
	return &EventSink{ch: ch}
}

func (s *EventSink) emit(ev MapiEvent) {
	s.ch <- ev
	util.Stats.AddEvent()
}

// EmitBound publishes a listening-address announcement.
func (s *EventSink) EmitBound(addr string) {
	s.emit(EvBound{Addr: addr})
}

// Sub derives a per-connection sink for the given id.
func (s *EventSink) Sub(id ConnectionId) *ConnectionSink {
	return &ConnectionSink{sink: s, id: id}
}

// ConnectionSink emits events stamped with one connection id.
type ConnectionSink struct {
	sink *EventSink
	id   ConnectionId
}

// ID returns the connection id this sink stamps on its events.
func (c *ConnectionSink) ID() ConnectionId { return c.id }

func (c *ConnectionSink) Incoming(local, peer string) {
	c.sink.emit(EvIncoming{ID: c.id, Local: local, Peer: peer})
}

func (c *ConnectionSink) Connecting(target string) {
	c.sink.emit(EvConnecting{ID: c.id, Target: target})
}

func (c *ConnectionSink) Connected() {
	c.sink.emit(EvConnected{ID: c.id})
}

func (c *ConnectionSink) ConnectFailed(reason string) {
	c.sink.emit(EvConnectFailed{ID: c.id, Reason: reason})
}

func (c *ConnectionSink) Data(dir Direction, bytes []byte) {
	c.sink.emit(EvData{ID: c.id, Dir: dir, Bytes: bytes})
}

func (c *ConnectionSink) ZeroByteInserted() {
	c.sink.emit(EvZeroByteInserted{ID: c.id})
}

func (c *ConnectionSink) ZeroByteStripped() {
	c.sink.emit(EvZeroByteStripped{ID: c.id})
}

func (c *ConnectionSink) Oob(dir Direction, b byte) {
	c.sink.emit(EvOob{ID: c.id, Dir: dir, Byte: b})
}

func (c *ConnectionSink) ShutdownRead(dir Direction) {
	c.sink.emit(EvShutdownRead{ID: c.id, Dir: dir})
}

func (c *ConnectionSink) ShutdownWrite(dir Direction, lost int) {
	c.sink.emit(EvShutdownWrite{ID: c.id, Dir: dir, LostBytes: lost})
}

func (c *ConnectionSink) Closed(lostUp, lostDown int) {
	c.sink.emit(EvClosed{ID: c.id, LostUp: lostUp, LostDown: lostDown})
}

func (c *ConnectionSink) DirError(dir Direction, reason string) {
	c.sink.emit(EvError{ID: c.id, Dir: dir, HasDir: true, Reason: reason})
}
