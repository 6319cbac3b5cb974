package pcap

import (
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/joerivanruth/mapiproxy/internal/proxy"
)

// flowKey identifies one direction of a TCP connection.
type flowKey struct {
	src string
	dst string
}

func (k flowKey) flip() flowKey {
	return flowKey{src: k.dst, dst: k.src}
}

// streamState is the tracked state of one flow direction. Both directions
// of a connection share the same sink and id.
type streamState struct {
	sink     *proxy.ConnectionSink
	dir      proxy.Direction
	finished bool
}

// Tracker follows TCP connections across a capture and emits the same
// event sequence the live proxy would: Incoming on SYN, Connected on
// SYN-ACK, Data for payload, ShutdownRead on FIN and Closed once both
// sides are done.
type Tracker struct {
	sink    *proxy.EventSink
	nextID  uint64
	streams map[flowKey]*streamState
}

// NewTracker creates a tracker publishing to the given sink.
func NewTracker(sink *proxy.EventSink) *Tracker {
	return &Tracker{
		sink:    sink,
		streams: make(map[flowKey]*streamState),
	}
}

// HandlePacket processes one decoded packet. Non-TCP packets and flows
// that were already in flight when the capture started are ignored.
func (t *Tracker) HandlePacket(pkt gopacket.Packet) {
	tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return
	}
	srcIP, dstIP, ok := addresses(pkt)
	if !ok {
		return
	}

	key := flowKey{
		src: net.JoinHostPort(srcIP.String(), strconv.Itoa(int(tcpLayer.SrcPort))),
		dst: net.JoinHostPort(dstIP.String(), strconv.Itoa(int(tcpLayer.DstPort))),
	}

	switch {
	case tcpLayer.SYN && !tcpLayer.ACK:
		t.handleSyn(key)
	case tcpLayer.SYN && tcpLayer.ACK:
		t.handleSynAck(key)
	default:
		t.handleExisting(key, tcpLayer)
	}
}

func addresses(pkt gopacket.Packet) (src, dst net.IP, ok bool) {
	if ip4, isV4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); isV4 {
		return ip4.SrcIP, ip4.DstIP, true
	}
	if ip6, isV6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); isV6 {
		return ip6.SrcIP, ip6.DstIP, true
	}
	return nil, nil, false
}

func (t *Tracker) handleSyn(key flowKey) {
	if _, exists := t.streams[key]; exists {
		return
	}
	if _, exists := t.streams[key.flip()]; exists {
		return
	}

	t.nextID++
	sink := t.sink.Sub(proxy.ConnectionId(t.nextID))
	sink.Incoming(key.dst, key.src)

	t.streams[key] = &streamState{sink: sink, dir: proxy.Upstream}
}

func (t *Tracker) handleSynAck(key flowKey) {
	upstream, ok := t.streams[key.flip()]
	if !ok {
		return
	}
	if _, exists := t.streams[key]; exists {
		return
	}

	upstream.sink.Connected()
	t.streams[key] = &streamState{sink: upstream.sink, dir: proxy.Downstream}
}

func (t *Tracker) handleExisting(key flowKey, tcp *layers.TCP) {
	stream, ok := t.streams[key]
	if !ok {
		return
	}

	if len(tcp.Payload) > 0 {
		data := make([]byte, len(tcp.Payload))
		copy(data, tcp.Payload)
		stream.sink.Data(stream.dir, data)
	}

	if tcp.RST {
		t.closeFlow(key, stream)
		return
	}

	if !tcp.FIN || stream.finished {
		return
	}
	stream.finished = true
	stream.sink.ShutdownRead(stream.dir)

	if peer, ok := t.streams[key.flip()]; !ok || peer.finished {
		t.closeFlow(key, stream)
	}
}

func (t *Tracker) closeFlow(key flowKey, stream *streamState) {
	delete(t.streams, key)
	delete(t.streams, key.flip())
	stream.sink.Closed(0, 0)
}

// Finish closes out flows the capture left open, so that every Incoming
// still ends in a Closed.
func (t *Tracker) Finish() {
	closed := make(map[proxy.ConnectionId]bool)
	for key, stream := range t.streams {
		id := stream.sink.ID()
		if closed[id] {
			continue
		}
		closed[id] = true
		t.closeFlow(key, stream)
	}
}
