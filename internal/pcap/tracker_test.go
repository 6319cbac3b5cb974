package pcap

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joerivanruth/mapiproxy/internal/proxy"
)

type tcpFlags struct {
	syn, ack, fin, rst bool
}

// tcpPacket builds a decoded Ethernet/IPv4/TCP packet for the tracker.
func tcpPacket(t *testing.T, src, dst string, srcPort, dstPort int, flags tcpFlags, payload []byte) gopacket.Packet {
	t.Helper()

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     flags.syn,
		ACK:     flags.ack,
		FIN:     flags.fin,
		RST:     flags.rst,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, gopacket.Payload(payload)))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	return pkt
}

func collectEvents(ch chan proxy.MapiEvent) []proxy.MapiEvent {
	close(ch)
	var events []proxy.MapiEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestTrackerFollowsConnection(t *testing.T) {
	ch := make(chan proxy.MapiEvent, 64)
	tr := NewTracker(proxy.NewEventSink(ch))

	const (
		client = "10.0.0.1"
		server = "10.0.0.2"
	)

	tr.HandlePacket(tcpPacket(t, client, server, 40000, 50000, tcpFlags{syn: true}, nil))
	tr.HandlePacket(tcpPacket(t, server, client, 50000, 40000, tcpFlags{syn: true, ack: true}, nil))
	tr.HandlePacket(tcpPacket(t, client, server, 40000, 50000, tcpFlags{ack: true}, []byte("ping")))
	tr.HandlePacket(tcpPacket(t, server, client, 50000, 40000, tcpFlags{ack: true}, []byte("pong")))
	tr.HandlePacket(tcpPacket(t, client, server, 40000, 50000, tcpFlags{fin: true, ack: true}, nil))
	tr.HandlePacket(tcpPacket(t, server, client, 50000, 40000, tcpFlags{fin: true, ack: true}, nil))

	events := collectEvents(ch)
	require.NotEmpty(t, events)

	incoming, isIncoming := events[0].(proxy.EvIncoming)
	require.True(t, isIncoming)
	assert.Equal(t, "10.0.0.2:50000", incoming.Local)
	assert.Equal(t, "10.0.0.1:40000", incoming.Peer)

	var sawConnected bool
	var up, down []byte
	shutdowns := 0
	for _, ev := range events {
		switch e := ev.(type) {
		case proxy.EvConnected:
			sawConnected = true
		case proxy.EvData:
			if e.Dir == proxy.Upstream {
				up = append(up, e.Bytes...)
			} else {
				down = append(down, e.Bytes...)
			}
		case proxy.EvShutdownRead:
			shutdowns++
		}
	}
	assert.True(t, sawConnected)
	assert.Equal(t, []byte("ping"), up)
	assert.Equal(t, []byte("pong"), down)
	assert.Equal(t, 2, shutdowns)

	_, isClosed := events[len(events)-1].(proxy.EvClosed)
	assert.True(t, isClosed, "EvClosed must be the last event")
}

func TestTrackerIgnoresMidstreamFlows(t *testing.T) {
	ch := make(chan proxy.MapiEvent, 64)
	tr := NewTracker(proxy.NewEventSink(ch))

	// Payload on a flow whose SYN predates the capture.
	tr.HandlePacket(tcpPacket(t, "10.0.0.1", "10.0.0.2", 40000, 50000, tcpFlags{ack: true}, []byte("stale")))

	events := collectEvents(ch)
	assert.Empty(t, events)
}

func TestTrackerResetClosesFlow(t *testing.T) {
	ch := make(chan proxy.MapiEvent, 64)
	tr := NewTracker(proxy.NewEventSink(ch))

	tr.HandlePacket(tcpPacket(t, "10.0.0.1", "10.0.0.2", 40000, 50000, tcpFlags{syn: true}, nil))
	tr.HandlePacket(tcpPacket(t, "10.0.0.2", "10.0.0.1", 50000, 40000, tcpFlags{syn: true, ack: true}, nil))
	tr.HandlePacket(tcpPacket(t, "10.0.0.1", "10.0.0.2", 40000, 50000, tcpFlags{rst: true}, nil))

	events := collectEvents(ch)
	_, isClosed := events[len(events)-1].(proxy.EvClosed)
	assert.True(t, isClosed)
}

func TestTrackerFinishClosesLeftoverFlows(t *testing.T) {
	ch := make(chan proxy.MapiEvent, 64)
	tr := NewTracker(proxy.NewEventSink(ch))

	tr.HandlePacket(tcpPacket(t, "10.0.0.1", "10.0.0.2", 40000, 50000, tcpFlags{syn: true}, nil))
	tr.HandlePacket(tcpPacket(t, "10.0.0.2", "10.0.0.1", 50000, 40000, tcpFlags{syn: true, ack: true}, nil))
	tr.Finish()

	events := collectEvents(ch)
	closed := 0
	for _, ev := range events {
		if _, ok := ev.(proxy.EvClosed); ok {
			closed++
		}
	}
	assert.Equal(t, 1, closed, "one EvClosed per connection, even when the capture ends mid-flow")
}
