// Package pcap replays MAPI traffic recorded in a capture file through the
// same event pipeline the live proxy uses. Both the legacy pcap format and
// pcap-ng are supported; packets must be Ethernet frames.
package pcap

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/joerivanruth/mapiproxy/internal/proxy"
)

// Capture file signatures.
const (
	magicNg           = 0x0a0d0d0a
	magicLegacy       = 0xa1b2c3d4
	magicLegacySwap   = 0xd4c3b2a1
	magicLegacyNano   = 0xa1b23c4d
	magicLegacySwapNs = 0x4d3cb2a1
)

// packetSource is the common surface of pcapgo's two readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Replay reads the capture file and feeds the reconstructed TCP flows into
// the event sink. It returns once the file is exhausted or ctx is
// cancelled.
func Replay(ctx context.Context, path string, sink *proxy.EventSink) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	src, err := openReader(bufio.NewReaderSize(f, 64*1024))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if src.LinkType() != layers.LinkTypeEthernet {
		return fmt.Errorf("%s: capture contains %v packets, only Ethernet is supported", path, src.LinkType())
	}

	tracker := NewTracker(sink)
	for {
		if ctx.Err() != nil {
			break
		}
		data, _, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		if pkt.ErrorLayer() != nil {
			continue
		}
		tracker.HandlePacket(pkt)
	}

	tracker.Finish()
	return nil
}

// openReader sniffs the file signature and picks the matching reader.
func openReader(br *bufio.Reader) (packetSource, error) {
	header, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	switch binary.BigEndian.Uint32(header) {
	case magicNg:
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	case magicLegacy, magicLegacySwap, magicLegacyNano, magicLegacySwapNs:
		return pcapgo.NewReader(br)
	default:
		return nil, fmt.Errorf("unknown capture file signature %02x %02x %02x %02x",
			header[0], header[1], header[2], header[3])
	}
}
