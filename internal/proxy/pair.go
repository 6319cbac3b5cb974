package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joerivanruth/mapiproxy/internal/network"
	"github.com/joerivanruth/mapiproxy/internal/util"
)

// Tuning constants.
const (
	readChunkSize   = 16 * 1024              // upper bound on bytes handled per read turn
	oobPollInterval = 250 * time.Millisecond // urgent-byte poll cadence
	drainGrace      = 500 * time.Millisecond // write deadline during graceful shutdown
)

// pairState tracks the lifecycle of one proxied connection pair.
type pairState int32

const (
	stateAccepted pairState = iota
	stateDialing
	stateForwarding
	stateHalfClosed
	stateClosed
)

func (s pairState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateDialing:
		return "dialing"
	case stateForwarding:
		return "forwarding"
	case stateHalfClosed:
		return "half-closed"
	default:
		return "closed"
	}
}

// pair owns the two sockets of one proxied connection and the goroutines
// pumping bytes between them. Both pumps report their lost-byte counts;
// the pair emits the final EvClosed once everything has wound down.
type pair struct {
	sink   *ConnectionSink
	client network.Stream

	// mu guards server, which appears mid-lifecycle while a concurrent
	// shutdown may already be looking for it.
	mu     sync.Mutex
	server network.Stream

	state   atomic.Int32
	closing atomic.Bool

	dialCtx  context.Context
	stopDial context.CancelFunc

	// Set by the respective pump before the WaitGroup releases.
	lostUp   int
	lostDown int
}

// newPair prepares the pair for an accepted client connection.
func newPair(sink *ConnectionSink, client network.Stream) *pair {
	p := &pair{sink: sink, client: client}
	p.dialCtx, p.stopDial = context.WithCancel(context.Background())
	return p
}

func (p *pair) setState(s pairState) {
	p.state.Store(int32(s))
	util.LogDebug("[%s] %s", p.sink.ID(), s)
}

// run drives the complete lifecycle of one accepted connection:
// dial, bridge, pump, shutdown, close. It blocks until the pair is done.
func (p *pair) run(forward []network.Endpoint) {
	p.setState(stateDialing)

	defer func() {
		p.setState(stateClosed)
		p.stopDial()
		p.client.Close()
		if srv := p.getServer(); srv != nil {
			srv.Close()
		}
		util.Stats.ConnClosed()
	}()

	server, ok := p.dial(forward)
	if !ok {
		p.sink.Closed(0, 0)
		return
	}

	p.mu.Lock()
	p.server = server
	closing := p.closing.Load()
	p.mu.Unlock()

	if closing {
		// Shutdown arrived while dialing; nothing was forwarded yet.
		p.sink.Closed(0, 0)
		return
	}

	p.setState(stateForwarding)
	p.sink.Connected()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.lostUp = p.pump(Upstream, p.client, p.server)
	}()
	go func() {
		defer wg.Done()
		p.lostDown = p.pump(Downstream, p.server, p.client)
	}()

	// Urgent-byte watchers, one per TCP end.
	var oobWg sync.WaitGroup
	if p.client.Family() == network.FamilyTCP {
		oobWg.Add(1)
		go func() {
			defer oobWg.Done()
			p.oobPump(Upstream, p.client, p.server)
		}()
	}
	if p.server.Family() == network.FamilyTCP {
		oobWg.Add(1)
		go func() {
			defer oobWg.Done()
			p.oobPump(Downstream, p.server, p.client)
		}()
	}

	wg.Wait()
	p.closing.Store(true) // stops the oob pumps at their next poll
	oobWg.Wait()

	p.sink.Closed(p.lostUp, p.lostDown)
}

// dial tries the forward endpoints in order. On success the winning stream
// is returned; on failure EvConnectFailed has been emitted.
func (p *pair) dial(forward []network.Endpoint) (network.Stream, bool) {
	var lastErr error
	for _, ep := range forward {
		p.sink.Connecting(ep.String())
		stream, err := ep.DialContext(p.dialCtx)
		if err == nil {
			return stream, true
		}
		lastErr = err
	}

	var dialErr *network.DialError
	if errors.As(lastErr, &dialErr) {
		p.sink.ConnectFailed(dialErr.Endpoint.String() + ": " + dialErr.Reason.String())
	} else {
		p.sink.ConnectFailed(lastErr.Error())
	}
	return nil, false
}

// beginShutdown forces the pair to wind down: an in-flight dial is
// abandoned, reads fail immediately, and writers get the drain grace
// period before residual bytes count as lost.
func (p *pair) beginShutdown() {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	p.stopDial()
	now := time.Now()
	p.client.SetReadDeadline(now)
	p.client.SetWriteDeadline(now.Add(drainGrace))
	if srv := p.getServer(); srv != nil {
		srv.SetReadDeadline(now)
		srv.SetWriteDeadline(now.Add(drainGrace))
	}
}

func (p *pair) getServer() network.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

// pump moves bytes in one direction until EOF, a write failure, or
// shutdown. It returns the number of bytes read from src that never
// reached dst.
func (p *pair) pump(dir Direction, src, dst network.Stream) (lost int) {
	fb := NewForwardBuffer()
	scratch := make([]byte, readChunkSize)

	inject := dir == Upstream && p.client.Family() == network.FamilyTCP && p.server.Family() == network.FamilyUnix
	strip := dir == Upstream && p.client.Family() == network.FamilyUnix && p.server.Family() == network.FamilyTCP

	for {
		n, err := src.Read(scratch)

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, scratch[:n])
			p.countBytes(dir, n)

			if strip {
				strip = false
				p.sink.ZeroByteStripped()
				if chunk[0] != 0x30 {
					p.sink.DirError(dir, ReasonUnexpectedLeadByte)
				}
				chunk = chunk[1:]
			}
			if inject && len(chunk) > 0 {
				inject = false
				p.sink.ZeroByteInserted()
				fb.Append([]byte{0x30})
			}

			if len(chunk) > 0 {
				p.sink.Data(dir, chunk)
				fb.Append(chunk)
			}

			if werr := fb.DrainTo(dst); werr != nil {
				lost = fb.Reset()
				p.setState(stateHalfClosed)
				p.sink.ShutdownWrite(dir, lost)
				src.CloseRead()
				return lost
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.sink.ShutdownRead(dir)
			case p.closing.Load() && isTimeout(err):
				// forced wind-down, not a peer error
			default:
				p.sink.DirError(dir, err.Error())
			}

			p.setState(stateHalfClosed)
			lost = fb.Reset()
			dst.CloseWrite()
			p.sink.ShutdownWrite(dir, lost)
			return lost
		}
	}
}

// oobPump watches one TCP stream for urgent bytes and relays them to the
// peer when the peer can carry them.
func (p *pair) oobPump(dir Direction, src, dst network.Stream) {
	for !p.closing.Load() {
		b, ok, err := src.WaitOOB(oobPollInterval)
		if err != nil {
			return
		}
		if !ok {
			continue
		}

		p.sink.Oob(dir, b)
		if dst.Family() == network.FamilyTCP {
			if sendErr := dst.SendOOB(b); sendErr != nil {
				p.sink.DirError(dir, ReasonOobDropped)
			}
		} else {
			p.sink.DirError(dir, ReasonOobDropped)
		}
	}
}

func (p *pair) countBytes(dir Direction, n int) {
	if dir == Upstream {
		util.Stats.AddUp(n)
	} else {
		util.Stats.AddDown(n)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
