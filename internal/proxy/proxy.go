package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joerivanruth/mapiproxy/internal/network"
	"github.com/joerivanruth/mapiproxy/internal/util"
)

// Proxy accepts client connections on one or more listeners and forwards
// each to the forward address, publishing events along the way.
type Proxy struct {
	listeners []*network.Listener
	forward   []network.Endpoint
	sink      *EventSink

	nextID atomic.Uint64

	mu    sync.Mutex
	pairs map[ConnectionId]*pair

	closing atomic.Bool
	pairWg  sync.WaitGroup
}

// New binds all endpoints of the listen address. The forward address is
// resolved once; each accepted connection dials its endpoints in order.
func New(listen, forward network.Addr, sink *EventSink) (*Proxy, error) {
	p := &Proxy{
		forward: forward.Resolve(),
		sink:    sink,
		pairs:   make(map[ConnectionId]*pair),
	}

	for _, ep := range listen.Resolve() {
		l, err := ep.Listen()
		if err != nil {
			for _, open := range p.listeners {
				open.Close()
			}
			return nil, fmt.Errorf("listen on %s: %w", ep, err)
		}
		p.listeners = append(p.listeners, l)
	}
	return p, nil
}

// UnixSocketPaths returns the filesystem paths of all Unix listeners, for
// cleanup bookkeeping by the caller.
func (p *Proxy) UnixSocketPaths() []string {
	var paths []string
	for _, l := range p.listeners {
		if path := l.Path(); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// Run announces the bound addresses, then serves until ctx is cancelled.
// It returns after every accept loop has stopped and every pair has
// finished its graceful wind-down.
func (p *Proxy) Run(ctx context.Context) {
	for _, l := range p.listeners {
		p.sink.EmitBound(l.Addr())
	}

	// Closing the listeners is what breaks the accept loops.
	go func() {
		<-ctx.Done()
		p.shutdown()
	}()

	var acceptWg sync.WaitGroup
	for _, l := range p.listeners {
		acceptWg.Add(1)
		go func(l *network.Listener) {
			defer acceptWg.Done()
			p.acceptLoop(ctx, l)
		}(l)
	}

	acceptWg.Wait()
	p.pairWg.Wait()
}

// acceptLoop accepts until the listener is closed.
func (p *Proxy) acceptLoop(ctx context.Context, l *network.Listener) {
	for {
		client, peer, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !p.closing.Load() {
					util.LogError("accept on %s: %v", l.Addr(), err)
				}
			}
			return
		}

		id := ConnectionId(p.nextID.Add(1))
		util.Stats.ConnOpened()
		util.LogDebug("[%s] accepted from %s", id, peer)

		sink := p.sink.Sub(id)
		sink.Incoming(l.Addr(), peer)

		p.pairWg.Add(1)
		go func() {
			defer p.pairWg.Done()
			pr := newPair(sink, client)
			p.register(id, pr)
			defer p.unregister(id)
			pr.run(p.forward)
		}()
	}
}

func (p *Proxy) register(id ConnectionId, pr *pair) {
	p.mu.Lock()
	p.pairs[id] = pr
	p.mu.Unlock()

	// A shutdown that raced with registration still reaches this pair.
	if p.closing.Load() {
		pr.beginShutdown()
	}
}

func (p *Proxy) unregister(id ConnectionId) {
	p.mu.Lock()
	delete(p.pairs, id)
	p.mu.Unlock()
}

// shutdown stops accepting and asks every live pair to wind down within
// the drain grace period.
func (p *Proxy) shutdown() {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	for _, l := range p.listeners {
		l.Close()
	}

	p.mu.Lock()
	live := make([]*pair, 0, len(p.pairs))
	for _, pr := range p.pairs {
		live = append(live, pr)
	}
	p.mu.Unlock()

	for _, pr := range live {
		pr.beginShutdown()
	}
}
