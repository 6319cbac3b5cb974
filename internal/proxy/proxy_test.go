package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joerivanruth/mapiproxy/internal/network"
)

// startTestProxy wires a proxy from a loopback listener to the given
// backend address and runs it until the returned cancel func is called.
func startTestProxy(t *testing.T, backendAddr string, events chan MapiEvent) (string, context.CancelFunc) {
	t.Helper()

	l, err := network.TCPEndpoint("127.0.0.1:0").Listen()
	require.NoError(t, err)

	p := &Proxy{
		forward: []network.Endpoint{network.TCPEndpoint(backendAddr)},
		sink:    NewEventSink(events),
		pairs:   make(map[ConnectionId]*pair),
	}
	p.listeners = append(p.listeners, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("proxy did not shut down")
		}
	})

	return l.Addr(), cancel
}

// collectUntilClosed drains the event channel until the pair reports
// EvClosed, with a timeout guard.
func collectUntilClosed(t *testing.T, events chan MapiEvent) []MapiEvent {
	t.Helper()
	var all []MapiEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			all = append(all, ev)
			if _, ok := ev.(EvClosed); ok {
				return all
			}
		case <-deadline:
			t.Fatalf("no EvClosed within deadline, got %d events", len(all))
		}
	}
}

func TestProxyForwardsBothWays(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()

	// Backend: send a fixed reply, read everything, close.
	backendGot := make(chan []byte, 1)
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello"))
		data, _ := io.ReadAll(conn)
		backendGot <- data
	}()

	events := make(chan MapiEvent, 256)
	proxyAddr, _ := startTestProxy(t, backend.Addr().String(), events)

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	client.(*net.TCPConn).CloseWrite()

	reply, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
	client.Close()

	require.Equal(t, []byte("ping"), <-backendGot)

	all := collectUntilClosed(t, events)

	// Totality: exactly one Incoming, EvClosed last.
	incoming := 0
	var up, down []byte
	for _, ev := range all {
		switch e := ev.(type) {
		case EvIncoming:
			incoming++
		case EvData:
			if e.Dir == Upstream {
				up = append(up, e.Bytes...)
			} else {
				down = append(down, e.Bytes...)
			}
		}
	}
	assert.Equal(t, 1, incoming)
	assert.Equal(t, []byte("ping"), up)
	assert.Equal(t, []byte("hello"), down)

	closed := all[len(all)-1].(EvClosed)
	assert.Equal(t, 0, closed.LostUp)
	assert.Equal(t, 0, closed.LostDown)
}

func TestProxyReportsConnectFailure(t *testing.T) {
	// Grab a port nothing listens on.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := probe.Addr().String()
	probe.Close()

	events := make(chan MapiEvent, 256)
	proxyAddr, _ := startTestProxy(t, deadAddr, events)

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()

	all := collectUntilClosed(t, events)

	var failed bool
	for _, ev := range all {
		if e, ok := ev.(EvConnectFailed); ok {
			failed = true
			assert.Contains(t, e.Reason, "refused")
		}
	}
	assert.True(t, failed)
}

func TestProxyShutdownClosesPairs(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()
	go func() {
		for {
			conn, err := backend.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	events := make(chan MapiEvent, 256)
	proxyAddr, cancel := startTestProxy(t, backend.Addr().String(), events)

	client, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("some traffic"))
	require.NoError(t, err)

	// Wait for the pair to be up before pulling the plug.
	deadline := time.After(5 * time.Second)
	for connectedSeen := false; !connectedSeen; {
		select {
		case ev := <-events:
			if _, ok := ev.(EvConnected); ok {
				connectedSeen = true
			}
		case <-deadline:
			t.Fatal("pair never connected")
		}
	}

	cancel()
	all := collectUntilClosed(t, events)
	require.NotEmpty(t, all)
}
