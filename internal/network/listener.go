package network

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// Listener wraps a bound socket of either family. Unix listeners remember
// their filesystem path so it can be unlinked on shutdown.
type Listener struct {
	family Family
	addr   string
	path   string // non-empty for Unix listeners
	ln     net.Listener
}

// Listen binds the endpoint. A stale Unix socket left behind by an earlier
// process is removed and the bind retried once; the fresh socket is
// restricted to mode 0600.
func (e Endpoint) Listen() (*Listener, error) {
	var ln net.Listener
	var err error

	switch e.family {
	case FamilyUnix:
		ln, err = net.Listen("unix", e.address)
		if err != nil && errors.Is(err, syscall.EADDRINUSE) {
			if rmErr := os.Remove(e.address); rmErr == nil {
				ln, err = net.Listen("unix", e.address)
			}
		}
		if err == nil {
			if chErr := os.Chmod(e.address, 0o600); chErr != nil {
				ln.Close()
				os.Remove(e.address)
				return nil, chErr
			}
		}
	default:
		ln, err = net.Listen("tcp", e.address)
	}
	if err != nil {
		return nil, err
	}

	l := &Listener{
		family: e.family,
		addr:   ln.Addr().String(),
		ln:     ln,
	}
	if e.family == FamilyUnix {
		l.path = e.address
	}
	return l, nil
}

// Accept waits for the next connection and returns it together with a
// printable peer name. Unix peers are usually unnamed, so a synthetic
// name is substituted.
func (l *Listener) Accept() (Stream, string, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, "", err
	}
	stream, err := wrapConn(conn)
	if err != nil {
		conn.Close()
		return nil, "", err
	}

	peer := conn.RemoteAddr().String()
	if l.family == FamilyUnix && (peer == "" || peer == "@") {
		peer = "<unix client>"
	}
	return stream, peer, nil
}

// Family returns the listener's socket family.
func (l *Listener) Family() Family { return l.family }

// Addr returns the bound address in printable form.
func (l *Listener) Addr() string { return l.addr }

// Path returns the filesystem path of a Unix listener, or "" for TCP.
func (l *Listener) Path() string { return l.path }

// Close shuts the listener down and unlinks its Unix socket path.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if l.path != "" {
		os.Remove(l.path)
	}
	return err
}
