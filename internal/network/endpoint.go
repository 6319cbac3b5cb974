// Package network provides a uniform endpoint/listener/stream abstraction
// over TCP and Unix domain sockets.
//
// Addresses come in three user-facing forms: a bare port, a host:port pair,
// and an absolute filesystem path. A bare port covers both socket families:
// it resolves to the conventional MonetDB Unix socket for that port plus a
// localhost TCP endpoint.
package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family identifies the socket family of an endpoint or stream.
type Family int

const (
	FamilyTCP Family = iota
	FamilyUnix
)

func (f Family) String() string {
	switch f {
	case FamilyTCP:
		return "tcp"
	case FamilyUnix:
		return "unix"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// addrKind distinguishes the three accepted address notations.
type addrKind int

const (
	addrTCP addrKind = iota
	addrUnix
	addrPortOnly
)

// Addr is a parsed command-line address. It may still cover more than one
// concrete endpoint; call Resolve to enumerate them.
type Addr struct {
	kind addrKind
	host string
	port int
	path string
}

// ParseAddr parses one of the accepted address notations:
//
//	50000               bare port
//	localhost:50000     host:port (DNS name, IPv4, or bracketed IPv6)
//	/tmp/.s.monetdb.50000   Unix domain socket path
func ParseAddr(s string) (Addr, error) {
	if s == "" {
		return Addr{}, errors.New("empty address")
	}

	// Anything with a path separator is a Unix socket path.
	if strings.ContainsAny(s, `/\`) {
		return Addr{kind: addrUnix, path: s}, nil
	}

	// A bare number is a port covering both families.
	if port, err := strconv.Atoi(s); err == nil {
		if port < 1 || port > 65535 {
			return Addr{}, fmt.Errorf("invalid port in address %q", s)
		}
		return Addr{kind: addrPortOnly, port: port}, nil
	}

	// Otherwise it must be host:port.
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid address %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Addr{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Addr{kind: addrTCP, host: host, port: port}, nil
}

func (a Addr) String() string {
	switch a.kind {
	case addrUnix:
		return a.path
	case addrPortOnly:
		return strconv.Itoa(a.port)
	default:
		return net.JoinHostPort(a.host, strconv.Itoa(a.port))
	}
}

// IsUnix reports whether the address names a Unix socket path.
func (a Addr) IsUnix() bool { return a.kind == addrUnix }

// Resolve expands the address into concrete endpoints. A port-only address
// yields the conventional Unix socket first and the TCP endpoint second;
// dialers try them in that order, listeners bind all of them.
func (a Addr) Resolve() []Endpoint {
	switch a.kind {
	case addrUnix:
		return []Endpoint{{family: FamilyUnix, address: a.path}}
	case addrPortOnly:
		return []Endpoint{
			{family: FamilyUnix, address: fmt.Sprintf("/tmp/.s.monetdb.%d", a.port)},
			{family: FamilyTCP, address: net.JoinHostPort("localhost", strconv.Itoa(a.port))},
		}
	default:
		return []Endpoint{{family: FamilyTCP, address: net.JoinHostPort(a.host, strconv.Itoa(a.port))}}
	}
}

// Endpoint is a single concrete listen/dial target.
type Endpoint struct {
	family  Family
	address string
}

// TCPEndpoint makes an endpoint from a host:port pair.
func TCPEndpoint(address string) Endpoint {
	return Endpoint{family: FamilyTCP, address: address}
}

// UnixEndpoint makes an endpoint from a socket path.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{family: FamilyUnix, address: path}
}

// Family returns the endpoint's socket family.
func (e Endpoint) Family() Family { return e.family }

// Address returns the host:port pair or socket path.
func (e Endpoint) Address() string { return e.address }

func (e Endpoint) String() string { return e.address }
