package network

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrOOBUnsupported is returned by the OOB operations of Unix streams.
// TCP urgent data has no equivalent on Unix domain sockets.
var ErrOOBUnsupported = errors.New("out-of-band data not supported on this socket family")

// Stream is a bidirectional byte stream of either socket family.
// The read and write halves can be shut down independently.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	CloseRead() error
	CloseWrite() error

	Family() Family
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// SendOOB transmits a single urgent byte (TCP only).
	SendOOB(b byte) error

	// WaitOOB waits up to the given duration for an urgent byte (TCP only).
	// It returns ok=false when none arrived within the window.
	WaitOOB(d time.Duration) (b byte, ok bool, err error)
}

func wrapConn(conn net.Conn) (Stream, error) {
	switch c := conn.(type) {
	case *net.TCPConn:
		return &tcpStream{TCPConn: c}, nil
	case *net.UnixConn:
		return &unixStream{UnixConn: c}, nil
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
}

// ---------------------------------------------------------------------------
// TCP stream
// ---------------------------------------------------------------------------

type tcpStream struct {
	*net.TCPConn
}

func (s *tcpStream) Family() Family { return FamilyTCP }

func (s *tcpStream) SendOOB(b byte) error {
	rc, err := s.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = rc.Control(func(fd uintptr) {
		opErr = unix.Sendto(int(fd), []byte{b}, unix.MSG_OOB, nil)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *tcpStream) WaitOOB(d time.Duration) (byte, bool, error) {
	rc, err := s.SyscallConn()
	if err != nil {
		return 0, false, err
	}

	var b byte
	var ok bool
	var opErr error
	err = rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI}}
		n, pollErr := unix.Poll(fds, int(d.Milliseconds()))
		if pollErr != nil {
			if pollErr != unix.EINTR {
				opErr = pollErr
			}
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLPRI == 0 {
			return
		}

		buf := make([]byte, 1)
		n, _, recvErr := unix.Recvfrom(int(fd), buf, unix.MSG_OOB)
		if recvErr != nil {
			// EINVAL means the urgent byte was already consumed inline.
			if recvErr != unix.EINVAL && recvErr != unix.EAGAIN {
				opErr = recvErr
			}
			return
		}
		if n == 1 {
			b = buf[0]
			ok = true
		}
	})
	if err != nil {
		return 0, false, err
	}
	return b, ok, opErr
}

// ---------------------------------------------------------------------------
// Unix stream
// ---------------------------------------------------------------------------

type unixStream struct {
	*net.UnixConn
}

func (s *unixStream) Family() Family { return FamilyUnix }

func (s *unixStream) SendOOB(byte) error { return ErrOOBUnsupported }

func (s *unixStream) WaitOOB(time.Duration) (byte, bool, error) {
	return 0, false, ErrOOBUnsupported
}
