package network

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    string
		isUnix  bool
		wantErr bool
	}{
		{name: "bare port", input: "50000", want: "50000"},
		{name: "host and port", input: "localhost:50000", want: "localhost:50000"},
		{name: "ipv4 literal", input: "127.0.0.1:50000", want: "127.0.0.1:50000"},
		{name: "bracketed ipv6", input: "[::1]:50000", want: "[::1]:50000"},
		{name: "unix path", input: "/tmp/.s.monetdb.50000", want: "/tmp/.s.monetdb.50000", isUnix: true},
		{name: "relative path", input: "./sock", want: "./sock", isUnix: true},
		{name: "empty", input: "", wantErr: true},
		{name: "port zero", input: "0", wantErr: true},
		{name: "port out of range", input: "70000", wantErr: true},
		{name: "no port", input: "localhost", wantErr: true},
		{name: "bad port", input: "localhost:x", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := ParseAddr(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, addr.String())
			assert.Equal(t, tc.isUnix, addr.IsUnix())
		})
	}
}

func TestResolvePortOnlyCoversBothFamilies(t *testing.T) {
	addr, err := ParseAddr("50000")
	require.NoError(t, err)

	eps := addr.Resolve()
	require.Len(t, eps, 2)

	// Unix first: dialers try the conventional socket before TCP.
	assert.Equal(t, FamilyUnix, eps[0].Family())
	assert.Equal(t, "/tmp/.s.monetdb.50000", eps[0].Address())
	assert.Equal(t, FamilyTCP, eps[1].Family())
	assert.Equal(t, "localhost:50000", eps[1].Address())
}

func TestResolveSingleEndpointForms(t *testing.T) {
	tcp, err := ParseAddr("localhost:50000")
	require.NoError(t, err)
	eps := tcp.Resolve()
	require.Len(t, eps, 1)
	assert.Equal(t, FamilyTCP, eps[0].Family())

	ux, err := ParseAddr("/tmp/x.sock")
	require.NoError(t, err)
	eps = ux.Resolve()
	require.Len(t, eps, 1)
	assert.Equal(t, FamilyUnix, eps[0].Family())
}

func TestClassifyDialError(t *testing.T) {
	testCases := []struct {
		err  error
		want DialReason
	}{
		{syscall.ECONNREFUSED, DialRefused},
		{syscall.ETIMEDOUT, DialTimedOut},
		{syscall.ENETUNREACH, DialUnreachable},
		{syscall.EHOSTUNREACH, DialUnreachable},
		{syscall.ECONNRESET, DialOther},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, classifyDialError(tc.err), "%v", tc.err)
	}
}
