package vnc

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/types"
)

func TestProbeGreeter(t *testing.T) {
	g, err := ListenGreeter(t.Context(), "127.0.0.1", 0)
	require.NoError(t, err)
	defer g.Close() //nolint:errcheck

	got, err := Probe(t.Context(), "127.0.0.1", g.Port(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ServerVersion, string(got))
}

// serveOnce accepts one connection and runs fn on it.
func serveOnce(t *testing.T, fn func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		fn(conn)
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestProbeProtocolMismatch(t *testing.T) {
	port := serveOnce(t, func(c net.Conn) {
		_, _ = c.Write([]byte("SSH-2.0-OpenSSH\r\n"))
	})

	got, err := Probe(t.Context(), "127.0.0.1", port, 2*time.Second)
	require.ErrorIs(t, err, types.ErrProtocolMismatch)
	var pe *types.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.True(t, strings.HasPrefix("SSH-2.0-OpenSSH", string(pe.Got)))
	assert.GreaterOrEqual(t, len(pe.Got), len(Greeting))
	assert.Equal(t, pe.Got, got)
}

func TestProbeClosedBeforeGreeting(t *testing.T) {
	for _, sent := range []string{"", "RF"} {
		port := serveOnce(t, func(c net.Conn) {
			_, _ = c.Write([]byte(sent))
		})

		got, err := Probe(t.Context(), "127.0.0.1", port, 2*time.Second)
		require.ErrorIs(t, err, types.ErrProtocolMismatch, "sent %q", sent)
		assert.NotErrorIs(t, err, types.ErrTimeout)
		var pe *types.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, sent, string(pe.Got))
		assert.Equal(t, sent, string(got))
	}
}

func TestProbeTimeout(t *testing.T) {
	port := serveOnce(t, func(c net.Conn) {
		time.Sleep(time.Second)
	})

	start := time.Now()
	_, err := Probe(t.Context(), "127.0.0.1", port, 200*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbeRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Probe(context.Background(), "127.0.0.1", port, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrProtocolMismatch)
}
