package vnc

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreeterCloseDropsClients(t *testing.T) {
	g, err := ListenGreeter(t.Context(), "127.0.0.1", 0)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", g.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck
	buf := make([]byte, len(ServerVersion))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, g.Close())
	assert.Less(t, time.Since(start), greeterIdle)
}

func TestGreeterTrackAfterClose(t *testing.T) {
	g, err := ListenGreeter(t.Context(), "127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	server, client := net.Pipe()
	defer client.Close() //nolint:errcheck
	g.track(server, true)

	g.mu.Lock()
	assert.Empty(t, g.conns)
	g.mu.Unlock()
	_, err = server.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
