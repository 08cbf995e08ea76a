package vnc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/projecteru2/vmadm/types"
)

// Greeting is the prefix every RFB server sends first.
const Greeting = "RFB"

// versionLen is the length of a full RFB version string ("RFB 003.008\n").
const versionLen = 12

// Probe connects to host:port and reads the server greeting. It returns the
// bytes read. A reply that does not start with "RFB", or a close before
// one arrives, yields a *types.ProtocolError; running out of time yields an
// error wrapping types.ErrTimeout.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) ([]byte, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, probeErr(addr, err)
	}
	defer conn.Close() //nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, versionLen)
	n, err := io.ReadAtLeast(conn, buf, len(Greeting))
	got := buf[:n]
	if err != nil {
		// A close before the full greeting counts as no greeting.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			(n > 0 && !bytes.HasPrefix([]byte(Greeting), got)) {
			return got, &types.ProtocolError{Addr: addr, Got: got}
		}
		return got, probeErr(addr, err)
	}
	if !bytes.HasPrefix(got, []byte(Greeting)) {
		return got, &types.ProtocolError{Addr: addr, Got: got}
	}
	return got, nil
}

func probeErr(addr string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("probe %s: %w: %v", addr, types.ErrTimeout, err)
	}
	return fmt.Errorf("probe %s: %w", addr, err)
}
