package vnc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
)

// ServerVersion is the protocol version line sent by Greeter.
const ServerVersion = "RFB 003.008\n"

const greeterIdle = 5 * time.Second

// Greeter is a console listener that only speaks the RFB version handshake.
// It stands in for a hypervisor framebuffer when no real one is available.
type Greeter struct {
	ln   net.Listener
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// ListenGreeter binds host:port and starts serving greetings.
func ListenGreeter(ctx context.Context, host string, port int) (*Greeter, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	g := &Greeter{ln: ln, conns: make(map[net.Conn]struct{})}
	g.wg.Add(1)
	go g.serve(context.WithoutCancel(ctx))
	return g, nil
}

// Port returns the bound TCP port.
func (g *Greeter) Port() int { return g.ln.Addr().(*net.TCPAddr).Port }

// Close stops accepting, drops open connections and waits for the serving
// goroutines to exit.
func (g *Greeter) Close() error {
	var err error
	g.once.Do(func() {
		err = g.ln.Close()
		g.mu.Lock()
		g.closed = true
		for c := range g.conns {
			_ = c.Close()
		}
		g.mu.Unlock()
		g.wg.Wait()
	})
	return err
}

// track adds or removes c. Once the greeter is closed, added conns are
// closed right away.
func (g *Greeter) track(c net.Conn, add bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case add && g.closed:
		_ = c.Close()
	case add:
		g.conns[c] = struct{}{}
	default:
		delete(g.conns, c)
	}
}

func (g *Greeter) serve(ctx context.Context) {
	defer g.wg.Done()
	logger := log.WithFunc("vnc.Greeter.serve")
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warnf(ctx, "accept on %s: %v", g.ln.Addr(), err)
			}
			return
		}
		g.wg.Add(1)
		g.track(conn, true)
		go func() {
			defer g.wg.Done()
			defer g.track(conn, false)
			defer conn.Close() //nolint:errcheck
			_ = conn.SetDeadline(time.Now().Add(greeterIdle))
			if _, err := conn.Write([]byte(ServerVersion)); err != nil {
				logger.Debugf(ctx, "greet %s: %v", conn.RemoteAddr(), err)
				return
			}
			// Hold the connection until the client hangs up or idles out.
			var buf [64]byte
			for {
				if _, err := conn.Read(buf[:]); err != nil {
					return
				}
			}
		}()
	}
}
