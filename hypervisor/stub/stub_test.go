package stub

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestLaunchServesGreeting(t *testing.T) {
	ctx := context.Background()
	l := New()
	vm := &types.VM{UUID: "vm-1", Brand: types.BrandBhyve}
	port := freePort(t)

	pid, err := l.Launch(ctx, vm, &types.VNCSession{UUID: vm.UUID, Port: port, BindAddress: "127.0.0.1"})
	require.NoError(t, err)
	assert.Positive(t, pid)

	got, err := vnc.Probe(ctx, "127.0.0.1", port, time.Second)
	require.NoError(t, err)
	assert.Equal(t, vnc.ServerVersion, string(got))

	st, err := l.Status(ctx, vm)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ProcRunning, st)

	require.NoError(t, l.Stop(ctx, vm))
	_, err = vnc.Probe(ctx, "127.0.0.1", port, time.Second)
	assert.Error(t, err)

	st, err = l.Status(ctx, vm)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ProcGone, st)
}

func TestExit(t *testing.T) {
	ctx := context.Background()
	l := New()
	vm := &types.VM{UUID: "vm-1", Brand: types.BrandBhyve}

	_, err := l.Launch(ctx, vm, nil)
	require.NoError(t, err)
	require.NoError(t, l.Exit(vm.UUID, 0))
	assert.Error(t, l.Exit(vm.UUID, 0))

	st, err := l.Status(ctx, vm)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ProcReboot, st)
}

func TestFailAndDelayLaunches(t *testing.T) {
	l := New()
	vm := &types.VM{UUID: "vm-1", Brand: types.BrandKVM}

	boom := errors.New("boom")
	l.FailLaunches(boom)
	_, err := l.Launch(context.Background(), vm, nil)
	assert.ErrorIs(t, err, boom)
	l.FailLaunches(nil)

	l.DelayLaunches(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Launch(ctx, vm, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLaunchPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck

	l := New()
	vm := &types.VM{UUID: "vm-1", Brand: types.BrandBhyve}
	_, err = l.Launch(context.Background(), vm, &types.VNCSession{Port: ln.Addr().(*net.TCPAddr).Port, BindAddress: "127.0.0.1"})
	assert.Error(t, err)
}
