package vnc

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/types"
)

func TestNewPoolRange(t *testing.T) {
	tests := []struct {
		min, max int
		ok       bool
	}{
		{min: 5900, max: 5999, ok: true},
		{min: 49152, max: 65535, ok: true},
		{min: 6000, max: 6000, ok: true},
		{min: 0, max: 10},
		{min: 10, max: 9},
		{min: 60000, max: 70000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%d", tt.min, tt.max), func(t *testing.T) {
			_, err := NewPool(tt.min, tt.max, nil)
			assert.Equal(t, tt.ok, err == nil)
		})
	}
}

func TestAllocateInRange(t *testing.T) {
	p, err := NewPool(6000, 6009, nil)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := range 10 {
		port, err := p.Allocate(fmt.Sprintf("vm-%d", i), nil)
		require.NoError(t, err)
		assert.True(t, p.Contains(port))
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
	assert.Equal(t, 10, p.InUse())

	_, err = p.Allocate("vm-extra", nil)
	assert.ErrorIs(t, err, types.ErrPortRangeExhausted)
}

func TestAllocateSameOwnerKeepsPort(t *testing.T) {
	p, err := NewPool(6000, 6099, nil)
	require.NoError(t, err)

	a, err := p.Allocate("vm", nil)
	require.NoError(t, err)
	b, err := p.Allocate("vm", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, p.InUse())
}

func TestAllocateHonorsExclude(t *testing.T) {
	p, err := NewPool(6000, 6001, nil)
	require.NoError(t, err)

	port, err := p.Allocate("vm-a", map[int]string{6000: "elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, 6001, port)

	_, err = p.Allocate("vm-b", map[int]string{6000: "elsewhere"})
	assert.ErrorIs(t, err, types.ErrPortRangeExhausted)
}

func TestAllocateSkipsUnbindable(t *testing.T) {
	p, err := NewPool(6000, 6002, func(port int) error {
		if port != 6002 {
			return errors.New("address in use")
		}
		return nil
	})
	require.NoError(t, err)

	port, err := p.Allocate("vm", nil)
	require.NoError(t, err)
	assert.Equal(t, 6002, port)
}

func TestReleaseAllowsReuse(t *testing.T) {
	p, err := NewPool(6000, 6000, nil)
	require.NoError(t, err)

	port, err := p.Allocate("vm-a", nil)
	require.NoError(t, err)
	_, err = p.Allocate("vm-b", nil)
	require.ErrorIs(t, err, types.ErrPortRangeExhausted)

	p.Release(port)
	p.Release(port)
	assert.Equal(t, 0, p.InUse())

	again, err := p.Allocate("vm-b", nil)
	require.NoError(t, err)
	assert.Equal(t, port, again)
	owner, ok := p.Owner(again)
	assert.True(t, ok)
	assert.Equal(t, "vm-b", owner)
}

func TestReserve(t *testing.T) {
	p, err := NewPool(6000, 6010, nil)
	require.NoError(t, err)

	require.NoError(t, p.Reserve("vm-a", 5901, nil))
	require.NoError(t, p.Reserve("vm-a", 5901, nil))
	assert.ErrorIs(t, p.Reserve("vm-b", 5901, nil), types.ErrPortUnavailable)
	assert.ErrorIs(t, p.Reserve("vm-b", 5902, map[int]string{5902: "vm-c"}), types.ErrPortUnavailable)
	assert.ErrorIs(t, p.Reserve("vm-b", 70000, nil), types.ErrInvalidSpec)

	// Re-reserving elsewhere moves the owner's session.
	require.NoError(t, p.Reserve("vm-a", 5903, nil))
	_, held := p.Owner(5901)
	assert.False(t, held)
	assert.Equal(t, 5903, p.ReleaseOwner("vm-a"))
	assert.Equal(t, 0, p.ReleaseOwner("vm-a"))
}

func TestReserveUnbindable(t *testing.T) {
	p, err := NewPool(6000, 6010, func(int) error { return errors.New("in use") })
	require.NoError(t, err)
	assert.ErrorIs(t, p.Reserve("vm", 6005, nil), types.ErrPortUnavailable)
}

func TestConcurrentAllocateDistinct(t *testing.T) {
	p, err := NewPool(6000, 6063, nil)
	require.NoError(t, err)

	const n = 64
	ports := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Allocate(fmt.Sprintf("vm-%d", i), nil)
			assert.NoError(t, err)
			ports[i] = port
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, port := range ports {
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestRebuild(t *testing.T) {
	p, err := NewPool(6000, 6001, nil)
	require.NoError(t, err)
	p.Rebuild(map[int]string{6000: "vm-a", 6001: "vm-b"})
	assert.Equal(t, 2, p.InUse())
	_, err = p.Allocate("vm-c", nil)
	assert.ErrorIs(t, err, types.ErrPortRangeExhausted)
}

func TestBindChecker(t *testing.T) {
	g, err := ListenGreeter(t.Context(), "127.0.0.1", 0)
	require.NoError(t, err)
	defer g.Close() //nolint:errcheck

	check := BindChecker("127.0.0.1")
	assert.Error(t, check(g.Port()))
}

func TestReleaseFor(t *testing.T) {
	p, err := NewPool(6000, 6000, nil)
	require.NoError(t, err)
	port, err := p.Allocate("vm-a", nil)
	require.NoError(t, err)

	p.ReleaseFor("vm-b", port)
	owner, ok := p.Owner(port)
	require.True(t, ok)
	assert.Equal(t, "vm-a", owner)

	p.ReleaseFor("vm-a", port)
	assert.Equal(t, 0, p.InUse())
}
