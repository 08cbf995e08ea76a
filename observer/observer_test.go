package observer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/hypervisor/stub"
	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/lock/flock"
	"github.com/projecteru2/vmadm/registry"
	storejson "github.com/projecteru2/vmadm/storage/json"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

type fixture struct {
	obs  *Observer
	reg  *registry.Registry
	pool *vnc.Pool
	hv   *stub.Launcher
}

func newFixture(t *testing.T, min, max int) *fixture {
	t.Helper()
	dir := t.TempDir()
	idxLock := flock.New(filepath.Join(dir, "vms.lock"))
	reg := registry.New(storejson.New[registry.Index](filepath.Join(dir, "vms.json"), idxLock), idxLock)
	pool, err := vnc.NewPool(min, max, nil)
	require.NoError(t, err)
	hv := stub.New()
	locks := func(id string) lock.Locker { return flock.New(filepath.Join(dir, id+".lock")) }
	return &fixture{
		obs:  New(reg, pool, hv, locks, "127.0.0.1", nil),
		reg:  reg,
		pool: pool,
		hv:   hv,
	}
}

func (f *fixture) create(t *testing.T, vncPort *int) types.VM {
	t.Helper()
	vm, err := f.reg.Create(context.Background(), types.VM{
		Brand: types.BrandBhyve, RAM: 256, VCPUs: 1,
		Disks:   []types.Disk{{ImageUUID: "img", Boot: true}},
		VNCPort: vncPort,
	})
	require.NoError(t, err)
	return vm
}

func intPtr(v int) *int { return &v }

func TestTransitionRunningAllocatesAndStoppedReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40000, 40009)
	vm := f.create(t, nil)

	got, err := f.obs.Transition(ctx, vm.UUID, types.VMStateRunning, func(v *types.VM) { v.PID = 42 })
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, got.State)
	assert.Equal(t, 42, got.PID)
	assert.Nil(t, got.VNCPort, "dynamic port must not be stored as vnc_port")

	rec, err := f.reg.Record(ctx, vm.UUID)
	require.NoError(t, err)
	require.NotNil(t, rec.Session)
	assert.True(t, f.pool.Contains(rec.Session.Port))
	assert.Equal(t, 1, f.pool.InUse())

	_, err = f.obs.Transition(ctx, vm.UUID, types.VMStateStopped, nil)
	require.NoError(t, err)
	rec, err = f.reg.Record(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Nil(t, rec.Session)
	assert.Zero(t, rec.PID)
	assert.Equal(t, 0, f.pool.InUse())
}

func TestTransitionRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40000, 40009)
	vm := f.create(t, nil)

	_, err := f.obs.Transition(ctx, vm.UUID, types.VMStateFailed, nil)
	require.NoError(t, err)
	_, err = f.obs.Transition(ctx, vm.UUID, types.VMStateRunning, nil)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = f.obs.Transition(ctx, "00000000-0000-0000-0000-000000000000", types.VMStateRunning, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTransitionExhaustedLeavesState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40000, 40000)
	a := f.create(t, nil)
	b := f.create(t, nil)

	_, err := f.obs.Transition(ctx, a.UUID, types.VMStateRunning, nil)
	require.NoError(t, err)
	_, err = f.obs.Transition(ctx, b.UUID, types.VMStateRunning, nil)
	require.ErrorIs(t, err, types.ErrPortRangeExhausted)

	state, err := f.obs.State(ctx, b.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateProvisioning, state)
	assert.Equal(t, 1, f.pool.InUse())
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40000, 40009)

	dyn := f.create(t, nil)
	s, err := f.obs.Reserve(ctx, dyn.UUID)
	require.NoError(t, err)
	require.NotNil(t, s)
	again, err := f.obs.Reserve(ctx, dyn.UUID)
	require.NoError(t, err)
	assert.Equal(t, s.Port, again.Port)

	static := f.create(t, intPtr(41000))
	s, err = f.obs.Reserve(ctx, static.UUID)
	require.NoError(t, err)
	assert.Equal(t, 41000, s.Port)

	clash := f.create(t, intPtr(41000))
	_, err = f.obs.Reserve(ctx, clash.UUID)
	assert.ErrorIs(t, err, types.ErrPortUnavailable)

	disabled := f.create(t, intPtr(-1))
	s, err = f.obs.Reserve(ctx, disabled.UUID)
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.Equal(t, 2, f.pool.InUse())
}

func TestDestroyReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40000, 40000)
	vm := f.create(t, nil)

	s, err := f.obs.Reserve(ctx, vm.UUID)
	require.NoError(t, err)

	events, cancel := f.obs.Subscribe(vm.UUID)
	defer cancel()

	_, err = f.obs.Destroy(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.pool.InUse())

	select {
	case e := <-events:
		assert.Equal(t, types.VMStateProvisioning, e.From)
		assert.Equal(t, types.VMStateDestroyed, e.To)
	case <-time.After(time.Second):
		t.Fatal("no destroy event")
	}

	// The freed port is available to the next VM.
	next := f.create(t, nil)
	s2, err := f.obs.Reserve(ctx, next.UUID)
	require.NoError(t, err)
	assert.Equal(t, s.Port, s2.Port)
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40000, 40009)
	vm := f.create(t, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = f.obs.Transition(ctx, vm.UUID, types.VMStateStopped, nil)
	}()
	got, err := f.obs.WaitFor(ctx, vm.UUID, types.VMStateStopped, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, got.State)

	_, err = f.obs.WaitFor(ctx, vm.UUID, types.VMStateRunning, 100*time.Millisecond)
	require.ErrorIs(t, err, types.ErrTimeout)
	state, err := f.obs.State(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, state, "waiting must not change state")

	_, err = f.obs.Destroy(ctx, vm.UUID)
	require.NoError(t, err)
	_, err = f.obs.WaitFor(ctx, vm.UUID, types.VMStateDestroyed, time.Second)
	require.NoError(t, err)
	_, err = f.obs.WaitFor(ctx, vm.UUID, types.VMStateRunning, time.Second)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func (f *fixture) start(t *testing.T, vm types.VM) types.VNCSession {
	t.Helper()
	ctx := context.Background()
	s, err := f.obs.Reserve(ctx, vm.UUID)
	require.NoError(t, err)
	pid, err := f.hv.Launch(ctx, &vm, s)
	require.NoError(t, err)
	_, err = f.obs.Transition(ctx, vm.UUID, types.VMStateRunning, func(v *types.VM) { v.PID = pid })
	require.NoError(t, err)
	return *s
}

// Greeters bind ports in this range during the watch tests.
const greeterMin, greeterMax = 43100, 43199

func TestCheckAllPoweroffAndCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, greeterMin, greeterMax)

	off := f.create(t, nil)
	crash := f.create(t, nil)
	f.start(t, off)
	f.start(t, crash)
	require.Equal(t, 2, f.pool.InUse())

	require.NoError(t, f.hv.Exit(off.UUID, 1))
	require.NoError(t, f.hv.Exit(crash.UUID, 4))
	require.NoError(t, f.obs.CheckAll(ctx))

	got, err := f.reg.Get(ctx, off.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, got.State)

	got, err = f.reg.Get(ctx, crash.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateFailed, got.State)
	assert.Contains(t, got.FailureReason, "crashed")

	assert.Equal(t, 0, f.pool.InUse())
}

func TestCheckAllRebootKeepsPort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, greeterMin, greeterMax)
	vm := f.create(t, nil)
	s := f.start(t, vm)

	require.NoError(t, f.hv.Exit(vm.UUID, 0))
	require.NoError(t, f.obs.CheckAll(ctx))

	rec, err := f.reg.Record(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, rec.State)
	require.NotNil(t, rec.Session)
	assert.Equal(t, s.Port, rec.Session.Port)

	got, err := vnc.Probe(ctx, "127.0.0.1", s.Port, time.Second)
	require.NoError(t, err)
	assert.Equal(t, vnc.ServerVersion, string(got))

	require.NoError(t, f.hv.Stop(ctx, &rec.VM))
}
