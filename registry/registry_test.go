package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/lock/flock"
	storejson "github.com/projecteru2/vmadm/storage/json"
	"github.com/projecteru2/vmadm/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	locker := flock.New(filepath.Join(dir, "vms.lock"))
	return New(storejson.New[Index](filepath.Join(dir, "vms.json"), locker), locker)
}

func testVM(alias string) types.VM {
	return types.VM{
		Alias: alias,
		Brand: types.BrandBhyve,
		RAM:   256,
		VCPUs: 1,
		Disks: []types.Disk{{ImageUUID: "img", Boot: true}},
	}
}

func TestCreateMintsUUID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	vm, err := r.Create(ctx, testVM("web"))
	require.NoError(t, err)
	assert.Len(t, vm.UUID, 36)
	assert.Equal(t, types.VMStateProvisioning, vm.State)
	assert.False(t, vm.CreatedAt.IsZero())

	got, err := r.Get(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, vm.UUID, got.UUID)
	assert.Equal(t, "web", got.Alias)
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	vm, err := r.Create(ctx, testVM("web"))
	require.NoError(t, err)

	dup := testVM("other")
	dup.UUID = vm.UUID
	_, err = r.Create(ctx, dup)
	assert.ErrorIs(t, err, types.ErrDuplicateUUID)

	_, err = r.Create(ctx, testVM("web"))
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	bad := testVM("")
	bad.UUID = "not-a-uuid"
	_, err = r.Create(ctx, bad)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	vm, err := r.Create(ctx, testVM(""))
	require.NoError(t, err)

	got, err := r.Get(ctx, vm.UUID)
	require.NoError(t, err)
	got.Disks[0].ImageUUID = "mutated"
	got.State = types.VMStateFailed

	again, err := r.Get(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, "img", again.Disks[0].ImageUUID)
	assert.Equal(t, types.VMStateProvisioning, again.State)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	vm, err := r.Create(ctx, testVM("a"))
	require.NoError(t, err)

	rec, err := r.Update(ctx, vm.UUID, func(tx *Txn) error {
		tx.Record.Alias = "b"
		tx.Record.Session = &types.VNCSession{UUID: vm.UUID, Port: 50000, ReservedAt: time.Now()}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Alias)
	require.NotNil(t, rec.Session)

	id, err := r.Resolve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, vm.UUID, id)
	_, err = r.Resolve(ctx, "a")
	assert.ErrorIs(t, err, types.ErrNotFound)

	ports, err := r.Ports(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{50000: vm.UUID}, ports)

	_, err = r.Update(ctx, "00000000-0000-0000-0000-000000000000", func(*Txn) error { return nil })
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	vm, err := r.Create(ctx, testVM(""))
	require.NoError(t, err)

	_, err = r.Update(ctx, vm.UUID, func(tx *Txn) error {
		tx.Record.State = types.VMStateRunning
		return types.ErrInvalidTransition
	})
	require.ErrorIs(t, err, types.ErrInvalidTransition)

	got, err := r.Get(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateProvisioning, got.State)
}

func TestTxnPortsInUseExcludesSelf(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	a, err := r.Create(ctx, testVM(""))
	require.NoError(t, err)
	b, err := r.Create(ctx, testVM(""))
	require.NoError(t, err)

	for id, port := range map[string]int{a.UUID: 50001, b.UUID: 50002} {
		_, err := r.Update(ctx, id, func(tx *Txn) error {
			tx.Record.Session = &types.VNCSession{UUID: id, Port: port}
			return nil
		})
		require.NoError(t, err)
	}

	_, err = r.Update(ctx, a.UUID, func(tx *Txn) error {
		assert.Equal(t, map[int]string{50002: b.UUID}, tx.PortsInUse())
		return nil
	})
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	vm, err := r.Create(ctx, testVM("gone"))
	require.NoError(t, err)

	rec, err := r.Delete(ctx, vm.UUID)
	require.NoError(t, err)
	assert.Equal(t, vm.UUID, rec.UUID)

	_, err = r.Get(ctx, vm.UUID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = r.Delete(ctx, vm.UUID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Alias is free again.
	_, err = r.Create(ctx, testVM("gone"))
	assert.NoError(t, err)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	a := testVM("alpha")
	a.UUID = "aaaa1111-0000-4000-8000-000000000001"
	b := testVM("")
	b.UUID = "aaaa2222-0000-4000-8000-000000000002"
	_, err := r.Create(ctx, a)
	require.NoError(t, err)
	_, err = r.Create(ctx, b)
	require.NoError(t, err)

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: a.UUID, want: a.UUID},
		{ref: "alpha", want: a.UUID},
		{ref: "aaaa2", want: b.UUID},
		{ref: "aaaa", wantErr: types.ErrInvalidSpec},
		{ref: "aa", wantErr: types.ErrNotFound},
		{ref: "zzz", wantErr: types.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.ref)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(ctx, testVM(""))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, n)
}
