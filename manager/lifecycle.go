package manager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/types"
)

// DeleteOptions tunes Delete.
type DeleteOptions struct {
	// KeepDisks leaves the VM's disk directory in place.
	KeepDisks bool `json:"keep_disks,omitempty"`
}

// withVM resolves ref and runs fn with the VM lock held. Errors come back
// wrapped with op and the VM's UUID.
func (m *Manager) withVM(ctx context.Context, op, ref string, fn func(id string) (types.VM, error)) (types.VM, error) {
	id, err := m.reg.Resolve(ctx, ref)
	if err != nil {
		return types.VM{}, types.WrapOp(op, ref, err)
	}
	var out types.VM
	err = lock.WithLock(ctx, m.vmLock(id), func() error {
		var ferr error
		out, ferr = fn(id)
		return ferr
	})
	return out, types.WrapOp(op, id, err)
}

// Start boots a stopped VM. Starting a running VM is a no-op.
func (m *Manager) Start(ctx context.Context, ref string) (types.VM, error) {
	return m.withVM(ctx, "start", ref, func(id string) (types.VM, error) {
		vm, err := m.reg.Get(ctx, id)
		if err != nil {
			return types.VM{}, err
		}
		if vm.State == types.VMStateRunning {
			return vm, nil
		}
		if err := vm.State.CanTransitionTo(types.VMStateRunning); err != nil {
			return vm, err
		}
		return m.boot(ctx, id)
	})
}

// Stop terminates the hypervisor and releases the console port. Stopping a
// stopped VM is a no-op.
func (m *Manager) Stop(ctx context.Context, ref string) (types.VM, error) {
	return m.withVM(ctx, "stop", ref, func(id string) (types.VM, error) {
		vm, err := m.reg.Get(ctx, id)
		if err != nil {
			return types.VM{}, err
		}
		if vm.State == types.VMStateStopped {
			return vm, nil
		}
		if err := vm.State.CanTransitionTo(types.VMStateStopped); err != nil {
			return vm, err
		}
		if err := m.launcher.Stop(ctx, &vm); err != nil {
			return vm, fmt.Errorf("stop hypervisor: %w", err)
		}
		return m.obs.Transition(ctx, id, types.VMStateStopped, nil)
	})
}

// Reboot relaunches the hypervisor of a running VM. The console keeps its port.
func (m *Manager) Reboot(ctx context.Context, ref string) (types.VM, error) {
	return m.withVM(ctx, "reboot", ref, func(id string) (types.VM, error) {
		rec, err := m.reg.Record(ctx, id)
		if err != nil {
			return types.VM{}, err
		}
		if rec.State != types.VMStateRunning {
			return rec.VM, fmt.Errorf("%w: VM is %s", types.ErrInvalidTransition, rec.State)
		}
		if err := m.obs.Relaunch(ctx, rec); err != nil {
			return types.VM{}, err
		}
		return m.reg.Get(ctx, id)
	})
}

// Update applies the mutable fields of up. A changed vnc_port takes effect the
// next time the VM starts; a running console keeps its current port.
func (m *Manager) Update(ctx context.Context, ref string, up types.UpdatePayload) (types.VM, error) {
	if err := up.Validate(); err != nil {
		return types.VM{}, types.WrapOp("update", ref, err)
	}
	return m.withVM(ctx, "update", ref, func(id string) (types.VM, error) {
		rec, err := m.reg.Update(ctx, id, func(tx *registry.Txn) error {
			up.Apply(&tx.Record.VM)
			return checkStaticPort(tx.Record.Brand, tx.Record.VNCPort)
		})
		return rec.VM, err
	})
}

// Delete stops the VM if needed, removes its record and frees its port.
// A VM in any state may be deleted, including one left in provisioning.
// Deleting an unknown VM returns types.ErrNotFound.
func (m *Manager) Delete(ctx context.Context, ref string, opts DeleteOptions) error {
	_, err := m.withVM(ctx, "delete", ref, func(id string) (types.VM, error) {
		vm, err := m.reg.Get(ctx, id)
		if err != nil {
			return types.VM{}, err
		}
		if err := m.launcher.Stop(ctx, &vm); err != nil {
			return vm, fmt.Errorf("stop hypervisor: %w", err)
		}
		if _, err := m.obs.Destroy(ctx, id); err != nil {
			return vm, err
		}
		if err := m.removeVMDirs(id, opts.KeepDisks); err != nil {
			log.WithFunc("manager.Delete").Warnf(ctx, "VM %s: %v", id, err)
		}
		return vm, nil
	})
	return err
}

// removeVMDirs removes the per-VM run, log and (unless keepDisks) disk directories.
func (m *Manager) removeVMDirs(id string, keepDisks bool) error {
	dirs := []string{m.conf.VMRunDir(id), m.conf.VMLogDir(id)}
	if !keepDisks {
		dirs = append(dirs, m.conf.VMDiskDir(id))
	}
	var errs []error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
