package manager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/metrics"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/utils"
)

// Create provisions a VM from p. The record is written in provisioning before
// anything else happens, so a crash leaves a placeholder GC can find. Failures
// before launch roll the VM back entirely; a failed launch leaves it failed
// with its console port released.
func (m *Manager) Create(ctx context.Context, p types.Payload) (types.VM, error) {
	logger := log.WithFunc("manager.Create")
	p.Normalize()
	if err := m.validatePayload(ctx, &p); err != nil {
		m.metrics.Provision(string(p.Brand), metrics.ResultError)
		return types.VM{}, types.WrapOp("create", "", err)
	}

	vm, err := m.reg.Create(ctx, types.VM{
		Alias:          p.Alias,
		Brand:          p.Brand,
		State:          types.VMStateProvisioning,
		RAM:            p.RAM,
		VCPUs:          p.VCPUs,
		Disks:          p.Disks,
		Autoboot:       p.Autoboot,
		DoNotInventory: p.DoNotInventory,
		VNCPort:        p.VNCPort,
	})
	if err != nil {
		m.metrics.Provision(string(p.Brand), metrics.ResultError)
		return types.VM{}, types.WrapOp("create", "", err)
	}
	id := vm.UUID
	logger.Infof(ctx, "VM %s: provisioning %s, %d MiB, %d vCPU", id, p.Brand, p.RAM, p.VCPUs)

	var out types.VM
	err = lock.WithLock(ctx, m.vmLock(id), func() error {
		var perr error
		out, perr = m.provision(ctx, id)
		return perr
	})
	if err != nil && out.UUID == "" {
		// Nothing was launched: the lock was never taken or a pre-launch
		// step failed. No placeholder may survive.
		m.rollback(context.WithoutCancel(ctx), id)
	}
	result := metrics.ResultOK
	switch {
	case errors.Is(err, types.ErrPortRangeExhausted):
		result = metrics.ResultExhausted
	case errors.Is(err, types.ErrPortUnavailable):
		result = metrics.ResultConflict
	case err != nil:
		result = metrics.ResultError
	}
	m.metrics.Provision(string(p.Brand), result)
	if err != nil {
		return out, types.WrapOp("create", id, err)
	}
	return out, nil
}

func (m *Manager) validatePayload(ctx context.Context, p *types.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := checkStaticPort(p.Brand, p.VNCPort); err != nil {
		return err
	}
	for i, d := range p.Disks {
		if d.ImageUUID == "" {
			continue
		}
		if _, err := m.images.Resolve(ctx, d.ImageUUID); err != nil {
			return fmt.Errorf("disks[%d]: %w", i, err)
		}
	}
	return nil
}

// checkStaticPort rejects explicit ports the brand cannot express.
func checkStaticPort(brand types.Brand, port *int) error {
	if brand == types.BrandKVM && port != nil && *port > 0 && *port < config.MinConsolePort {
		return fmt.Errorf("%w: kvm vnc_port must be at least %d, got %d", types.ErrInvalidSpec, config.MinConsolePort, *port)
	}
	return nil
}

// provision runs with the VM lock held. It returns a zero VM when nothing
// was launched, and the caller rolls back.
func (m *Manager) provision(ctx context.Context, id string) (types.VM, error) {
	if err := m.prepare(ctx, id); err != nil {
		return types.VM{}, err
	}

	vm, err := m.reg.Get(ctx, id)
	if err != nil {
		return types.VM{}, err
	}
	if !vm.Autoboot {
		// stopped releases the reservation made above.
		return m.obs.Transition(ctx, id, types.VMStateStopped, nil)
	}
	return m.boot(ctx, id)
}

// prepare creates the VM directories and disks, then reserves the console
// port, so an unavailable static port fails the create instead of a later start.
func (m *Manager) prepare(ctx context.Context, id string) error {
	if err := m.conf.EnsureVMDirs(id); err != nil {
		return err
	}
	vm, err := m.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := utils.EnsureDirs(m.conf.VMDiskDir(id)); err != nil {
		return err
	}
	disks := make([]types.Disk, len(vm.Disks))
	for i, d := range vm.Disks {
		d.Path = m.conf.VMDiskFile(id, i)
		if err := m.prepareDisk(ctx, d); err != nil {
			return fmt.Errorf("disks[%d]: %w", i, err)
		}
		disks[i] = d
	}
	if _, err := m.reg.Update(ctx, id, func(tx *registry.Txn) error {
		tx.Record.Disks = disks
		return nil
	}); err != nil {
		return err
	}
	_, err = m.obs.Reserve(ctx, id)
	return err
}

func (m *Manager) prepareDisk(ctx context.Context, d types.Disk) error {
	if d.ImageUUID != "" {
		return m.images.Clone(ctx, d.ImageUUID, d.Path, nil)
	}
	f, err := os.OpenFile(d.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:mnd
	if err != nil {
		return fmt.Errorf("create blank disk: %w", err)
	}
	if err := f.Truncate(d.Size << 20); err != nil { //nolint:mnd
		_ = f.Close()
		return fmt.Errorf("size blank disk: %w", err)
	}
	return f.Close()
}

// boot launches VM id with the VM lock held. A launch error moves the VM to
// failed, which releases its port, and returns the failed VM; there is no retry.
func (m *Manager) boot(ctx context.Context, id string) (types.VM, error) {
	logger := log.WithFunc("manager.boot")
	session, err := m.obs.Reserve(ctx, id)
	if err != nil {
		return types.VM{}, err
	}
	rec, err := m.reg.Record(ctx, id)
	if err != nil {
		return types.VM{}, err
	}

	pid, err := m.launcher.Launch(ctx, &rec.VM, session)
	// From here on the outcome must be recorded even if ctx is cancelled.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		_ = m.launcher.Stop(bg, &rec.VM)
		reason := err.Error()
		failed, terr := m.obs.Transition(bg, id, types.VMStateFailed, func(vm *types.VM) { vm.FailureReason = reason })
		if terr != nil {
			logger.Warnf(ctx, "VM %s: record launch failure: %v", id, terr)
		}
		return failed, fmt.Errorf("%w: %v", types.ErrHypervisorLaunchFailed, err)
	}
	vm, err := m.obs.Transition(bg, id, types.VMStateRunning, func(vm *types.VM) { vm.PID = pid })
	if err != nil {
		_ = m.launcher.Stop(bg, &rec.VM)
		return types.VM{}, err
	}
	logger.Infof(ctx, "VM %s: running, pid %d, console %s:%d", id, pid, m.adminIP, sessionPort(session))
	return vm, nil
}

// rollback removes every trace of a VM that never launched.
func (m *Manager) rollback(ctx context.Context, id string) {
	logger := log.WithFunc("manager.rollback")
	if _, err := m.obs.Destroy(ctx, id); err != nil && !isNotFound(err) {
		logger.Warnf(ctx, "VM %s: remove record: %v", id, err)
	}
	if err := m.removeVMDirs(id, false); err != nil {
		logger.Warnf(ctx, "VM %s: %v", id, err)
	}
}

func sessionPort(s *types.VNCSession) int {
	if s == nil {
		return 0
	}
	return s.Port
}
