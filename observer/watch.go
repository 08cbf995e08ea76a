package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/types"
)

// Watch polls the hypervisors of running VMs every interval until ctx is
// done. Guest poweroff stops the VM, a crash or a vanished process fails it,
// and a guest reboot relaunches it on the same console port.
func (o *Observer) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.CheckAll(ctx); err != nil {
			log.WithFunc("observer.Watch").Warnf(ctx, "check VMs: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckAll runs one liveness pass over every running VM. VMs whose lock is
// held by an in-flight operation are skipped until the next pass.
func (o *Observer) CheckAll(ctx context.Context) error {
	recs, err := o.reg.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if rec.State != types.VMStateRunning {
			continue
		}
		if err := o.checkOne(ctx, rec.UUID); err != nil {
			errs = append(errs, fmt.Errorf("VM %s: %w", rec.UUID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Observer) checkOne(ctx context.Context, id string) error {
	l := o.locks(id)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return err
	}
	defer l.Unlock(context.WithoutCancel(ctx)) //nolint:errcheck

	// Re-read under the VM lock: the operation we raced with may have moved it.
	rec, err := o.reg.Record(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil || rec.State != types.VMStateRunning {
		return err
	}

	st, err := o.launcher.Status(ctx, &rec.VM)
	if err != nil {
		return err
	}
	logger := log.WithFunc("observer.checkOne")
	switch st {
	case hypervisor.ProcRunning:
		return nil
	case hypervisor.ProcReboot:
		logger.Infof(ctx, "VM %s: guest reboot, relaunching on port %d", id, sessionPort(rec.Session))
		return o.Relaunch(ctx, rec)
	case hypervisor.ProcPoweroff:
		_ = o.launcher.Stop(ctx, &rec.VM)
		_, err = o.Transition(ctx, id, types.VMStateStopped, nil)
		return err
	default:
		logger.Warnf(ctx, "VM %s: hypervisor %s", id, st)
		_ = o.launcher.Stop(ctx, &rec.VM)
		reason := fmt.Sprintf("hypervisor %s", st)
		_, err = o.Transition(ctx, id, types.VMStateFailed, func(vm *types.VM) { vm.FailureReason = reason })
		return err
	}
}

// Relaunch restarts the hypervisor of a running VM with its current session.
// The VM stays running throughout; a failed relaunch fails the VM.
func (o *Observer) Relaunch(ctx context.Context, rec registry.Record) error {
	_ = o.launcher.Stop(ctx, &rec.VM)
	pid, err := o.launcher.Launch(ctx, &rec.VM, rec.Session)
	if err != nil {
		reason := fmt.Sprintf("relaunch after reboot: %v", err)
		_, terr := o.Transition(context.WithoutCancel(ctx), rec.UUID, types.VMStateFailed, func(vm *types.VM) { vm.FailureReason = reason })
		return errors.Join(fmt.Errorf("%w: %v", types.ErrHypervisorLaunchFailed, err), terr)
	}
	return o.SetPID(ctx, rec.UUID, pid)
}

// SetPID records the hypervisor PID of a running VM.
func (o *Observer) SetPID(ctx context.Context, id string, pid int) error {
	_, err := o.reg.Update(ctx, id, func(tx *registry.Txn) error {
		tx.Record.PID = pid
		return nil
	})
	return err
}
