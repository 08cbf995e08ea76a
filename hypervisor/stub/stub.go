// Package stub is an in-process hypervisor driver. A launched VM is a
// vnc.Greeter bound on the session port; no guest runs. It backs tests and
// hosts without bhyve or qemu.
package stub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

const (
	typ      = "stub"
	firstPID = 100000
)

var _ hypervisor.Launcher = (*Launcher)(nil)

type proc struct {
	pid     int
	greeter *vnc.Greeter
	exit    *int
}

// Launcher implements hypervisor.Launcher in memory.
type Launcher struct {
	mu      sync.Mutex
	procs   map[string]*proc
	nextPID int

	launchErr   error
	launchDelay time.Duration
}

// New creates a stub Launcher.
func New() *Launcher {
	return &Launcher{procs: make(map[string]*proc), nextPID: firstPID}
}

func (l *Launcher) Type() string { return typ }

// FailLaunches makes every following Launch fail with err. nil restores
// normal behavior.
func (l *Launcher) FailLaunches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// DelayLaunches makes Launch wait d (or until ctx is done) before binding.
func (l *Launcher) DelayLaunches(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchDelay = d
}

// Exit simulates the hypervisor of VM id exiting with code.
func (l *Launcher) Exit(id string, code int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.procs[id]
	if p == nil || p.exit != nil {
		return fmt.Errorf("VM %s has no running hypervisor", id)
	}
	p.exit = &code
	if p.greeter != nil {
		return p.greeter.Close()
	}
	return nil
}

func (l *Launcher) Plan(vm *types.VM, s *types.VNCSession) (*hypervisor.Plan, error) {
	if !vm.Brand.Valid() {
		return nil, hypervisor.UnsupportedBrand(vm.Brand)
	}
	return &hypervisor.Plan{Binary: typ, Args: []string{string(vm.Brand), vm.UUID}, VNCAddr: hypervisor.SessionAddr(s)}, nil
}

func (l *Launcher) Launch(ctx context.Context, vm *types.VM, s *types.VNCSession) (int, error) {
	if _, err := l.Plan(vm, s); err != nil {
		return 0, err
	}
	l.mu.Lock()
	launchErr, delay := l.launchErr, l.launchDelay
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	if launchErr != nil {
		return 0, launchErr
	}

	p := &proc{}
	if s != nil {
		g, err := vnc.ListenGreeter(ctx, s.BindAddress, s.Port)
		if err != nil {
			return 0, fmt.Errorf("bind console %s: %w", hypervisor.SessionAddr(s), err)
		}
		p.greeter = g
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if old := l.procs[vm.UUID]; old != nil && old.greeter != nil {
		_ = old.greeter.Close()
	}
	l.nextPID++
	p.pid = l.nextPID
	l.procs[vm.UUID] = p
	log.WithFunc("stub.Launch").Debugf(ctx, "VM %s: stub pid %d, console %q", vm.UUID, p.pid, hypervisor.SessionAddr(s))
	return p.pid, nil
}

func (l *Launcher) Stop(_ context.Context, vm *types.VM) error {
	l.mu.Lock()
	p := l.procs[vm.UUID]
	delete(l.procs, vm.UUID)
	l.mu.Unlock()
	if p == nil || p.greeter == nil {
		return nil
	}
	return p.greeter.Close()
}

func (l *Launcher) Status(_ context.Context, vm *types.VM) (hypervisor.ProcStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.procs[vm.UUID]
	switch {
	case p == nil:
		return hypervisor.ProcGone, nil
	case p.exit != nil:
		return hypervisor.ExitStatus(vm.Brand, *p.exit), nil
	default:
		return hypervisor.ProcRunning, nil
	}
}
