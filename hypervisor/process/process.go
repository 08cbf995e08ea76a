// Package process launches bhyve and qemu as detached host processes.
//
// Each hypervisor runs under "sh -c" in its own process group so the exit
// code of the guest lands in an exit file even when the manager is gone:
// the watch loop later tells reboot, poweroff and crash apart from it.
package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/utils"
)

const (
	typ = "process"

	readyPollInterval = 100 * time.Millisecond
	dialTimeout       = 200 * time.Millisecond

	exitFileEnv = "VMADM_EXIT_FILE"
	// wrapper records the hypervisor exit status for Status.
	wrapper = `"$@"; echo $? > "$` + exitFileEnv + `"`
)

var _ hypervisor.Launcher = (*Launcher)(nil)

// Launcher implements hypervisor.Launcher with real bhyve/qemu binaries.
type Launcher struct {
	conf *config.Config
}

// New creates a process Launcher.
func New(conf *config.Config) *Launcher {
	return &Launcher{conf: conf}
}

func (l *Launcher) Type() string { return typ }

// Plan renders the command line without side effects.
func (l *Launcher) Plan(vm *types.VM, s *types.VNCSession) (*hypervisor.Plan, error) {
	plan := &hypervisor.Plan{VNCAddr: hypervisor.SessionAddr(s)}
	switch vm.Brand {
	case types.BrandBhyve:
		plan.Binary = l.conf.Hypervisor.BhyveBinary
		plan.Args = bhyveArgs(vm, s, l.conf.Hypervisor.BhyveBootrom)
	case types.BrandKVM:
		args, err := qemuArgs(vm, s)
		if err != nil {
			return nil, err
		}
		domain, err := renderDomain(vm, s)
		if err != nil {
			return nil, err
		}
		plan.Binary = l.conf.Hypervisor.QemuBinary
		plan.Args = args
		plan.Domain = domain
	default:
		return nil, hypervisor.UnsupportedBrand(vm.Brand)
	}
	return plan, nil
}

// Launch starts the hypervisor and waits until its console accepts
// connections, the process dies, or ctx/LaunchTimeout expires. On failure
// the process group is killed before returning.
func (l *Launcher) Launch(ctx context.Context, vm *types.VM, s *types.VNCSession) (int, error) {
	logger := log.WithFunc("process.Launch")
	plan, err := l.Plan(vm, s)
	if err != nil {
		return 0, err
	}
	if err := l.conf.EnsureVMDirs(vm.UUID); err != nil {
		return 0, fmt.Errorf("ensure dirs: %w", err)
	}
	pidFile, exitFile := l.conf.VMPIDFile(vm.UUID), l.conf.VMExitFile(vm.UUID)
	l.cleanupRuntimeFiles(vm.UUID)

	if plan.Domain != "" {
		if err := utils.AtomicWriteFile(l.conf.VMDomainFile(vm.UUID), []byte(plan.Domain), 0o644); err != nil { //nolint:mnd
			return 0, fmt.Errorf("write domain file: %w", err)
		}
	}

	logFile, err := os.OpenFile(l.conf.VMProcessLog(vm.UUID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("open process log: %w", err)
	}

	args := append([]string{"-c", wrapper, "vmadm-" + string(vm.Brand)}, plan.Binary)
	cmd := exec.Command("/bin/sh", append(args, plan.Args...)...) //nolint:gosec
	cmd.Env = append(os.Environ(), exitFileEnv+"="+exitFile)
	// Own process group: the hypervisor outlives this process and Stop can
	// signal the wrapper and the hypervisor together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("exec %s: %w", plan.Binary, err)
	}
	pid := cmd.Process.Pid
	// Reap in the background so a dead hypervisor does not linger as a zombie
	// that still answers kill(pid, 0).
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	fail := func(err error) (int, error) {
		if terr := utils.TerminateGroup(context.WithoutCancel(ctx), pid, l.conf.StopTimeout()); terr != nil {
			logger.Warnf(ctx, "kill hypervisor of VM %s: %v", vm.UUID, terr)
		}
		_ = os.Remove(pidFile)
		return 0, err
	}

	if err := utils.WritePIDFile(pidFile, pid); err != nil {
		return fail(fmt.Errorf("write PID file: %w", err))
	}
	if err := waitReady(ctx, l.conf.LaunchTimeout(), pid, exitFile, plan.VNCAddr); err != nil {
		return fail(err)
	}
	logger.Infof(ctx, "VM %s: %s started as pid %d, console %q", vm.UUID, plan.Binary, pid, plan.VNCAddr)
	return pid, nil
}

// Stop terminates the process group and removes runtime files.
func (l *Launcher) Stop(ctx context.Context, vm *types.VM) error {
	defer l.cleanupRuntimeFiles(vm.UUID)
	pid := l.pid(vm)
	if pid <= 0 {
		return nil
	}
	if err := utils.TerminateGroup(ctx, pid, l.conf.StopTimeout()); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}

// Status inspects the PID and exit files.
func (l *Launcher) Status(_ context.Context, vm *types.VM) (hypervisor.ProcStatus, error) {
	code, exited, err := utils.ReadExitFile(l.conf.VMExitFile(vm.UUID))
	if err != nil {
		return "", err
	}
	if exited {
		return hypervisor.ExitStatus(vm.Brand, code), nil
	}
	if utils.IsProcessAlive(l.pid(vm)) {
		return hypervisor.ProcRunning, nil
	}
	return hypervisor.ProcGone, nil
}

func (l *Launcher) pid(vm *types.VM) int {
	if pid, err := utils.ReadPIDFile(l.conf.VMPIDFile(vm.UUID)); err == nil {
		return pid
	}
	return vm.PID
}

func (l *Launcher) cleanupRuntimeFiles(id string) {
	for _, f := range []string{l.conf.VMPIDFile(id), l.conf.VMExitFile(id)} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithFunc("process.cleanupRuntimeFiles").Warnf(context.Background(), "remove %s: %v", f, err)
		}
	}
}

// waitReady polls until addr accepts TCP connections. With no console it only
// checks the process survived its first poll.
func waitReady(ctx context.Context, timeout time.Duration, pid int, exitFile, addr string) error {
	return utils.WaitFor(ctx, timeout, readyPollInterval, func() (bool, error) {
		if code, exited, _ := utils.ReadExitFile(exitFile); exited {
			return false, fmt.Errorf("hypervisor exited with code %d before console was ready", code)
		}
		if !utils.IsProcessAlive(pid) {
			return false, errors.New("hypervisor exited before console was ready")
		}
		if addr == "" {
			return true, nil
		}
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return false, nil //nolint:nilerr // not listening yet
		}
		_ = conn.Close()
		return true, nil
	})
}
