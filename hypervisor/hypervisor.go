// Package hypervisor defines how the manager launches and supervises the
// process backing a VM. Drivers live in subpackages.
package hypervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/projecteru2/vmadm/types"
)

// ProcStatus is the liveness of a VM's hypervisor as seen by its driver.
type ProcStatus string

const (
	ProcRunning  ProcStatus = "running"
	ProcPoweroff ProcStatus = "poweroff" // guest halted cleanly
	ProcReboot   ProcStatus = "reboot"   // guest asked for a reset; relaunch with the same console
	ProcCrashed  ProcStatus = "crashed"  // non-zero exit the driver does not map to poweroff
	ProcGone     ProcStatus = "gone"     // no process and no recorded exit status
)

// Plan is the dry-run rendition of a launch.
type Plan struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args"`
	// VNCAddr is host:port the console will listen on, empty when disabled.
	VNCAddr string `json:"vnc_addr,omitempty"`
	// Domain is the libvirt domain XML rendered for kvm VMs.
	Domain string `json:"domain,omitempty"`
}

// Launcher runs hypervisor processes. session is nil when VNC is disabled.
type Launcher interface {
	Type() string

	Plan(vm *types.VM, session *types.VNCSession) (*Plan, error)
	// Launch starts the hypervisor and returns once the console accepts
	// connections (or immediately after start when session is nil).
	Launch(ctx context.Context, vm *types.VM, session *types.VNCSession) (pid int, err error)
	// Stop terminates the hypervisor. Stopping a VM with no process is a no-op.
	Stop(ctx context.Context, vm *types.VM) error
	Status(ctx context.Context, vm *types.VM) (ProcStatus, error)
}

// SessionAddr renders the listen address of a console session.
func SessionAddr(s *types.VNCSession) string {
	if s == nil {
		return ""
	}
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(s.Port))
}

// ExitStatus maps a hypervisor exit code to a ProcStatus for the given brand.
//
// bhyve exits 0 on guest reset, 1 on poweroff, 2 on halt, and anything else
// on a fault. qemu exits 0 whenever the guest shuts down (reboots are handled
// in-process), non-zero otherwise.
func ExitStatus(brand types.Brand, code int) ProcStatus {
	switch brand {
	case types.BrandBhyve:
		switch code {
		case 0:
			return ProcReboot
		case 1, 2: //nolint:mnd
			return ProcPoweroff
		}
		return ProcCrashed
	case types.BrandKVM:
		if code == 0 {
			return ProcPoweroff
		}
		return ProcCrashed
	}
	return ProcCrashed
}

// UnsupportedBrand is returned by drivers for brands they cannot launch.
func UnsupportedBrand(b types.Brand) error {
	return fmt.Errorf("%w: unsupported brand %q", types.ErrInvalidSpec, b)
}
