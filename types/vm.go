package types

import (
	"fmt"
	"slices"
	"time"
)

// VMState represents the lifecycle state of a VM as tracked by the manager.
type VMState string

const (
	VMStateProvisioning VMState = "provisioning" // UUID minted, record written, not yet launched
	VMStateRunning      VMState = "running"      // hypervisor process alive, console listener bound
	VMStateStopped      VMState = "stopped"      // provisioned, no hypervisor process
	VMStateFailed       VMState = "failed"       // launch failed or hypervisor exited unexpectedly
	VMStateDestroyed    VMState = "destroyed"    // record removed; only seen in events
)

// transitions lists the allowed next states for each state.
// Any state may move to destroyed on explicit delete.
var transitions = map[VMState][]VMState{
	VMStateProvisioning: {VMStateRunning, VMStateStopped, VMStateFailed, VMStateDestroyed},
	VMStateRunning:      {VMStateStopped, VMStateFailed, VMStateDestroyed},
	VMStateStopped:      {VMStateRunning, VMStateFailed, VMStateDestroyed},
	VMStateFailed:       {VMStateDestroyed},
}

// CanTransitionTo reports whether s may move to next.
func (s VMState) CanTransitionTo(next VMState) error {
	if slices.Contains(transitions[s], next) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
}

// Brand is the hypervisor type backing a VM.
type Brand string

const (
	BrandBhyve Brand = "bhyve"
	BrandKVM   Brand = "kvm"
)

// SupportedBrands lists the brands the manager can launch.
var SupportedBrands = []Brand{BrandBhyve, BrandKVM}

// Valid reports whether b is a supported hardware-VM brand.
func (b Brand) Valid() bool { return slices.Contains(SupportedBrands, b) }

// Disk is a single block device attached to a VM.
type Disk struct {
	ImageUUID string `json:"image_uuid,omitempty"`
	Boot      bool   `json:"boot,omitempty"`
	Model     string `json:"model,omitempty"` // virtio, ahci, ...
	Size      int64  `json:"size,omitempty"`  // MiB, for blank disks

	// Path is the resolved backing file. Filled in at provision time.
	Path string `json:"path,omitempty"`
}

// VM is the public record of a virtual machine. Callers always receive copies.
type VM struct {
	UUID  string  `json:"uuid"`
	Alias string  `json:"alias,omitempty"`
	Brand Brand   `json:"brand"`
	State VMState `json:"state"`

	RAM   int64  `json:"ram"` // MiB
	VCPUs int    `json:"vcpus"`
	Disks []Disk `json:"disks"`

	Autoboot       bool `json:"autoboot"`
	DoNotInventory bool `json:"do_not_inventory,omitempty"`

	// VNCPort is the statically configured console port. nil means the port is
	// chosen by the allocator at launch; a negative value disables VNC.
	VNCPort *int `json:"vnc_port,omitempty"`

	// PID of the hypervisor process, only while running.
	PID int `json:"pid,omitempty"`
	// FailureReason is set when the VM enters the failed state.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// VNCDisabled reports whether VNC was explicitly turned off for the VM.
func (vm *VM) VNCDisabled() bool { return vm.VNCPort != nil && *vm.VNCPort < 0 }

// StaticVNCPort returns the explicitly configured port, or 0 when dynamic or disabled.
func (vm *VM) StaticVNCPort() int {
	if vm.VNCPort == nil || *vm.VNCPort <= 0 {
		return 0
	}
	return *vm.VNCPort
}

// Clone returns a deep copy of vm.
func (vm VM) Clone() VM {
	out := vm
	out.Disks = slices.Clone(vm.Disks)
	if vm.VNCPort != nil {
		p := *vm.VNCPort
		out.VNCPort = &p
	}
	if vm.StartedAt != nil {
		t := *vm.StartedAt
		out.StartedAt = &t
	}
	if vm.StoppedAt != nil {
		t := *vm.StoppedAt
		out.StoppedAt = &t
	}
	return out
}
