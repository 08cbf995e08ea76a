package types

import (
	"fmt"
	"strings"
)

const maxTCPPort = 65535

// Payload is the provisioning request accepted by create.
type Payload struct {
	Alias          string `json:"alias,omitempty"`
	Brand          Brand  `json:"brand"`
	RAM            int64  `json:"ram"`
	VCPUs          int    `json:"vcpus"`
	Disks          []Disk `json:"disks"`
	Autoboot       bool   `json:"autoboot"`
	DoNotInventory bool   `json:"do_not_inventory,omitempty"`
	VNCPort        *int   `json:"vnc_port,omitempty"`
}

// Normalize folds equivalent encodings: vnc_port 0 means "allocate", same as absent.
func (p *Payload) Normalize() {
	p.Alias = strings.TrimSpace(p.Alias)
	if p.VNCPort != nil && *p.VNCPort == 0 {
		p.VNCPort = nil
	}
}

// Validate checks the payload shape. Image resolvability is checked by the
// provisioner, which owns the image catalog.
func (p *Payload) Validate() error {
	var problems []string
	if !p.Brand.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported brand %q", p.Brand))
	}
	if p.RAM <= 0 {
		problems = append(problems, "ram must be positive")
	}
	if p.VCPUs <= 0 {
		problems = append(problems, "vcpus must be positive")
	}
	if len(p.Disks) == 0 {
		problems = append(problems, "at least one disk is required")
	}
	boots := 0
	for i, d := range p.Disks {
		if d.Boot {
			boots++
			if d.ImageUUID == "" {
				problems = append(problems, fmt.Sprintf("disks[%d]: boot disk needs image_uuid", i))
			}
		}
		if d.ImageUUID == "" && d.Size <= 0 {
			problems = append(problems, fmt.Sprintf("disks[%d]: image_uuid or size required", i))
		}
	}
	if boots > 1 {
		problems = append(problems, "more than one boot disk")
	}
	if p.VNCPort != nil && *p.VNCPort > maxTCPPort {
		problems = append(problems, fmt.Sprintf("vnc_port %d out of range", *p.VNCPort))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(problems, "; "))
	}
	return nil
}

// UpdatePayload carries the mutable subset of a VM. nil fields are left alone.
// vnc_port changes take effect at the next start of the VM.
type UpdatePayload struct {
	Alias    *string `json:"alias,omitempty"`
	Autoboot *bool   `json:"autoboot,omitempty"`
	// VNCPort: 0 switches back to dynamic allocation, negative disables VNC.
	VNCPort *int `json:"vnc_port,omitempty"`
}

// Validate checks field ranges.
func (u *UpdatePayload) Validate() error {
	if u.VNCPort != nil && *u.VNCPort > maxTCPPort {
		return fmt.Errorf("%w: vnc_port %d out of range", ErrInvalidSpec, *u.VNCPort)
	}
	return nil
}

// Apply mutates vm according to u.
func (u *UpdatePayload) Apply(vm *VM) {
	if u.Alias != nil {
		vm.Alias = strings.TrimSpace(*u.Alias)
	}
	if u.Autoboot != nil {
		vm.Autoboot = *u.Autoboot
	}
	if u.VNCPort != nil {
		if *u.VNCPort == 0 {
			vm.VNCPort = nil
		} else {
			p := *u.VNCPort
			vm.VNCPort = &p
		}
	}
}
