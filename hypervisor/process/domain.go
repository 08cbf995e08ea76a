package process

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/projecteru2/vmadm/types"
)

// renderDomain describes a kvm VM as libvirt domain XML. The file is written
// next to the runtime state so operators can inspect or import the VM.
func renderDomain(vm *types.VM, s *types.VNCSession) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: vm.UUID,
		UUID: vm.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(vm.RAM), //nolint:gosec
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(vm.VCPUs), //nolint:gosec
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		Devices: &libvirtxml.DomainDeviceList{},
	}
	if vm.Alias != "" {
		domain.Title = vm.Alias
	}

	for i, d := range vm.Disks {
		bus := qemuDiskIf(d.Model)
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.Path},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: diskDev(bus, i), Bus: bus},
		})
	}

	if s != nil {
		domain.Devices.Graphics = []libvirtxml.DomainGraphic{{
			VNC: &libvirtxml.DomainGraphicVNC{
				Port:     s.Port,
				AutoPort: "no",
				Listen:   s.BindAddress,
			},
		}}
		domain.Devices.Inputs = []libvirtxml.DomainInput{{Type: "tablet", Bus: "usb"}}
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML: %w", err)
	}
	return out, nil
}

func diskDev(bus string, index int) string {
	prefix := "vd"
	if bus == "ide" {
		prefix = "hd"
	}
	return fmt.Sprintf("%s%c", prefix, 'a'+index)
}
