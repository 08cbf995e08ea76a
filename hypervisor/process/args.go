package process

import (
	"fmt"
	"net"
	"strconv"

	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/types"
)

const (
	// bhyve PCI slots: 0 hostbridge, 1.. disks, 29 framebuffer, 30 tablet, 31 lpc.
	bhyveFirstDiskSlot = 3
	bhyveFbufSlot      = 29
	bhyveTabletSlot    = 30
	bhyveLPCSlot       = 31

	// qemu addresses VNC listeners by display number, offset from this port.
	qemuVNCBase = 5900

	fbufWidth  = 1024
	fbufHeight = 768
)

// bhyveArgs renders the bhyve command line. The VM name is its UUID.
func bhyveArgs(vm *types.VM, s *types.VNCSession, bootrom string) []string {
	args := []string{
		"-c", strconv.Itoa(vm.VCPUs),
		"-m", fmt.Sprintf("%dM", vm.RAM),
		"-H", "-w", "-A",
		"-U", vm.UUID,
		"-s", "0,hostbridge",
		"-s", fmt.Sprintf("%d,lpc", bhyveLPCSlot),
		"-l", "bootrom," + bootrom,
	}
	for i, d := range vm.Disks {
		args = append(args, "-s", fmt.Sprintf("%d:%d,%s,%s", bhyveFirstDiskSlot, i, bhyveDiskModel(d.Model), d.Path))
	}
	if s != nil {
		args = append(args,
			"-s", fmt.Sprintf("%d,fbuf,tcp=%s,w=%d,h=%d", bhyveFbufSlot, hypervisor.SessionAddr(s), fbufWidth, fbufHeight),
			"-s", fmt.Sprintf("%d,xhci,tablet", bhyveTabletSlot),
		)
	}
	return append(args, vm.UUID)
}

func bhyveDiskModel(model string) string {
	switch model {
	case "ahci", "ide":
		return "ahci-hd"
	case "nvme":
		return "nvme"
	default:
		return "virtio-blk"
	}
}

// qemuArgs renders the qemu command line.
func qemuArgs(vm *types.VM, s *types.VNCSession) ([]string, error) {
	args := []string{
		"-name", vm.UUID,
		"-uuid", vm.UUID,
		"-enable-kvm",
		"-m", strconv.FormatInt(vm.RAM, 10),
		"-smp", strconv.Itoa(vm.VCPUs),
		"-nodefaults",
		"-boot", "order=c",
		"-vga", "std",
	}
	for i, d := range vm.Disks {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=%s,index=%d,media=disk,format=raw", d.Path, qemuDiskIf(d.Model), i))
	}
	if s == nil {
		return append(args, "-display", "none"), nil
	}
	if s.Port < qemuVNCBase {
		return nil, fmt.Errorf("%w: kvm console port %d below %d", types.ErrInvalidSpec, s.Port, qemuVNCBase)
	}
	display := strconv.Itoa(s.Port - qemuVNCBase)
	return append(args,
		"-vnc", net.JoinHostPort(s.BindAddress, display),
		"-usb", "-device", "usb-tablet",
	), nil
}

func qemuDiskIf(model string) string {
	switch model {
	case "ide", "ahci":
		return "ide"
	default:
		return "virtio"
	}
}
