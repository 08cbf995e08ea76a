package sysinfo

import (
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
)

func hostLinks() ([]link, error) {
	nlinks, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	out := make([]link, 0, len(nlinks))
	for _, nl := range nlinks {
		attrs := nl.Attrs()
		l := link{
			name: attrs.Name,
			up:   attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown,
		}
		if attrs.HardwareAddr != nil {
			l.mac = attrs.HardwareAddr.String()
		}
		addrs, err := netlink.AddrList(nl, netlink.FAMILY_V4)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			l.ipv4 = append(l.ipv4, a.IP.String())
		}
		out = append(out, l)
	}
	return out, nil
}

func hostMemoryMiB() int64 {
	var si syscall.Sysinfo_t
	if err := syscall.Sysinfo(&si); err != nil {
		return 0
	}
	return int64(si.Totalram) * int64(si.Unit) >> 20 //nolint:gosec,unconvert
}
