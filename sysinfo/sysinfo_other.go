//go:build !linux

package sysinfo

import "net"

func hostLinks() ([]link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]link, 0, len(ifaces))
	for _, iface := range ifaces {
		l := link{name: iface.Name, up: iface.Flags&net.FlagUp != 0, mac: iface.HardwareAddr.String()}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				l.ipv4 = append(l.ipv4, ipn.IP.String())
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func hostMemoryMiB() int64 { return 0 }
