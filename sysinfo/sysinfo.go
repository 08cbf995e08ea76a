// Package sysinfo describes the host: CPU, memory and network interfaces with
// their NIC tags. The JSON shape follows the SmartOS sysinfo document so that
// existing tooling can consume it.
package sysinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"sort"

	"github.com/projecteru2/vmadm/types"
)

// ErrNoAdminIP is returned when no interface carries the admin tag with an IPv4 address.
var ErrNoAdminIP = errors.New("no admin IPv4 address")

// Sysinfo is the host description.
type Sysinfo struct {
	Hostname          string               `json:"Hostname,omitempty"`
	CPUTotalCores     int                  `json:"CPU Total Cores,omitempty"`
	MiBOfMemory       int64                `json:"MiB of Memory,omitempty"`
	NetworkInterfaces map[string]types.NIC `json:"Network Interfaces"`
}

// link is one host interface as seen by the platform probe.
type link struct {
	name string
	mac  string
	up   bool
	ipv4 []string
}

// Collect probes the host. tags maps a NIC tag to the interfaces carrying it;
// with no tags configured, the first non-loopback interface with an IPv4
// address gets adminTag.
func Collect(_ context.Context, tags map[string][]string, adminTag string) (*Sysinfo, error) {
	links, err := hostLinks()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	info := &Sysinfo{
		CPUTotalCores:     runtime.NumCPU(),
		MiBOfMemory:       hostMemoryMiB(),
		NetworkInterfaces: make(map[string]types.NIC, len(links)),
	}
	info.Hostname, _ = os.Hostname()

	sort.Slice(links, func(i, j int) bool { return links[i].name < links[j].name })
	byIface := make(map[string][]string)
	for tag, ifaces := range tags {
		for _, name := range ifaces {
			byIface[name] = append(byIface[name], tag)
		}
	}
	if len(tags) == 0 && adminTag != "" {
		for _, l := range links {
			if l.name != "lo" && l.up && len(l.ipv4) > 0 {
				byIface[l.name] = []string{adminTag}
				break
			}
		}
	}
	for _, l := range links {
		nic := types.NIC{MACAddress: l.mac, NICNames: byIface[l.name], LinkStatus: "down"}
		slices.Sort(nic.NICNames)
		if l.up {
			nic.LinkStatus = "up"
		}
		if len(l.ipv4) > 0 {
			nic.IP4Addr = l.ipv4[0]
		}
		info.NetworkInterfaces[l.name] = nic
	}
	return info, nil
}

// AdminIP returns the IPv4 address of the first interface (by name) tagged tag.
func (s *Sysinfo) AdminIP(tag string) (string, error) {
	names := make([]string, 0, len(s.NetworkInterfaces))
	for name := range s.NetworkInterfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		nic := s.NetworkInterfaces[name]
		if nic.HasTag(tag) && nic.IP4Addr != "" {
			return nic.IP4Addr, nil
		}
	}
	return "", fmt.Errorf("%w: tag %q", ErrNoAdminIP, tag)
}

// Parse reads a sysinfo document.
func Parse(r io.Reader) (*Sysinfo, error) {
	var s Sysinfo
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode sysinfo: %w", err)
	}
	if s.NetworkInterfaces == nil {
		s.NetworkInterfaces = make(map[string]types.NIC)
	}
	return &s, nil
}

// Report writes s as an indented sysinfo document.
func (s *Sysinfo) Report(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
