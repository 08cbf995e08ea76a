package types

import "slices"

// NIC describes one host network interface as reported by sysinfo.
// JSON names follow the SmartOS sysinfo document.
type NIC struct {
	MACAddress string   `json:"MAC Address,omitempty"`
	IP4Addr    string   `json:"ip4addr"`
	LinkStatus string   `json:"Link Status,omitempty"`
	NICNames   []string `json:"NIC Names"`
}

// HasTag reports whether the interface carries the given NIC tag.
func (n NIC) HasTag(tag string) bool {
	return slices.Contains(n.NICNames, tag)
}
