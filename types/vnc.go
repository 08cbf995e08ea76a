package types

import "time"

// VNCSession binds a VM to its allocated console port.
// At most one exists per VM; it is held from reservation until the VM leaves running.
type VNCSession struct {
	UUID        string    `json:"uuid"`
	Port        int       `json:"port"`
	BindAddress string    `json:"bind_address"`
	ReservedAt  time.Time `json:"reserved_at"`
}

// VNCInfo is the "vnc" topic of an info query. Port is present only while the
// VM is running with VNC enabled.
type VNCInfo struct {
	Host string `json:"host,omitempty"`
	Port *int   `json:"port,omitempty"`
}

// StatusInfo is the "status" topic of an info query.
type StatusInfo struct {
	State         VMState `json:"state"`
	PID           int     `json:"pid,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// InfoResult holds the requested topics. Unrequested topics are omitted.
type InfoResult struct {
	VNC    *VNCInfo    `json:"vnc,omitempty"`
	Status *StatusInfo `json:"status,omitempty"`
}

// Info topics.
const (
	InfoVNC    = "vnc"
	InfoStatus = "status"
	InfoAll    = "all"
)

// Event is published by the state observer for every applied transition.
type Event struct {
	UUID string    `json:"uuid"`
	From VMState   `json:"from"`
	To   VMState   `json:"to"`
	Port int       `json:"port,omitempty"` // session port after the transition, 0 if none
	At   time.Time `json:"at"`
}
