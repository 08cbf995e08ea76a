package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpec            = errors.New("invalid spec")
	ErrNotFound               = errors.New("VM not found")
	ErrDuplicateUUID          = errors.New("duplicate UUID")
	ErrPortUnavailable        = errors.New("VNC port unavailable")
	ErrPortRangeExhausted     = errors.New("VNC port range exhausted")
	ErrHypervisorLaunchFailed = errors.New("hypervisor launch failed")
	ErrTimeout                = errors.New("timeout")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrProtocolMismatch       = errors.New("protocol mismatch")
)

// OpError records the operation and VM a failure belongs to.
type OpError struct {
	Op   string
	UUID string
	Err  error
}

func (e *OpError) Error() string {
	if e.UUID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s VM %s: %v", e.Op, e.UUID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapOp wraps err in an OpError. nil stays nil.
func WrapOp(op, uuid string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Op == op && oe.UUID == uuid {
		return err
	}
	return &OpError{Op: op, UUID: uuid, Err: err}
}

// ProtocolError is returned when a console endpoint answers with something
// other than the expected greeting. Got holds the raw bytes received.
type ProtocolError struct {
	Addr string
	Got  []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: expected RFB greeting from %s, got %q", ErrProtocolMismatch, e.Addr, e.Got)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolMismatch }
