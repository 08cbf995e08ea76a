// Package scenario runs end-to-end console checks against a VM manager:
// provision a VM, confirm it runs with a dynamically assigned console port and
// that the port answers with an RFB greeting. The VM is always deleted
// afterwards, whatever happened.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/manager"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

var _ Client = (*manager.Manager)(nil)

// DefaultTimeout bounds waiting for running and the greeting probe.
const DefaultTimeout = 5 * time.Second

// Client is the subset of the manager a scenario drives. Both
// *manager.Manager and *api.Client satisfy it.
type Client interface {
	Create(ctx context.Context, p types.Payload) (types.VM, error)
	Load(ctx context.Context, ref string) (types.VM, error)
	Info(ctx context.Context, ref string, topics ...string) (*types.InfoResult, error)
	WaitForState(ctx context.Context, ref string, state types.VMState, timeout time.Duration) (types.VM, error)
	Delete(ctx context.Context, ref string, opts manager.DeleteOptions) error
}

// Context carries the state one scenario run builds up step by step.
type Context struct {
	// AdminIP is where consoles are reached.
	AdminIP string
	// Timeout bounds each wait and probe. Zero means DefaultTimeout.
	Timeout time.Duration
	// PortMin and PortMax, when set, bound the expected dynamic port.
	PortMin, PortMax int

	// VM is the provisioned VM, nil until CreateVM has produced a UUID.
	VM *types.VM
	// Port is the console port reported by the info query.
	Port int
	// Greeting holds the bytes the console sent first.
	Greeting []byte
}

func (sc *Context) timeout() time.Duration {
	if sc.Timeout <= 0 {
		return DefaultTimeout
	}
	return sc.Timeout
}

// Step is one fallible stage of a scenario.
type Step struct {
	Name string
	Run  func(ctx context.Context, c Client, sc *Context) error
}

// Run executes steps in order and stops at the first failure. The VM, if one
// was created, is deleted before Run returns; a cleanup failure is logged and
// only returned when every step succeeded.
func Run(ctx context.Context, c Client, sc *Context, steps ...Step) (err error) {
	logger := log.WithFunc("scenario.Run")
	defer func() {
		if cerr := cleanup(context.WithoutCancel(ctx), c, sc); cerr != nil {
			logger.Warnf(ctx, "cleanup: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()
	for _, step := range steps {
		if err := step.Run(ctx, c, sc); err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
		logger.Infof(ctx, "step %s: ok", step.Name)
	}
	return nil
}

func cleanup(ctx context.Context, c Client, sc *Context) error {
	if sc.VM == nil || sc.VM.UUID == "" {
		return nil
	}
	id := sc.VM.UUID
	err := c.Delete(ctx, id, manager.DeleteOptions{})
	if errors.Is(err, types.ErrNotFound) {
		err = nil
	}
	if err == nil {
		sc.VM = nil
	}
	return err
}

// ConsoleCheck is the standard pipeline: create, load, check running, check
// the dynamic port, connect.
func ConsoleCheck(p types.Payload) []Step {
	return []Step{CreateVM(p), LoadVM(), CheckRunning(), CheckVNCRandomPort(), ConnectVNC()}
}

// CreateVM provisions p. A VM created with an error (e.g. a failed launch) is
// still recorded for cleanup.
func CreateVM(p types.Payload) Step {
	return Step{Name: "create", Run: func(ctx context.Context, c Client, sc *Context) error {
		vm, err := c.Create(ctx, p)
		if vm.UUID != "" {
			sc.VM = &vm
		} else {
			var oe *types.OpError
			if errors.As(err, &oe) && oe.UUID != "" {
				sc.VM = &types.VM{UUID: oe.UUID}
			}
		}
		return err
	}}
}

// LoadVM refreshes the VM record.
func LoadVM() Step {
	return Step{Name: "load", Run: func(ctx context.Context, c Client, sc *Context) error {
		if err := requireVM(sc); err != nil {
			return err
		}
		vm, err := c.Load(ctx, sc.VM.UUID)
		if err != nil {
			return err
		}
		sc.VM = &vm
		return nil
	}}
}

// CheckRunning waits, bounded by the scenario timeout, for the VM to run.
func CheckRunning() Step {
	return Step{Name: "check-running", Run: func(ctx context.Context, c Client, sc *Context) error {
		if err := requireVM(sc); err != nil {
			return err
		}
		if sc.VM.State == types.VMStateRunning {
			return nil
		}
		vm, err := c.WaitForState(ctx, sc.VM.UUID, types.VMStateRunning, sc.timeout())
		if err != nil {
			return fmt.Errorf("VM %s is %s, not running: %w", sc.VM.UUID, sc.VM.State, err)
		}
		sc.VM = &vm
		return nil
	}}
}

// CheckVNCRandomPort requires a VM without a static vnc_port whose info
// query reports a console port, within range when one is given.
func CheckVNCRandomPort() Step {
	return Step{Name: "check-vnc-random-port", Run: func(ctx context.Context, c Client, sc *Context) error {
		if err := requireVM(sc); err != nil {
			return err
		}
		if sc.VM.VNCPort != nil {
			return fmt.Errorf("VM %s has vnc_port statically set to %d", sc.VM.UUID, *sc.VM.VNCPort)
		}
		info, err := c.Info(ctx, sc.VM.UUID, types.InfoVNC)
		if err != nil {
			return err
		}
		if info.VNC == nil || info.VNC.Port == nil {
			return fmt.Errorf("VM %s: no vnc.port in info result", sc.VM.UUID)
		}
		port := *info.VNC.Port
		if sc.PortMax > 0 && (port < sc.PortMin || port > sc.PortMax) {
			return fmt.Errorf("VM %s: vnc port %d outside %d-%d", sc.VM.UUID, port, sc.PortMin, sc.PortMax)
		}
		sc.Port = port
		return nil
	}}
}

// ConnectVNC connects to the console on the admin address and checks the greeting.
func ConnectVNC() Step {
	return Step{Name: "connect-vnc", Run: func(ctx context.Context, _ Client, sc *Context) error {
		if sc.Port == 0 {
			return errors.New("no console port known")
		}
		greeting, err := vnc.Probe(ctx, sc.AdminIP, sc.Port, sc.timeout())
		sc.Greeting = greeting
		return err
	}}
}

func requireVM(sc *Context) error {
	if sc.VM == nil || sc.VM.UUID == "" {
		return errors.New("no VM provisioned")
	}
	return nil
}
