package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

// ListOptions tunes List.
type ListOptions struct {
	// All includes VMs marked do_not_inventory.
	All bool
}

func isNotFound(err error) bool { return errors.Is(err, types.ErrNotFound) }

// record resolves ref and returns a copy of its record.
func (m *Manager) record(ctx context.Context, op, ref string) (registry.Record, error) {
	id, err := m.reg.Resolve(ctx, ref)
	if err != nil {
		return registry.Record{}, types.WrapOp(op, ref, err)
	}
	rec, err := m.reg.Record(ctx, id)
	return rec, types.WrapOp(op, id, err)
}

// Load returns the full VM record, including its state.
func (m *Manager) Load(ctx context.Context, ref string) (types.VM, error) {
	rec, err := m.record(ctx, "load", ref)
	return rec.VM, err
}

// List returns VMs ordered by creation time.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]types.VM, error) {
	recs, err := m.reg.List(ctx)
	if err != nil {
		return nil, types.WrapOp("list", "", err)
	}
	out := make([]types.VM, 0, len(recs))
	for _, rec := range recs {
		if rec.DoNotInventory && !opts.All {
			continue
		}
		out = append(out, rec.VM)
	}
	slices.SortFunc(out, func(a, b types.VM) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.UUID, b.UUID)
	})
	return out, nil
}

// Info answers the requested topics for one VM. No topics means all of them.
// The vnc topic carries a port only while the VM is running with a console;
// a VM without one gets an empty vnc object.
func (m *Manager) Info(ctx context.Context, ref string, topics ...string) (*types.InfoResult, error) {
	want, err := parseTopics(topics)
	if err != nil {
		return nil, types.WrapOp("info", ref, err)
	}
	rec, err := m.record(ctx, "info", ref)
	if err != nil {
		return nil, err
	}

	result := &types.InfoResult{}
	if want[types.InfoVNC] {
		result.VNC = &types.VNCInfo{}
		if rec.State == types.VMStateRunning && rec.Session != nil {
			port := rec.Session.Port
			result.VNC.Host = rec.Session.BindAddress
			result.VNC.Port = &port
		}
	}
	if want[types.InfoStatus] {
		result.Status = &types.StatusInfo{
			State:         rec.State,
			PID:           rec.PID,
			FailureReason: rec.FailureReason,
		}
	}
	return result, nil
}

func parseTopics(topics []string) (map[string]bool, error) {
	want := map[string]bool{}
	for _, t := range topics {
		for _, part := range strings.Split(t, ",") {
			switch part = strings.TrimSpace(part); part {
			case "":
			case types.InfoAll:
				want[types.InfoVNC], want[types.InfoStatus] = true, true
			case types.InfoVNC, types.InfoStatus:
				want[part] = true
			default:
				return nil, fmt.Errorf("%w: unknown info topic %q", types.ErrInvalidSpec, part)
			}
		}
	}
	if len(want) == 0 {
		want[types.InfoVNC], want[types.InfoStatus] = true, true
	}
	return want, nil
}

// Plan renders the hypervisor invocation of a VM without running it. A VM
// holding no console session is rendered with its static port, or with the
// first port of the dynamic range as a placeholder.
func (m *Manager) Plan(ctx context.Context, ref string) (*hypervisor.Plan, error) {
	rec, err := m.record(ctx, "plan", ref)
	if err != nil {
		return nil, err
	}
	session := rec.Session
	if session == nil && !rec.VNCDisabled() {
		port := rec.StaticVNCPort()
		if port == 0 {
			port, _ = m.pool.Range()
		}
		session = &types.VNCSession{UUID: rec.UUID, Port: port, BindAddress: m.adminIP}
	}
	plan, err := m.launcher.Plan(&rec.VM, session)
	return plan, types.WrapOp("plan", rec.UUID, err)
}

// CheckVNC connects to the console of a running VM and returns the greeting.
func (m *Manager) CheckVNC(ctx context.Context, ref string) ([]byte, error) {
	rec, err := m.record(ctx, "check-vnc", ref)
	if err != nil {
		return nil, err
	}
	if rec.State != types.VMStateRunning || rec.Session == nil {
		return nil, types.WrapOp("check-vnc", rec.UUID,
			fmt.Errorf("%w: VM is %s without a console", types.ErrInvalidTransition, rec.State))
	}
	start := time.Now()
	greeting, err := vnc.Probe(ctx, m.adminIP, rec.Session.Port, m.conf.ProbeTimeout())
	m.metrics.ObserveProbe(time.Since(start).Seconds())
	return greeting, types.WrapOp("check-vnc", rec.UUID, err)
}
