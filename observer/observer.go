// Package observer applies VM state transitions and keeps console port
// reservations in step with them: entering running reserves a port when the
// VM holds none, and stopped, failed and destroyed release it in the same
// registry update. Transitions are published to subscribers.
package observer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/hypervisor"
	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/metrics"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/vnc"
)

const subscriberBuffer = 16

// Observer is safe for concurrent use.
type Observer struct {
	reg      *registry.Registry
	pool     *vnc.Pool
	launcher hypervisor.Launcher
	locks    func(id string) lock.Locker
	metrics  *metrics.Metrics
	bindAddr string

	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	uuid string // "" for every VM
	ch   chan types.Event
}

// New creates an Observer. locks returns the per-VM lock the watch loop
// takes before acting on a VM; bindAddr is the address new console
// sessions listen on.
func New(reg *registry.Registry, pool *vnc.Pool, launcher hypervisor.Launcher,
	locks func(string) lock.Locker, bindAddr string, m *metrics.Metrics) *Observer {
	return &Observer{
		reg:      reg,
		pool:     pool,
		launcher: launcher,
		locks:    locks,
		metrics:  m,
		bindAddr: bindAddr,
		subs:     make(map[int]subscriber),
	}
}

// Sync rebuilds the in-memory pool from the sessions stored in the registry.
func (o *Observer) Sync(ctx context.Context) error {
	ports, err := o.reg.Ports(ctx)
	if err != nil {
		return err
	}
	o.pool.Rebuild(ports)
	o.metrics.SetPortsInUse(len(ports))
	return nil
}

// State returns the current state of VM id.
func (o *Observer) State(ctx context.Context, id string) (types.VMState, error) {
	vm, err := o.reg.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return vm.State, nil
}

// Transition moves VM id to state to. mutate, if not nil, edits the record in
// the same update. Port hooks run inside that update as well, so the
// reservation and the state are persisted together.
func (o *Observer) Transition(ctx context.Context, id string, to types.VMState, mutate func(*types.VM)) (types.VM, error) {
	if to == types.VMStateDestroyed {
		_, err := o.Destroy(ctx, id)
		return types.VM{}, err
	}

	var from types.VMState
	var allocated, released int
	now := time.Now()
	rec, err := o.reg.Update(ctx, id, func(tx *registry.Txn) error {
		allocated, released = 0, 0
		r := tx.Record
		from = r.State
		if err := from.CanTransitionTo(to); err != nil {
			return err
		}
		if mutate != nil {
			mutate(&r.VM)
		}
		r.State = to
		switch to {
		case types.VMStateRunning:
			r.StartedAt = &now
			r.FailureReason = ""
			if r.Session == nil && !r.VNCDisabled() {
				s, err := o.allocate(tx)
				if err != nil {
					return err
				}
				r.Session, allocated = s, s.Port
			}
		case types.VMStateStopped, types.VMStateFailed:
			r.StoppedAt = &now
			r.PID = 0
			if r.Session != nil {
				released = r.Session.Port
				r.Session = nil
			}
		}
		return nil
	})
	if err != nil {
		if allocated != 0 {
			o.pool.ReleaseFor(id, allocated)
		}
		return types.VM{}, err
	}
	if released != 0 {
		o.pool.ReleaseFor(id, released)
	}
	o.metrics.SetPortsInUse(o.pool.InUse())
	o.metrics.Transition(string(from), string(to))
	o.publish(types.Event{UUID: id, From: from, To: to, Port: sessionPort(rec.Session), At: now})
	log.WithFunc("observer.Transition").Infof(ctx, "VM %s: %s -> %s", id, from, to)
	return rec.VM, nil
}

// Reserve makes sure VM id holds a console session that matches its
// configuration, ahead of a launch. It returns nil when VNC is disabled.
func (o *Observer) Reserve(ctx context.Context, id string) (*types.VNCSession, error) {
	var allocated, released int
	rec, err := o.reg.Update(ctx, id, func(tx *registry.Txn) error {
		allocated, released = 0, 0
		r := tx.Record
		if r.State == types.VMStateFailed {
			return fmt.Errorf("%w: VM is %s", types.ErrInvalidTransition, r.State)
		}
		if r.VNCDisabled() {
			if r.Session != nil {
				released, r.Session = r.Session.Port, nil
			}
			return nil
		}
		if s := r.Session; s != nil {
			static := r.StaticVNCPort()
			if static == 0 || static == s.Port {
				return nil
			}
			// The configured port changed since this session was reserved.
			released, r.Session = s.Port, nil
		}
		s, err := o.allocate(tx)
		if err != nil {
			return err
		}
		r.Session, allocated = s, s.Port
		return nil
	})
	if err != nil {
		if allocated != 0 {
			o.pool.ReleaseFor(id, allocated)
		}
		return nil, err
	}
	if released != 0 && released != allocated {
		o.pool.ReleaseFor(id, released)
	}
	o.metrics.SetPortsInUse(o.pool.InUse())
	return rec.Session, nil
}

// Destroy removes the record of VM id and frees its port.
func (o *Observer) Destroy(ctx context.Context, id string) (registry.Record, error) {
	rec, err := o.reg.Delete(ctx, id)
	if err != nil {
		return rec, err
	}
	o.pool.ReleaseOwner(id)
	o.metrics.SetPortsInUse(o.pool.InUse())
	o.metrics.Transition(string(rec.State), string(types.VMStateDestroyed))
	o.publish(types.Event{UUID: id, From: rec.State, To: types.VMStateDestroyed, At: time.Now()})
	log.WithFunc("observer.Destroy").Infof(ctx, "VM %s: %s -> %s", id, rec.State, types.VMStateDestroyed)
	return rec, nil
}

// allocate picks the VM's console port inside a registry update. The locked
// index is authoritative: the pool is reset to it first, so ports freed by
// other processes sharing the index become available again here.
func (o *Observer) allocate(tx *registry.Txn) (*types.VNCSession, error) {
	r := tx.Record
	exclude := tx.PortsInUse()
	held := maps.Clone(exclude)
	if s := r.Session; s != nil {
		held[s.Port] = r.UUID
	}
	o.pool.Rebuild(held)
	var port int
	var err error
	if static := r.StaticVNCPort(); static > 0 {
		port = static
		err = o.pool.Reserve(r.UUID, static, exclude)
	} else {
		port, err = o.pool.Allocate(r.UUID, exclude)
	}
	switch {
	case err == nil:
		o.metrics.Allocation(metrics.ResultOK)
	case errors.Is(err, types.ErrPortRangeExhausted):
		o.metrics.Allocation(metrics.ResultExhausted)
		return nil, err
	case errors.Is(err, types.ErrPortUnavailable):
		o.metrics.Allocation(metrics.ResultConflict)
		return nil, err
	default:
		o.metrics.Allocation(metrics.ResultError)
		return nil, err
	}
	return &types.VNCSession{UUID: r.UUID, Port: port, BindAddress: o.bindAddr, ReservedAt: time.Now()}, nil
}

func sessionPort(s *types.VNCSession) int {
	if s == nil {
		return 0
	}
	return s.Port
}
