package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/vmadm/types"
)

// waitPoll bounds how long WaitFor trusts events alone; changes made by
// other processes sharing the index are only seen by polling.
const waitPoll = 200 * time.Millisecond

// Subscribe returns a channel receiving the events of VM id ("" for all VMs)
// and a function that ends the subscription. Slow subscribers lose events
// rather than block transitions.
func (o *Observer) Subscribe(id string) (<-chan types.Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	key := o.nextID
	ch := make(chan types.Event, subscriberBuffer)
	o.subs[key] = subscriber{uuid: id, ch: ch}
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if s, ok := o.subs[key]; ok {
			delete(o.subs, key)
			close(s.ch)
		}
	}
}

func (o *Observer) publish(e types.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.subs {
		if s.uuid != "" && s.uuid != e.UUID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// WaitFor blocks until VM id is in state, the timeout expires (types.ErrTimeout)
// or ctx is done. Waiting has no side effects on the VM. Waiting for
// destroyed succeeds once the record is gone; waiting for any other state of
// a VM that is destroyed meanwhile returns types.ErrNotFound.
func (o *Observer) WaitFor(ctx context.Context, id string, state types.VMState, timeout time.Duration) (types.VM, error) {
	events, cancel := o.Subscribe(id)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()

	for {
		vm, err := o.reg.Get(ctx, id)
		switch {
		case errors.Is(err, types.ErrNotFound) && state == types.VMStateDestroyed:
			return types.VM{UUID: id, State: types.VMStateDestroyed}, nil
		case err != nil:
			return types.VM{}, err
		case vm.State == state:
			return vm, nil
		}
		select {
		case <-ctx.Done():
			return types.VM{}, ctx.Err()
		case <-timer.C:
			return types.VM{}, fmt.Errorf("%w: VM %s still %s after %s, want %s", types.ErrTimeout, id, vm.State, timeout, state)
		case <-events:
		case <-ticker.C:
		}
	}
}
