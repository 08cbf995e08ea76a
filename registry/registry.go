// Package registry is the authoritative store of VM records.
//
// All access goes through a storage.Store, so every mutation is serialized by
// the store lock and is visible to the next read from any goroutine or process.
// Values handed out are copies; callers never touch the stored records.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/lock/flock"
	"github.com/projecteru2/vmadm/storage"
	storejson "github.com/projecteru2/vmadm/storage/json"
	"github.com/projecteru2/vmadm/types"
)

// Registry owns the VM index.
type Registry struct {
	store  storage.Store[Index]
	locker lock.Locker
}

// New wraps an existing store. locker must be the lock store uses.
func New(store storage.Store[Index], locker lock.Locker) *Registry {
	return &Registry{store: store, locker: locker}
}

// Open creates the on-disk registry described by conf.
func Open(conf *config.Config) (*Registry, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	locker := flock.New(conf.IndexLock())
	return New(storejson.New[Index](conf.IndexFile(), locker), locker), nil
}

// Store exposes the underlying store for GC, which reads and writes it with
// Locker already held.
func (r *Registry) Store() storage.Store[Index] { return r.store }

// Locker is the index lock.
func (r *Registry) Locker() lock.Locker { return r.locker }

// Txn is handed to Update callbacks. Record is the live record; PortsInUse
// sees every other VM's reservation in the same locked view.
type Txn struct {
	Record *Record
	idx    *Index
}

// PortsInUse returns the console ports reserved by VMs other than this one.
func (t *Txn) PortsInUse() map[int]string {
	ports := t.idx.Ports()
	if s := t.Record.Session; s != nil && ports[s.Port] == t.Record.UUID {
		delete(ports, s.Port)
	}
	return ports
}

// Create stores vm as a new record. An empty UUID is minted here.
func (r *Registry) Create(ctx context.Context, vm types.VM) (types.VM, error) {
	if vm.UUID == "" {
		vm.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(vm.UUID); err != nil {
		return types.VM{}, fmt.Errorf("%w: uuid %q: %v", types.ErrInvalidSpec, vm.UUID, err)
	}
	if !vm.Brand.Valid() {
		return types.VM{}, fmt.Errorf("%w: unsupported brand %q", types.ErrInvalidSpec, vm.Brand)
	}
	if vm.State == "" {
		vm.State = types.VMStateProvisioning
	}
	now := time.Now()
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now

	rec := Record{VM: vm.Clone()}
	err := r.store.Update(ctx, func(idx *Index) error {
		if idx.VMs[vm.UUID] != nil {
			return fmt.Errorf("%w: %s", types.ErrDuplicateUUID, vm.UUID)
		}
		if vm.Alias != "" {
			if other, ok := idx.Aliases[vm.Alias]; ok && idx.VMs[other] != nil {
				return fmt.Errorf("%w: alias %q already used by %s", types.ErrInvalidSpec, vm.Alias, other)
			}
			idx.Aliases[vm.Alias] = vm.UUID
		}
		idx.VMs[vm.UUID] = &rec
		return nil
	})
	if err != nil {
		return types.VM{}, err
	}
	return vm.Clone(), nil
}

// Get returns a copy of the public record.
func (r *Registry) Get(ctx context.Context, id string) (types.VM, error) {
	rec, err := r.Record(ctx, id)
	if err != nil {
		return types.VM{}, err
	}
	return rec.VM, nil
}

// Record returns a copy of the full record, including the console session.
func (r *Registry) Record(ctx context.Context, id string) (Record, error) {
	var out Record
	return out, r.store.With(ctx, func(idx *Index) error {
		rec := idx.VMs[id]
		if rec == nil {
			return types.ErrNotFound
		}
		out = rec.Clone()
		return nil
	})
}

// Update runs fn against the live record under the store lock and persists the
// result if fn returns nil. It returns a copy of the updated record.
func (r *Registry) Update(ctx context.Context, id string, fn func(*Txn) error) (Record, error) {
	var out Record
	return out, r.store.Update(ctx, func(idx *Index) error {
		rec := idx.VMs[id]
		if rec == nil {
			return types.ErrNotFound
		}
		work := rec.Clone()
		oldAlias := work.Alias
		if err := fn(&Txn{Record: &work, idx: idx}); err != nil {
			return err
		}
		work.UUID = id // identity is immutable
		if work.Alias != oldAlias {
			if other, ok := idx.Aliases[work.Alias]; work.Alias != "" && ok && other != id && idx.VMs[other] != nil {
				return fmt.Errorf("%w: alias %q already used by %s", types.ErrInvalidSpec, work.Alias, other)
			}
			if idx.Aliases[oldAlias] == id {
				delete(idx.Aliases, oldAlias)
			}
			if work.Alias != "" {
				idx.Aliases[work.Alias] = id
			}
		}
		work.UpdatedAt = time.Now()
		idx.VMs[id] = &work
		out = work.Clone()
		return nil
	})
}

// Delete removes the record and returns what was stored, so the caller can
// release anything it still held.
func (r *Registry) Delete(ctx context.Context, id string) (Record, error) {
	var out Record
	return out, r.store.Update(ctx, func(idx *Index) error {
		rec := idx.VMs[id]
		if rec == nil {
			return types.ErrNotFound
		}
		out = rec.Clone()
		if idx.Aliases[rec.Alias] == id {
			delete(idx.Aliases, rec.Alias)
		}
		delete(idx.VMs, id)
		return nil
	})
}

// List returns copies of all records.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	var out []Record
	return out, r.store.With(ctx, func(idx *Index) error {
		for _, rec := range idx.VMs {
			if rec != nil {
				out = append(out, rec.Clone())
			}
		}
		return nil
	})
}

// Resolve maps a user-supplied reference to a UUID.
func (r *Registry) Resolve(ctx context.Context, ref string) (string, error) {
	var id string
	return id, r.store.With(ctx, func(idx *Index) error {
		var err error
		id, err = idx.resolve(ref)
		return err
	})
}

// Ports returns the reserved console ports with their owners.
func (r *Registry) Ports(ctx context.Context) (map[int]string, error) {
	var ports map[int]string
	return ports, r.store.With(ctx, func(idx *Index) error {
		ports = idx.Ports()
		return nil
	})
}
