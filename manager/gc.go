package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/gc"
	"github.com/projecteru2/vmadm/registry"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/utils"
)

const (
	gcName = "vms"

	// provisioningGCGrace is how long a record may sit in provisioning before
	// GC treats it as a crash remnant.
	provisioningGCGrace = 24 * time.Hour
)

type vmSnapshot struct {
	vmIDs       map[string]struct{}
	staleCreate []string // provisioning records older than the grace period
	runDirs     []string
	logDirs     []string
	diskDirs    []string
}

// GCModule collects stale provisioning placeholders and the run, log and
// disk leftovers of VMs that no longer exist. Lock files stay in place: a
// process may still hold a lock on the file it opened.
func (m *Manager) GCModule() gc.Module[vmSnapshot] {
	return gc.Module[vmSnapshot]{
		Name:   gcName,
		Locker: m.reg.Locker(),
		ReadDB: func(_ context.Context) (vmSnapshot, error) {
			var snap vmSnapshot
			cutoff := time.Now().Add(-provisioningGCGrace)
			if err := m.reg.Store().Read(func(idx *registry.Index) error {
				snap.vmIDs = make(map[string]struct{}, len(idx.VMs))
				for id, rec := range idx.VMs {
					if rec == nil {
						continue
					}
					snap.vmIDs[id] = struct{}{}
					if rec.State == types.VMStateProvisioning && rec.UpdatedAt.Before(cutoff) {
						snap.staleCreate = append(snap.staleCreate, id)
					}
				}
				return nil
			}); err != nil {
				return snap, err
			}
			var err error
			if snap.runDirs, err = utils.ScanSubdirs(m.conf.VMsRunDir()); err != nil {
				return snap, err
			}
			if snap.logDirs, err = utils.ScanSubdirs(m.conf.VMsLogDir()); err != nil {
				return snap, err
			}
			if snap.diskDirs, err = utils.ScanSubdirs(m.conf.DisksDir()); err != nil {
				return snap, err
			}
			return snap, nil
		},
		Resolve: func(snap vmSnapshot, _ map[string]any) []string {
			var candidates []string
			for _, names := range [][]string{snap.runDirs, snap.logDirs, snap.diskDirs} {
				candidates = append(candidates, utils.FilterUnreferenced(names, snap.vmIDs)...)
			}
			candidates = append(candidates, snap.staleCreate...)
			seen := make(map[string]struct{}, len(candidates))
			var result []string
			for _, id := range candidates {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				result = append(result, id)
			}
			return result
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			if err := m.cleanStalePlaceholders(ctx, ids); err != nil {
				errs = append(errs, err)
			}
			live := map[string]struct{}{}
			if err := m.reg.Store().Read(func(idx *registry.Index) error {
				for id := range idx.VMs {
					live[id] = struct{}{}
				}
				return nil
			}); err != nil {
				return errors.Join(append(errs, err)...)
			}
			for _, id := range ids {
				if _, ok := live[id]; ok {
					continue
				}
				if err := m.removeVMDirs(id, false); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the VM GC module with orch.
func (m *Manager) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, m.GCModule())
}

// cleanStalePlaceholders deletes the selected records that are still stale
// provisioning placeholders and frees their ports. The index lock is held by
// the orchestrator.
func (m *Manager) cleanStalePlaceholders(ctx context.Context, ids []string) error {
	cutoff := time.Now().Add(-provisioningGCGrace)
	var removed []string
	err := m.reg.Store().Write(func(idx *registry.Index) error {
		for _, id := range ids {
			rec := idx.VMs[id]
			if rec == nil || rec.State != types.VMStateProvisioning || rec.UpdatedAt.After(cutoff) {
				continue
			}
			if idx.Aliases[rec.Alias] == id {
				delete(idx.Aliases, rec.Alias)
			}
			delete(idx.VMs, id)
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clean stale placeholders: %w", err)
	}
	for _, id := range removed {
		m.pool.ReleaseOwner(id)
		log.WithFunc("manager.gc").Infof(ctx, "VM %s: removed stale provisioning record", id)
	}
	m.metrics.SetPortsInUse(m.pool.InUse())
	return nil
}
