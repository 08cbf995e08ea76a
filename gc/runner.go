package gc

import (
	"context"

	"github.com/projecteru2/vmadm/lock"
)

// Module describes one store that takes part in garbage collection.
// S is the snapshot type its ReadDB produces.
type Module[S any] struct {
	Name string

	// Locker coordinates GC with in-flight operations. GC only runs when it
	// can take every module's lock without waiting.
	Locker lock.Locker

	// ReadDB snapshots the module state. Called with the lock held; must not
	// re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the IDs to collect. others holds every module's
	// snapshot by module name, this one included.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given IDs. Called with the lock held.
	Collect func(ctx context.Context, ids []string) error
}

// runner is the internal interface Orchestrator uses to hold heterogeneous
// Module[S] values. Unexported: callers work with Module[S] and Register.
type runner interface {
	getName() string
	getLocker() lock.Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	s, _ := snap.(S)
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
