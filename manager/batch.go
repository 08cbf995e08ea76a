package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/types"
)

// StartMany starts every ref concurrently. It returns the refs that
// succeeded, in input order, and the joined errors of the rest.
func (m *Manager) StartMany(ctx context.Context, refs []string) ([]string, error) {
	return m.forEachVM(ctx, refs, "start", func(ctx context.Context, ref string) error {
		_, err := m.Start(ctx, ref)
		return err
	})
}

func (m *Manager) StopMany(ctx context.Context, refs []string) ([]string, error) {
	return m.forEachVM(ctx, refs, "stop", func(ctx context.Context, ref string) error {
		_, err := m.Stop(ctx, ref)
		return err
	})
}

func (m *Manager) DeleteMany(ctx context.Context, refs []string, opts DeleteOptions) ([]string, error) {
	return m.forEachVM(ctx, refs, "delete", func(ctx context.Context, ref string) error {
		return m.Delete(ctx, ref, opts)
	})
}

// forEachVM runs fn for each ref on the worker pool. Every ref is attempted;
// failures are logged and joined. The succeeded slice is valid even when err
// is not nil.
func (m *Manager) forEachVM(ctx context.Context, refs []string, op string, fn func(context.Context, string) error) ([]string, error) {
	logger := log.WithFunc("manager." + op + "Many")
	errs := make([]error, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		if err := m.workers.Submit(func() {
			defer wg.Done()
			errs[i] = fn(ctx, ref)
		}); err != nil {
			wg.Done()
			errs[i] = types.WrapOp(op, ref, fmt.Errorf("submit: %w", err))
		}
	}
	wg.Wait()

	var succeeded []string
	for i, ref := range refs {
		if errs[i] != nil {
			logger.Warnf(ctx, "%v", errs[i])
			continue
		}
		succeeded = append(succeeded, ref)
	}
	return succeeded, errors.Join(errs...)
}
