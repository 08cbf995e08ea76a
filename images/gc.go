package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/vmadm/gc"
)

const (
	tmpPrefix = ".tmp-"

	// tmpGCGrace protects temp files of imports still copying: the copy runs
	// outside the index lock.
	tmpGCGrace = time.Hour
)

type catalogSnapshot struct {
	tmpFiles []string // stale temp file names in the image dir
	missing  []string // UUIDs of entries whose file is gone
}

// GCModule collects stale import temp files and index entries whose file
// has disappeared.
func (c *Catalog) GCModule() gc.Module[catalogSnapshot] {
	return gc.Module[catalogSnapshot]{
		Name:   "images",
		Locker: c.locker,
		ReadDB: func(_ context.Context) (catalogSnapshot, error) {
			var snap catalogSnapshot
			if err := c.store.Read(func(idx *imageIndex) error {
				for id, e := range idx.Images {
					if _, err := os.Stat(filepath.Join(c.dir, e.File)); errors.Is(err, os.ErrNotExist) {
						snap.missing = append(snap.missing, id)
					}
				}
				return nil
			}); err != nil {
				return snap, err
			}
			entries, err := os.ReadDir(c.dir)
			if err != nil {
				if os.IsNotExist(err) {
					return snap, nil
				}
				return snap, fmt.Errorf("read %s: %w", c.dir, err)
			}
			cutoff := time.Now().Add(-tmpGCGrace)
			for _, e := range entries {
				if e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
					continue
				}
				if fi, ierr := e.Info(); ierr == nil && fi.ModTime().Before(cutoff) {
					snap.tmpFiles = append(snap.tmpFiles, e.Name())
				}
			}
			return snap, nil
		},
		Resolve: func(snap catalogSnapshot, _ map[string]any) []string {
			return append(append([]string(nil), snap.tmpFiles...), snap.missing...)
		},
		Collect: func(_ context.Context, ids []string) error {
			var errs []error
			var missing []string
			for _, id := range ids {
				if !strings.HasPrefix(id, tmpPrefix) {
					missing = append(missing, id)
					continue
				}
				if err := os.Remove(filepath.Join(c.dir, id)); err != nil && !os.IsNotExist(err) {
					errs = append(errs, err)
				}
			}
			if len(missing) > 0 {
				if err := c.store.Write(func(idx *imageIndex) error {
					for _, id := range missing {
						e := idx.Images[id]
						if e == nil {
							continue
						}
						if _, err := os.Stat(filepath.Join(c.dir, e.File)); errors.Is(err, os.ErrNotExist) {
							delete(idx.Images, id)
						}
					}
					return nil
				}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the catalog GC module with orch.
func (c *Catalog) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, c.GCModule())
}
