package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/lock"
	"github.com/projecteru2/vmadm/progress"
	"github.com/projecteru2/vmadm/storage"
	"github.com/projecteru2/vmadm/types"
	"github.com/projecteru2/vmadm/utils"
)

const typ = "local"

// fileSuffixes are tried, in order, for image files dropped into the image
// directory without being imported.
var fileSuffixes = []string{"", ".raw", ".img", ".qcow2", ".zvol"}

var _ Images = (*Catalog)(nil)

type imageIndex struct {
	Images map[string]*imageEntry `json:"images"` // UUID → entry
}

// Init implements storage.Initer.
func (idx *imageIndex) Init() {
	if idx.Images == nil {
		idx.Images = make(map[string]*imageEntry)
	}
}

// lookup finds an entry by UUID or name.
func (idx *imageIndex) lookup(ref string) (*imageEntry, bool) {
	if e, ok := idx.Images[ref]; ok {
		return e, true
	}
	for _, e := range idx.Images {
		if e.Name != "" && e.Name == ref {
			return e, true
		}
	}
	return nil, false
}

type imageEntry struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name,omitempty"`
	File      string    `json:"file"` // relative to the image directory
	Digest    Digest    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Catalog implements Images over files in conf.ImageDir.
type Catalog struct {
	dir    string
	store  storage.Store[imageIndex]
	locker lock.Locker
}

// New creates the catalog for conf.ImageDir.
func New(conf *config.Config) (*Catalog, error) {
	if err := utils.EnsureDirs(conf.ImageDir); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	store, locker := NewStore[imageIndex](conf.ImageIndexFile(), conf.ImageIndexLock())
	return &Catalog{dir: conf.ImageDir, store: store, locker: locker}, nil
}

// Resolve returns the file backing image id. Imported images are looked up
// by UUID or name; otherwise a file named after the UUID is searched for.
func (c *Catalog) Resolve(ctx context.Context, id string) (string, error) {
	var path string
	err := c.store.With(ctx, func(idx *imageIndex) error {
		if e, ok := idx.lookup(id); ok {
			path = filepath.Join(c.dir, e.File)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if path == "" {
		if _, perr := uuid.Parse(id); perr == nil {
			for _, suffix := range fileSuffixes {
				candidate := filepath.Join(c.dir, id+suffix)
				if fi, serr := os.Stat(candidate); serr == nil && fi.Mode().IsRegular() {
					path = candidate
					break
				}
			}
		}
	}
	if path == "" {
		return "", fmt.Errorf("%w: image %s not found", types.ErrInvalidSpec, id)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: image %s: %v", types.ErrInvalidSpec, id, err)
	}
	return path, nil
}

// Import copies src, a file path or an http(s) URL, into the catalog. An
// empty id mints a new UUID.
func (c *Catalog) Import(ctx context.Context, src, id, name string, tracker progress.Tracker) (*types.Image, error) {
	if tracker == nil {
		tracker = progress.Nop
	}
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: image uuid %q: %v", types.ErrInvalidSpec, id, err)
	}
	file := id + ".img"
	dst := filepath.Join(c.dir, file)

	h := newHasher()
	tmp, size, err := copyToTemp(ctx, src, c.dir, h, tracker, id)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp) //nolint:errcheck // gone after a successful rename
	tracker.OnEvent(progress.Event{Phase: progress.PhaseCommit, Name: id, BytesTotal: size, BytesDone: size})

	entry := &imageEntry{UUID: id, Name: name, File: file, Digest: digestOf(h), Size: size, CreatedAt: time.Now()}
	if err := c.store.Update(ctx, func(idx *imageIndex) error {
		if _, ok := idx.Images[id]; ok {
			return fmt.Errorf("%w: image %s already imported", types.ErrInvalidSpec, id)
		}
		if err := os.Rename(tmp, dst); err != nil {
			return fmt.Errorf("rename to %s: %w", dst, err)
		}
		idx.Images[id] = entry
		return nil
	}); err != nil {
		return nil, err
	}
	tracker.OnEvent(progress.Event{Phase: progress.PhaseDone, Name: id, BytesTotal: size, BytesDone: size})
	log.WithFunc("images.Import").Infof(ctx, "imported %s as %s (%s)", src, id, entry.Digest)
	return entry.image(), nil
}

// List returns imported images.
func (c *Catalog) List(ctx context.Context) (result []*types.Image, err error) {
	err = c.store.With(ctx, func(idx *imageIndex) error {
		for _, e := range idx.Images {
			result = append(result, e.image())
		}
		return nil
	})
	return
}

// Delete removes images from the index and disk. It returns the UUIDs
// actually deleted; unknown refs are skipped.
func (c *Catalog) Delete(ctx context.Context, refs []string) ([]string, error) {
	logger := log.WithFunc("images.Delete")
	var deleted []string
	var files []string
	err := c.store.Update(ctx, func(idx *imageIndex) error {
		for _, ref := range refs {
			e, ok := idx.lookup(ref)
			if !ok {
				logger.Infof(ctx, "image %q not found, skipping", ref)
				continue
			}
			delete(idx.Images, e.UUID)
			deleted = append(deleted, e.UUID)
			files = append(files, filepath.Join(c.dir, e.File))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, f := range files {
		if rerr := os.Remove(f); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			errs = append(errs, rerr)
		}
	}
	return deleted, errors.Join(errs...)
}

// Clone copies image id to dst.
func (c *Catalog) Clone(ctx context.Context, id, dst string, tracker progress.Tracker) error {
	src, err := c.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if tracker == nil {
		tracker = progress.Nop
	}
	if err := utils.EnsureDirs(filepath.Dir(dst)); err != nil {
		return err
	}
	tmp, size, err := copyToTemp(ctx, src, filepath.Dir(dst), nil, tracker, dst)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename to %s: %w", dst, err)
	}
	tracker.OnEvent(progress.Event{Phase: progress.PhaseDone, Name: dst, BytesTotal: size, BytesDone: size})
	return nil
}

func (e *imageEntry) image() *types.Image {
	return &types.Image{
		ID:        e.UUID,
		Name:      e.Name,
		Type:      typ,
		Digest:    e.Digest.String(),
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
	}
}

// copyToTemp copies src into a temp file in dir, optionally hashing, and
// returns the temp path. The caller renames or removes it.
func copyToTemp(ctx context.Context, src, dir string, h io.Writer, tracker progress.Tracker, name string) (path string, size int64, err error) {
	in, total, err := openSource(ctx, src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	if h != nil {
		w = io.MultiWriter(tmp, h)
	}
	pw := progress.NewWriter(w, tracker, name, total)
	if _, err = io.Copy(pw, &ctxReader{ctx: ctx, r: in}); err != nil {
		return "", 0, fmt.Errorf("copy %s: %w", src, err)
	}
	if err = tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), pw.Done(), nil
}

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
