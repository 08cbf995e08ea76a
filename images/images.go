// Package images is the local boot image catalog. Images are plain disk
// files under the image directory, addressed by UUID; provisioning clones
// them into per-VM disks.
package images

import (
	"context"

	"github.com/projecteru2/vmadm/progress"
	"github.com/projecteru2/vmadm/types"
)

// Resolver maps an image UUID to a readable file.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// Images manages the catalog.
type Images interface {
	Resolver

	Import(ctx context.Context, src, id, name string, tracker progress.Tracker) (*types.Image, error)
	List(ctx context.Context) ([]*types.Image, error)
	Delete(ctx context.Context, refs []string) ([]string, error)
	// Clone copies image id to dst, creating parent directories.
	Clone(ctx context.Context, id, dst string, tracker progress.Tracker) error
}
