package registry

import (
	"fmt"
	"strings"

	"github.com/projecteru2/vmadm/types"
)

// Record is the persisted form of a VM: the public record plus runtime state
// that callers reach only through dedicated queries.
type Record struct {
	types.VM

	// Session is the reserved console port. Held from reservation until the VM
	// leaves running; nil otherwise.
	Session *types.VNCSession `json:"vnc_session,omitempty"`
}

// Clone returns a deep copy detached from the index.
func (r *Record) Clone() Record {
	out := Record{VM: r.VM.Clone()}
	if r.Session != nil {
		s := *r.Session
		out.Session = &s
	}
	return out
}

// Index is the top-level document of the VM store.
type Index struct {
	VMs     map[string]*Record `json:"vms"`
	Aliases map[string]string  `json:"aliases"` // alias → UUID
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.VMs == nil {
		idx.VMs = make(map[string]*Record)
	}
	if idx.Aliases == nil {
		idx.Aliases = make(map[string]string)
	}
}

// Ports returns every reserved console port with its owner UUID.
func (idx *Index) Ports() map[int]string {
	ports := make(map[int]string)
	for id, rec := range idx.VMs {
		if rec != nil && rec.Session != nil {
			ports[rec.Session.Port] = id
		}
	}
	return ports
}

// resolve maps a reference (exact UUID, alias, or UUID prefix of at least 3
// characters) to a UUID.
func (idx *Index) resolve(ref string) (string, error) {
	if idx.VMs[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Aliases[ref]; ok && idx.VMs[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 { //nolint:mnd
		var match string
		for id := range idx.VMs {
			if !strings.HasPrefix(id, ref) {
				continue
			}
			if match != "" {
				return "", fmt.Errorf("%w: ambiguous ref %q", types.ErrInvalidSpec, ref)
			}
			match = id
		}
		if match != "" {
			return match, nil
		}
	}
	return "", types.ErrNotFound
}
