package vfs

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MountFunc populates a freshly constructed Mount of this type: it must
// call mnt.SetRoot with a node already holding at least one reference
// (§4.5 "the filesystem's mount callback must set mnt.root to a node
// whose ref-count >= 1"), one per registered filesystem type (§3 "VFS
// Type").
type MountFunc func(mnt *Mount, dev string) error

// UnmountFunc tears down a mount's fs-private state. It runs after VFS has
// already verified no outstanding references remain beyond the root.
type UnmountFunc func(mnt *Mount) error

// ReadNodeFunc populates a cache miss during path resolution: given an
// inode number discovered via Finddir, it constructs the corresponding
// Node (§4.5 "on miss, call the mount's read_node").
type ReadNodeFunc func(mnt *Mount, inode uint64) (*Node, error)

// Type is a registered filesystem type (§3 "VFS Type"): a name-unique
// entry pairing mount/unmount callbacks with a read_node constructor.
type Type struct {
	Name        string
	Description string

	Mount    MountFunc
	Unmount  UnmountFunc
	ReadNode ReadNodeFunc

	mountCount int32 // live mounts of this type; unregister fails while > 0
}

// typeRegistry is the name-unique set of registered filesystem types
// (§4.5 "vfs_type_register/unregister"): a map guarded by an RWMutex
// rather than an intrusive list.
type typeRegistry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{types: make(map[string]*Type)}
}

// Register adds a new filesystem type. It fails if the name is already
// registered.
func (r *typeRegistry) Register(t *Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("vfs: type %q already registered: %w", t.Name, ErrExists)
	}
	r.types[t.Name] = t
	return nil
}

// Unregister removes a filesystem type, failing while any mount of that
// type is still live (§4.5).
func (r *typeRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, exists := r.types[name]
	if !exists {
		return fmt.Errorf("vfs: type %q not registered: %w", name, ErrNotFound)
	}
	if n := atomic.LoadInt32(&t.mountCount); n > 0 {
		return fmt.Errorf("vfs: type %q has %d live mount(s): %w", name, n, ErrBusy)
	}
	delete(r.types, name)
	return nil
}

func (r *typeRegistry) lookup(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.types[name]
	if !exists {
		return nil, fmt.Errorf("vfs: type %q not registered: %w", name, ErrNotFound)
	}
	return t, nil
}
