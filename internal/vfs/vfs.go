package vfs

import (
	"fmt"
	pathpkg "path"
	"strings"
	"sync"
	"sync/atomic"
)

// Metrics receives counter updates for VFS operations. Satisfied
// structurally by internal/telemetry's MetricsCollector (SPEC_FULL.md
// AMBIENT STACK); this package never imports telemetry.
type Metrics interface {
	RecordVFSLookup()
	RecordVFSMount()
	RecordVFSUmount()
	RecordVFSCreate()
	RecordVFSCacheMiss()
}

type noopMetrics struct{}

func (noopMetrics) RecordVFSLookup()    {}
func (noopMetrics) RecordVFSMount()     {}
func (noopMetrics) RecordVFSUmount()    {}
func (noopMetrics) RecordVFSCreate()    {}
func (noopMetrics) RecordVFSCacheMiss() {}

// VFS is the top-level coordinator: the filesystem-type registry and the
// mount table (§3 "VFS Mount", §4.5). One VFS exists per kernel instance.
type VFS struct {
	types *typeRegistry

	mu     sync.RWMutex // guards root/mounts, per §5 "the mount list ... global sleeping mutex"
	root   *Mount
	mounts []*Mount

	metrics Metrics
}

// New creates an empty VFS with no mounted root.
func New() *VFS {
	return &VFS{types: newTypeRegistry(), metrics: noopMetrics{}}
}

// NewWithMetrics creates an empty VFS that reports operation counters to
// metrics (SPEC_FULL.md AMBIENT STACK).
func NewWithMetrics(metrics Metrics) *VFS {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &VFS{types: newTypeRegistry(), metrics: metrics}
}

// RegisterType adds a filesystem type (§4.5 "vfs_type_register").
func (v *VFS) RegisterType(t *Type) error { return v.types.Register(t) }

// UnregisterType removes a filesystem type (§4.5 "vfs_type_unregister").
func (v *VFS) UnregisterType(name string) error { return v.types.Unregister(name) }

// Root returns the root mount's root node, or nil if nothing is mounted
// yet.
func (v *VFS) Root() *Node {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.root == nil {
		return nil
	}
	return v.root.root
}

// Mount attaches a filesystem instance (§4.5 "vfs_mount"). The first
// successful mount must target "/" and becomes the root mount; every
// subsequent mount must target an existing directory that is not already a
// mount point.
func (v *VFS) Mount(dev, path, typeName string, data interface{}) error {
	t, err := v.types.lookup(typeName)
	if err != nil {
		return err
	}

	v.mu.RLock()
	haveRoot := v.root != nil
	v.mu.RUnlock()

	if !haveRoot {
		if path != "/" {
			return fmt.Errorf("vfs: first mount must target \"/\": %w", ErrInvalidArgument)
		}
		mnt := newMount(t, data, nil)
		if err := t.Mount(mnt, dev); err != nil {
			return fmt.Errorf("vfs: mount %q: %w", dev, err)
		}
		if mnt.root == nil || mnt.root.RefCount() < 1 {
			return fmt.Errorf("vfs: type %q did not establish a referenced root: %w", typeName, ErrInvalidArgument)
		}
		v.mu.Lock()
		if v.root != nil {
			v.mu.Unlock()
			return fmt.Errorf("vfs: root already mounted: %w", ErrBusy)
		}
		v.root = mnt
		v.mounts = append(v.mounts, mnt)
		atomic.AddInt32(&t.mountCount, 1)
		v.mu.Unlock()
		v.metrics.RecordVFSMount()
		return nil
	}

	parent, err := v.Lookup(nil, path, Directory)
	if err != nil {
		return fmt.Errorf("vfs: resolving mount point %q: %w", path, err)
	}
	defer parent.Deref()

	// Lookup crosses mount boundaries, so a path that is already a mount
	// point resolves to the mounted filesystem's root.
	if parent.Mounted() != nil || (parent.mount != nil && parent.mount.root == parent) {
		return fmt.Errorf("vfs: %q is already a mount point: %w", path, ErrBusy)
	}

	mnt := newMount(t, data, parent)
	if err := t.Mount(mnt, dev); err != nil {
		return fmt.Errorf("vfs: mount %q: %w", dev, err)
	}
	if mnt.root == nil || mnt.root.RefCount() < 1 {
		return fmt.Errorf("vfs: type %q did not establish a referenced root: %w", typeName, ErrInvalidArgument)
	}

	v.mu.Lock()
	if parent.Mounted() != nil {
		v.mu.Unlock()
		// Another mount landed on path while t.Mount ran unlocked above;
		// release what this attempt built rather than leak it.
		if t.Unmount != nil {
			t.Unmount(mnt)
		}
		mnt.root.Deref()
		return fmt.Errorf("vfs: %q is already a mount point: %w", path, ErrBusy)
	}
	parent.setMounted(mnt)
	v.mounts = append(v.mounts, mnt)
	atomic.AddInt32(&t.mountCount, 1)
	v.mu.Unlock()
	v.metrics.RecordVFSMount()
	return nil
}

// Umount detaches the mount whose root resolves from path (§4.5
// "vfs_umount"), refusing when references beyond the mount's own root
// reference remain live.
func (v *VFS) Umount(path string) error {
	node, err := v.Lookup(nil, path, AnyType)
	if err != nil {
		return err
	}
	defer node.Deref()

	mnt := node.mount
	if mnt == nil || mnt.root != node {
		return fmt.Errorf("vfs: %q is not a mount root: %w", path, ErrInvalidArgument)
	}
	if mnt.mountPoint == nil {
		return fmt.Errorf("vfs: cannot unmount the root filesystem: %w", ErrBusy)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// One ref is this lookup's temporary hold, one is the mount's
	// permanent hold on its own root (§4.5 "the root node of every live
	// mount holds at least one ref"); anything beyond that is a live
	// caller reference and blocks the unmount.
	if node.RefCount() > 2 {
		return fmt.Errorf("vfs: %q has live references: %w", path, ErrBusy)
	}
	// Any other node still resident in the mount's cache holds a live
	// reference too.
	if mnt.CacheSize() > 1 {
		return fmt.Errorf("vfs: %q has live nodes: %w", path, ErrBusy)
	}

	if mnt.Type.Unmount != nil {
		if err := mnt.Type.Unmount(mnt); err != nil {
			return fmt.Errorf("vfs: unmount %q: %w", path, err)
		}
	}

	mnt.mountPoint.setMounted(nil)
	atomic.AddInt32(&mnt.Type.mountCount, -1)
	for i, m := range v.mounts {
		if m == mnt {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			break
		}
	}

	node.Deref() // releases the mount's own permanent hold on its root
	v.metrics.RecordVFSUmount()
	return nil
}

// Lookup resolves path against base (vfs_lookup_internal, §4.5), returning
// a referenced node the caller must Deref. An absolute path (leading "/")
// ignores base and starts from the VFS root; a relative path requires a
// non-nil base (normally a process's cwd node). expectedType, when not
// AnyType, must match the resolved node's type or resolution fails.
func (v *VFS) Lookup(base *Node, path string, expectedType NodeType) (*Node, error) {
	v.metrics.RecordVFSLookup()
	var current *Node
	rest := path

	if strings.HasPrefix(path, "/") {
		v.mu.RLock()
		root := v.root
		v.mu.RUnlock()
		if root == nil {
			return nil, fmt.Errorf("vfs: nothing mounted at \"/\": %w", ErrNotFound)
		}
		current = root.root
		current.Refer()
		rest = strings.TrimLeft(path, "/")
	} else {
		if base == nil {
			return nil, fmt.Errorf("vfs: relative lookup requires a base node: %w", ErrInvalidArgument)
		}
		current = base
		current.Refer()
	}

	if rest != "" {
		for _, tok := range strings.Split(rest, "/") {
			if tok == "" {
				continue
			}
			next, err := v.step(current, tok)
			if err != nil {
				current.Deref()
				return nil, err
			}
			current.Deref()
			current = next
		}
	}

	if expectedType != AnyType && current.Type != expectedType {
		current.Deref()
		return nil, fmt.Errorf("vfs: %q: %w", path, ErrNotFound)
	}
	return current, nil
}

// step resolves a single path component from dir, crossing a mount
// boundary if the matched node is a mount point. Returns a newly
// referenced node; dir's reference is untouched (the caller derefs it).
func (v *VFS) step(dir *Node, name string) (*Node, error) {
	if dir.Type != Directory {
		return nil, fmt.Errorf("vfs: %q: %w", name, ErrNotDirectory)
	}

	inode, err := dir.ops.Finddir(dir, name)
	if err != nil {
		return nil, fmt.Errorf("vfs: %q: %w", name, ErrNotFound)
	}

	mnt := dir.mount
	next := mnt.lookupCache(inode)
	if next == nil {
		if mnt.Type.ReadNode == nil {
			return nil, fmt.Errorf("vfs: type %q has no read_node: %w", mnt.Type.Name, ErrNotSupported)
		}
		next, err = mnt.Type.ReadNode(mnt, inode)
		if err != nil {
			return nil, fmt.Errorf("vfs: reading inode %d: %w", inode, err)
		}
		mnt.insertCache(next)
		v.metrics.RecordVFSCacheMiss()
	}
	next.Refer()

	if crossMnt := next.Mounted(); crossMnt != nil {
		root := crossMnt.Root()
		root.Refer()
		next.Deref()
		next = root
	}
	return next, nil
}

// Read dispatches to node's ops vtable (§4.5 "vfs_read").
func (v *VFS) Read(n *Node, offset int64, buf []byte) (int, error) { return n.ops.Read(n, offset, buf) }

// Write dispatches to node's ops vtable (§4.5 "vfs_write").
func (v *VFS) Write(n *Node, offset int64, buf []byte) (int, error) { return n.ops.Write(n, offset, buf) }

// Readdir dispatches to node's ops vtable (§4.5 "vfs_readdir").
func (v *VFS) Readdir(n *Node, index int) (DirEntry, error) { return n.ops.Readdir(n, index) }

// Finddir dispatches to node's ops vtable (§4.5 "vfs_finddir").
func (v *VFS) Finddir(n *Node, name string) (uint64, error) { return n.ops.Finddir(n, name) }

// Close dispatches to node's ops vtable (§4.5 "vfs_close").
func (v *VFS) Close(n *Node) error { return n.ops.Close(n) }

// Create resolves path's parent directory and creates leaf within it
// (§4.5 "Create"), rejecting "." and "..". The returned node carries one
// reference.
func (v *VFS) Create(path string, typ NodeType) (*Node, error) {
	dir, leaf := pathpkg.Dir(path), pathpkg.Base(path)
	if leaf == "." || leaf == ".." || leaf == "" || leaf == "/" {
		return nil, fmt.Errorf("vfs: %q: %w", path, ErrInvalidArgument)
	}

	parent, err := v.Lookup(nil, dir, Directory)
	if err != nil {
		return nil, fmt.Errorf("vfs: resolving parent of %q: %w", path, err)
	}
	defer parent.Deref()

	node, err := parent.ops.Create(parent, leaf, typ)
	if err != nil {
		return nil, fmt.Errorf("vfs: creating %q: %w", path, err)
	}
	node.Refer()
	parent.mount.insertCache(node)
	v.metrics.RecordVFSCreate()
	return node, nil
}

// Stat is the reporting record for a resolved node (§6 "Stat record"):
// a stat() convenience wrapper around Lookup.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Rdev  uint64
	Size  int64
}

// modeBits returns §6's stable per-type integer, or 8 ("mountpoint") when
// the node is itself a live mount point.
func modeBits(n *Node) uint32 {
	if n.Mounted() != nil {
		return 8
	}
	return uint32(n.Type)
}

// Stat resolves path and fills a Stat record from the node.
func (v *VFS) Stat(path string) (Stat, error) {
	node, err := v.Lookup(nil, path, AnyType)
	if err != nil {
		return Stat{}, err
	}
	defer node.Deref()
	return Stat{Ino: node.Inode, Mode: modeBits(node), Nlink: 1}, nil
}

// IsDir reports whether node is a directory.
func IsDir(n *Node) bool { return n.Type == Directory }

// Open resolves path and hands back a referenced node. flags is accepted
// for interface parity with a conventional open() but unused:
// access-mode enforcement is out of scope (§1, no user-space ABI).
func (v *VFS) Open(path string, flags int) (*Node, error) {
	return v.Lookup(nil, path, AnyType)
}
