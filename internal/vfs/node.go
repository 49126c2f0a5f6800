// Package vfs implements the virtual filesystem core (§3, §4.5):
// reference-counted nodes, mountpoint composition, per-mount node caches,
// and a path resolver that crosses mount boundaries. Nodes and mounts are
// held in explicit, id-keyed maps rather than intrusive link-list/tree
// fields (§9 design note).
package vfs

import (
	"fmt"
	"sync/atomic"
)

// NodeType enumerates the kinds of object a Node can represent (§3 "VFS
// Node"). Values match §6's stable wire integers, not an arbitrary iota.
type NodeType int

const (
	// AnyType is passed to Lookup/vfs_lookup when the caller does not care
	// which type it gets back (§4.5 "when expected_type >= 0").
	AnyType NodeType = -1

	File       NodeType = 1
	Directory  NodeType = 2
	CharDevice NodeType = 3
	BlockDevice NodeType = 4
	FIFO       NodeType = 5
	Symlink    NodeType = 6
)

func (t NodeType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "directory"
	case CharDevice:
		return "char-device"
	case BlockDevice:
		return "block-device"
	case FIFO:
		return "fifo"
	case Symlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name  string
	Inode uint64
}

// Ops is a node's operations vtable (§3 "operations vtable"). A filesystem
// type supplies one implementation per node; read_node (used to populate a
// cache miss) is supplied by the owning Mount instead, since it constructs
// nodes rather than operating on an existing one.
type Ops interface {
	Read(n *Node, offset int64, buf []byte) (int, error)
	Write(n *Node, offset int64, buf []byte) (int, error)
	Readdir(n *Node, index int) (DirEntry, error)
	Finddir(n *Node, name string) (uint64, error)
	Create(n *Node, name string, typ NodeType) (*Node, error)
	Close(n *Node) error
}

// Node is a VFS node (§3 "VFS Node"). Invariant: a node's lifetime extends
// at least as long as its ref-count; ref-count==0 makes it eligible for
// free. Whether a node is a mount point is tracked by its owning Mount,
// keyed by inode, rather than on the Node itself: cache eviction can
// recycle the Node object for a still-live inode at any time, and a
// mount-point's attached child Mount must survive that (see Mount's
// childMounts).
type Node struct {
	Inode uint64
	Name  string
	Type  NodeType

	ops  Ops
	data interface{} // opaque fs-private data

	mount *Mount // the mount this node belongs to

	refs int32
}

// NewNode constructs a node with zero references; the caller (normally the
// mount's read_node, or vfs_create) must Refer it before handing it out,
// per §4.5's "ref-count 0 initially then refer".
func NewNode(inode uint64, name string, typ NodeType, ops Ops, data interface{}, mount *Mount) *Node {
	return &Node{
		Inode: inode,
		Name:  name,
		Type:  typ,
		ops:   ops,
		data:  data,
		mount: mount,
	}
}

// Data returns the node's opaque filesystem-private payload.
func (n *Node) Data() interface{} { return n.data }

// Mount returns the mount this node belongs to.
func (n *Node) Mount() *Mount { return n.mount }

// RefCount reports the node's current reference count, for tests and
// leak-conservation checks (§8 "VFS ref-count conservation").
func (n *Node) RefCount() int32 { return atomic.LoadInt32(&n.refs) }

// Refer increments the node's reference count (§4.5 "refer").
func (n *Node) Refer() { atomic.AddInt32(&n.refs, 1) }

// Deref decrements the reference count and, if it reaches zero, removes
// the node from its mount's cache (§4.5 "deref ... vfs_node_free removes
// the node from the cache"). A ref-count driven below zero is corruption
// (§7: "ref-count < 0" is a fatal kind), not a value to clamp away.
func (n *Node) Deref() {
	v := atomic.AddInt32(&n.refs, -1)
	if v < 0 {
		corrupt("node %d ref-count went negative (%d)", n.Inode, v)
	}
	if v == 0 && n.mount != nil {
		n.mount.evict(n.Inode)
	}
}

// corrupt reports a detected internal invariant violation. Per §7, VFS
// corruption is fatal: it panics the kernel rather than attempting to
// limp forward on data known to be inconsistent.
func corrupt(format string, args ...any) {
	panic(fmt.Sprintf("vfs: corruption detected: "+format, args...))
}

// Mounted returns the mount attached at this node, or nil. It defers to
// the owning Mount's childMounts table (keyed by inode), since that
// survives the Node object being recycled by cache eviction.
func (n *Node) Mounted() *Mount {
	if n.mount == nil {
		return nil
	}
	return n.mount.childMountAt(n.Inode)
}

func (n *Node) setMounted(m *Mount) {
	if n.mount == nil {
		return
	}
	n.mount.setChildMount(n.Inode, m)
}
