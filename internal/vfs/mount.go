package vfs

import "sync"

// Mount is a single mounted filesystem instance (§3 "VFS Mount"): its
// type, the mount-point node in the parent filesystem (nil only for the
// root mount), its own root node, and a per-mount cache mapping inode
// number to live Node. The cache holds weak slots — residency in it does
// not itself count as a reference (§4.5); Node.Deref evicts an entry once
// the last real reference drops.
//
// A Go map keyed by inode replaces a balanced tree (§9 design note);
// lookup remains effectively O(1) rather than O(log n), a strict
// improvement the note invites.
type Mount struct {
	Type *Type
	Data interface{}

	mountPoint *Node // node in the parent fs this mount is attached to; nil for root
	root       *Node

	mu           sync.RWMutex
	cache        map[uint64]*Node
	childMounts  map[uint64]*Mount // inode -> mount attached there; survives node-object eviction
}

func newMount(t *Type, data interface{}, mountPoint *Node) *Mount {
	return &Mount{
		Type:        t,
		Data:        data,
		mountPoint:  mountPoint,
		cache:       make(map[uint64]*Node),
		childMounts: make(map[uint64]*Mount),
	}
}

// Root returns this mount's root node.
func (m *Mount) Root() *Node { return m.root }

// SetRoot installs n as this mount's root node. A type's Mount callback
// must call this before returning, with n already holding at least one
// reference (§4.5 "the filesystem's mount callback must set mnt.root to a
// node whose ref-count >= 1"). The root is entered in the mount's node
// cache, where it stays for as long as it holds a reference.
func (m *Mount) SetRoot(n *Node) {
	m.root = n
	m.insertCache(n)
}

// MountPoint returns the node in the parent filesystem this mount is
// attached to, or nil for the root mount.
func (m *Mount) MountPoint() *Node { return m.mountPoint }

// lookupCache returns the cached node for inode, if present, without
// touching its reference count.
func (m *Mount) lookupCache(inode uint64) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[inode]
}

func (m *Mount) insertCache(n *Node) {
	m.mu.Lock()
	m.cache[n.Inode] = n
	m.mu.Unlock()
}

func (m *Mount) evict(inode uint64) {
	m.mu.Lock()
	delete(m.cache, inode)
	m.mu.Unlock()
}

// CacheSize reports the number of nodes currently resident in the mount's
// cache, for tests.
func (m *Mount) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// childMountAt returns the mount attached at inode within m, or nil.
func (m *Mount) childMountAt(inode uint64) *Mount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.childMounts[inode]
}

// setChildMount records (child == nil removes) the mount attached at
// inode within m.
func (m *Mount) setChildMount(inode uint64, child *Mount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if child == nil {
		delete(m.childMounts, inode)
		return
	}
	m.childMounts[inode] = child
}
