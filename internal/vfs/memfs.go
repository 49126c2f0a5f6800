package vfs

import (
	"fmt"
	"sync"
)

// memInode is one file or directory in an in-memory filesystem. Directory
// order is tracked separately from the name->inode map so Readdir returns
// entries in creation order rather than Go's randomized map order.
type memInode struct {
	inode uint64
	typ   NodeType
	name  string

	children map[string]uint64
	order    []string
	data     []byte
}

// memFS is a single mounted instance's private state: every inode it
// owns, keyed for O(1) lookup, guarded by one mutex — matching §5's
// "mount has its own sleeping mutex guarding its node cache" scaled down
// to this type's own bookkeeping.
type memFS struct {
	mu        sync.Mutex
	nodes     map[uint64]*memInode
	nextInode uint64
}

func (fs *memFS) get(inode uint64) (*memInode, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	mi, ok := fs.nodes[inode]
	return mi, ok
}

// memOps implements Ops against a memFS; every Node produced by this
// filesystem type carries a *memFS as its opaque data.
type memOps struct{}

func (memOps) Finddir(n *Node, name string) (uint64, error) {
	fs := n.Data().(*memFS)
	mi, ok := fs.get(n.Inode)
	if !ok {
		return 0, fmt.Errorf("memfs: inode %d vanished: %w", n.Inode, ErrNotFound)
	}
	if mi.typ != Directory {
		return 0, fmt.Errorf("memfs: %s: %w", mi.name, ErrNotDirectory)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, ok := mi.children[name]
	if !ok {
		return 0, fmt.Errorf("memfs: %s: %w", name, ErrNotFound)
	}
	return ino, nil
}

func (memOps) Readdir(n *Node, index int) (DirEntry, error) {
	fs := n.Data().(*memFS)
	mi, ok := fs.get(n.Inode)
	if !ok {
		return DirEntry{}, fmt.Errorf("memfs: inode %d vanished: %w", n.Inode, ErrNotFound)
	}
	if mi.typ != Directory {
		return DirEntry{}, fmt.Errorf("memfs: %s: %w", mi.name, ErrNotDirectory)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if index < 0 || index >= len(mi.order) {
		return DirEntry{}, fmt.Errorf("memfs: index %d: %w", index, ErrNotFound)
	}
	name := mi.order[index]
	return DirEntry{Name: name, Inode: mi.children[name]}, nil
}

func (memOps) Create(n *Node, name string, typ NodeType) (*Node, error) {
	fs := n.Data().(*memFS)
	mi, ok := fs.get(n.Inode)
	if !ok {
		return nil, fmt.Errorf("memfs: inode %d vanished: %w", n.Inode, ErrNotFound)
	}
	if mi.typ != Directory {
		return nil, fmt.Errorf("memfs: %s: %w", mi.name, ErrNotDirectory)
	}

	fs.mu.Lock()
	if _, exists := mi.children[name]; exists {
		fs.mu.Unlock()
		return nil, fmt.Errorf("memfs: %s: %w", name, ErrExists)
	}
	fs.nextInode++
	id := fs.nextInode
	child := &memInode{inode: id, typ: typ, name: name}
	if typ == Directory {
		child.children = make(map[string]uint64)
	}
	fs.nodes[id] = child
	mi.children[name] = id
	mi.order = append(mi.order, name)
	fs.mu.Unlock()

	return NewNode(id, name, typ, memOps{}, fs, n.Mount()), nil
}

func (memOps) Read(n *Node, offset int64, buf []byte) (int, error) {
	fs := n.Data().(*memFS)
	mi, ok := fs.get(n.Inode)
	if !ok {
		return 0, fmt.Errorf("memfs: inode %d vanished: %w", n.Inode, ErrNotFound)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if offset < 0 || offset >= int64(len(mi.data)) {
		return 0, nil
	}
	return copy(buf, mi.data[offset:]), nil
}

func (memOps) Write(n *Node, offset int64, buf []byte) (int, error) {
	fs := n.Data().(*memFS)
	mi, ok := fs.get(n.Inode)
	if !ok {
		return 0, fmt.Errorf("memfs: inode %d vanished: %w", n.Inode, ErrNotFound)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(mi.data)) {
		grown := make([]byte, end)
		copy(grown, mi.data)
		mi.data = grown
	}
	return copy(mi.data[offset:end], buf), nil
}

func (memOps) Close(n *Node) error { return nil }

// NewMemType registers an in-memory filesystem type under name: every
// mount of it gets an independent node tree rooted at inode 1, with no
// backing store beyond process memory. It stands in for a ramdisk-backed
// root filesystem (parsing an on-disk ramdisk format is out of scope, §1)
// while still giving callers something concrete to mount.
func NewMemType(name string) *Type {
	return &Type{
		Name:        name,
		Description: "in-memory filesystem",
		Mount: func(mnt *Mount, dev string) error {
			fs := &memFS{nodes: make(map[uint64]*memInode), nextInode: 1}
			fs.nodes[1] = &memInode{inode: 1, typ: Directory, name: "/", children: make(map[string]uint64)}
			mnt.Data = fs
			root := NewNode(1, "/", Directory, memOps{}, fs, mnt)
			root.Refer()
			mnt.SetRoot(root)
			return nil
		},
		Unmount: func(mnt *Mount) error { return nil },
		ReadNode: func(mnt *Mount, inode uint64) (*Node, error) {
			fs := mnt.Data.(*memFS)
			mi, ok := fs.get(inode)
			if !ok {
				return nil, fmt.Errorf("memfs: inode %d: %w", inode, ErrNotFound)
			}
			return NewNode(inode, mi.name, mi.typ, memOps{}, fs, mnt), nil
		},
	}
}
