package vfs

import (
	"errors"
	"testing"
)

func mustMountRoot(t *testing.T) *VFS {
	t.Helper()
	v := New()
	if err := v.RegisterType(NewMemType("memfs")); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	if err := v.Mount("none", "/", "memfs", nil); err != nil {
		t.Fatalf("Mount root: %v", err)
	}
	return v
}

func TestMountRootAndLookup(t *testing.T) {
	v := mustMountRoot(t)

	root, err := v.Lookup(nil, "/", AnyType)
	if err != nil {
		t.Fatalf("Lookup(/): %v", err)
	}
	defer root.Deref()
	if root.Type != Directory {
		t.Fatalf("root type = %v, want Directory", root.Type)
	}
}

func TestCreateAndLookupFile(t *testing.T) {
	v := mustMountRoot(t)

	node, err := v.Create("/hello.txt", File)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer node.Deref()

	n, err := v.Write(node, 0, []byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}

	found, err := v.Lookup(nil, "/hello.txt", File)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer found.Deref()

	buf := make([]byte, 8)
	n, err = v.Read(found, 0, buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("Read = (%q, %v)", buf[:n], err)
	}
}

func TestCreateRejectsDotNames(t *testing.T) {
	v := mustMountRoot(t)
	if _, err := v.Create("/.", File); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Create(/.) err = %v, want ErrInvalidArgument", err)
	}
	if _, err := v.Create("/..", File); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Create(/..) err = %v, want ErrInvalidArgument", err)
	}
}

func TestLookupNotDirectory(t *testing.T) {
	v := mustMountRoot(t)
	node, err := v.Create("/leaf", File)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	node.Deref()

	if _, err := v.Lookup(nil, "/leaf/child", AnyType); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("Lookup err = %v, want ErrNotDirectory", err)
	}
}

func TestRefcountConservation(t *testing.T) {
	v := mustMountRoot(t)

	node, err := v.Create("/a", Directory)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	node.Deref()

	for i := 0; i < 10; i++ {
		n, err := v.Lookup(nil, "/a", Directory)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if n.RefCount() < 1 {
			t.Fatalf("refcount = %d, want >= 1", n.RefCount())
		}
		n.Deref()
	}

	root := v.Root()
	if got := root.Mount().CacheSize(); got < 1 {
		t.Fatalf("cache size = %d, want >= 1 (root always resident)", got)
	}
}

func TestNestedMount(t *testing.T) {
	v := mustMountRoot(t)
	if err := v.RegisterType(NewMemType("submemfs")); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}

	dir, err := v.Create("/mnt", Directory)
	if err != nil {
		t.Fatalf("Create /mnt: %v", err)
	}
	dir.Deref()

	if err := v.Mount("none", "/mnt", "submemfs", nil); err != nil {
		t.Fatalf("Mount /mnt: %v", err)
	}

	sub, err := v.Create("/mnt/child", File)
	if err != nil {
		t.Fatalf("Create /mnt/child: %v", err)
	}
	sub.Deref()

	node, err := v.Lookup(nil, "/mnt/child", File)
	if err != nil {
		t.Fatalf("Lookup /mnt/child: %v", err)
	}
	node.Deref()

	// The parent mount's "mnt" node must never have seen a "child" entry
	// created on its own filesystem.
	if _, err := v.Lookup(nil, "/child", AnyType); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup /child err = %v, want ErrNotFound (leaked across mount)", err)
	}

	// A live reference on the mount's own root blocks unmount...
	held, err := v.Lookup(nil, "/mnt", AnyType)
	if err != nil {
		t.Fatalf("Lookup /mnt: %v", err)
	}
	if err := v.Umount("/mnt"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Umount err = %v, want ErrBusy while an extra ref is held", err)
	}
	held.Deref()

	// ...and once released, with the live child also dereferenced, the
	// mount comes free.
	if err := v.Umount("/mnt"); err != nil {
		t.Fatalf("Umount: %v", err)
	}
}

func TestMountBusyOnExistingMountPoint(t *testing.T) {
	v := mustMountRoot(t)
	if err := v.RegisterType(NewMemType("second")); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	dir, err := v.Create("/mnt", Directory)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir.Deref()

	if err := v.Mount("none", "/mnt", "second", nil); err != nil {
		t.Fatalf("first mount: %v", err)
	}
	if err := v.Mount("none", "/mnt", "second", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second mount err = %v, want ErrBusy", err)
	}
}

func TestUnregisterTypeFailsWhileMounted(t *testing.T) {
	v := mustMountRoot(t)
	if err := v.UnregisterType("memfs"); err == nil {
		t.Fatalf("UnregisterType succeeded while a mount of the type is live")
	}
}

func TestLookupRelativeToBase(t *testing.T) {
	v := mustMountRoot(t)

	dir, err := v.Create("/work", Directory)
	if err != nil {
		t.Fatalf("Create /work: %v", err)
	}
	defer dir.Deref()

	leaf, err := v.Create("/work/file.txt", File)
	if err != nil {
		t.Fatalf("Create /work/file.txt: %v", err)
	}
	leaf.Deref()

	// A relative lookup (no leading "/") anchored at a caller-supplied
	// base node, the way a process's cwd would drive it, rather than at
	// the VFS root.
	found, err := v.Lookup(dir, "file.txt", File)
	if err != nil {
		t.Fatalf("relative Lookup: %v", err)
	}
	defer found.Deref()
	if found.Inode != leaf.Inode {
		t.Fatalf("relative Lookup resolved inode %d, want %d", found.Inode, leaf.Inode)
	}
}

func TestLookupRelativeRequiresBase(t *testing.T) {
	v := mustMountRoot(t)
	if _, err := v.Lookup(nil, "file.txt", AnyType); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("relative Lookup with nil base err = %v, want ErrInvalidArgument", err)
	}
}

func TestStatAndIsDir(t *testing.T) {
	v := mustMountRoot(t)
	st, err := v.Stat("/")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode != uint32(Directory) {
		t.Fatalf("Mode = %d, want %d", st.Mode, Directory)
	}

	node, err := v.Open("/", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer node.Deref()
	if !IsDir(node) {
		t.Fatalf("IsDir = false, want true")
	}
}
