package secretfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Submitter runs a filesystem operation on the single writer of the cache
// directory. commit marks operations whose success must be persisted before
// the caller is answered.
type Submitter interface {
	Submit(label string, commit bool, operation func() syscall.Errno) syscall.Errno
}

// node is a loopback node whose mutating operations go through the
// Submitter. Everything else is served straight from the cache directory.
type node struct {
	fs.LoopbackNode
	submitter Submitter
}

var (
	_ fs.NodeMknoder       = (*node)(nil)
	_ fs.NodeMkdirer       = (*node)(nil)
	_ fs.NodeRmdirer       = (*node)(nil)
	_ fs.NodeUnlinker      = (*node)(nil)
	_ fs.NodeRenamer       = (*node)(nil)
	_ fs.NodeSymlinker     = (*node)(nil)
	_ fs.NodeLinker        = (*node)(nil)
	_ fs.NodeCreater       = (*node)(nil)
	_ fs.NodeOpener        = (*node)(nil)
	_ fs.NodeSetattrer     = (*node)(nil)
	_ fs.NodeSetxattrer    = (*node)(nil)
	_ fs.NodeRemovexattrer = (*node)(nil)
)

func newRoot(path string, dev uint64, submitter Submitter, st *syscall.Stat_t) fs.InodeEmbedder {
	data := &fs.LoopbackRoot{
		Path: path,
		Dev:  dev,
		NewNode: func(data *fs.LoopbackRoot, _ *fs.Inode, _ string, _ *syscall.Stat_t) fs.InodeEmbedder {
			return &node{
				LoopbackNode: fs.LoopbackNode{RootData: data},
				submitter:    submitter,
			}
		},
	}

	root := data.NewNode(data, nil, "", st)
	data.RootNode = root
	return root
}

func (n *node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	errno = n.submitter.Submit("mknod", true, func() syscall.Errno {
		inode, errno = n.LoopbackNode.Mknod(ctx, name, mode, rdev, out)
		return errno
	})
	return inode, errno
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	errno = n.submitter.Submit("mkdir", true, func() syscall.Errno {
		inode, errno = n.LoopbackNode.Mkdir(ctx, name, mode, out)
		return errno
	})
	return inode, errno
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.submitter.Submit("rmdir", true, func() syscall.Errno {
		return n.LoopbackNode.Rmdir(ctx, name)
	})
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.submitter.Submit("unlink", true, func() syscall.Errno {
		return n.LoopbackNode.Unlink(ctx, name)
	})
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return n.submitter.Submit("rename", true, func() syscall.Errno {
		return n.LoopbackNode.Rename(ctx, name, newParent, newName, flags)
	})
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	errno = n.submitter.Submit("symlink", true, func() syscall.Errno {
		inode, errno = n.LoopbackNode.Symlink(ctx, target, name, out)
		return errno
	})
	return inode, errno
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (inode *fs.Inode, errno syscall.Errno) {
	errno = n.submitter.Submit("link", true, func() syscall.Errno {
		inode, errno = n.LoopbackNode.Link(ctx, target, name, out)
		return errno
	})
	return inode, errno
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	errno = n.submitter.Submit("create", true, func() syscall.Errno {
		inode, fh, fuseFlags, errno = n.LoopbackNode.Create(ctx, name, flags, mode, out)
		return errno
	})
	if errno != 0 {
		// The descriptor is open even when the commit failed.
		if r, ok := fh.(fs.FileReleaser); ok {
			r.Release(ctx)
		}
		return nil, nil, 0, errno
	}
	return inode, n.wrap(fh), fuseFlags, 0
}

// Open truncates through the Submitter; plain opens do not change content.
func (n *node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if flags&syscall.O_TRUNC == 0 {
		fh, fuseFlags, errno = n.LoopbackNode.Open(ctx, flags)
		if errno != 0 {
			return nil, 0, errno
		}
		return n.wrap(fh), fuseFlags, 0
	}

	errno = n.submitter.Submit("open", true, func() syscall.Errno {
		fh, fuseFlags, errno = n.LoopbackNode.Open(ctx, flags)
		return errno
	})
	if errno != 0 {
		if r, ok := fh.(fs.FileReleaser); ok {
			r.Release(ctx)
		}
		return nil, 0, errno
	}
	return n.wrap(fh), fuseFlags, 0
}

func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	// Hand the loopback its own handle so it does not submit a second time.
	if f, ok := fh.(*file); ok {
		fh = f.FileHandle
	}
	return n.submitter.Submit("setattr", true, func() syscall.Errno {
		return n.LoopbackNode.Setattr(ctx, fh, in, out)
	})
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.submitter.Submit("setxattr", true, func() syscall.Errno {
		return n.LoopbackNode.Setxattr(ctx, attr, data, flags)
	})
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return n.submitter.Submit("removexattr", true, func() syscall.Errno {
		return n.LoopbackNode.Removexattr(ctx, attr)
	})
}

func (n *node) wrap(fh fs.FileHandle) fs.FileHandle {
	if fh == nil {
		return nil
	}
	return &file{FileHandle: fh, submitter: n.submitter}
}
