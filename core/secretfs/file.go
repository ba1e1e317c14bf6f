package secretfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// file wraps a loopback file handle. Content changes are submitted, the
// rest is forwarded to the wrapped handle.
type file struct {
	fs.FileHandle
	submitter Submitter
}

var (
	_ fs.FileReader    = (*file)(nil)
	_ fs.FileWriter    = (*file)(nil)
	_ fs.FileFlusher   = (*file)(nil)
	_ fs.FileFsyncer   = (*file)(nil)
	_ fs.FileReleaser  = (*file)(nil)
	_ fs.FileGetattrer = (*file)(nil)
	_ fs.FileSetattrer = (*file)(nil)
	_ fs.FileAllocater = (*file)(nil)
	_ fs.FileLseeker   = (*file)(nil)
	_ fs.FileGetlker   = (*file)(nil)
	_ fs.FileSetlker   = (*file)(nil)
	_ fs.FileSetlkwer  = (*file)(nil)
)

func (f *file) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	w, ok := f.FileHandle.(fs.FileWriter)
	if !ok {
		return 0, syscall.ENOTSUP
	}
	errno = f.submitter.Submit("write", true, func() syscall.Errno {
		written, errno = w.Write(ctx, data, off)
		return errno
	})
	if errno != 0 {
		return 0, errno
	}
	return written, 0
}

func (f *file) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	s, ok := f.FileHandle.(fs.FileSetattrer)
	if !ok {
		return syscall.ENOTSUP
	}
	return f.submitter.Submit("setattr", true, func() syscall.Errno {
		return s.Setattr(ctx, in, out)
	})
}

func (f *file) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	a, ok := f.FileHandle.(fs.FileAllocater)
	if !ok {
		return syscall.ENOTSUP
	}
	return f.submitter.Submit("allocate", true, func() syscall.Errno {
		return a.Allocate(ctx, off, size, mode)
	})
}

func (f *file) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if r, ok := f.FileHandle.(fs.FileReader); ok {
		return r.Read(ctx, dest, off)
	}
	return nil, syscall.ENOTSUP
}

func (f *file) Flush(ctx context.Context) syscall.Errno {
	if fl, ok := f.FileHandle.(fs.FileFlusher); ok {
		return fl.Flush(ctx)
	}
	return 0
}

func (f *file) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if s, ok := f.FileHandle.(fs.FileFsyncer); ok {
		return s.Fsync(ctx, flags)
	}
	return 0
}

func (f *file) Release(ctx context.Context) syscall.Errno {
	if r, ok := f.FileHandle.(fs.FileReleaser); ok {
		return r.Release(ctx)
	}
	return 0
}

func (f *file) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	if g, ok := f.FileHandle.(fs.FileGetattrer); ok {
		return g.Getattr(ctx, out)
	}
	return syscall.ENOTSUP
}

func (f *file) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	if l, ok := f.FileHandle.(fs.FileLseeker); ok {
		return l.Lseek(ctx, off, whence)
	}
	return 0, syscall.ENOTSUP
}

func (f *file) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	if l, ok := f.FileHandle.(fs.FileGetlker); ok {
		return l.Getlk(ctx, owner, lk, flags, out)
	}
	return syscall.ENOTSUP
}

func (f *file) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if l, ok := f.FileHandle.(fs.FileSetlker); ok {
		return l.Setlk(ctx, owner, lk, flags)
	}
	return syscall.ENOTSUP
}

func (f *file) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if l, ok := f.FileHandle.(fs.FileSetlkwer); ok {
		return l.Setlkw(ctx, owner, lk, flags)
	}
	return syscall.ENOTSUP
}
