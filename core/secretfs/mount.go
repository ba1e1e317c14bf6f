// Package secretfs exposes the cache directory through FUSE. Reads are
// served directly from the cache directory; every mutation is handed to a
// Submitter so that it is persisted before the caller gets an answer.
package secretfs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Options configures the FUSE mount.
type Options struct {
	// MountPoint is where the filesystem is mounted. It is created if missing.
	MountPoint string

	// CacheDir is the local directory mirrored by the mount.
	CacheDir string

	Submitter Submitter

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	Debug bool
	Log   *zap.SugaredLogger
}

// Mount mounts the cache directory at opts.MountPoint. The caller must call
// Unmount on the returned server.
func Mount(opts Options) (*fuse.Server, error) {
	if opts.MountPoint == "" {
		return nil, errors.New("mount point is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}

	var st syscall.Stat_t
	if err := syscall.Stat(opts.CacheDir, &st); err != nil {
		return nil, fmt.Errorf("stat cache directory %s: %w", opts.CacheDir, err)
	}
	if err := os.MkdirAll(opts.MountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mount point %s: %w", opts.MountPoint, err)
	}

	root := newRoot(opts.CacheDir, uint64(st.Dev), opts.Submitter, &st)

	timeout := time.Second
	server, err := fs.Mount(opts.MountPoint, root, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:     "kube-secret-fs",
			Name:       "kube-secret-fs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", opts.MountPoint, err)
	}

	opts.Log.Infow("mount", "status", "mounted", "mountPoint", opts.MountPoint, "cacheDir", opts.CacheDir)
	return server, nil
}
