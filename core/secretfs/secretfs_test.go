package secretfs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingSubmitter runs operations inline and records their labels. A
// non-zero fail is returned for every operation that succeeds.
type recordingSubmitter struct {
	mu     sync.Mutex
	labels []string
	fail   syscall.Errno
}

func (s *recordingSubmitter) Submit(label string, commit bool, operation func() syscall.Errno) syscall.Errno {
	if errno := operation(); errno != 0 {
		return errno
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, label)
	return s.fail
}

func (s *recordingSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.labels...)
}

func openLoopback(t *testing.T, path string, flags int) fs.FileHandle {
	t.Helper()
	fd, err := syscall.Open(path, flags, 0o644)
	require.NoError(t, err)
	return fs.NewLoopbackFile(fd)
}

func TestFileWriteIsSubmitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	submitter := &recordingSubmitter{}
	f := &file{FileHandle: openLoopback(t, path, syscall.O_RDWR), submitter: submitter}
	ctx := context.Background()
	t.Cleanup(func() { f.Release(ctx) })

	n, errno := f.Write(ctx, []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(5), n)

	buf := make([]byte, 5)
	res, errno := f.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	got, _ := res.Bytes(buf)
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, syscall.Errno(0), f.Flush(ctx))
	assert.Equal(t, []string{"write"}, submitter.submitted())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestFileWriteReportsCommitFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	submitter := &recordingSubmitter{fail: syscall.ENOSPC}
	f := &file{FileHandle: openLoopback(t, path, syscall.O_RDWR), submitter: submitter}
	ctx := context.Background()
	t.Cleanup(func() { f.Release(ctx) })

	n, errno := f.Write(ctx, []byte("hello"), 0)
	assert.Equal(t, syscall.ENOSPC, errno)
	assert.Zero(t, n)
}

func TestFileWriteOnReadOnlyHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	submitter := &recordingSubmitter{}
	f := &file{FileHandle: openLoopback(t, path, syscall.O_RDONLY), submitter: submitter}
	ctx := context.Background()
	t.Cleanup(func() { f.Release(ctx) })

	_, errno := f.Write(ctx, []byte("hello"), 0)
	assert.Equal(t, syscall.EBADF, errno)
	assert.Empty(t, submitter.submitted())
}

func TestMountValidatesOptions(t *testing.T) {
	_, err := Mount(Options{CacheDir: t.TempDir(), Submitter: &recordingSubmitter{}})
	assert.Error(t, err)

	_, err = Mount(Options{MountPoint: t.TempDir(), CacheDir: t.TempDir()})
	assert.Error(t, err)

	_, err = Mount(Options{
		MountPoint: t.TempDir(),
		CacheDir:   filepath.Join(t.TempDir(), "missing"),
		Submitter:  &recordingSubmitter{},
	})
	assert.Error(t, err)
}

// fuseAvailable skips tests that need a real mount when /dev/fuse is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T, submitter Submitter) (mountPoint, cacheDir string) {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	cacheDir = filepath.Join(root, "cache")
	mountPoint = filepath.Join(root, "mount")
	require.NoError(t, os.Mkdir(cacheDir, 0o755))

	server, err := Mount(Options{
		MountPoint: mountPoint,
		CacheDir:   cacheDir,
		Submitter:  submitter,
		Log:        zaptest.NewLogger(t).Sugar(),
	})
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountPoint, cacheDir
}

func TestMountCommitsMutations(t *testing.T) {
	submitter := &recordingSubmitter{}
	mountPoint, cacheDir := testMount(t, submitter)

	require.NoError(t, os.Mkdir(filepath.Join(mountPoint, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mountPoint, "dir", "a"), []byte("payload"), 0o644))
	require.NoError(t, os.Rename(filepath.Join(mountPoint, "dir", "a"), filepath.Join(mountPoint, "b")))
	require.NoError(t, os.Symlink("b", filepath.Join(mountPoint, "link")))

	content, err := os.ReadFile(filepath.Join(cacheDir, "b"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	target, err := os.Readlink(filepath.Join(cacheDir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "b", target)

	labels := submitter.submitted()
	assert.Contains(t, labels, "mkdir")
	assert.Contains(t, labels, "create")
	assert.Contains(t, labels, "write")
	assert.Contains(t, labels, "rename")
	assert.Contains(t, labels, "symlink")

	require.NoError(t, os.Remove(filepath.Join(mountPoint, "b")))
	require.NoError(t, os.Remove(filepath.Join(mountPoint, "dir")))
	assert.Contains(t, submitter.submitted(), "unlink")
	assert.Contains(t, submitter.submitted(), "rmdir")
}

func TestMountReadsBypassSubmitter(t *testing.T) {
	submitter := &recordingSubmitter{}
	mountPoint, cacheDir := testMount(t, submitter)

	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "existing"), []byte("cached"), 0o644))

	content, err := os.ReadFile(filepath.Join(mountPoint, "existing"))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(content))

	entries, err := os.ReadDir(mountPoint)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "existing", entries[0].Name())

	assert.Empty(t, submitter.submitted())
}

func TestMountSurfacesCommitFailure(t *testing.T) {
	submitter := &recordingSubmitter{fail: syscall.ENOSPC}
	mountPoint, _ := testMount(t, submitter)

	err := os.Mkdir(filepath.Join(mountPoint, "dir"), 0o755)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ENOSPC)
}
