package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
)

var ErrUnsafePath = errors.New("archive entry escapes root")

// TarGz streams gzip-compressed tar archives in-process. Entries are named
// "./<rel>", the same layout `tar -cz .` writes, so archives from either
// archiver extract with the other.
type TarGz struct {
	level int
}

func NewTarGz() *TarGz {
	return &TarGz{level: gzip.DefaultCompression}
}

type pipeStream struct {
	*io.PipeReader
	done chan error
}

func (s *pipeStream) Wait() error {
	return <-s.done
}

func (a *TarGz) Compress(ctx context.Context, root string) (Stream, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("compressing %s: %w", root, err)
	}

	pr, pw := io.Pipe()
	s := &pipeStream{PipeReader: pr, done: make(chan error, 1)}

	go func() {
		err := a.write(ctx, root, pw)
		pw.CloseWithError(err)
		s.done <- err
	}()

	return s, nil
}

func (a *TarGz) write(ctx context.Context, root string, w io.Writer) error {
	gz, err := gzip.NewWriterLevel(w, a.level)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return writeEntry(tw, path, rel, info)
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}

	return gz.Close()
}

func writeEntry(tw *tar.Writer, path, rel string, info fs.FileInfo) error {
	if info.Mode()&fs.ModeSocket != 0 {
		return nil
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header for %s: %w", rel, err)
	}

	hdr.Name = "./" + filepath.ToSlash(rel)
	if rel == "." {
		hdr.Name = "./"
	} else if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.CopyN(tw, f, hdr.Size)
	return err
}

func (a *TarGz) Extract(ctx context.Context, root string, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	type dirTimes struct {
		path  string
		mtime time.Time
	}
	var dirs []dirTimes

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if err := noSymlinkBetween(root, target, hdr.Typeflag == tar.TypeDir); err != nil {
			return err
		}

		if err := extractEntry(tr, root, target, hdr); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}

		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, dirTimes{path: target, mtime: hdr.ModTime})
		}
	}

	// directory mtimes last; creating children bumps them
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime)
	}

	return nil
}

func extractEntry(tr *tar.Reader, root, target string, hdr *tar.Header) error {
	mode := hdr.FileInfo().Mode().Perm()

	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := removeExisting(target); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode); err != nil {
			return err
		}
		if err := os.Chmod(target, mode); err != nil {
			return err
		}

	case tar.TypeReg:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Chmod(target, mode); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
		lchown(target, hdr)
		return nil

	case tar.TypeLink:
		source, err := safeJoin(root, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := noSymlinkBetween(root, source, false); err != nil {
			return err
		}
		return os.Link(source, target)

	case tar.TypeFifo:
		if err := syscall.Mkfifo(target, uint32(mode)); err != nil {
			return err
		}

	case tar.TypeChar, tar.TypeBlock:
		kind := uint32(syscall.S_IFCHR)
		if hdr.Typeflag == tar.TypeBlock {
			kind = syscall.S_IFBLK
		}
		dev := int((hdr.Devmajor << 8) | (hdr.Devminor & 0xff) | ((hdr.Devminor & 0xfff00) << 12))
		if err := syscall.Mknod(target, kind|uint32(mode), dev); err != nil {
			return err
		}

	default:
		return nil
	}

	lchown(target, hdr)
	return os.Chtimes(target, hdr.AccessTime, hdr.ModTime)
}

// lchown restores ownership when running as root, like tar does.
func lchown(target string, hdr *tar.Header) {
	if os.Geteuid() != 0 {
		return
	}
	_ = os.Lchown(target, hdr.Uid, hdr.Gid)
}

func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return nil
	}

	return os.Remove(target)
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." {
		return root, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	return filepath.Join(root, clean), nil
}

// noSymlinkBetween rejects target if an existing component between root and
// target is a symlink, since writing through it could leave root. The last
// component is checked only when last is set; a non-directory entry replaces
// it instead of following it.
func noSymlinkBetween(root, target string, last bool) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}

	parts := strings.Split(rel, string(filepath.Separator))
	if !last {
		parts = parts[:len(parts)-1]
	}

	current := root
	for _, part := range parts {
		current = filepath.Join(current, part)
		fi, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q is a symlink", ErrUnsafePath, rel)
		}
	}

	return nil
}
