// Package archive produces and consumes the compressed tar stream of a
// directory tree.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrUnknownKind = errors.New("unknown archiver kind")

// Stream is the compressed archive of a directory being produced. Read it to
// EOF, then call Wait for the producer's outcome. Close aborts production.
type Stream interface {
	io.ReadCloser
	Wait() error
}

// Archiver compresses a directory into a stream and extracts a stream into a
// directory.
type Archiver interface {
	Compress(ctx context.Context, root string) (Stream, error)
	Extract(ctx context.Context, root string, r io.Reader) error
}

const (
	KindNative = "native"
	KindTar    = "tar"
)

// New returns the archiver registered under kind.
func New(kind string) (Archiver, error) {
	switch kind {
	case KindNative, "":
		return NewTarGz(), nil
	case KindTar:
		return NewTarProcess("tar"), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
