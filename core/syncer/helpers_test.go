package syncer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/kubesecretfs/kube-secret-fs/core/archive"
	"github.com/kubesecretfs/kube-secret-fs/core/model"
	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// payloadArchiver "compresses" to a fixed payload and records what it is
// asked to extract.
type payloadArchiver struct {
	mu        sync.Mutex
	payload   []byte
	waitErr   error
	extracted [][]byte
}

type payloadStream struct {
	io.Reader
	waitErr error
}

func (s *payloadStream) Close() error { return nil }
func (s *payloadStream) Wait() error  { return s.waitErr }

func (a *payloadArchiver) setPayload(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payload = b
}

func (a *payloadArchiver) Compress(ctx context.Context, root string) (archive.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &payloadStream{Reader: bytes.NewReader(a.payload), waitErr: a.waitErr}, nil
}

func (a *payloadArchiver) Extract(ctx context.Context, root string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.extracted = append(a.extracted, b)
	return nil
}

func (a *payloadArchiver) extractions() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.extracted...)
}

// failingStore fails every Create after the first `allow` calls.
type failingStore struct {
	store.Store
	mu    sync.Mutex
	allow int
}

var errInjected = errors.New("injected failure")

func (f *failingStore) Create(ctx context.Context, obj store.Object) error {
	f.mu.Lock()
	if f.allow <= 0 {
		f.mu.Unlock()
		return errInjected
	}
	f.allow--
	f.mu.Unlock()

	return f.Store.Create(ctx, obj)
}

func newMemoryStore() *store.Datastore {
	return store.NewDatastore(dssync.MutexWrap(ds.NewMapDatastore()), "default")
}

func testConfig(t *testing.T) Config {
	return Config{
		BaseDir:           t.TempDir(),
		BaseName:          "fs",
		MaxBytesPerSecret: 10,
		MaxSecrets:        3,
		Timeout:           5 * time.Second,
	}
}

func chunkObjects(t *testing.T, s store.Store) []store.Object {
	t.Helper()
	objects, err := s.List(context.Background(), store.ListOptions{LabelSelector: model.ChunkSelector("fs")})
	require.NoError(t, err)
	return objects
}

func metadataGeneration(t *testing.T, s store.Store) string {
	t.Helper()
	objects, err := s.List(context.Background(), store.ListOptions{FieldSelector: model.NameSelector("fs")})
	require.NoError(t, err)
	if len(objects) == 0 {
		return ""
	}
	return objects[0].Labels[model.LabelGeneration]
}

func newTestSyncer(t *testing.T, cfg Config, s store.Store, a *payloadArchiver) *Syncer {
	return New(cfg, s, a, zaptest.NewLogger(t).Sugar())
}
