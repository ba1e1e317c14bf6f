package syncer

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kubesecretfs/kube-secret-fs/core/archive"
	"github.com/kubesecretfs/kube-secret-fs/core/model"
	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func putChunk(t *testing.T, s store.Store, generation string, order int, data []byte) {
	t.Helper()
	chunk := model.Chunk{Parent: "fs", Generation: generation, Order: order}
	require.NoError(t, s.Create(context.Background(), store.Object{
		Name:   chunk.Name(),
		Labels: chunk.Labels(),
		Data:   map[string][]byte{model.DataKey: data},
	}))
}

func TestRecoverCrashBeforePromotion(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	require.NoError(t, s.Create(ctx, store.Object{Name: "fs", Labels: model.NewMetadataRecord("fs", "g1").Labels()}))
	putChunk(t, s, "g2", 0, []byte("orphan-0"))
	putChunk(t, s, "g2", 1, []byte("orphan-1"))

	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BaseDir, "stale"), []byte("x"), 0o644))

	a := &payloadArchiver{}
	sy := newTestSyncer(t, cfg, s, a)
	require.NoError(t, sy.Recover(ctx))

	assert.Empty(t, a.extractions())
	entries, err := os.ReadDir(cfg.BaseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Empty(t, chunkObjects(t, s))
	assert.Zero(t, sy.Index().Len())
	assert.True(t, sy.mdExists.Load())
}

func TestRecoverWithoutMetadataCollectsEverything(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	putChunk(t, s, "g1", 0, []byte("a"))
	require.NoError(t, s.Create(ctx, store.Object{
		Name:   "fs-unlabeled",
		Labels: map[string]string{"owner": "kube-secret-fs", "parent": "fs"},
	}))
	require.NoError(t, s.Create(ctx, store.Object{
		Name:   "other-g1-00000",
		Labels: model.Chunk{Parent: "other", Generation: "g1"}.Labels(),
	}))

	a := &payloadArchiver{}
	sy := newTestSyncer(t, testConfig(t), s, a)
	require.NoError(t, sy.Recover(ctx))

	assert.Empty(t, a.extractions())
	assert.Empty(t, chunkObjects(t, s))
	assert.False(t, sy.mdExists.Load())

	// chunks of another base name are not ours
	others, err := s.List(ctx, store.ListOptions{LabelSelector: model.ChunkSelector("other")})
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestRecoverFiltersAndOrdersChunks(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	require.NoError(t, s.Create(ctx, store.Object{Name: "fs", Labels: model.NewMetadataRecord("fs", "g1").Labels()}))

	putChunk(t, s, "g1", 2, []byte("C"))
	putChunk(t, s, "g1", 0, []byte("A"))
	putChunk(t, s, "g1", 1, []byte("B"))
	putChunk(t, s, "g0", 0, []byte("old"))

	wrongVersion := model.Chunk{Parent: "fs", Generation: "g1", Order: 3}.Labels()
	wrongVersion[model.LabelVersion] = "0.2"
	require.NoError(t, s.Create(ctx, store.Object{Name: "fs-g1-v2", Labels: wrongVersion, Data: map[string][]byte{model.DataKey: []byte("V")}}))

	badOrder := model.Chunk{Parent: "fs", Generation: "g1"}.Labels()
	badOrder[model.LabelOrder] = "-1"
	require.NoError(t, s.Create(ctx, store.Object{Name: "fs-g1-bad", Labels: badOrder, Data: map[string][]byte{model.DataKey: []byte("X")}}))

	noPayload := model.Chunk{Parent: "fs", Generation: "g1", Order: 4}
	require.NoError(t, s.Create(ctx, store.Object{Name: noPayload.Name(), Labels: noPayload.Labels()}))

	a := &payloadArchiver{}
	sy := newTestSyncer(t, testConfig(t), s, a)
	require.NoError(t, sy.Recover(ctx))

	extracted := a.extractions()
	require.Len(t, extracted, 1)
	assert.Equal(t, "ABC", string(extracted[0]))

	// only the g0 chunk is of another generation
	var names []string
	for _, obj := range chunkObjects(t, s) {
		names = append(names, obj.Name)
	}
	assert.NotContains(t, names, "fs-g0-00000")
	assert.Contains(t, names, "fs-g1-00000")
	assert.Contains(t, names, "fs-g1-v2")
}

func TestRecoverExtractFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()
	require.NoError(t, s.Create(ctx, store.Object{Name: "fs", Labels: model.NewMetadataRecord("fs", "g1").Labels()}))
	putChunk(t, s, "g1", 0, []byte("not a gzip stream"))

	cfg := testConfig(t)
	sy := New(cfg, s, archive.NewTarGz(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, sy.Recover(ctx))

	assert.Len(t, chunkObjects(t, s), 1)
}

type unreachableStore struct {
	store.Store
}

func (unreachableStore) List(ctx context.Context, opts store.ListOptions) ([]store.Object, error) {
	return nil, errInjected
}

func TestRecoverStoreFailure(t *testing.T) {
	sy := newTestSyncer(t, testConfig(t), unreachableStore{Store: newMemoryStore()}, &payloadArchiver{})

	err := sy.Recover(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCommunication))
	assert.ErrorIs(t, err, errInjected)
}

// deadlineStore records the deadline of every List call.
type deadlineStore struct {
	store.Store

	mu        sync.Mutex
	deadlines []time.Time
}

func (d *deadlineStore) List(ctx context.Context, opts store.ListOptions) ([]store.Object, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil, errInjected
	}

	d.mu.Lock()
	d.deadlines = append(d.deadlines, deadline)
	d.mu.Unlock()
	return d.Store.List(ctx, opts)
}

func TestRecoverSharesOneDeadline(t *testing.T) {
	s := &deadlineStore{Store: newMemoryStore()}
	cfg := testConfig(t)
	sy := newTestSyncer(t, cfg, s, &payloadArchiver{})
	assert.Equal(t, cfg.Timeout, sy.Timeout())

	start := time.Now()
	require.NoError(t, sy.Recover(context.Background()))

	require.Len(t, s.deadlines, 2)
	assert.Equal(t, s.deadlines[0], s.deadlines[1])
	assert.WithinDuration(t, start.Add(cfg.Timeout), s.deadlines[0], time.Second)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore()

	cfg := testConfig(t)
	cfg.MaxBytesPerSecret = 512
	cfg.MaxSecrets = 1000
	log := zaptest.NewLogger(t).Sugar()

	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.BaseDir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BaseDir, "a", "b", "random.bin"), random, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BaseDir, "hello.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Symlink("hello.txt", filepath.Join(cfg.BaseDir, "greeting")))

	sy := New(cfg, s, archive.NewTarGz(), log)
	generation := sy.NextGeneration()
	require.NoError(t, sy.Upload(ctx, generation))
	require.NoError(t, sy.CollectGarbage(ctx, generation))
	assert.Greater(t, len(chunkObjects(t, s)), 1)

	restarted := New(cfg, s, archive.NewTarGz(), log)
	require.NoError(t, restarted.Recover(ctx))

	b, err := os.ReadFile(filepath.Join(cfg.BaseDir, "a", "b", "random.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(random, b))

	fi, err := os.Stat(filepath.Join(cfg.BaseDir, "a", "b", "random.bin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	b, err = os.ReadFile(filepath.Join(cfg.BaseDir, "greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	assert.True(t, restarted.mdExists.Load())
	assert.Equal(t, generation, metadataGeneration(t, s))
}
