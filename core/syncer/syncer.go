// Package syncer keeps the cache directory durable in the object store: a
// Committer serializes mutations and batches them into upload cycles, each
// of which chunks a snapshot, promotes it via the metadata record, and
// collects superseded chunks. Recover rebuilds the directory on start.
package syncer

import (
	"sync/atomic"
	"time"

	"github.com/kubesecretfs/kube-secret-fs/core/archive"
	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"go.uber.org/zap"
)

type Config struct {
	// BaseDir is the cache directory mirrored into the store.
	BaseDir string
	// BaseName names the metadata record and prefixes chunk names.
	BaseName          string
	MaxBytesPerSecret int
	MaxSecrets        int
	// Timeout bounds one recovery pass or one upload+promote+gc cycle.
	Timeout time.Duration
}

type Syncer struct {
	cfg         Config
	store       store.Store
	archiver    archive.Archiver
	log         *zap.SugaredLogger
	index       *SecretIndex
	generations *GenerationSource

	// set on the first metadata create or when recovery finds the record;
	// never re-read from the store
	mdExists atomic.Bool
}

func New(cfg Config, s store.Store, a archive.Archiver, log *zap.SugaredLogger) *Syncer {
	return &Syncer{
		cfg:         cfg,
		store:       s,
		archiver:    a,
		log:         log,
		index:       NewSecretIndex(),
		generations: NewGenerationSource(time.Now),
	}
}

func (s *Syncer) Index() *SecretIndex {
	return s.index
}

func (s *Syncer) NextGeneration() string {
	return s.generations.Next()
}

func (s *Syncer) Timeout() time.Duration {
	return s.cfg.Timeout
}

var _ Cycle = (*Syncer)(nil)
