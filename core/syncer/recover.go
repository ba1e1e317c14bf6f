package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/kubesecretfs/kube-secret-fs/core/model"
	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"github.com/kubesecretfs/kube-secret-fs/lib/fsutil"
)

// Recover rebuilds the cache directory from the committed generation. The
// whole pass shares one Timeout deadline. It must finish before the
// Committer starts serving. Extraction failures are
// logged and leave whatever was extracted; failing to read the store is
// returned.
func (s *Syncer) Recover(ctx context.Context) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	if err := fsutil.CleanDir(s.cfg.BaseDir); err != nil {
		return fmt.Errorf("cleaning cache dir: %w", err)
	}

	md, found, err := s.fetchMetadata(ctx)
	if err != nil {
		return newError(KindCommunication, err)
	}

	current := model.NoGeneration
	if found {
		s.mdExists.Store(true)
		s.log.Debugw("recover", "status", "metadata secret found", "generation", md.Generation, "version", md.Version)
		if md.Generation != "" {
			current = md.Generation
		}
	} else {
		s.log.Debugw("recover", "status", "metadata secret is empty")
	}

	objects, err := s.store.List(ctx, store.ListOptions{
		LabelSelector: model.ChunkSelector(s.cfg.BaseName),
	})
	if err != nil {
		return newError(KindCommunication, fmt.Errorf("listing chunks: %w", err))
	}

	chunks := s.authoritative(md, objects)
	if len(chunks) > 0 {
		s.restore(ctx, chunks)
	}

	if err := s.CollectGarbage(ctx, current); err != nil {
		s.log.Warnw("recover", "status", "garbage collection incomplete", "error", err)
	}

	s.log.Infow("recover", "status", "recovered", "generation", current, "chunks", len(chunks))
	return nil
}

func (s *Syncer) fetchMetadata(ctx context.Context) (model.MetadataRecord, bool, error) {
	objects, err := s.store.List(ctx, store.ListOptions{
		FieldSelector: model.NameSelector(s.cfg.BaseName),
	})
	if err != nil {
		return model.MetadataRecord{}, false, fmt.Errorf("fetching metadata secret: %w", err)
	}

	for _, obj := range objects {
		if obj.Name == s.cfg.BaseName {
			return model.MetadataFromLabels(obj.Name, obj.Labels), true, nil
		}
	}

	return model.MetadataRecord{}, false, nil
}

// authoritative indexes every listed object and returns, sorted by order,
// those belonging to the committed chunk set.
func (s *Syncer) authoritative(md model.MetadataRecord, objects []store.Object) []model.Chunk {
	byOrder := make(map[int]model.Chunk)

	for _, obj := range objects {
		generation, ok := obj.Labels[model.LabelGeneration]
		if !ok {
			generation = model.UnknownGeneration
		}
		s.index.Record(obj.Name, generation)

		if !md.Authorizes(obj.Labels) {
			continue
		}

		order, ok := model.ParseOrder(obj.Labels[model.LabelOrder])
		if !ok {
			continue
		}

		data, ok := obj.Data[model.DataKey]
		if !ok {
			continue
		}

		if _, dup := byOrder[order]; dup {
			s.log.Warnw("recover", "status", "duplicate chunk order ignored", "name", obj.Name, "order", order)
			continue
		}

		byOrder[order] = model.Chunk{
			Parent:     s.cfg.BaseName,
			Generation: generation,
			Order:      order,
			Data:       data,
		}
	}

	chunks := make([]model.Chunk, 0, len(byOrder))
	for _, chunk := range byOrder {
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Order < chunks[j].Order
	})

	for i, chunk := range chunks {
		if chunk.Order != i {
			s.log.Warnw("recover", "status", "chunk set has gaps", "missing", i)
			break
		}
	}

	return chunks
}

func (s *Syncer) restore(ctx context.Context, chunks []model.Chunk) {
	readers := make([]io.Reader, 0, len(chunks))
	for _, chunk := range chunks {
		readers = append(readers, bytes.NewReader(chunk.Data))
	}

	if err := s.archiver.Extract(ctx, s.cfg.BaseDir, io.MultiReader(readers...)); err != nil {
		s.log.Errorw("recover", "status", "extract failed", "error", err)
	}
}
