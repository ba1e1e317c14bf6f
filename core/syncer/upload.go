package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kubesecretfs/kube-secret-fs/core/model"
	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"golang.org/x/sync/errgroup"
)

// Upload writes the cache directory as the chunk set of generation and then
// promotes it. It must run from the Committer loop so the directory is not
// mutated underneath the archiver.
//
// On any failure the metadata record is left untouched. Chunks created
// before the failure stay in the SecretIndex and are collected by the next
// successful cycle.
func (s *Syncer) Upload(ctx context.Context, generation string) error {
	log := s.log.With("generation", generation)
	log.Debugw("upload", "status", "writing generation")

	archiveCtx, cancelArchive := context.WithCancel(ctx)
	defer cancelArchive()

	stream, err := s.archiver.Compress(archiveCtx, s.cfg.BaseDir)
	if err != nil {
		return newError(KindProtocol, err)
	}

	creates, createCtx := errgroup.WithContext(ctx)

	chunks, readErr := s.emitChunks(stream, generation, func(chunk model.Chunk) {
		creates.Go(func() error {
			return s.createChunk(createCtx, chunk)
		})
	})

	if readErr != nil {
		stream.Close()
		cancelArchive()
	}

	archiveErr := stream.Wait()
	createErr := creates.Wait()

	switch {
	case errors.Is(readErr, ErrCapacity):
		log.Errorw("upload", "status", "unable to write", "error", readErr)
		return newError(KindCapacity, readErr)
	case archiveErr != nil:
		log.Errorw("upload", "status", "archiver failed", "error", archiveErr)
		return newError(KindProtocol, archiveErr)
	case readErr != nil:
		return newError(KindProtocol, readErr)
	case createErr != nil:
		return newError(KindCommunication, createErr)
	}

	if err := s.promote(ctx, generation); err != nil {
		return newError(KindCommunication, err)
	}

	log.Infow("upload", "status", "generation committed", "chunks", chunks)
	return nil
}

// emitChunks cuts the stream into MaxBytesPerSecret pieces. Every full
// buffer, and a trailing partial one, becomes the next chunk.
func (s *Syncer) emitChunks(r io.Reader, generation string, emit func(model.Chunk)) (int, error) {
	buf := make([]byte, s.cfg.MaxBytesPerSecret)
	order := 0

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if order >= s.cfg.MaxSecrets {
				return order, fmt.Errorf("%w: filesystem is larger than %d bytes",
					ErrCapacity, s.cfg.MaxBytesPerSecret*s.cfg.MaxSecrets)
			}

			emit(model.Chunk{
				Parent:     s.cfg.BaseName,
				Generation: generation,
				Order:      order,
				Data:       bytes.Clone(buf[:n]),
			})
			order++
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return order, nil
		default:
			return order, fmt.Errorf("reading archive: %w", err)
		}
	}
}

func (s *Syncer) createChunk(ctx context.Context, chunk model.Chunk) error {
	name := chunk.Name()

	err := s.store.Create(ctx, store.Object{
		Name:   name,
		Labels: chunk.Labels(),
		Data:   map[string][]byte{model.DataKey: chunk.Data},
	})
	if err != nil {
		return fmt.Errorf("creating chunk %s: %w", name, err)
	}

	s.index.Record(name, chunk.Generation)
	s.log.Debugw("upload", "status", "wrote secret", "name", name, "size", len(chunk.Data))

	return nil
}

// promote points the metadata record at generation. Create vs replace is
// chosen from the in-memory flag; if the store disagrees the other call is
// tried once.
func (s *Syncer) promote(ctx context.Context, generation string) error {
	md := model.NewMetadataRecord(s.cfg.BaseName, generation)
	obj := store.Object{Name: md.Name, Labels: md.Labels()}

	if s.mdExists.Load() {
		err := s.store.Replace(ctx, obj)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		s.log.Warnw("upload", "status", "metadata record vanished, recreating", "name", md.Name)
		return s.store.Create(ctx, obj)
	}

	err := s.store.Create(ctx, obj)
	if errors.Is(err, store.ErrAlreadyExists) {
		s.log.Warnw("upload", "status", "metadata record already exists, replacing", "name", md.Name)
		err = s.store.Replace(ctx, obj)
	}
	if err != nil {
		return err
	}

	s.mdExists.Store(true)
	return nil
}
