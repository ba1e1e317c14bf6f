package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"go.uber.org/multierr"
)

// CollectGarbage concurrently deletes every indexed object whose generation
// is not current. An entry leaves the index only once its delete is
// confirmed; deleting an object that is already gone counts as confirmed.
func (s *Syncer) CollectGarbage(ctx context.Context, current string) error {
	stale := s.index.Stale(current)
	if len(stale) == 0 {
		return nil
	}

	s.log.Debugw("gc", "status", "sweeping", "generation", current, "secrets", len(stale))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for _, name := range stale {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			err := s.store.Delete(ctx, name)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return
			}

			generation, _ := s.index.Generation(name)
			s.index.Forget(name)
			s.log.Debugw("gc", "status", "deleted secret", "name", name, "generation", generation)
		}(name)
	}

	wg.Wait()
	return errs
}
