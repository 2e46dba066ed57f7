package index

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/depot/blob"
)

// Rebuild reconstructs the index from the blob store alone. The store layout
// is a pure function of the identifier and every commit carries its metadata
// sidecar, so a lost or wiped cache is recoverable by walking storage and
// re-recording every artifact.
//
// Records run on a bounded worker group; per-line write contention is
// absorbed by the index's optimistic retry. Returns the number of artifacts
// recorded.
func Rebuild(ctx context.Context, store blob.Store, idx Index, workers int) (int, error) {
	if workers < 1 {
		workers = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	metas := make(chan blob.Meta)

	g.Go(func() error {
		defer close(metas)
		return store.Walk(ctx, func(m blob.Meta) error {
			select {
			case metas <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	var recorded atomic.Int64
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for m := range metas {
				if err := idx.Record(ctx, m); err != nil {
					return fmt.Errorf("rebuild record %s: %w", m.Ident, err)
				}
				recorded.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(recorded.Load()), err
	}
	return int(recorded.Load()), nil
}
