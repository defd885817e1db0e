package store

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/strand/internal/logging"
	"github.com/soyeahso/strand/internal/rollout"
)

const reindexWorkers = 4

// ReindexStats reports what a rebuild did.
type ReindexStats struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// Reindex rebuilds the index from every rollout file under rs. Corrupt files
// are logged and skipped. Files are parsed concurrently; writes go through
// the index's single connection.
func Reindex(ctx context.Context, x *RolloutIndex, rs *rollout.Store, log *logging.Logger) (ReindexStats, error) {
	log = log.Sub("reindex")

	paths, err := rs.List(ctx)
	if err != nil {
		return ReindexStats{}, errors.Wrap(err, "listing rollouts")
	}

	var indexed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexWorkers)

	for _, p := range paths {
		g.Go(func() error {
			rec, err := rs.Load(p)
			if err != nil {
				if errors.Is(err, rollout.ErrCorrupt) || errors.Is(err, rollout.ErrNotFound) {
					log.Warn().Err(err).Str("path", p).Msg("skipping rollout")
					skipped.Add(1)
					return nil
				}
				return err
			}
			if err := x.IndexRecord(gctx, rec); err != nil {
				return err
			}
			indexed.Add(1)
			return nil
		})
	}

	err = g.Wait()
	stats := ReindexStats{Indexed: int(indexed.Load()), Skipped: int(skipped.Load())}
	if err != nil {
		return stats, errors.Wrap(err, "reindexing")
	}

	log.Info().Int("indexed", stats.Indexed).Int("skipped", stats.Skipped).Msg("reindex complete")
	return stats, nil
}
