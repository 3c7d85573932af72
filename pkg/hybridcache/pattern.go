package hybridcache

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

const (
	defaultScanPageSize   = 1000
	defaultDeleteBatch    = 100
	maxInvalidationKeys   = 512 // caps a single invalidation publish batch
	defaultPatternWorkers = 8
)

// patternEngine implements cursor-based key enumeration and batched,
// glob-pattern deletion (spec §4.8).
type patternEngine struct {
	client       RedisClient
	keyName      keyNamer
	scanPageSize int64
	workers      int
}

func newPatternEngine(client RedisClient, kn keyNamer, scanPageSize int64) *patternEngine {
	if scanPageSize <= 0 {
		scanPageSize = defaultScanPageSize
	}
	return &patternEngine{client: client, keyName: kn, scanPageSize: scanPageSize, workers: defaultPatternWorkers}
}

// keys iterates every scoped key matching the unscoped glob pattern exactly
// once, via SCAN. The sequence is finite, lazy, and not restartable.
func (p *patternEngine) keys(ctx context.Context, pattern string) iter.Seq2[string, error] {
	scopedPattern, _ := p.keyName.scope(pattern)

	return func(yield func(string, error) bool) {
		var cursor uint64
		for {
			keys, next, err := p.client.Scan(ctx, cursor, scopedPattern, p.scanPageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, k := range keys {
				if !yield(k, nil) {
					return
				}
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
}

// removeByPattern materializes keys in pages of up to batchSize and issues
// a multi-key DEL per page. Batches are dispatched concurrently (bounded by
// p.workers) whatever the flags, and removeByPattern waits for every batch
// to finish before returning, FireAndForget included. With FireAndForget,
// batches run under the group's context, so the first failing batch
// cancels those still pending; otherwise each batch runs under ctx. The
// returned count is the number of keys handed to a batch, not the number
// DEL reported as removed (spec §9 open question, resolved: dispatched
// count, not confirmed count).
func (p *patternEngine) removeByPattern(ctx context.Context, pattern string, flags RoutingFlags, batchSize int) (int64, []string, error) {
	if batchSize <= 0 {
		batchSize = defaultDeleteBatch
	}
	fireAndForget := flags.Has(FlagFireAndForget)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	var (
		dispatched []string
		batch      []string
	)

	submit := func(keys []string) {
		dispatched = append(dispatched, keys...)
		if fireAndForget {
			g.Go(func() error {
				_, err := p.client.KeyDelete(gctx, keys...)
				return err
			})
			return
		}
		g.Go(func() error {
			_, err := p.client.KeyDelete(ctx, keys...)
			return err
		})
	}

	for key, err := range p.keys(ctx, pattern) {
		if err != nil {
			_ = g.Wait()
			return int64(len(dispatched)), dispatched, err
		}
		batch = append(batch, key)
		if len(batch) >= batchSize {
			submit(batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		submit(batch)
	}

	err := g.Wait()
	return int64(len(dispatched)), dispatched, err
}
