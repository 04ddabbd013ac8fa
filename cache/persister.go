package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/openvine/vinesync/ops"
	"github.com/openvine/vinesync/reconcile"
)

// DefaultCorruptionThreshold is the fraction of corrupt records beyond which
// a cached collection is discarded and rebuilt from the live source.
const DefaultCorruptionThreshold = 0.25

// Store is the durable key-value collaborator holding one serialized blob
// per reconciled collection
type Store interface {
	SaveCollection(ctx context.Context, name string, data []byte) error
	LoadCollection(ctx context.Context, name string) ([]byte, error)
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
}

// Persister serializes reconciled collections for fast cold-start. Loads
// replay every record through the reconciler's merge comparison, so a stale
// cache can never overwrite fresher in-session state.
type Persister struct {
	store      Store
	reconciler *reconcile.Reconciler
	threshold  float64
	log        *ops.Logger
}

// New creates a persister. A non-positive threshold falls back to
// DefaultCorruptionThreshold.
func New(store Store, rec *reconcile.Reconciler, threshold float64, log *ops.Logger) *Persister {
	if threshold <= 0 {
		threshold = DefaultCorruptionThreshold
	}
	if log == nil {
		log = ops.Default()
	}
	return &Persister{
		store:      store,
		reconciler: rec,
		threshold:  threshold,
		log:        log.WithComponent("cache"),
	}
}

// Flush persists the named collections. With no names given, every non-empty
// collection is flushed. Failures are per-collection: one failed save does
// not stop the others, and the first error is returned after all attempts.
func (p *Persister) Flush(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		collections = p.reconciler.Collections()
	}

	var firstErr error
	for _, name := range collections {
		items := p.reconciler.Snapshot(name)
		data, err := sonic.Marshal(items)
		if err != nil {
			p.log.LogCacheFlush(name, len(items), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to encode collection %s: %w", name, err)
			}
			continue
		}

		if err := p.store.SaveCollection(ctx, name, data); err != nil {
			p.log.LogCacheFlush(name, len(items), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to save collection %s: %w", name, err)
			}
			continue
		}

		p.log.LogCacheFlush(name, len(items), nil)
	}

	return firstErr
}

// Load replays one persisted collection through the reconciler. Malformed
// records are skipped individually; if the corrupt fraction exceeds the
// threshold, or the blob itself cannot be decoded, the whole collection is
// discarded and will be rebuilt from live data. Returns the number of
// records applied and the number found corrupt.
func (p *Persister) Load(ctx context.Context, name string) (loaded, corrupt int, err error) {
	data, err := p.store.LoadCollection(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	if len(data) == 0 {
		return 0, 0, nil
	}

	var records []json.RawMessage
	if err := sonic.Unmarshal(data, &records); err != nil {
		p.log.LogCacheLoad(name, 0, 1, true)
		return 0, 1, p.discard(ctx, name)
	}

	items := make([]*reconcile.Item, 0, len(records))
	for _, raw := range records {
		var item reconcile.Item
		if err := sonic.Unmarshal(raw, &item); err != nil || item.Key == "" {
			corrupt++
			continue
		}
		items = append(items, &item)
	}

	if len(records) > 0 && float64(corrupt)/float64(len(records)) > p.threshold {
		p.log.LogCacheLoad(name, 0, corrupt, true)
		return 0, corrupt, p.discard(ctx, name)
	}

	for _, item := range items {
		if p.reconciler.Apply(name, item) {
			loaded++
		}
	}

	p.log.LogCacheLoad(name, loaded, corrupt, false)
	return loaded, corrupt, nil
}

// LoadAll replays every persisted collection. Per-collection failures are
// logged and skipped so one bad blob does not abort the cold start.
func (p *Persister) LoadAll(ctx context.Context) error {
	names, err := p.store.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cached collections: %w", err)
	}

	for _, name := range names {
		if _, _, err := p.Load(ctx, name); err != nil {
			p.log.Warn("cached collection load failed",
				"collection", name,
				"error", err)
		}
	}
	return nil
}

func (p *Persister) discard(ctx context.Context, name string) error {
	if err := p.store.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to discard corrupt collection %s: %w", name, err)
	}
	return nil
}
