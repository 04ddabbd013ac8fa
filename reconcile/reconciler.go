package reconcile

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/openvine/vinesync/ops"
)

// Source identifies where an item arrived from. The merge rule is identical
// for both sources: timestamp comparison is global, so a cold-start cache
// load can never overwrite a fresher live item applied earlier in the session.
type Source int

const (
	SourceLive Source = iota
	SourceCache
)

func (s Source) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "live"
}

// Reconciler merges inbound protocol events into local per-collection state.
// Non-addressable items dedupe by event id; replaceable and addressable items
// follow last-writer-wins on the source timestamp, with ties keeping the
// entry already present. All check-then-insert sequences run under one mutex
// so the same logical event arriving through concurrent delivery paths cannot
// be applied twice.
type Reconciler struct {
	mu          sync.Mutex
	collections map[string]map[string]*Item
	log         *ops.Logger
}

// New creates an empty reconciler
func New(log *ops.Logger) *Reconciler {
	if log == nil {
		log = ops.Default()
	}
	return &Reconciler{
		collections: make(map[string]map[string]*Item),
		log:         log.WithComponent("reconcile"),
	}
}

// Ingest merges one inbound event. Returns the collection it belongs to and
// whether local state changed. Malformed or untracked events are skipped
// individually and never abort processing.
func (r *Reconciler) Ingest(event *nostr.Event, src Source) (string, bool) {
	if event == nil {
		return "", false
	}

	collection, ok := CollectionForKind(event.Kind)
	if !ok {
		return "", false
	}

	item, ok := r.itemFromEvent(event, collection)
	if !ok {
		r.log.Debug("malformed event skipped",
			"kind", event.Kind,
			"id", event.ID,
			"source", src.String())
		return "", false
	}

	return collection, r.Apply(collection, item)
}

// IngestBatch merges a batch of events and returns the number of applied
// mutations per collection. Collections with zero applied mutations are
// omitted, so the result doubles as the dirty set for the cache persister.
func (r *Reconciler) IngestBatch(events []*nostr.Event, src Source) map[string]int {
	applied := make(map[string]int)
	for _, event := range events {
		if collection, ok := r.Ingest(event, src); ok {
			applied[collection]++
		}
	}
	return applied
}

// Apply merges a single item into a collection under the reconciliation rule.
// Used by Ingest for live events and by the cache persister when replaying
// persisted records on cold start.
func (r *Reconciler) Apply(collection string, item *Item) bool {
	if item == nil || item.Key == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	items, ok := r.collections[collection]
	if !ok {
		items = make(map[string]*Item)
		r.collections[collection] = items
	}

	existing, ok := items[item.Key]
	if !ok {
		items[item.Key] = item
		r.log.LogReconcileApplied(collection, item.Key, item.CreatedAt)
		return true
	}

	if IsReplaceableKind(item.Kind) || IsAddressableKind(item.Kind) {
		// Last-writer-wins: replace only on a strictly newer timestamp.
		// Ties keep the entry already in place.
		if item.CreatedAt > existing.CreatedAt {
			items[item.Key] = item
			r.log.LogReconcileApplied(collection, item.Key, item.CreatedAt)
			return true
		}
		return false
	}

	// Non-addressable: same event id is a no-op, except that a live arrival
	// confirms an optimistic local-only entry.
	if existing.LocalOnly && !item.LocalOnly {
		items[item.Key] = item
		return true
	}
	return false
}

// itemFromEvent validates and converts an event into a reconciled item
func (r *Reconciler) itemFromEvent(event *nostr.Event, collection string) (*Item, bool) {
	if event.PubKey == "" {
		return nil, false
	}

	item := &Item{
		Key:       KeyFor(event),
		EventID:   event.ID,
		Kind:      event.Kind,
		PubKey:    event.PubKey,
		Content:   event.Content,
		Tags:      event.Tags,
		CreatedAt: int64(event.CreatedAt),
	}

	switch collection {
	case CollectionReactions, CollectionReposts:
		// Interactions must reference a target event
		item.Target = targetEventID(event)
		if item.Target == "" || event.ID == "" {
			return nil, false
		}
	case CollectionFollowSets, CollectionCurationSets:
		// Addressable sets without a d tag have no stable identity
		if dTag(event) == "" {
			return nil, false
		}
	}

	return item, true
}

// Get returns a copy of the item under the given key, if present
func (r *Reconciler) Get(collection, key string) (*Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.collections[collection][key]
	if !ok {
		return nil, false
	}
	cp := *item
	return &cp, true
}

// Len returns the number of items in a collection
func (r *Reconciler) Len(collection string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collections[collection])
}

// Collections returns the names of all non-empty collections, sorted
func (r *Reconciler) Collections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.collections))
	for name, items := range r.collections {
		if len(items) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot returns copies of all items in a collection, sorted by key so
// persisted blobs are deterministic
func (r *Reconciler) Snapshot(collection string) []*Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.collections[collection]
	out := make([]*Item, 0, len(items))
	for _, item := range items {
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}
