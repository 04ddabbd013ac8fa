package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/robfig/cron/v3"

	"github.com/openvine/vinesync/cache"
	"github.com/openvine/vinesync/config"
	"github.com/openvine/vinesync/filters"
	"github.com/openvine/vinesync/ops"
	"github.com/openvine/vinesync/ratelimit"
	"github.com/openvine/vinesync/reconcile"
	"github.com/openvine/vinesync/relay"
	"github.com/openvine/vinesync/storage"
	"github.com/openvine/vinesync/subs"
)

const (
	flushInterval = 200 * time.Millisecond

	// Deadline for the periodic replaceable re-fetch when no subscription
	// timeout is configured
	defaultRefreshTimeout = 2 * time.Minute

	interactionsCursorName = "interactions"
)

// Transport is what the engine needs from the relay layer: streaming
// subscriptions for live delivery and EOSE-bounded fetches for one-shot
// refreshes.
type Transport interface {
	subs.Subscriber
	FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)
}

// Replaceable social-state kinds fetched for the owner identity
var ownerReplaceableKinds = []int{0, 3, 10002, 30000, 30004, 30005}

// Interaction kinds addressed to the owner
var interactionKinds = []int{6, 7, 16}

// Engine is the top-level facade. It owns the subscription manager, the
// reconciler and the persistence layer, fans relay events through a worker
// pool and keeps the local cache warm across restarts.
type Engine struct {
	cfg        *config.Config
	log        *ops.Logger
	storage    *storage.Storage
	transport  Transport
	manager    *subs.Manager
	reconciler *reconcile.Reconciler
	persister  *cache.Persister
	cron       *cron.Cron

	relayClient *relay.Client

	eventChan chan *nostr.Event
	seen      *eventCache

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	ownerPubkey string
	cursor      atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	workersWg sync.WaitGroup
	flusherWg sync.WaitGroup
	started   bool
}

// New creates an engine with a live relay transport
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	log := ops.NewLogger(&cfg.Logging)

	st, err := storage.New(ctx, &cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	client := relay.New(ctx, &cfg.Relays, log)

	e, err := NewWithTransport(cfg, client, st, log)
	if err != nil {
		st.Close()
		client.Close()
		return nil, err
	}
	e.relayClient = client
	return e, nil
}

// NewWithTransport creates an engine over an arbitrary transport. The
// caller keeps ownership of nothing: Stop closes both transport-owned
// subscriptions and storage.
func NewWithTransport(cfg *config.Config, transport Transport, st *storage.Storage, log *ops.Logger) (*Engine, error) {
	if log == nil {
		log = ops.Default()
	}

	ownerPubkey, err := decodeNpub(cfg.Identity.Npub)
	if err != nil {
		return nil, err
	}

	reconciler := reconcile.New(log)
	persister := cache.New(st, reconciler, cfg.Cache.CorruptionThreshold, log)

	optimizer := filters.NewOptimizer(cfg.Subscriptions.MaxFilterLimit)
	limiter := ratelimit.New(cfg.RateLimit.MaxEventsPerMinute)
	manager := subs.NewManager(transport, optimizer, limiter, subs.Options{
		MaxConcurrent:  cfg.Subscriptions.MaxConcurrent,
		RetryDelay:     cfg.RetryDelay(),
		DefaultTimeout: cfg.SubscriptionTimeout(),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		log:         log.WithComponent("engine"),
		storage:     st,
		transport:   transport,
		manager:     manager,
		reconciler:  reconciler,
		persister:   persister,
		cron:        cron.New(),
		eventChan:   make(chan *nostr.Event, cfg.Subscriptions.BufferSize),
		seen:        newEventCache(cfg.Subscriptions.BufferSize * 2),
		dirty:       make(map[string]struct{}),
		ownerPubkey: ownerPubkey,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func decodeNpub(npub string) (string, error) {
	if npub == "" {
		return "", fmt.Errorf("identity npub not configured")
	}
	prefix, value, err := nip19.Decode(npub)
	if err != nil {
		return "", fmt.Errorf("failed to decode npub: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected npub identity, got %s", prefix)
	}
	pubkey, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected npub payload type %T", value)
	}
	return pubkey, nil
}

// Start warms the reconciler from the local cache, launches the worker
// pool and flusher, opens the owner subscriptions and arms maintenance.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	e.log.LogStartup(e.cfg.Identity.Npub, len(e.cfg.Relays.Seeds))

	if err := e.persister.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load cached collections: %w", err)
	}

	since, err := e.storage.GetCursor(ctx, interactionsCursorName)
	if err != nil {
		return fmt.Errorf("failed to load interactions cursor: %w", err)
	}
	e.cursor.Store(since)

	workers := e.cfg.Subscriptions.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.workersWg.Add(1)
		go e.worker()
	}

	e.flusherWg.Add(1)
	go e.flusher()

	if err := e.openOwnerSubscriptions(); err != nil {
		return err
	}

	if err := e.scheduleMaintenance(); err != nil {
		return err
	}
	e.cron.Start()

	return nil
}

// Subscribe admits a caller-defined subscription. Delivered events flow
// through the engine's pipeline (dedup, storage, reconciliation) before
// reaching the caller's callback.
func (e *Engine) Subscribe(req subs.Request) (*subs.ManagedSubscription, error) {
	if len(req.Relays) == 0 {
		req.Relays = e.cfg.Relays.Seeds
	}

	callerOnEvent := req.OnEvent
	req.OnEvent = func(event *nostr.Event) {
		e.enqueue(event)
		if callerOnEvent != nil {
			callerOnEvent(event)
		}
	}

	return e.manager.Subscribe(req)
}

// Cancel destroys a subscription by ID
func (e *Engine) Cancel(id string) bool {
	return e.manager.Cancel(id)
}

// ActiveSubscriptions returns the number of live subscriptions
func (e *Engine) ActiveSubscriptions() int {
	return e.manager.ActiveCount()
}

// Reconciler exposes the reconciled state for reads
func (e *Engine) Reconciler() *reconcile.Reconciler {
	return e.reconciler
}

// openOwnerSubscriptions admits the two standing subscriptions every
// session runs: the owner's replaceable social state, and interactions
// addressed to the owner resuming from the persisted cursor.
func (e *Engine) openOwnerSubscriptions() error {
	_, err := e.Subscribe(subs.Request{
		Name:     "social-replaceables",
		Priority: 1,
		Filters: []nostr.Filter{{
			Kinds:   ownerReplaceableKinds,
			Authors: []string{e.ownerPubkey},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to open replaceables subscription: %w", err)
	}

	interactions := nostr.Filter{
		Kinds: interactionKinds,
		Tags:  nostr.TagMap{"p": []string{e.ownerPubkey}},
	}
	if since := e.cursor.Load(); since > 0 {
		ts := nostr.Timestamp(since)
		interactions.Since = &ts
	}

	_, err = e.Subscribe(subs.Request{
		Name:     "interactions",
		Priority: 3,
		Filters:  []nostr.Filter{interactions},
	})
	if err != nil {
		return fmt.Errorf("failed to open interactions subscription: %w", err)
	}
	return nil
}

// scheduleMaintenance arms the periodic refresh and retention jobs
func (e *Engine) scheduleMaintenance() error {
	if spec := e.cfg.Maintenance.RefreshSchedule; spec != "" {
		if _, err := e.cron.AddFunc(spec, e.refreshReplaceables); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
		}
	}
	if spec := e.cfg.Maintenance.PruneSchedule; spec != "" {
		if _, err := e.cron.AddFunc(spec, e.pruneRetention); err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
		}
	}
	return nil
}

// refreshReplaceables re-fetches the owner's replaceable state with an
// EOSE-bounded one-shot fetch so dropped live events heal over time. The
// fetch never touches the subscription pool.
func (e *Engine) refreshReplaceables() {
	timeout := e.cfg.SubscriptionTimeout()
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	events, err := e.transport.FetchEvents(ctx, e.cfg.Relays.Seeds, nostr.Filter{
		Kinds:   ownerReplaceableKinds,
		Authors: []string{e.ownerPubkey},
	})
	if err != nil {
		e.log.Warn("replaceables refresh failed", "error", err)
		return
	}

	for _, event := range events {
		e.enqueue(event)
	}
}

// pruneRetention deletes raw cached events past the retention horizon
func (e *Engine) pruneRetention() {
	days := e.cfg.Cache.RetentionDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := e.storage.PruneEventsBefore(e.ctx, cutoff)
	e.log.LogRetentionPrune(deleted, err)
}

// enqueue hands an event to the worker pool. The channel is lossy under
// sustained overload, matching the rate limiter's drop semantics.
func (e *Engine) enqueue(event *nostr.Event) {
	select {
	case e.eventChan <- event:
	default:
		e.log.Debug("event queue full, dropping", "id", event.ID)
	}
}

// worker consumes the event channel until it closes
func (e *Engine) worker() {
	defer e.workersWg.Done()
	for event := range e.eventChan {
		e.handleEvent(event)
	}
}

// handleEvent runs the per-event pipeline: dedup, durable store, reconcile,
// dirty-mark and cursor advance
func (e *Engine) handleEvent(event *nostr.Event) {
	if event == nil || e.seen.Has(event.ID) {
		return
	}

	// Mark seen only once durably stored, so a transient storage failure
	// leaves the id eligible for redelivery
	if err := e.storage.StoreEvent(e.ctx, event); err != nil {
		e.log.Warn("failed to store event", "id", event.ID, "error", err)
	} else {
		e.seen.Add(event.ID)
	}

	collection, applied := e.reconciler.Ingest(event, reconcile.SourceLive)
	if applied {
		e.markDirty(collection)
	}

	for _, kind := range interactionKinds {
		if event.Kind == kind {
			e.advanceCursor(int64(event.CreatedAt))
			break
		}
	}
}

func (e *Engine) markDirty(collection string) {
	e.dirtyMu.Lock()
	e.dirty[collection] = struct{}{}
	e.dirtyMu.Unlock()
}

func (e *Engine) takeDirty() []string {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	if len(e.dirty) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.dirty))
	for name := range e.dirty {
		names = append(names, name)
	}
	e.dirty = make(map[string]struct{})
	return names
}

func (e *Engine) advanceCursor(createdAt int64) {
	for {
		current := e.cursor.Load()
		if createdAt <= current {
			return
		}
		if e.cursor.CompareAndSwap(current, createdAt) {
			return
		}
	}
}

// flusher batches dirty collections to storage on a short interval so
// bursts of events coalesce into one write per collection
func (e *Engine) flusher() {
	defer e.flusherWg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var persistedCursor int64
	for {
		select {
		case <-ticker.C:
			if names := e.takeDirty(); names != nil {
				if err := e.persister.Flush(e.ctx, names...); err != nil {
					e.log.Warn("flush failed", "error", err)
				}
			}
			if cursor := e.cursor.Load(); cursor > persistedCursor {
				if err := e.storage.SaveCursor(e.ctx, interactionsCursorName, cursor); err != nil {
					e.log.Warn("cursor save failed", "error", err)
				} else {
					persistedCursor = cursor
				}
			}

		case <-e.ctx.Done():
			return
		}
	}
}

// Stop shuts the engine down in dependency order: maintenance first, then
// subscriptions, then the pipeline drains, then one final flush before the
// database closes.
func (e *Engine) Stop() error {
	e.log.LogShutdown("stop requested")

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()

	e.manager.Close()

	close(e.eventChan)
	e.workersWg.Wait()
	e.cancel()
	e.flusherWg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	if err := e.persister.Flush(flushCtx); err != nil {
		firstErr = err
	}
	if cursor := e.cursor.Load(); cursor > 0 {
		if err := e.storage.SaveCursor(flushCtx, interactionsCursorName, cursor); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.relayClient != nil {
		e.relayClient.Close()
	}
	if err := e.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
