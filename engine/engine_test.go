package engine

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/openvine/vinesync/config"
	"github.com/openvine/vinesync/ops"
	"github.com/openvine/vinesync/reconcile"
	"github.com/openvine/vinesync/storage"
	"github.com/openvine/vinesync/subs"
)

var ownerHex = strings.Repeat("ab", 32)

// stubStream is one transport subscription under test control
type stubStream struct {
	events  chan *nostr.Event
	errs    chan error
	filters nostr.Filters
}

type stubTransport struct {
	opened chan *stubStream

	mu          sync.Mutex
	fetchReturn []*nostr.Event
	fetchFilter nostr.Filter
	fetchBound  bool
	fetchCalls  int
}

func newStubTransport() *stubTransport {
	return &stubTransport{opened: make(chan *stubStream, 16)}
}

func (s *stubTransport) Subscribe(_ context.Context, _ []string, fs nostr.Filters) (<-chan *nostr.Event, <-chan error) {
	stream := &stubStream{
		events:  make(chan *nostr.Event, 64),
		errs:    make(chan error, 1),
		filters: fs,
	}
	s.opened <- stream
	return stream.events, stream.errs
}

func (s *stubTransport) FetchEvents(ctx context.Context, _ []string, filter nostr.Filter) ([]*nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	s.fetchFilter = filter
	_, s.fetchBound = ctx.Deadline()
	return s.fetchReturn, nil
}

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()

	npub, err := nip19.EncodePublicKey(ownerHex)
	if err != nil {
		t.Fatalf("Failed to encode test npub: %v", err)
	}

	cfg := config.Default()
	cfg.Identity.Npub = npub
	cfg.Relays.Seeds = []string{"wss://relay.test"}
	cfg.Cache.SQLitePath = dbPath
	cfg.Subscriptions.Workers = 2
	cfg.Subscriptions.BufferSize = 64
	return cfg
}

func setupEngine(t *testing.T, dbPath string) (*Engine, *stubTransport) {
	t.Helper()

	cfg := testConfig(t, dbPath)
	st, err := storage.New(context.Background(), &cfg.Cache)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	log := ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
	transport := newStubTransport()

	e, err := NewWithTransport(cfg, transport, st, log)
	if err != nil {
		st.Close()
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e, transport
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func nextStream(t *testing.T, transport *stubTransport) *stubStream {
	t.Helper()
	select {
	case s := <-transport.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("transport never saw a subscription")
		return nil
	}
}

func reactionEvent(id, author string, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		Kind:      7,
		Content:   "+",
		Tags:      nostr.Tags{{"e", "video1"}, {"p", ownerHex}},
		CreatedAt: nostr.Timestamp(createdAt),
	}
}

func TestStartOpensOwnerSubscriptions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	e, transport := setupEngine(t, dbPath)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	first := nextStream(t, transport)
	second := nextStream(t, transport)

	var replaceables, interactions *stubStream
	for _, s := range []*stubStream{first, second} {
		if len(s.filters[0].Authors) > 0 {
			replaceables = s
		} else {
			interactions = s
		}
	}

	if replaceables == nil || interactions == nil {
		t.Fatal("Expected one authors-scoped and one p-tag-scoped subscription")
	}
	if replaceables.filters[0].Authors[0] != ownerHex {
		t.Errorf("Replaceables authors = %v, expected owner pubkey", replaceables.filters[0].Authors)
	}
	if got := interactions.filters[0].Tags["p"]; len(got) != 1 || got[0] != ownerHex {
		t.Errorf("Interactions p-tag = %v, expected owner pubkey", got)
	}
	if n := e.ActiveSubscriptions(); n != 2 {
		t.Errorf("ActiveSubscriptions() = %d, expected 2", n)
	}
}

func TestEventPipeline(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	e, transport := setupEngine(t, dbPath)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	nextStream(t, transport)
	interactions := nextStream(t, transport)

	var delivered atomic.Int32
	_, err := e.Subscribe(subs.Request{
		Name:    "extra",
		OnEvent: func(*nostr.Event) { delivered.Add(1) },
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	extra := nextStream(t, transport)

	id := strings.Repeat("11", 32)
	interactions.events <- reactionEvent(id, strings.Repeat("cd", 32), 1000)
	extra.events <- reactionEvent(strings.Repeat("22", 32), strings.Repeat("cd", 32), 1001)

	waitFor(t, func() bool {
		return e.Reconciler().Len(reconcile.CollectionReactions) == 2
	}, "events never reached the reconciler")
	waitFor(t, func() bool { return delivered.Load() == 1 },
		"caller callback never fired")

	exists, err := e.storage.EventExists(context.Background(), id)
	if err != nil {
		t.Fatalf("EventExists() error = %v", err)
	}
	if !exists {
		t.Error("Expected reconciled event stored durably")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The final flush persisted the collection and the cursor
	cfg := testConfig(t, dbPath)
	st, err := storage.New(context.Background(), &cfg.Cache)
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer st.Close()

	blob, err := st.LoadCollection(context.Background(), reconcile.CollectionReactions)
	if err != nil {
		t.Fatalf("LoadCollection() error = %v", err)
	}
	if blob == nil {
		t.Error("Expected reactions collection flushed on stop")
	}

	since, err := st.GetCursor(context.Background(), interactionsCursorName)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if since != 1001 {
		t.Errorf("Cursor = %d, expected max interaction timestamp 1001", since)
	}
}

func TestDuplicateEventsProcessedOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	e, transport := setupEngine(t, dbPath)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	nextStream(t, transport)
	interactions := nextStream(t, transport)

	ev := reactionEvent(strings.Repeat("33", 32), strings.Repeat("cd", 32), 1000)
	interactions.events <- ev
	interactions.events <- ev
	interactions.events <- ev

	waitFor(t, func() bool {
		return e.Reconciler().Len(reconcile.CollectionReactions) == 1
	}, "event never reconciled")

	// Allow the duplicates to drain through the pipeline
	time.Sleep(20 * time.Millisecond)
	if n := e.Reconciler().Len(reconcile.CollectionReactions); n != 1 {
		t.Errorf("Reconciled %d reactions from duplicate deliveries, expected 1", n)
	}
}

func TestWarmStartFromCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")

	e, transport := setupEngine(t, dbPath)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	nextStream(t, transport)
	interactions := nextStream(t, transport)

	interactions.events <- reactionEvent(strings.Repeat("44", 32), strings.Repeat("cd", 32), 1000)
	waitFor(t, func() bool {
		return e.Reconciler().Len(reconcile.CollectionReactions) == 1
	}, "event never reconciled")

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// A fresh engine on the same database rehydrates without live traffic
	e2, transport2 := setupEngine(t, dbPath)
	if err := e2.Start(context.Background()); err != nil {
		t.Fatalf("Second Start() error = %v", err)
	}
	defer e2.Stop()

	if n := e2.Reconciler().Len(reconcile.CollectionReactions); n != 1 {
		t.Errorf("Warm start loaded %d reactions, expected 1", n)
	}

	// The interactions subscription resumes from the persisted cursor
	s1 := nextStream(t, transport2)
	s2 := nextStream(t, transport2)
	var interactionsFilter nostr.Filter
	for _, s := range []*stubStream{s1, s2} {
		if len(s.filters[0].Authors) == 0 {
			interactionsFilter = s.filters[0]
		}
	}
	if interactionsFilter.Since == nil || int64(*interactionsFilter.Since) != 1000 {
		t.Errorf("Resume filter Since = %v, expected cursor 1000", interactionsFilter.Since)
	}
}

func TestRefreshUsesBoundedFetch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	e, transport := setupEngine(t, dbPath)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	nextStream(t, transport)
	nextStream(t, transport)

	profile := &nostr.Event{
		ID:        strings.Repeat("55", 32),
		PubKey:    ownerHex,
		Kind:      0,
		Content:   `{"name":"owner"}`,
		Tags:      nostr.Tags{},
		CreatedAt: nostr.Timestamp(1000),
	}
	transport.mu.Lock()
	transport.fetchReturn = []*nostr.Event{profile}
	transport.mu.Unlock()

	// Default config has no subscription timeout; the refresh must still be
	// deadline-bounded and must never occupy a pool slot
	e.refreshReplaceables()

	transport.mu.Lock()
	calls, bound, filter := transport.fetchCalls, transport.fetchBound, transport.fetchFilter
	transport.mu.Unlock()

	if calls != 1 {
		t.Fatalf("FetchEvents called %d times, expected 1", calls)
	}
	if !bound {
		t.Error("Expected refresh fetch context to carry a deadline")
	}
	if len(filter.Authors) != 1 || filter.Authors[0] != ownerHex {
		t.Errorf("Refresh filter authors = %v, expected owner pubkey", filter.Authors)
	}

	if n := e.ActiveSubscriptions(); n != 2 {
		t.Errorf("ActiveSubscriptions() = %d after refresh, expected the standing 2", n)
	}

	waitFor(t, func() bool {
		return e.Reconciler().Len(reconcile.CollectionProfiles) == 1
	}, "refreshed profile never reached the reconciler")

	// Repeated refreshes stay one-shot: no subscriptions pile up
	e.refreshReplaceables()
	e.refreshReplaceables()
	if n := e.ActiveSubscriptions(); n != 2 {
		t.Errorf("ActiveSubscriptions() = %d after repeated refreshes, expected 2", n)
	}
}

func TestRejectsBadNpub(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "engine.db"))
	cfg.Identity.Npub = "npub1notvalid"

	st, err := storage.New(context.Background(), &cfg.Cache)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer st.Close()

	if _, err := NewWithTransport(cfg, newStubTransport(), st, nil); err == nil {
		t.Error("Expected error for undecodable npub")
	}
}
