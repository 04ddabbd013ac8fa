package subs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/openvine/vinesync/filters"
	"github.com/openvine/vinesync/ops"
	"github.com/openvine/vinesync/ratelimit"
)

// Priority bounds: 1 is the highest logical priority, 10 the lowest.
const (
	MinPriority = 1
	MaxPriority = 10
)

// DefaultMaxConcurrent is the default soft ceiling on live subscriptions.
const DefaultMaxConcurrent = 30

// DefaultRetryDelay is the fixed delay before re-subscribing after an error.
const DefaultRetryDelay = 30 * time.Second

// ErrClosed is returned when subscribing on a closed manager.
var ErrClosed = fmt.Errorf("subscription manager closed")

// State is a subscription lifecycle state. Every terminal state deregisters
// the subscription and releases its transport handle.
type State int32

const (
	StateActive State = iota
	StateCancelled
	StateTimedOut
	StateCompleted
	StateEvicted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	case StateCompleted:
		return "completed"
	case StateEvicted:
		return "evicted"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Subscriber is the transport collaborator. The event channel closes when
// the upstream stream completes; a value on the error channel signals a
// transport failure.
type Subscriber interface {
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan *nostr.Event, <-chan error)
}

// Request describes a logical subscription
type Request struct {
	Name     string
	Relays   []string
	Filters  []nostr.Filter
	Priority int           // 1 (highest) .. 10 (lowest)
	Timeout  time.Duration // 0 uses the manager default; negative disables
	Attempt  int           // retry attempt count, 0 for a fresh request

	OnEvent func(*nostr.Event)
	OnError func(error)
}

// ManagedSubscription is one live entry in the pool. Owned exclusively by
// the manager; callers keep the pointer only to observe ID and final state.
type ManagedSubscription struct {
	ID        string
	Name      string
	Filters   []nostr.Filter
	Priority  int
	CreatedAt time.Time
	Timeout   time.Duration

	state  atomic.Int32
	cancel context.CancelFunc
	timer  *time.Timer
}

// State returns the subscription's current lifecycle state
func (s *ManagedSubscription) State() State {
	return State(s.state.Load())
}

// Options tunes the manager
type Options struct {
	MaxConcurrent  int
	RetryDelay     time.Duration
	DefaultTimeout time.Duration
}

// Manager owns a bounded pool of concurrent subscriptions. Admission past
// the soft ceiling evicts the lowest-priority active entry first; errored
// subscriptions are re-issued by the retry supervisor with their original
// parameters. All admission, eviction and bookkeeping runs under one mutex.
type Manager struct {
	mu          sync.Mutex
	active      map[string]*ManagedSubscription
	retryTimers map[*time.Timer]struct{}
	seq         uint64
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	transport Subscriber
	optimizer *filters.Optimizer
	limiter   *ratelimit.Limiter
	log       *ops.Logger

	maxConcurrent  int
	retryDelay     time.Duration
	defaultTimeout time.Duration

	now func() time.Time
}

// NewManager creates a subscription manager over the given transport
func NewManager(transport Subscriber, optimizer *filters.Optimizer, limiter *ratelimit.Limiter, opts Options, log *ops.Logger) *Manager {
	if optimizer == nil {
		optimizer = filters.NewOptimizer(0)
	}
	if limiter == nil {
		limiter = ratelimit.New(0)
	}
	if log == nil {
		log = ops.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		active:         make(map[string]*ManagedSubscription),
		retryTimers:    make(map[*time.Timer]struct{}),
		ctx:            ctx,
		cancel:         cancel,
		transport:      transport,
		optimizer:      optimizer,
		limiter:        limiter,
		log:            log.WithComponent("subs"),
		maxConcurrent:  opts.MaxConcurrent,
		retryDelay:     opts.RetryDelay,
		defaultTimeout: opts.DefaultTimeout,
		now:            time.Now,
	}
}

// Subscribe admits a new managed subscription. At or above the ceiling it
// evicts exactly one lowest-priority entry first and then admits
// unconditionally, so admission never fails for capacity reasons.
func (m *Manager) Subscribe(req Request) (*ManagedSubscription, error) {
	priority := req.Priority
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.defaultTimeout
	}

	optimized := m.optimizer.Optimize(req.Filters)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	if len(m.active) >= m.maxConcurrent {
		m.evictLowestLocked()
	}

	m.seq++
	id := fmt.Sprintf("%s-%d", req.Name, m.seq)

	subCtx, cancel := context.WithCancel(m.ctx)
	ms := &ManagedSubscription{
		ID:        id,
		Name:      req.Name,
		Filters:   optimized,
		Priority:  priority,
		CreatedAt: m.now(),
		Timeout:   timeout,
		cancel:    cancel,
	}
	ms.state.Store(int32(StateActive))
	m.active[id] = ms

	if timeout > 0 {
		ms.timer = time.AfterFunc(timeout, func() {
			m.finish(id, StateTimedOut)
		})
	}

	activeCount := len(m.active)
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.LogSubscriptionAdmitted(id, req.Name, priority, activeCount)

	go m.run(ms, subCtx, req)

	return ms, nil
}

// Cancel explicitly destroys a subscription. Returns false if it was
// already gone.
func (m *Manager) Cancel(id string) bool {
	return m.finish(id, StateCancelled)
}

// ActiveCount returns the number of live subscriptions
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close cancels all subscriptions and pending retries, then waits for
// delivery goroutines to drain. After Close no callbacks fire.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	for timer := range m.retryTimers {
		timer.Stop()
	}
	m.retryTimers = make(map[*time.Timer]struct{})

	subs := make([]*ManagedSubscription, 0, len(m.active))
	for _, ms := range m.active {
		subs = append(subs, ms)
	}
	for _, ms := range subs {
		m.releaseLocked(ms, StateCancelled)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// run drives one subscription's delivery loop
func (m *Manager) run(ms *ManagedSubscription, ctx context.Context, req Request) {
	defer m.wg.Done()

	events, errs := m.transport.Subscribe(ctx, req.Relays, nostr.Filters(ms.Filters))

	for {
		select {
		case event, ok := <-events:
			if !ok {
				m.finish(ms.ID, StateCompleted)
				return
			}
			if event == nil {
				continue
			}
			if !m.limiter.Admit() {
				// Lossy admission under overload: dropped, not queued
				m.log.LogRateLimitDrop(ms.ID, m.limiter.Dropped())
				continue
			}
			if req.OnEvent != nil {
				req.OnEvent(event)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if req.OnError != nil {
				req.OnError(err)
			}
			if m.finish(ms.ID, StateErrored) {
				m.scheduleRetry(req)
			}
			return

		case <-ctx.Done():
			// State was already set by whichever terminal path cancelled us
			return
		}
	}
}

// finish moves a subscription to a terminal state. Returns false if it was
// already terminal.
func (m *Manager) finish(id string, state State) bool {
	m.mu.Lock()
	ms, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.releaseLocked(ms, state)
	m.mu.Unlock()
	return true
}

// releaseLocked deregisters a subscription and closes its transport handle.
// Caller holds m.mu.
func (m *Manager) releaseLocked(ms *ManagedSubscription, state State) {
	ms.state.CompareAndSwap(int32(StateActive), int32(state))
	if ms.timer != nil {
		ms.timer.Stop()
	}
	ms.cancel()
	delete(m.active, ms.ID)
	m.log.LogSubscriptionEnded(ms.ID, state.String())
}

// evictLowestLocked cancels exactly one subscription carrying the largest
// priority number. Ties go to the oldest-created entry so eviction order is
// deterministic. Caller holds m.mu.
func (m *Manager) evictLowestLocked() {
	var victim *ManagedSubscription
	for _, ms := range m.active {
		if victim == nil {
			victim = ms
			continue
		}
		if ms.Priority > victim.Priority ||
			(ms.Priority == victim.Priority && ms.CreatedAt.Before(victim.CreatedAt)) {
			victim = ms
		}
	}
	if victim == nil {
		return
	}

	m.releaseLocked(victim, StateEvicted)
	m.log.LogEviction(victim.ID, victim.Priority)
}
