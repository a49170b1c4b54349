// Package cache provides a principal-scoped, stale-while-revalidate cache
// over remote collections.
//
// Each key owns a small fetch state machine:
//
//	Idle -> Fetching -> Succeeded
//	                 -> Failed(n) -> RetryScheduled -> Fetching
//
// A failed refresh never replaces a payload; the previous payload is kept
// and the error is reported alongside it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultFetchTimeout = 15 * time.Second

// Key identifies one cached collection.
type Key struct {
	Principal string
	Resource  string
}

func (k Key) String() string {
	return k.Principal + "|" + k.Resource
}

// State is the fetch state of an entry.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateSucceeded
	StateFailed
	StateRetryScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRetryScheduled:
		return "retry_scheduled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger names why a bulk refresh was requested.
type Trigger string

const (
	TriggerFocus     Trigger = "focus"
	TriggerReconnect Trigger = "reconnect"
)

// Snapshot is a point-in-time view of an entry.
type Snapshot[T any] struct {
	Key        Key
	Payload    []T
	Loaded     bool // at least one successful fetch or Put
	FetchedAt  time.Time
	Stale      bool
	Fetching   bool
	State      State
	RetryCount int
	Err        error // last fetch error; payload is last-known-good
	Generation uint64
}

// Fetcher loads the collection for key.
type Fetcher[T any] func(ctx context.Context, key Key) ([]T, error)

type entry[T any] struct {
	payload     []T
	loaded      bool
	fetchedAt   time.Time
	staleAfter  time.Time
	invalidated bool

	state      State
	inFlight   bool
	retryCount int
	lastErr    error
	retryTimer Timer

	generation   uint64
	appliedSeq   uint64
	refetchAfter bool

	subs map[int]chan Snapshot[T]
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	fetch         Fetcher[T]
	policies      map[string]Policy
	defaultPolicy Policy
	clock         Clock
	sched         Scheduler
	timeout       time.Duration
	logger        *slog.Logger

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[Key]*entry[T]
	seq     uint64
	nextSub int
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	policies      map[string]Policy
	defaultPolicy Policy
	clock         Clock
	sched         Scheduler
	timeout       time.Duration
	logger        *slog.Logger
}

// WithPolicy sets the policy for one resource.
func WithPolicy(resource string, p Policy) Option {
	return func(o *options) { o.policies[resource] = p }
}

// WithDefaultPolicy sets the policy for resources without their own.
func WithDefaultPolicy(p Policy) Option {
	return func(o *options) { o.defaultPolicy = p }
}

// WithClock replaces the wall clock (for testing).
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithScheduler replaces time.AfterFunc (for testing).
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithFetchTimeout bounds each fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a Cache that loads collections with fetch.
func New[T any](fetch Fetcher[T], opts ...Option) *Cache[T] {
	o := options{
		policies:      make(map[string]Policy),
		defaultPolicy: ListPolicy,
		clock:         realClock{},
		sched:         realScheduler{},
		timeout:       defaultFetchTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[T]{
		fetch:         fetch,
		policies:      o.policies,
		defaultPolicy: o.defaultPolicy,
		clock:         o.clock,
		sched:         o.sched,
		timeout:       o.timeout,
		logger:        o.logger,
		ctx:           ctx,
		cancel:        cancel,
		entries:       make(map[Key]*entry[T]),
	}
}

// Close cancels in-flight fetches and pending retries.
func (c *Cache[T]) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
	}
}

// Get returns the current payload for key, possibly stale, and starts a
// background fetch when the entry is absent or stale and nothing is in
// flight.
func (c *Cache[T]) Get(key Key) Snapshot[T] {
	c.mu.Lock()
	e := c.entryLocked(key)
	need := c.needsFetchLocked(e)
	c.mu.Unlock()

	if need {
		c.trigger(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(key, e)
}

// Load returns a fresh payload for key, waiting for a fetch when the entry
// is absent or stale. Concurrent callers share one fetch. On failure the
// last-known-good payload is returned together with the error.
func (c *Cache[T]) Load(ctx context.Context, key Key) (Snapshot[T], error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	if !e.inFlight && !c.staleLocked(e) {
		snap := c.snapshotLocked(key, e)
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		snap := c.snapshotLocked(key, e)
		c.mu.Unlock()
		return snap, ctx.Err()
	case res := <-c.trigger(key):
		snap, _ := res.Val.(Snapshot[T])
		return snap, res.Err
	}
}

// Invalidate marks key stale without clearing its payload. When a consumer
// is subscribed the entry is refetched right away; otherwise the next Get
// or Load refetches. Invalidating during a fetch schedules a follow-up
// fetch once the current one settles.
func (c *Cache[T]) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.invalidated = true
	if e.inFlight {
		e.refetchAfter = true
		c.mu.Unlock()
		return
	}
	subscribed := len(e.subs) > 0
	c.mu.Unlock()

	c.logger.Debug("cache: invalidated", "key", key.String(), "refetch", subscribed)
	if subscribed {
		c.trigger(key)
	}
}

// Put seeds key with payload after a successful mutation, skipping a round
// trip. Any fetch already in flight will not overwrite it.
func (c *Cache[T]) Put(key Key, payload []T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	now := c.clock.Now()
	c.seq++
	e.payload = cloneSlice(payload)
	e.loaded = true
	e.appliedSeq = c.seq
	e.generation++
	e.fetchedAt = now
	e.staleAfter = now.Add(c.policy(key).TTL)
	e.invalidated = false
	e.lastErr = nil
	e.retryCount = 0
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if !e.inFlight {
		e.state = StateSucceeded
	}
	c.notifyLocked(key, e)
}

// Subscribe registers a consumer for key. The channel immediately receives
// the current snapshot and then one snapshot per settled fetch or Put; a
// slow reader only ever sees the latest one. cancel unregisters and closes
// the channel.
func (c *Cache[T]) Subscribe(key Key) (<-chan Snapshot[T], func()) {
	c.mu.Lock()
	e := c.entryLocked(key)
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot[T], 1)
	if e.subs == nil {
		e.subs = make(map[int]chan Snapshot[T])
	}
	e.subs[id] = ch
	need := c.needsFetchLocked(e)
	ch <- c.snapshotLocked(key, e)
	c.mu.Unlock()

	if need {
		c.trigger(key)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Refresh refetches every subscribed entry that is stale (focus) or stale or
// failing (reconnect). Errors are retained in the entries and returned
// joined.
func (c *Cache[T]) Refresh(ctx context.Context, trigger Trigger) error {
	c.mu.Lock()
	var keys []Key
	for k, e := range c.entries {
		if len(e.subs) == 0 || e.inFlight {
			continue
		}
		if c.staleLocked(e) || (trigger == TriggerReconnect && e.lastErr != nil) {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("cache: refresh", "trigger", string(trigger), "keys", len(keys))

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, k := range keys {
		g.Go(func() error {
			if _, err := c.Load(gCtx, k); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("refreshing %s: %w", k, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Forget drops every entry belonging to principal. Fetches still in flight
// for those entries are discarded when they settle.
func (c *Cache[T]) Forget(principal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.Principal != principal {
			continue
		}
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
		for id, sub := range e.subs {
			close(sub)
			delete(e.subs, id)
		}
		delete(c.entries, k)
		c.group.Forget(k.String())
	}
}

// Peek returns the snapshot for key without triggering a fetch.
func (c *Cache[T]) Peek(key Key) Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot[T]{Key: key, Stale: true}
	}
	return c.snapshotLocked(key, e)
}

// trigger marks key in flight and returns the outcome channel of the fetch.
// When a fetch is already running the caller attaches to it.
func (c *Cache[T]) trigger(key Key) <-chan singleflight.Result {
	return c.start(key, false)
}

// start begins a fetch. A fetch that is not a timer retry and finds the
// entry Failed opens a new cycle with the full retry budget.
func (c *Cache[T]) start(key Key, isRetry bool) <-chan singleflight.Result {
	c.mu.Lock()
	e := c.entryLocked(key)
	if !e.inFlight {
		if !isRetry && e.state == StateFailed {
			e.retryCount = 0
		}
		e.inFlight = true
		e.state = StateFetching
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
	}
	c.mu.Unlock()

	return c.group.DoChan(key.String(), func() (any, error) {
		return c.run(key, e)
	})
}

func (c *Cache[T]) run(key Key, e *entry[T]) (Snapshot[T], error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	payload, err := c.fetch(ctx, key)
	return c.settle(key, e, seq, payload, err)
}

func (c *Cache[T]) settle(key Key, e *entry[T], seq uint64, payload []T, err error) (Snapshot[T], error) {
	c.mu.Lock()

	c.group.Forget(key.String())
	if cur, ok := c.entries[key]; !ok || cur != e {
		c.mu.Unlock()
		c.logger.Debug("cache: dropping result for forgotten entry", "key", key.String())
		if err == nil {
			err = errors.New("cache entry was dropped")
		}
		return Snapshot[T]{Key: key, Stale: true}, err
	}

	now := c.clock.Now()
	pol := c.policy(key)
	e.inFlight = false

	if err == nil {
		if seq > e.appliedSeq {
			e.payload = cloneSlice(payload)
			e.loaded = true
			e.appliedSeq = seq
			e.generation++
		}
		e.fetchedAt = now
		e.staleAfter = now.Add(pol.TTL)
		e.invalidated = false
		e.retryCount = 0
		e.lastErr = nil
		e.state = StateSucceeded
	} else {
		e.retryCount++
		e.lastErr = err
		if e.retryCount <= pol.MaxRetries {
			delay := Backoff(e.retryCount)
			e.state = StateRetryScheduled
			e.retryTimer = c.sched.AfterFunc(delay, func() { c.retry(key, e) })
			c.logger.Warn("cache: fetch failed, retry scheduled",
				"key", key.String(), "attempt", e.retryCount, "delay", delay, "error", err)
		} else {
			e.state = StateFailed
			c.logger.Warn("cache: fetch failed, keeping last payload",
				"key", key.String(), "retries", e.retryCount-1, "error", err)
		}
	}

	refetch := false
	if e.refetchAfter {
		e.refetchAfter = false
		e.invalidated = true
		refetch = err == nil && len(e.subs) > 0
	}

	snap := c.snapshotLocked(key, e)
	c.notifyLocked(key, e)
	c.mu.Unlock()

	if refetch {
		c.trigger(key)
	}
	return snap, err
}

func (c *Cache[T]) retry(key Key, e *entry[T]) {
	c.mu.Lock()
	if cur, ok := c.entries[key]; !ok || cur != e || e.state != StateRetryScheduled {
		c.mu.Unlock()
		return
	}
	e.retryTimer = nil
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	c.start(key, true)
}

func (c *Cache[T]) entryLocked(key Key) *entry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}
	return e
}

// policy matches on the resource name before any ":" qualifier, so
// "analysis:emotion" uses the "analysis" policy.
func (c *Cache[T]) policy(key Key) Policy {
	name, _, _ := strings.Cut(key.Resource, ":")
	if p, ok := c.policies[name]; ok {
		return p
	}
	return c.defaultPolicy
}

func (c *Cache[T]) staleLocked(e *entry[T]) bool {
	if !e.loaded || e.invalidated {
		return true
	}
	return !c.clock.Now().Before(e.staleAfter)
}

// needsFetchLocked leaves entries with a pending retry to their timer.
func (c *Cache[T]) needsFetchLocked(e *entry[T]) bool {
	return !e.inFlight && e.state != StateRetryScheduled && c.staleLocked(e)
}

func (c *Cache[T]) snapshotLocked(key Key, e *entry[T]) Snapshot[T] {
	return Snapshot[T]{
		Key:        key,
		Payload:    cloneSlice(e.payload),
		Loaded:     e.loaded,
		FetchedAt:  e.fetchedAt,
		Stale:      c.staleLocked(e),
		Fetching:   e.inFlight,
		State:      e.state,
		RetryCount: e.retryCount,
		Err:        e.lastErr,
		Generation: e.generation,
	}
}

func (c *Cache[T]) notifyLocked(key Key, e *entry[T]) {
	if len(e.subs) == 0 {
		return
	}
	snap := c.snapshotLocked(key, e)
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
