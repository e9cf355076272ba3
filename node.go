// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package synced keeps a reactive in-memory value consistent with a
// local durable store and a remote data source under an
// eventual-consistency, last-write-wins-per-field model. It tolerates
// indefinite offline periods: local mutations land in a durable change
// journal and are replayed to the remote once it becomes reachable
// again.
package synced

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/glasskey/synced/internal/backoff"
	"github.com/glasskey/synced/internal/debounce"
	"github.com/glasskey/synced/internal/diff"
	"github.com/glasskey/synced/internal/journal"
	"github.com/glasskey/synced/internal/logger"
	"github.com/glasskey/synced/internal/merge"
	"github.com/glasskey/synced/internal/transform"
	"github.com/glasskey/synced/models"
)

// ActivationState is a node's position in its lifecycle state machine:
// Inactive -> Activating -> {Active, Error}. Active re-enters
// Activating on a manual Sync or a subscription-triggered refresh.
type ActivationState int32

const (
	StateInactive ActivationState = iota
	StateActivating
	StateActive
	StateError
)

// String returns the lowercase state name.
func (s ActivationState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// fieldChange is one changed leaf between two value snapshots.
type fieldChange struct {
	path models.Path
	prev any
	next any
}

// Node is the orchestration unit bound to one reactive value subtree.
// It owns the change journal and the status object; the live value is
// owned by the application and only referenced for read/write.
//
// All exported methods are safe for concurrent use.
type Node struct {
	id  string
	cfg Config
	log *logger.Logger

	obs     Observable
	remote  RemoteAdapter
	persist PersistAdapter

	pipeline        *transform.Pipeline // live <-> wire
	persistPipeline *transform.Pipeline // live <-> persisted

	jrnl     *journal.Journal
	getSched *backoff.Scheduler
	setSched *backoff.Scheduler
	deb      *debounce.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sf     singleflight.Group

	// applying suppresses journaling while the node writes its own
	// merge results into the observable.
	applying atomic.Bool

	mu           sync.Mutex
	state        ActivationState
	status       models.SyncStatus
	snap         models.Value // last-known copy of the live value
	actCh        chan struct{}
	actErr       error
	unsubObs     func()
	teardown     func() // remote subscription teardown
	setInFlight  bool
	setDirty     bool
	persistDirty bool
	closed       bool
}

// New binds a node to the given observable value under cfg. A lazy
// node performs no storage or network I/O until its value is first
// observed (or Activate/Sync is called); cfg.Eager starts activation
// immediately in the background.
func New(obs Observable, cfg Config) (*Node, error) {
	if obs == nil {
		return nil, ErrNoObservable
	}
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	id := cfg.Name
	if id == "" {
		id = uuid.NewString()
		cfg.Name = id
		if cfg.Persist != nil && cfg.Persist.Name == "" {
			cfg.Persist.Name = id
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:       id,
		cfg:      cfg,
		log:      cfg.Logger.With("node", id),
		obs:      obs,
		remote:   cfg.Remote,
		pipeline: transform.NewPipeline(cfg.Transform...),
		jrnl:     journal.New(),
		getSched: backoff.New(cfg.Retry),
		setSched: backoff.New(cfg.Retry),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateInactive,
	}
	if cfg.Persist != nil {
		n.persist = cfg.Persist.Plugin
		n.persistPipeline = transform.NewPipeline(cfg.Persist.Transform...)
	}
	n.deb = debounce.New(cfg.DebounceSet, n.dispatchPending)

	n.status.IsPersistEnabled = n.persist != nil
	n.status.IsSyncEnabled = n.remote != nil

	if cfg.Initial != nil {
		n.setValue(models.Clone(cfg.Initial))
	} else {
		n.snap = models.Clone(obs.Get())
	}
	n.unsubObs = obs.OnChange(n.onLocalChange)

	if cfg.Eager {
		if n.persist != nil && n.persist.Synchronous() && cfg.WaitFor == nil {
			// A synchronous adapter makes cached data and
			// IsPersistLoaded visible before construction returns.
			n.loadPersisted(ctx)
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			_ = n.activate(n.ctx, true)
		}()
	}

	n.log.Debug().Bool("eager", cfg.Eager).Msg("node created")
	return n, nil
}

// ID returns the node identity: the configured name or a generated
// UUID.
func (n *Node) ID() string { return n.id }

// State returns the current activation state.
func (n *Node) State() ActivationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Status returns a copy of the public status object.
func (n *Node) Status() models.SyncStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// PendingChanges returns the journal's current snapshot in insertion
// order.
func (n *Node) PendingChanges() []models.PendingChange {
	return n.jrnl.Pending()
}

// Get observes the value, activating a lazy node first. The returned
// tree is a copy. When activation fails, the last-known-good value is
// still returned alongside the error.
func (n *Node) Get(ctx context.Context) (models.Value, error) {
	err := n.activate(ctx, false)
	return models.Clone(n.obs.Get()), err
}

// Activate eagerly runs the activation sequence: persisted data is
// loaded and merged first, then the remote get runs through the retry
// scheduler, then the subscription is established. Repeated calls on
// an active node are no-ops; a node in the error state re-activates.
func (n *Node) Activate(ctx context.Context) error {
	return n.activate(ctx, true)
}

// Set writes value at path through the node: the live value is updated
// synchronously, the change is journaled and durably flushed, and the
// remote dispatch is deferred behind the debounce window.
func (n *Node) Set(_ context.Context, path models.Path, value any) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	next := models.Clone(n.snap)
	if next == nil {
		next = models.Value{}
	}
	models.SetPath(next, path, value)
	n.mu.Unlock()

	// Routed through the observable so application listeners and the
	// node's own journal path both see it.
	n.obs.Set(next)
	return nil
}

// Sync manually flushes pending local changes and re-runs the remote
// get. Concurrent calls coalesce: they all observe the outcome of one
// pass. On an inactive or errored node, Sync (re)runs activation
// instead.
func (n *Node) Sync(ctx context.Context) error {
	res := n.sf.DoChan("sync", func() (any, error) {
		n.mu.Lock()
		active := n.state == StateActive
		n.mu.Unlock()

		if !active {
			return nil, n.activate(ctx, true)
		}
		n.deb.FlushNow()
		return nil, n.runGet(ctx)
	})

	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh re-invokes the remote get step only. Subscription refresh
// hooks and the periodic sync interval land here.
func (n *Node) Refresh(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		return n.activate(ctx, true)
	}
	n.mu.Unlock()
	return n.runGet(ctx)
}

// Update lets a subscription push wire-form data straight into the
// transform and merge path, without a get round-trip.
func (n *Node) Update(data any) {
	v, err := n.pipeline.Load(n.ctx, data)
	if err != nil {
		n.surface(err)
		return
	}
	if err := n.applyIncoming(n.cfg.Mode, v); err != nil {
		n.surface(err)
		return
	}
	n.flushEnvelope(n.ctx)
	n.log.Debug().Msg("subscription update applied")
}

// ClearPersist removes the locally persisted data and its journal
// entries. The live value is left untouched.
func (n *Node) ClearPersist(ctx context.Context) error {
	if n.persist == nil {
		return ErrNoPersist
	}
	if err := n.persist.Delete(ctx, n.cfg.Persist.Name); err != nil {
		perr := &PersistenceError{Op: "delete", Err: err}
		n.surface(perr)
		return perr
	}
	n.jrnl.Clear()
	n.log.Debug().Msg("persisted state cleared")
	return nil
}

// Close disposes the node: the remote subscription is torn down, the
// debounce window is cancelled, and in-flight retries are abandoned
// (an attempt already dispatched may still complete; its result is
// discarded). The node ends Inactive.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	unsubObs := n.unsubObs
	teardown := n.teardown
	n.unsubObs = nil
	n.teardown = nil
	n.mu.Unlock()

	n.cancel()
	if unsubObs != nil {
		unsubObs()
	}
	if teardown != nil {
		teardown()
	}
	n.deb.Stop()
	n.wg.Wait()

	n.mu.Lock()
	n.state = StateInactive
	n.mu.Unlock()
	n.log.Debug().Msg("node closed")
	return nil
}

// ── activation ──────────────────────────────────────────────────────

// activate runs the activation sequence once. A node that ended in
// the error state stays there for passive observation (Get); only a
// manual retry (Sync, Refresh, Activate) re-enters it.
func (n *Node) activate(ctx context.Context, retryError bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.state == StateActive {
		n.mu.Unlock()
		return nil
	}
	if n.state == StateError && !retryError {
		err := n.actErr
		n.mu.Unlock()
		return err
	}
	if n.actCh != nil {
		// Another goroutine is activating; wait for its outcome.
		ch := n.actCh
		n.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		n.mu.Lock()
		err := n.actErr
		n.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	n.actCh = ch
	n.state = StateActivating
	n.mu.Unlock()

	n.log.Debug().Msg("activating")
	err := n.runActivation(ctx)

	n.mu.Lock()
	n.actErr = err
	n.actCh = nil
	if err != nil {
		n.state = StateError
		n.status.Error = err
	} else {
		n.state = StateActive
	}
	n.mu.Unlock()
	close(ch)

	if err != nil {
		n.log.Warn().Err(err).Msg("activation failed")
	} else {
		n.log.Debug().Msg("active")
	}
	return err
}

// runActivation performs the ordered activation sequence. Persistence
// always completes before the first remote get is dispatched, so
// offline-cached data is visible before remote data can overwrite it.
func (n *Node) runActivation(ctx context.Context) error {
	if n.cfg.WaitFor != nil {
		if err := n.cfg.WaitFor(ctx); err != nil {
			return &ActivationError{Err: fmt.Errorf("waitFor: %w", err)}
		}
	}

	n.mu.Lock()
	persistLoaded := n.status.IsPersistLoaded
	n.mu.Unlock()
	if n.persist != nil && !persistLoaded {
		n.loadPersisted(ctx)
	}

	if n.remote != nil {
		if err := n.runGet(ctx); err != nil {
			return err
		}
	}

	if sub, ok := n.remote.(Subscriber); ok && n.remote != nil {
		teardown, err := sub.Subscribe(n.ctx, SubscribeHooks{
			Refresh: func() { _ = n.Refresh(n.ctx) },
			Update:  n.Update,
		})
		if err != nil {
			return &ActivationError{Err: err}
		}
		n.mu.Lock()
		n.teardown = teardown
		n.mu.Unlock()
	}

	if n.cfg.SyncInterval > 0 {
		n.startInterval()
	}
	return nil
}

// loadPersisted merges locally persisted data and restores the
// journal. Persistence failures surface on the status object but do
// not abort activation: the remote is still reachable without the
// local cache.
func (n *Node) loadPersisted(ctx context.Context) {
	env, err := n.persist.Load(ctx, n.cfg.Persist.Name)
	if err == ErrNotPersisted {
		n.mu.Lock()
		n.status.IsPersistLoaded = true
		n.mu.Unlock()
		return
	}
	if err != nil {
		n.surface(&PersistenceError{Op: "load", Err: err})
		return
	}

	data, err := n.persistPipeline.Load(ctx, env.Data)
	if err != nil {
		n.surface(err)
		return
	}
	if data != nil {
		if err := n.applyIncoming(n.cfg.Mode, data); err != nil {
			n.surface(err)
			return
		}
	}

	n.jrnl.Restore(env.Pending)
	n.overlayPending()

	n.mu.Lock()
	n.status.IsPersistLoaded = true
	n.status.LastSync = env.LastSync
	n.mu.Unlock()
	n.log.Debug().Int("pending", n.jrnl.Len()).Msg("persisted state loaded")

	// Unconfirmed writes recorded before a crash resume without any
	// new user mutation.
	if n.jrnl.Len() > 0 {
		n.deb.Notify()
	}
}

func (n *Node) startInterval() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		t := time.NewTicker(n.cfg.SyncInterval)
		defer t.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-t.C:
				_ = n.Refresh(n.ctx)
			}
		}
	}()
}

// ── inbound path ────────────────────────────────────────────────────

// runGet fetches the remote value through the retry scheduler, runs it
// through the transform pipeline and merges it into the live value.
// Concurrent callers coalesce onto the in-flight attempt sequence and
// all observe its outcome.
func (n *Node) runGet(ctx context.Context) error {
	_, err, _ := n.sf.Do("get", func() (any, error) {
		return nil, n.doGet(ctx)
	})
	return err
}

func (n *Node) doGet(ctx context.Context) error {
	op := func(ctx context.Context) error {
		raw, err := n.remote.Get(ctx)
		if err != nil {
			return &RemoteError{Op: "get", Err: err}
		}
		v, err := n.pipeline.Load(ctx, raw)
		if err != nil {
			// Malformed data is not going to improve on retry.
			return backoff.Permanent(err)
		}
		if err := n.applyIncoming(n.cfg.Mode, v); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := n.getSched.Run(ctx, op); err != nil {
		n.surface(err)
		return err
	}

	n.markSynced()
	n.mu.Lock()
	n.status.IsLoaded = true
	n.mu.Unlock()
	n.flushEnvelope(ctx)
	return nil
}

// applyIncoming merges incoming (live-form) data into the live value
// per mode, then re-applies the journal's pending values on top:
// in-flight local edits are never clobbered by unrelated remote
// pushes. The merge always runs against the latest snapshot, so a
// concurrent local mutation simply loses to the next application.
func (n *Node) applyIncoming(mode models.MergeMode, incoming any) error {
	n.mu.Lock()
	cur := any(n.snap)
	if n.snap == nil {
		cur = nil
	}
	merged, err := merge.Apply(mode, cur, incoming)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	mv, ok := merged.(map[string]any)
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: incoming root is %T, not an object", merge.ErrShapeConflict, merged)
	}
	for _, p := range n.jrnl.Pending() {
		models.SetPath(mv, p.Path, p.New)
	}
	n.mu.Unlock()

	n.setValue(mv)
	return nil
}

// overlayPending re-applies pending local values onto the live value.
func (n *Node) overlayPending() {
	n.mu.Lock()
	mv := models.Clone(n.snap)
	if mv == nil {
		mv = models.Value{}
	}
	pending := n.jrnl.Pending()
	for _, p := range pending {
		models.SetPath(mv, p.Path, p.New)
	}
	n.mu.Unlock()

	if len(pending) > 0 {
		n.setValue(mv)
	}
}

// setValue writes a node-produced value into the observable with
// journaling suppressed.
func (n *Node) setValue(v models.Value) {
	n.mu.Lock()
	n.snap = models.Clone(v)
	n.mu.Unlock()

	n.applying.Store(true)
	defer n.applying.Store(false)
	n.obs.Set(v)
}

// ── outbound path ───────────────────────────────────────────────────

// onLocalChange is the observable's change listener: it journals the
// changed leaves, flushes the envelope so the record is durable before
// the write returns, and defers the remote dispatch behind the
// debounce window.
func (n *Node) onLocalChange(v models.Value) {
	if n.applying.Load() {
		n.mu.Lock()
		n.snap = models.Clone(v)
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	old := n.snap
	n.snap = models.Clone(v)
	changes := leafChanges("", old, n.snap)
	if len(changes) == 0 {
		n.mu.Unlock()
		return
	}
	if n.remote != nil {
		for _, c := range changes {
			n.jrnl.Record(c.path, c.prev, c.next)
		}
	}
	n.mu.Unlock()

	n.flushEnvelope(n.ctx)
	if n.remote != nil {
		n.deb.Notify()
	}
}

// dispatchPending is the debounce flush: it drops entries with zero
// net change, then drives exactly one outbound set for the rest. A
// second set never starts before the first's terminal outcome is
// recorded; mutations arriving meanwhile re-arm the window afterwards.
func (n *Node) dispatchPending() {
	n.mu.Lock()
	if n.closed || n.remote == nil {
		n.mu.Unlock()
		return
	}

	live := make([]models.PendingChange, 0, n.jrnl.Len())
	dropped := false
	for _, p := range n.jrnl.Pending() {
		if models.Equal(p.Previous, p.New) {
			// Mutation and its equal-and-opposite within one window
			// cancel out; nothing to send for this path.
			n.jrnl.Confirm(p.Path)
			dropped = true
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		n.mu.Unlock()
		if dropped {
			n.flushEnvelope(n.ctx)
		}
		return
	}
	if n.setInFlight {
		n.setDirty = true
		n.mu.Unlock()
		return
	}
	n.setInFlight = true
	snapshot := models.Clone(n.snap)
	lastSync := n.status.LastSync
	blocked := n.cfg.Persist != nil && n.cfg.Persist.RetrySync && n.persistDirty
	n.mu.Unlock()

	if blocked {
		// Journal durability is required before dispatch; hold the set
		// and retry the flush behind a fresh window until it succeeds.
		if err := n.flushEnvelope(n.ctx); err != nil {
			n.mu.Lock()
			n.setInFlight = false
			n.mu.Unlock()
			n.deb.Notify()
			return
		}
	}

	n.runSet(snapshot, lastSync, live)
}

// runSet pushes one coalesced outbound set through the retry
// scheduler.
func (n *Node) runSet(snapshot models.Value, lastSync time.Time, live []models.PendingChange) {
	payload := any(snapshot)
	if n.cfg.ChangesSince == ChangesSinceLastSync {
		restricted := diff.Changed(snapshot, n.cfg.FieldUpdatedAt, lastSync)
		if restricted == nil {
			// Empty diff: nothing dated after the last sync, so no
			// outbound write happens. Entries stay pending until
			// their markers move.
			n.finishSet(nil)
			return
		}
		payload = restricted
	}

	wire, err := n.pipeline.Save(n.ctx, payload)
	if err != nil {
		// Transform errors abort the dispatch; the journal keeps the
		// entries for a later manual sync.
		n.finishSet(err)
		return
	}

	n.log.Debug().Int("changes", len(live)).Msg("dispatching set")
	var confirmed any
	op := func(ctx context.Context) error {
		got, err := n.remote.Set(ctx, SetRequest{Value: wire, Changes: live})
		if err != nil {
			return &RemoteError{Op: "set", Err: err}
		}
		confirmed = got
		return nil
	}

	if err := n.setSched.Run(n.ctx, op); err != nil {
		// Retries exhausted or abandoned. The pending entries stay
		// unconfirmed so a manual Sync or a restart retries them.
		n.finishSet(err)
		return
	}

	n.completeSet(live, confirmed)
	n.finishSet(nil)
}

// completeSet confirms the dispatched journal entries and merges the
// server-returned fields back into the live value. Confirmation runs
// first: from here on, the server's value for these paths overwrites
// the optimistic local one.
func (n *Node) completeSet(live []models.PendingChange, confirmed any) {
	for _, p := range live {
		n.jrnl.Confirm(p.Path)
	}
	n.markSynced()

	if confirmed != nil {
		v, err := n.pipeline.Load(n.ctx, confirmed)
		if err != nil {
			n.surface(err)
		} else if err := n.applyIncoming(models.MergeModeMerge, v); err != nil {
			n.surface(err)
		}
	}

	n.flushEnvelope(n.ctx)
	n.log.Debug().Int("confirmed", len(live)).Msg("set confirmed")
}

// finishSet records the terminal outcome of a set slot and re-arms
// the window when mutations queued up behind the in-flight attempt.
func (n *Node) finishSet(err error) {
	n.mu.Lock()
	n.setInFlight = false
	dirty := n.setDirty
	n.setDirty = false
	if err != nil {
		n.status.Error = err
	}
	n.mu.Unlock()

	if err != nil {
		n.log.Warn().Err(err).Msg("set failed")
	}
	if dirty {
		n.deb.Notify()
	}
}

// ── shared helpers ──────────────────────────────────────────────────

// markSynced records one successful remote exchange. IsLoaded is not
// touched here: it belongs to the get path, a confirmed set alone does
// not mean remote data has ever been applied.
func (n *Node) markSynced() {
	n.mu.Lock()
	n.status.LastSync = time.Now().UTC()
	n.status.SyncCount++
	n.status.Error = nil
	n.mu.Unlock()
}

// surface records a failure on the status object. The live value is
// left untouched: it keeps its last-known-good state through any
// failure.
func (n *Node) surface(err error) {
	n.mu.Lock()
	n.status.Error = err
	n.mu.Unlock()
	n.log.Warn().Err(err).Msg("error surfaced")
}

// flushEnvelope persists the current snapshot, journal and sync mark
// through the persistence adapter. Returns the surfaced error, if
// any.
func (n *Node) flushEnvelope(ctx context.Context) error {
	if n.persist == nil {
		return nil
	}

	n.mu.Lock()
	snapshot := models.Clone(n.snap)
	lastSync := n.status.LastSync
	n.mu.Unlock()
	pending := n.jrnl.Pending()

	data, err := n.persistPipeline.Save(ctx, snapshot)
	if err != nil {
		n.surface(err)
		return err
	}

	env := models.Envelope{
		Version:  models.EnvelopeVersion,
		Data:     data,
		Pending:  pending,
		LastSync: lastSync,
	}
	if err := n.persist.Save(ctx, n.cfg.Persist.Name, env); err != nil {
		perr := &PersistenceError{Op: "save", Err: err}
		n.mu.Lock()
		n.persistDirty = true
		n.mu.Unlock()
		n.surface(perr)
		return perr
	}

	n.mu.Lock()
	n.persistDirty = false
	n.mu.Unlock()
	return nil
}

// leafChanges walks the union of both trees and returns the changed
// leaves. Sequences are treated as leaves: they change wholesale.
func leafChanges(prefix models.Path, old, next map[string]any) []fieldChange {
	var out []fieldChange

	seen := make(map[string]struct{}, len(old)+len(next))
	keys := make([]string, 0, len(old)+len(next))
	for k := range old {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		ov := old[k]
		nv := next[k]
		path := prefix.Child(k)

		om, oIsMap := ov.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap {
			out = append(out, leafChanges(path, om, nm)...)
			continue
		}
		if !models.Equal(ov, nv) {
			out = append(out, fieldChange{path: path, prev: ov, next: nv})
		}
	}
	return out
}
