// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package synced

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasskey/synced/internal/transform"
	"github.com/glasskey/synced/models"
)

// ── stubs ───────────────────────────────────────────────────────────

// stubObservable is a minimal reactive cell with synchronous listener
// notification, the contract a Node binds to.
type stubObservable struct {
	mu        sync.Mutex
	value     models.Value
	listeners map[int]func(models.Value)
	next      int
}

func newStubObservable(v models.Value) *stubObservable {
	return &stubObservable{value: models.Clone(v), listeners: map[int]func(models.Value){}}
}

func (o *stubObservable) Get() models.Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	return models.Clone(o.value)
}

func (o *stubObservable) Set(v models.Value) {
	o.mu.Lock()
	o.value = models.Clone(v)
	fns := make([]func(models.Value), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(models.Clone(v))
	}
}

func (o *stubObservable) OnChange(fn func(models.Value)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

type stubRemote struct {
	mu       sync.Mutex
	getValue models.Value
	getErr   error
	setErr   error
	confirm  any
	getCalls int
	setCalls []SetRequest
	onGet    func()
}

func (r *stubRemote) Get(context.Context) (any, error) {
	r.mu.Lock()
	r.getCalls++
	onGet, err, v := r.onGet, r.getErr, models.Clone(r.getValue)
	r.mu.Unlock()

	if onGet != nil {
		onGet()
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *stubRemote) Set(_ context.Context, req SetRequest) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setCalls = append(r.setCalls, req)
	if r.setErr != nil {
		return nil, r.setErr
	}
	return r.confirm, nil
}

func (r *stubRemote) gets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getCalls
}

func (r *stubRemote) sets() []SetRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SetRequest, len(r.setCalls))
	copy(out, r.setCalls)
	return out
}

func (r *stubRemote) failSets(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setErr = err
}

func (r *stubRemote) failGets(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getErr = err
}

type stubSubscribingRemote struct {
	stubRemote
	hooks    SubscribeHooks
	toreDown atomic.Bool
}

func (r *stubSubscribingRemote) Subscribe(_ context.Context, hooks SubscribeHooks) (func(), error) {
	r.mu.Lock()
	r.hooks = hooks
	r.mu.Unlock()
	return func() { r.toreDown.Store(true) }, nil
}

func (r *stubSubscribingRemote) hooksCopy() SubscribeHooks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooks
}

// tracingPersist wraps the memory adapter to observe Load ordering.
type tracingPersist struct {
	*MemoryAdapter
	onLoad func()
}

func (p *tracingPersist) Load(ctx context.Context, name string) (models.Envelope, error) {
	if p.onLoad != nil {
		p.onLoad()
	}
	return p.MemoryAdapter.Load(ctx, name)
}

// flakyPersist fails a configured number of Save calls before
// recovering, simulating a local store outage.
type flakyPersist struct {
	*MemoryAdapter
	mu       sync.Mutex
	failures int
}

func (p *flakyPersist) Save(ctx context.Context, name string, env models.Envelope) error {
	p.mu.Lock()
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()

	if fail {
		return errors.New("disk full")
	}
	return p.MemoryAdapter.Save(ctx, name, env)
}

func (p *flakyPersist) setFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func fastRetry() models.RetryPolicy {
	return models.RetryPolicy{MaxRetries: 3, Backoff: models.BackoffConstant, Delay: time.Millisecond}
}

// ── activation ──────────────────────────────────────────────────────

func TestNode_LazyUntilFirstObservation(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"name": "server"}}
	obs := newStubObservable(nil)

	n, err := New(obs, Config{Name: "lazy", Remote: remote, Retry: fastRetry()})
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, 0, remote.gets(), "construction performs no I/O")
	assert.Equal(t, StateInactive, n.State())

	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "server", v["name"])
	assert.Equal(t, 1, remote.gets())
	assert.Equal(t, StateActive, n.State())

	_, err = n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.gets(), "an active node does not re-activate")

	st := n.Status()
	assert.True(t, st.IsLoaded)
	assert.True(t, st.IsSyncEnabled)
	assert.False(t, st.IsPersistEnabled)
	assert.Equal(t, int64(1), st.SyncCount)
}

func TestNode_EagerActivatesInBackground(t *testing.T) {
	remote := &stubRemote{getValue: models.Value{"n": 1}}
	n, err := New(newStubObservable(nil), Config{Name: "eager", Remote: remote, Retry: fastRetry(), Eager: true})
	require.NoError(t, err)
	defer n.Close()

	require.Eventually(t, func() bool {
		return n.State() == StateActive
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, remote.gets())
}

func TestNode_SynchronousPersistVisibleAtEagerConstruction(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryAdapter()
	require.NoError(t, mem.Save(ctx, "warm", models.Envelope{
		Version: models.EnvelopeVersion,
		Data:    map[string]any{"cached": true},
	}))
	var loads atomic.Int32
	persist := &tracingPersist{MemoryAdapter: mem, onLoad: func() { loads.Add(1) }}

	release := make(chan struct{})
	remote := &stubRemote{getValue: models.Value{"fresh": true}, onGet: func() { <-release }}
	obs := newStubObservable(nil)

	n, err := New(obs, Config{
		Name:    "warm",
		Remote:  remote,
		Persist: &PersistConfig{Plugin: persist},
		Mode:    models.MergeModeMerge,
		Retry:   fastRetry(),
		Eager:   true,
	})
	require.NoError(t, err)

	// The adapter declared itself synchronous, so cached data is live
	// before activation finishes its remote round-trip.
	assert.True(t, n.Status().IsPersistLoaded)
	assert.Equal(t, true, obs.Get()["cached"])
	assert.NotEqual(t, StateActive, n.State())

	close(release)
	require.Eventually(t, func() bool {
		return n.State() == StateActive
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), loads.Load(), "activation does not reload what construction loaded")

	require.NoError(t, n.Close())
}

func TestNode_PersistLoadsBeforeRemoteGet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryAdapter()
	require.NoError(t, mem.Save(ctx, "acct", models.Envelope{
		Version: models.EnvelopeVersion,
		Data:    map[string]any{"cached": true},
	}))

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	persist := &tracingPersist{MemoryAdapter: mem, onLoad: func() { record("persist.load") }}
	remote := &stubRemote{getValue: models.Value{"fresh": true}, onGet: func() { record("remote.get") }}

	n, err := New(newStubObservable(nil), Config{
		Name:    "acct",
		Remote:  remote,
		Persist: &PersistConfig{Plugin: persist},
		Mode:    models.MergeModeMerge,
		Retry:   fastRetry(),
	})
	require.NoError(t, err)
	defer n.Close()

	v, err := n.Get(ctx)
	require.NoError(t, err)

	mu.Lock()
	require.Equal(t, []string{"persist.load", "remote.get"}, events)
	mu.Unlock()

	// Cached data survived the remote merge instead of being raced by it.
	assert.Equal(t, true, v["cached"])
	assert.Equal(t, true, v["fresh"])
	assert.True(t, n.Status().IsPersistLoaded)
}

func TestNode_InitialSeedsValueWithoutRemote(t *testing.T) {
	ctx := context.Background()
	obs := newStubObservable(nil)
	n, err := New(obs, Config{Name: "seed", Initial: models.Value{"greeting": "hi"}})
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, "hi", obs.Get()["greeting"], "seeded before activation")

	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", v["greeting"])
	assert.False(t, n.Status().IsSyncEnabled)
}

func TestNode_ErrorStateHeldUntilManualRetry(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"n": 1}}
	remote.failGets(errors.New("unreachable"))

	n, err := New(newStubObservable(nil), Config{
		Name:   "err",
		Remote: remote,
		Retry:  models.RetryPolicy{MaxRetries: 1, Backoff: models.BackoffConstant, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Get(ctx)
	require.Error(t, err)
	var re *RemoteError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, StateError, n.State())
	assert.Equal(t, 1, remote.gets())

	// Passive observation returns the recorded error without new I/O.
	_, err = n.Get(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, remote.gets())

	remote.failGets(nil)
	require.NoError(t, n.Sync(ctx))
	assert.Equal(t, StateActive, n.State())
	assert.Equal(t, 2, remote.gets())
	assert.NoError(t, n.Status().Error)
}

func TestNode_ConcurrentRefreshesCoalesce(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"n": 1}}
	n, err := New(newStubObservable(nil), Config{
		Name:   "coalesce",
		Remote: remote,
		Retry:  models.RetryPolicy{MaxRetries: 1, Backoff: models.BackoffConstant, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, remote.gets())

	hold := make(chan struct{})
	remote.mu.Lock()
	remote.onGet = func() { <-hold }
	remote.getErr = errors.New("backend down")
	remote.mu.Unlock()

	errs := make(chan error, 2)
	go func() { errs <- n.Refresh(ctx) }()
	go func() { errs <- n.Refresh(ctx) }()

	require.Eventually(t, func() bool {
		return remote.gets() == 2
	}, time.Second, time.Millisecond)
	// Let the second caller join the in-flight sequence.
	time.Sleep(20 * time.Millisecond)
	close(hold)

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err, "both callers observe the in-flight outcome")
		var re *RemoteError
		assert.ErrorAs(t, err, &re)
	}
	assert.Equal(t, 2, remote.gets(), "one attempt served both refreshes")

	remote.mu.Lock()
	remote.onGet = nil
	remote.getErr = nil
	remote.mu.Unlock()
	require.NoError(t, n.Refresh(ctx))
}

// ── outbound path ───────────────────────────────────────────────────

func TestNode_CoalescesBurstIntoOneSet(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"profile": map[string]any{"name": "old"}}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "burst",
		Remote:      remote,
		Retry:       fastRetry(),
		DebounceSet: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Set(ctx, "profile.name", "a"))
	require.NoError(t, n.Set(ctx, "profile.name", "b"))
	require.NoError(t, n.Set(ctx, "profile.name", "c"))

	require.Eventually(t, func() bool {
		return len(remote.sets()) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	sets := remote.sets()
	require.Len(t, sets, 1, "one burst, one dispatch")
	require.Len(t, sets[0].Changes, 1)
	ch := sets[0].Changes[0]
	assert.Equal(t, models.Path("profile.name"), ch.Path)
	assert.Equal(t, "old", ch.Previous, "previous value is pre-burst, not intermediate")
	assert.Equal(t, "c", ch.New)

	payload, ok := sets[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c", payload["profile"].(map[string]any)["name"])

	assert.Empty(t, n.PendingChanges(), "confirmed entries leave the journal")
}

func TestNode_ZeroNetChangeSendsNothing(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"name": "old"}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "noop",
		Remote:      remote,
		Retry:       fastRetry(),
		DebounceSet: 15 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Set(ctx, "name", "temp"))
	require.NoError(t, n.Set(ctx, "name", "old"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, remote.sets(), "mutation and its inverse cancel out")
	assert.Empty(t, n.PendingChanges())
}

func TestNode_RetriesExhaustThenManualSyncDeliversOnce(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"z": "old", "a": "old"}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "retry",
		Remote:      remote,
		Retry:       fastRetry(),
		DebounceSet: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	remote.failSets(errors.New("write refused"))
	require.NoError(t, n.Set(ctx, "z", "new-z"))
	require.NoError(t, n.Set(ctx, "a", "new-a"))

	require.Eventually(t, func() bool {
		return len(remote.sets()) == 3
	}, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, remote.sets(), 3, "a fourth attempt is never made")
	assert.Error(t, n.Status().Error)

	pending := n.PendingChanges()
	require.Len(t, pending, 2, "unconfirmed entries survive exhaustion")
	assert.Equal(t, models.Path("z"), pending[0].Path)
	assert.Equal(t, models.Path("a"), pending[1].Path)

	remote.failSets(nil)
	require.NoError(t, n.Sync(ctx))

	sets := remote.sets()
	require.Len(t, sets, 4)
	last := sets[3]
	require.Len(t, last.Changes, 2)
	assert.Equal(t, models.Path("z"), last.Changes[0].Path, "recording order preserved")
	assert.Equal(t, "new-z", last.Changes[0].New)
	assert.Equal(t, models.Path("a"), last.Changes[1].Path)
	assert.Equal(t, "new-a", last.Changes[1].New)

	assert.Empty(t, n.PendingChanges())
	assert.NoError(t, n.Status().Error)

	time.Sleep(40 * time.Millisecond)
	assert.Len(t, remote.sets(), 4, "delivered exactly once after recovery")
}

func TestNode_RetrySyncRecoversAfterPersistOutage(t *testing.T) {
	ctx := context.Background()
	persist := &flakyPersist{MemoryAdapter: NewMemoryAdapter()}
	remote := &stubRemote{getValue: models.Value{}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "outage",
		Remote:      remote,
		Persist:     &PersistConfig{Plugin: persist, RetrySync: true},
		Retry:       fastRetry(),
		DebounceSet: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	// The store goes down: the write's own flush fails, and the first
	// dispatch window finds the journal not yet durable.
	persist.setFailures(2)
	require.NoError(t, n.Set(ctx, "k", "v"))
	assert.Error(t, n.Status().Error)

	// Delivery still happens once the store recovers, with no new
	// mutation and no manual sync.
	require.Eventually(t, func() bool {
		return len(remote.sets()) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		env, err := persist.MemoryAdapter.Load(ctx, "outage")
		return err == nil && len(env.Pending) == 0 && env.Data.(map[string]any)["k"] == "v"
	}, time.Second, time.Millisecond, "confirmed state reaches the recovered store")
}

func TestNode_JournalDurableBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryAdapter()
	remote := &stubRemote{getValue: models.Value{}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "durable",
		Remote:      remote,
		Persist:     &PersistConfig{Plugin: mem},
		Retry:       fastRetry(),
		DebounceSet: time.Hour,
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Set(ctx, "draft", "hello"))

	// The change is on disk before any window expires or remote call runs.
	env, err := mem.Load(ctx, "durable")
	require.NoError(t, err)
	require.Len(t, env.Pending, 1)
	assert.Equal(t, models.Path("draft"), env.Pending[0].Path)
	assert.Equal(t, "hello", env.Pending[0].New)
	assert.Empty(t, remote.sets())
}

func TestNode_CrashRecoveryReplaysJournal(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryAdapter()
	require.NoError(t, mem.Save(ctx, "acct", models.Envelope{
		Version: models.EnvelopeVersion,
		Data:    map[string]any{"n": "v1"},
		Pending: []models.PendingChange{
			{Path: "n", Previous: "v0", New: "v1", CreatedAt: time.Now().UTC(), Seq: 1},
		},
	}))

	remote := &stubRemote{getValue: models.Value{"n": "server"}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "acct",
		Remote:      remote,
		Persist:     &PersistConfig{Plugin: mem},
		Mode:        models.MergeModeMerge,
		Retry:       fastRetry(),
		DebounceSet: 25 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Activate(ctx))

	// The unconfirmed write outranks the stale remote value.
	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", v["n"])

	// And it is replayed with no new user mutation.
	require.Eventually(t, func() bool {
		return len(remote.sets()) == 1
	}, time.Second, time.Millisecond)
	sets := remote.sets()
	require.Len(t, sets[0].Changes, 1)
	assert.Equal(t, models.Path("n"), sets[0].Changes[0].Path)
	assert.Equal(t, "v1", sets[0].Changes[0].New)

	require.Eventually(t, func() bool {
		env, err := mem.Load(ctx, "acct")
		return err == nil && len(env.Pending) == 0
	}, time.Second, time.Millisecond, "confirmation reaches the envelope")
}

func TestNode_LocalPendingWinsOverInboundMerge(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"name": "server", "count": 1}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "tiebreak",
		Remote:      remote,
		Mode:        models.MergeModeAssign,
		Retry:       fastRetry(),
		DebounceSet: time.Hour,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Set(ctx, "name", "local"))
	require.NoError(t, n.Refresh(ctx))

	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local", v["name"], "unconfirmed local edit survives the inbound merge")
	assert.Equal(t, 1, v["count"])
	assert.Len(t, n.PendingChanges(), 1)
}

func TestNode_ServerConfirmedFieldsMergeBack(t *testing.T) {
	ctx := context.Background()
	stamp := "2026-08-30T12:00:00Z"
	remote := &stubRemote{
		getValue: models.Value{"name": "old"},
		confirm:  map[string]any{"updatedAt": stamp},
	}
	n, err := New(newStubObservable(nil), Config{
		Name:        "confirm",
		Remote:      remote,
		Retry:       fastRetry(),
		DebounceSet: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Set(ctx, "name", "new"))

	require.Eventually(t, func() bool {
		v, _ := n.Get(ctx)
		return v["updatedAt"] == stamp
	}, time.Second, time.Millisecond)

	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", v["name"], "confirmed merge keeps the written value")
}

func TestNode_SetConfirmationDoesNotMarkLoaded(t *testing.T) {
	ctx := context.Background()
	remote := &stubRemote{getValue: models.Value{"seen": true}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "unloaded",
		Remote:      remote,
		Retry:       fastRetry(),
		DebounceSet: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer n.Close()

	// A write on a never-activated node dispatches and confirms
	// without any remote get having run.
	require.NoError(t, n.Set(ctx, "k", "v"))
	require.Eventually(t, func() bool {
		return n.Status().SyncCount == 1
	}, time.Second, time.Millisecond)

	assert.Len(t, remote.sets(), 1)
	assert.False(t, n.Status().IsLoaded, "no remote get has been applied yet")

	_, err = n.Get(ctx)
	require.NoError(t, err)
	assert.True(t, n.Status().IsLoaded)
}

// ── diff restriction ────────────────────────────────────────────────

func TestNode_DispatchRestrictedToChangedSubtrees(t *testing.T) {
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	remote := &stubRemote{getValue: models.Value{
		"b": map[string]any{"v": 0, "updatedAt": stale},
	}}
	n, err := New(newStubObservable(nil), Config{
		Name:         "diff",
		Remote:       remote,
		Retry:        fastRetry(),
		DebounceSet:  10 * time.Millisecond,
		ChangesSince: ChangesSinceLastSync,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Set(ctx, "a", map[string]any{"v": 1, "updatedAt": time.Now().Add(time.Hour)}))

	require.Eventually(t, func() bool {
		return len(remote.sets()) == 1
	}, time.Second, time.Millisecond)

	payload, ok := remote.sets()[0].Value.(models.Value)
	require.True(t, ok)
	assert.Contains(t, payload, "a")
	assert.NotContains(t, payload, "b", "stale subtrees stay home")
}

func TestNode_EmptyDiffSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	remote := &stubRemote{getValue: models.Value{
		"b": map[string]any{"v": 0, "updatedAt": stale},
	}}
	n, err := New(newStubObservable(nil), Config{
		Name:         "emptydiff",
		Remote:       remote,
		Retry:        fastRetry(),
		DebounceSet:  10 * time.Millisecond,
		ChangesSince: ChangesSinceLastSync,
	})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.Get(ctx)
	require.NoError(t, err)

	// Changed leaf, but no marker moved past the last sync.
	require.NoError(t, n.Set(ctx, "b.v", 5))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, remote.sets(), "empty diff means no outbound write")
	assert.Len(t, n.PendingChanges(), 1, "the entry waits for its marker to move")
}

// ── transforms ──────────────────────────────────────────────────────

func TestNode_TransformsBracketTheWire(t *testing.T) {
	ctx := context.Background()
	envelope := transform.Transform{
		Load: func(_ context.Context, v any) (any, error) {
			return v.(map[string]any)["payload"], nil
		},
		Save: func(_ context.Context, v any) (any, error) {
			return map[string]any{"payload": v}, nil
		},
	}
	remote := &stubRemote{getValue: models.Value{"payload": map[string]any{"greeting": "hi"}}}
	n, err := New(newStubObservable(nil), Config{
		Name:        "wire",
		Remote:      remote,
		Retry:       fastRetry(),
		DebounceSet: 10 * time.Millisecond,
		Transform:   []transform.Transform{envelope},
	})
	require.NoError(t, err)
	defer n.Close()

	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", v["greeting"], "inbound data is unwrapped")

	require.NoError(t, n.Set(ctx, "greeting", "yo"))
	require.Eventually(t, func() bool {
		return len(remote.sets()) == 1
	}, time.Second, time.Millisecond)

	wrapped, ok := remote.sets()[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yo", wrapped["payload"].(map[string]any)["greeting"], "outbound data is wrapped")
}

// ── subscriptions ───────────────────────────────────────────────────

func TestNode_SubscriptionHooksAndTeardown(t *testing.T) {
	ctx := context.Background()
	remote := &stubSubscribingRemote{stubRemote: stubRemote{getValue: models.Value{"base": true}}}
	n, err := New(newStubObservable(nil), Config{
		Name:   "subs",
		Remote: remote,
		Mode:   models.MergeModeMerge,
		Retry:  fastRetry(),
	})
	require.NoError(t, err)

	require.NoError(t, n.Activate(ctx))
	hooks := remote.hooksCopy()
	require.NotNil(t, hooks.Update)
	require.NotNil(t, hooks.Refresh)

	hooks.Update(map[string]any{"pushed": true})
	v, err := n.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v["pushed"])
	assert.Equal(t, true, v["base"])

	hooks.Refresh()
	require.Eventually(t, func() bool {
		return remote.gets() == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, n.Close())
	assert.True(t, remote.toreDown.Load(), "subscription torn down on close")
}

// ── lifecycle ───────────────────────────────────────────────────────

func TestNode_CloseRejectsFurtherWrites(t *testing.T) {
	ctx := context.Background()
	n, err := New(newStubObservable(nil), Config{Name: "closed"})
	require.NoError(t, err)

	require.NoError(t, n.Close())
	assert.Equal(t, StateInactive, n.State())
	assert.ErrorIs(t, n.Set(ctx, "k", 1), ErrClosed)
	assert.NoError(t, n.Close(), "close is idempotent")
}

func TestNode_ClearPersist(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryAdapter()
	n, err := New(newStubObservable(nil), Config{
		Name:    "clear",
		Persist: &PersistConfig{Plugin: mem},
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Set(ctx, "k", 1))
	_, err = mem.Load(ctx, "clear")
	require.NoError(t, err)

	require.NoError(t, n.ClearPersist(ctx))
	_, err = mem.Load(ctx, "clear")
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.Empty(t, n.PendingChanges())

	bare, err := New(newStubObservable(nil), Config{Name: "bare"})
	require.NoError(t, err)
	defer bare.Close()
	assert.ErrorIs(t, bare.ClearPersist(ctx), ErrNoPersist)
}
