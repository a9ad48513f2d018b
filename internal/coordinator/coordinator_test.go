package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/masterfile"
	"github.com/beetle-rb/redis-coordinator/internal/redisprobe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber lets tests script pool snapshots without a real Redis.
type fakeProber struct {
	mu   sync.Mutex
	pool redisprobe.Pool

	promoted []string
	followed map[string]string
}

func newFakeProber(pool redisprobe.Pool) *fakeProber {
	return &fakeProber{pool: pool, followed: make(map[string]string)}
}

func (f *fakeProber) setPool(p redisprobe.Pool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pool = p
}

func (f *fakeProber) Probe(context.Context) redisprobe.Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool
}

func (f *fakeProber) ProbeOne(_ context.Context, addr string) redisprobe.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, _ := f.pool.Find(addr)
	return ep
}

func (f *fakeProber) PromoteToMaster(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, addr)
	return nil
}

func (f *fakeProber) Follow(_ context.Context, addr, masterAddr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followed[addr] = masterAddr
	return nil
}

// fakePublisher records every publish call.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

type published struct {
	routingKey string
	body       map[string]interface{}
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m map[string]interface{}
	_ = json.Unmarshal(body, &m)
	f.msgs = append(f.msgs, published{routingKey: routingKey, body: m})
	return nil
}

func (f *fakePublisher) byKey(key string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.routingKey == key {
			out = append(out, m)
		}
	}
	return out
}

// fakeWatcher records Start/Rearm/Stop calls so tests can assert the
// coordinator keeps a master liveness-monitored after every adoption
// path, including the startup-switch path (scenario S5) that never
// calls adoptRunning.
type fakeWatcher struct {
	mu      sync.Mutex
	started []string
	rearmed []string
	stops   int
}

func (f *fakeWatcher) Start(_ context.Context, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, addr)
}

func (f *fakeWatcher) Rearm(_ context.Context, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rearmed = append(f.rearmed, addr)
}

func (f *fakeWatcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeWatcher) watching() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started) > 0 || len(f.rearmed) > 0
}

func twoNodePool(masterAddr, slaveAddr string) redisprobe.Pool {
	return redisprobe.Pool{Endpoints: []redisprobe.Endpoint{
		{Address: masterAddr, Role: redisprobe.RoleMaster, Available: true},
		{Address: slaveAddr, Role: redisprobe.RoleSlave, Available: true, ReplicatingFrom: masterAddr},
	}}
}

func newTestCoordinatorWithThreshold(t *testing.T, clientIDs []string, pool redisprobe.Pool, deadThreshold time.Duration) (*Coordinator, *fakeProber, *fakePublisher) {
	t.Helper()
	prober := newFakeProber(pool)
	pub := &fakePublisher{}
	cfg := Config{
		ExpectedClientIDs:     clientIDs,
		MasterRetries:         3,
		WatcherInterval:       time.Hour,
		ClientTimeout:         50 * time.Millisecond,
		ClientDeadThreshold:   deadThreshold,
		UnknownClientCapacity: 100,
		MasterFilePath:        filepath.Join(t.TempDir(), "master"),
	}
	c := New(cfg, prober, pub, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, prober, pub
}

func newTestCoordinator(t *testing.T, clientIDs []string, pool redisprobe.Pool) (*Coordinator, *fakeProber, *fakePublisher) {
	t.Helper()
	return newTestCoordinatorWithThreshold(t, clientIDs, pool, time.Minute)
}

func TestStartupAutoDetectsSingleMaster(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, _ := newTestCoordinator(t, nil, pool)

	snap := c.Status()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "a:1", snap.CurrentMaster)
}

func TestS1StalePongDropped(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, _ := newTestCoordinatorWithThreshold(t, []string{"c1", "c2"}, pool, 0)

	// Force a round so the token advances past 0 and PAUSED accepts pongs.
	c.MasterUnavailable()
	require.Eventually(t, func() bool {
		return c.Status().State == StatePaused
	}, time.Second, 5*time.Millisecond)

	current := c.Status().CurrentToken

	c.Pong("c1", current)    // fresh: must register
	c.Pong("c2", current-1) // stale: must be dropped entirely

	snap := c.Status() // round-trips the task queue, so both have landed
	seen := make(map[string]bool)
	for _, s := range snap.Unresponsive {
		seen[s.ID] = true
	}
	assert.True(t, seen["c1"], "c1's fresh pong should have been recorded")
	assert.False(t, seen["c2"], "c2's stale pong must not update last_seen")
}

func TestS4NoClientsConfiguredSwitchesImmediately(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, pub := newTestCoordinator(t, nil, pool)

	c.MasterUnavailable()

	require.Eventually(t, func() bool {
		return len(pub.byKey("reconfigure")) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, pub.byKey("invalidate"))
	snap := c.Status()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "b:1", snap.CurrentMaster)
}

func TestS2FullInvalidationRound(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, pub := newTestCoordinator(t, []string{"c1", "c2"}, pool)

	c.MasterUnavailable()

	require.Eventually(t, func() bool {
		return len(pub.byKey("invalidate")) == 1
	}, time.Second, 5*time.Millisecond)

	tok := c.Status().CurrentToken
	c.Pong("c1", tok)
	c.Pong("c2", tok)
	c.ClientInvalidated("c1", tok)
	c.ClientInvalidated("c2", tok)

	require.Eventually(t, func() bool {
		return len(pub.byKey("reconfigure")) == 1
	}, time.Second, 5*time.Millisecond)

	snap := c.Status()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "b:1", snap.CurrentMaster)
}

func TestS3InvalidationTimeoutReturnsToRunning(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, pub := newTestCoordinator(t, []string{"c1", "c2"}, pool)

	c.MasterUnavailable()
	require.Eventually(t, func() bool {
		return len(pub.byKey("invalidate")) == 1
	}, time.Second, 5*time.Millisecond)

	tok := c.Status().CurrentToken
	c.Pong("c1", tok) // only c1 responds

	require.Eventually(t, func() bool {
		return c.Status().State == StateRunning
	}, time.Second, 5*time.Millisecond)

	snap := c.Status()
	assert.Equal(t, "a:1", snap.CurrentMaster) // unchanged
	assert.Equal(t, tok, snap.CurrentToken)    // not rolled back
	assert.Empty(t, pub.byKey("reconfigure"))
}

func TestS6UnknownClientNotifies(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, pub := newTestCoordinator(t, []string{"c1", "c2"}, pool)

	c.Heartbeat("x")

	require.Eventually(t, func() bool {
		return len(pub.byKey("system_notification")) > 0
	}, time.Second, 5*time.Millisecond)

	snap := c.Status()
	assert.Contains(t, snap.UnknownClientIDs, "x")
}

func TestS5StartupWithFileNamingDemotedMaster(t *testing.T) {
	// File names A:0 as master, but the pool already shows A as a
	// slave and B as master (spec scenario S5).
	pool := redisprobe.Pool{Endpoints: []redisprobe.Endpoint{
		{Address: "A:0", Role: redisprobe.RoleSlave, Available: true, ReplicatingFrom: "B:0"},
		{Address: "B:0", Role: redisprobe.RoleMaster, Available: true},
	}}

	prober := newFakeProber(pool)
	pub := &fakePublisher{}
	masterPath := filepath.Join(t.TempDir(), "master")
	require.NoError(t, masterfile.Write(masterPath, "A:0"))

	cfg := Config{
		MasterRetries:         3,
		WatcherInterval:       time.Hour,
		ClientTimeout:         50 * time.Millisecond,
		ClientDeadThreshold:   time.Minute,
		UnknownClientCapacity: 100,
		MasterFilePath:        masterPath,
	}
	watcher := &fakeWatcher{}
	c := New(cfg, prober, pub, watcher)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	snap := c.Status()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "B:0", snap.CurrentMaster)
	require.Len(t, prober.promoted, 1)
	assert.Equal(t, "B:0", prober.promoted[0])

	// This path never calls adoptRunning, so it must rearm the watcher
	// itself — otherwise the newly promoted master is never
	// liveness-monitored (the bug this test exists to catch).
	assert.True(t, watcher.watching(), "watcher must be started or rearmed after a startup switch")
	assert.Contains(t, watcher.rearmed, "B:0")
}

func TestNoCandidateRearmsWatcherOnOldMaster(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	prober := newFakeProber(pool)
	pub := &fakePublisher{}
	watcher := &fakeWatcher{}
	cfg := Config{
		MasterRetries:         3,
		WatcherInterval:       time.Hour,
		ClientTimeout:         50 * time.Millisecond,
		ClientDeadThreshold:   time.Minute,
		UnknownClientCapacity: 100,
		MasterFilePath:        filepath.Join(t.TempDir(), "master"),
	}
	c := New(cfg, prober, pub, watcher)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	require.Equal(t, "a:1", c.Status().CurrentMaster)

	// No clients configured (fast switch path) and no reachable
	// candidate once the pool is re-probed on switch.
	prober.setPool(redisprobe.Pool{Endpoints: []redisprobe.Endpoint{
		{Address: "a:1", Role: redisprobe.RoleUnknown, Available: false},
		{Address: "b:1", Role: redisprobe.RoleUnknown, Available: false},
	}})
	c.MasterUnavailable()

	require.Eventually(t, func() bool {
		return len(pub.byKey("system_notification")) > 0
	}, time.Second, 5*time.Millisecond)

	snap := c.Status()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "a:1", snap.CurrentMaster)
	assert.Contains(t, watcher.rearmed, "a:1")
}

func TestInitiateMasterSwitchIsIdempotentWhilePaused(t *testing.T) {
	pool := twoNodePool("a:1", "b:1")
	c, _, pub := newTestCoordinator(t, []string{"c1", "c2"}, pool)

	c.MasterUnavailable()
	require.Eventually(t, func() bool {
		return c.Status().State == StatePaused
	}, time.Second, 5*time.Millisecond)

	tok := c.Status().CurrentToken
	c.MasterUnavailable() // second call while PAUSED: no-op
	c.Status()

	assert.Equal(t, tok, c.Status().CurrentToken)
	assert.Len(t, pub.byKey("invalidate"), 1)
}
