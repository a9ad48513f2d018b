package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/redisprobe"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu        sync.Mutex
	available bool
}

func (f *fakeProber) ProbeOne(_ context.Context, addr string) redisprobe.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := redisprobe.RoleUnknown
	if f.available {
		role = redisprobe.RoleMaster
	}
	return redisprobe.Endpoint{Address: addr, Role: role, Available: f.available}
}

func (f *fakeProber) setAvailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = v
}

type fakeCoordinator struct {
	mu          sync.Mutex
	available   int
	unavailable int
}

func (f *fakeCoordinator) MasterAvailable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available++
}

func (f *fakeCoordinator) MasterUnavailable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable++
}

func (f *fakeCoordinator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available, f.unavailable
}

func TestWatcherEscalatesAfterRetryBudget(t *testing.T) {
	prober := &fakeProber{available: false}
	coord := &fakeCoordinator{}
	w := New(prober, coord, 5*time.Millisecond, 3)

	w.Start(context.Background(), "a:1")
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, unavailable := coord.counts()
		return unavailable >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherNotifiesAvailableWithoutEscalating(t *testing.T) {
	prober := &fakeProber{available: true}
	coord := &fakeCoordinator{}
	w := New(prober, coord, 5*time.Millisecond, 3)

	w.Start(context.Background(), "a:1")
	defer w.Stop()

	require.Eventually(t, func() bool {
		available, _ := coord.counts()
		return available >= 2
	}, time.Second, 5*time.Millisecond)

	_, unavailable := coord.counts()
	require.Equal(t, 0, unavailable)
}

func TestRearmStartsLoopWhenNeverStarted(t *testing.T) {
	prober := &fakeProber{available: false}
	coord := &fakeCoordinator{}
	w := New(prober, coord, 5*time.Millisecond, 3)

	// No Start call: this mirrors a coordinator that adopted its
	// master through a startup switch rather than adoptRunning.
	w.Rearm(context.Background(), "a:1")
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, unavailable := coord.counts()
		return unavailable >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartIsSafeToCallAgain(t *testing.T) {
	prober := &fakeProber{available: true}
	coord := &fakeCoordinator{}
	w := New(prober, coord, 5*time.Millisecond, 3)

	w.Start(context.Background(), "a:1")
	require.Eventually(t, func() bool {
		available, _ := coord.counts()
		return available >= 1
	}, time.Second, 5*time.Millisecond)

	// Restarting against a new address must not leak the old loop or
	// panic on a double-close.
	w.Start(context.Background(), "b:1")
	defer w.Stop()

	require.Eventually(t, func() bool {
		available, _ := coord.counts()
		return available >= 2
	}, time.Second, 5*time.Millisecond)
}
