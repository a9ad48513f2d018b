// Package watcher implements the Master Watcher: a periodic liveness
// check of the current master which escalates to unavailable after N
// consecutive failed probes (spec §4.3).
package watcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/metrics"
	"github.com/beetle-rb/redis-coordinator/internal/redisprobe"
)

// Coordinator is the set of callbacks the watcher notifies. It
// matches the subset of internal/coordinator.Coordinator the watcher
// needs (spec §4.3 "notify coordinator").
type Coordinator interface {
	MasterAvailable()
	MasterUnavailable()
}

// Prober is the subset of redisprobe.Prober the watcher needs, kept as
// an interface so it can be faked in tests.
type Prober interface {
	ProbeOne(ctx context.Context, addr string) redisprobe.Endpoint
}

// Watcher probes the current master on a fixed interval and escalates
// to MasterUnavailable after retryBudget consecutive failures. It goes
// dormant after escalating until the coordinator rearms it following a
// completed switch (spec §4.3).
type Watcher struct {
	prober   Prober
	coord    Coordinator
	interval time.Duration
	budget   int

	mu        sync.Mutex
	addr      string
	remaining int
	armed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Watcher with the given probe interval and retry budget
// (spec §4.3 default 3).
func New(prober Prober, coord Coordinator, interval time.Duration, retryBudget int) *Watcher {
	if retryBudget <= 0 {
		retryBudget = 3
	}
	return &Watcher{
		prober:    prober,
		coord:     coord,
		interval:  interval,
		budget:    retryBudget,
		remaining: retryBudget,
	}
}

// Start begins watching addr in a background goroutine. Safe to call
// more than once: any loop already running is stopped first, so a
// repeated Start (e.g. re-adopting a master after a switch) never
// leaks a goroutine.
func (w *Watcher) Start(ctx context.Context, addr string) {
	w.stopIfRunning()

	w.mu.Lock()
	w.addr = addr
	w.remaining = w.budget
	w.armed = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)
	log.Printf("[watcher] watching %s (interval=%s, retry_budget=%d)", addr, w.interval, w.budget)
}

// Stop halts the watcher loop, if one is running.
func (w *Watcher) Stop() {
	w.stopIfRunning()
}

func (w *Watcher) stopIfRunning() {
	w.mu.Lock()
	stop := w.stopCh
	w.stopCh = nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	w.wg.Wait()
}

// Rearm resumes watching after a completed switch, against the new
// master address (spec §4.3 "remain dormant until the coordinator
// rearms the watcher"). If no loop is currently running — the
// coordinator adopted its master through a startup switch rather than
// through adoptRunning, so Start was never called — Rearm starts one,
// since every master the coordinator currently trusts must be
// liveness-monitored regardless of how it was adopted.
func (w *Watcher) Rearm(ctx context.Context, addr string) {
	w.mu.Lock()
	running := w.stopCh != nil
	w.mu.Unlock()

	if !running {
		w.Start(ctx, addr)
		return
	}

	w.mu.Lock()
	w.addr = addr
	w.remaining = w.budget
	w.armed = true
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.mu.Lock()
	stop := w.stopCh
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	if !w.armed {
		w.mu.Unlock()
		return
	}
	addr := w.addr
	w.mu.Unlock()

	ep := w.prober.ProbeOne(ctx, addr)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}

	if ep.Available {
		w.remaining = w.budget
		metrics.WatcherProbesTotal.WithLabelValues("available").Inc()
		w.coord.MasterAvailable()
		return
	}

	w.remaining--
	metrics.WatcherProbesTotal.WithLabelValues("unavailable").Inc()
	if w.remaining <= 0 {
		w.armed = false
		w.coord.MasterUnavailable()
	}
}
