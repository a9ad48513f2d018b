// Package coordinator implements the Coordinator State Machine (spec
// §4.5), the heart of the Redis Master Coordinator: initial master
// determination, the two-phase invalidation round, master switch, and
// recovery. All mutable state is owned exclusively by one serialized
// task queue — a goroutine consuming a channel of closures — per spec
// §9's "Event-loop → explicit task model": no lock guards coordinator
// state because no other goroutine ever touches it directly.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/bus"
	"github.com/beetle-rb/redis-coordinator/internal/masterfile"
	"github.com/beetle-rb/redis-coordinator/internal/metrics"
	"github.com/beetle-rb/redis-coordinator/internal/redisprobe"
	"github.com/beetle-rb/redis-coordinator/internal/registry"
	"github.com/beetle-rb/redis-coordinator/internal/token"
)

// State is one of the three CoordinatorState values from spec §3.
type State int

const (
	StateUndecided State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateUndecided:
		return "undecided"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// NoRedisMasterError is the fatal startup error raised when the master
// file is absent/empty and auto-detect is inconclusive (spec §7).
type NoRedisMasterError struct{}

func (e *NoRedisMasterError) Error() string {
	return "no redis master: master file absent and auto-detect found zero or multiple masters"
}

// Prober is the subset of redisprobe.Prober the coordinator needs,
// kept as an interface so tests can supply a fake pool without real
// Redis connections.
type Prober interface {
	Probe(ctx context.Context) redisprobe.Pool
	ProbeOne(ctx context.Context, addr string) redisprobe.Endpoint
	PromoteToMaster(ctx context.Context, addr string) error
	Follow(ctx context.Context, addr, masterAddr string) error
}

// Watcher is the subset of watcher.Watcher the coordinator drives.
type Watcher interface {
	Start(ctx context.Context, addr string)
	Rearm(ctx context.Context, addr string)
	Stop()
}

// Config carries the tunables from spec §6 "Configuration".
type Config struct {
	ExpectedClientIDs     []string
	MasterRetries         int
	WatcherInterval       time.Duration
	ClientTimeout         time.Duration // invalidation round timeout (I)
	ClientDeadThreshold   time.Duration
	UnknownClientCapacity int
	MasterFilePath        string
}

// Coordinator is the Coordinator State Machine. Construct with New,
// then call Start before routing any dispatcher or watcher callbacks
// to it.
type Coordinator struct {
	cfg       Config
	prober    Prober
	publisher bus.Publisher
	registry  *registry.Registry
	mint      *token.Mint
	watcher   Watcher

	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Owned exclusively by the task-queue goroutine from here down.
	state               State
	currentMaster       string
	pool                redisprobe.Pool
	pongReceived        map[string]struct{}
	invalidatedReceived map[string]struct{}
	invalidationTimer   *time.Timer
	roundClosed         chan struct{}
}

// New builds a Coordinator. watcher may be nil in tests that never
// exercise steady-state watcher escalation.
func New(cfg Config, prober Prober, publisher bus.Publisher, watcher Watcher) *Coordinator {
	if cfg.UnknownClientCapacity <= 0 {
		cfg.UnknownClientCapacity = 100
	}
	return &Coordinator{
		cfg:       cfg,
		prober:    prober,
		publisher: publisher,
		registry:  registry.New(cfg.ExpectedClientIDs, cfg.UnknownClientCapacity),
		mint:      token.New(),
		watcher:   watcher,
	}
}

// Start performs startup master determination (spec §4.5.1) and
// begins accepting dispatcher/watcher callbacks. It must be called
// exactly once, before anything else references the Coordinator.
func (c *Coordinator) Start(ctx context.Context) error {
	c.tasks = make(chan func(), 256)
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.loop()

	errCh := make(chan error, 1)
	c.enqueue(func() { errCh <- c.startup(ctx) })
	return <-errCh
}

// Stop halts the task-queue goroutine and the watcher.
func (c *Coordinator) Stop() {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case task := <-c.tasks:
			task()
		}
	}
}

func (c *Coordinator) enqueue(fn func()) {
	c.tasks <- fn
}

// ---- startup (spec §4.5.1) ----

func (c *Coordinator) startup(ctx context.Context) error {
	pool := c.prober.Probe(ctx)
	c.pool = pool

	fileAddr, err := masterfile.Read(c.cfg.MasterFilePath)
	if err != nil {
		return fmt.Errorf("reading master file: %w", err)
	}

	if fileAddr == "" {
		ep, ok := pool.AutoDetectMaster()
		if !ok {
			return &NoRedisMasterError{}
		}
		c.adoptRunning(ctx, ep.Address, "startup: auto-detected single master")
		return nil
	}

	ep, found := pool.Find(fileAddr)
	switch {
	case found && ep.Role == redisprobe.RoleMaster:
		c.adoptRunning(ctx, fileAddr, "startup: master file confirmed by pool")
	case found && ep.Role == redisprobe.RoleSlave:
		c.currentMaster = fileAddr
		log.Printf("[coordinator] startup: master file names %s, but pool shows it as a slave; switching", fileAddr)
		c.initiateMasterSwitch(ctx, "startup: master file names a demoted master")
	default:
		c.currentMaster = fileAddr
		log.Printf("[coordinator] startup: master file names %s, unreachable/unknown in pool; switching", fileAddr)
		c.initiateMasterSwitch(ctx, "startup: master file names an unreachable endpoint")
	}
	return nil
}

func (c *Coordinator) adoptRunning(ctx context.Context, addr, reason string) {
	c.currentMaster = addr
	c.state = StateRunning
	metrics.CoordinatorState.Set(float64(StateRunning))

	if err := masterfile.Write(c.cfg.MasterFilePath, addr); err != nil {
		metrics.MasterFilePersistFailures.Inc()
		c.publishSystemNotification(ctx, fmt.Sprintf("failed to persist master file for %s: %v", addr, err))
	}

	if c.watcher != nil {
		c.watcher.Start(ctx, addr)
	}
	log.Printf("[coordinator] %s: current master is %s", reason, addr)
}

// ---- dispatcher entry points (spec §4.5.2, implements dispatch.Coordinator) ----

// ClientStarted handles a client_started(id) message.
func (c *Coordinator) ClientStarted(id string) {
	c.enqueue(func() {
		c.noteSeenOrUnknown(id, bus.KeyClientStarted)
	})
}

// Heartbeat handles a heartbeat(id) message.
func (c *Coordinator) Heartbeat(id string) {
	c.enqueue(func() {
		c.noteSeenOrUnknown(id, bus.KeyHeartbeat)
	})
}

func (c *Coordinator) noteSeenOrUnknown(id, kind string) {
	now := time.Now()
	if c.registry.Known(id) {
		c.registry.Seen(id, now)
		c.refreshUnresponsiveMetric(now)
		return
	}
	c.noteUnknownAndNotify(id, kind, now)
}

// refreshUnresponsiveMetric recomputes the unresponsive-client gauge
// against the registry's current last-seen bookkeeping, so it reflects
// real liveness traffic instead of sitting at its zero value.
func (c *Coordinator) refreshUnresponsiveMetric(now time.Time) {
	metrics.UnresponsiveClients.Set(float64(len(c.registry.Unresponsive(now, c.cfg.ClientDeadThreshold))))
}

func (c *Coordinator) noteUnknownAndNotify(id, kind string, now time.Time) {
	if c.registry.NoteUnknown(id, now) {
		metrics.UnknownClientReportsTotal.WithLabelValues(id).Inc()
		c.publishSystemNotification(context.Background(),
			fmt.Sprintf("unknown client %q reported via %s", id, kind))
	}
}

// Pong handles a pong(id, token) message.
func (c *Coordinator) Pong(id string, t token.Token) {
	c.enqueue(func() {
		if !c.mint.Redeem(t) {
			return // stale token, silently dropped (spec §4.1)
		}

		now := time.Now()
		if c.registry.Known(id) {
			c.registry.Seen(id, now)
			c.refreshUnresponsiveMetric(now)
		} else {
			c.noteUnknownAndNotify(id, bus.KeyPong, now)
		}

		if c.state != StatePaused {
			return
		}
		if c.pongReceived == nil {
			return
		}
		c.pongReceived[id] = struct{}{}
		if c.hasAll(c.pongReceived) {
			c.onInvalidationPongsComplete(context.Background())
		}
	})
}

// ClientInvalidated handles a client_invalidated(id, token) message.
func (c *Coordinator) ClientInvalidated(id string, t token.Token) {
	c.enqueue(func() {
		if !c.mint.Redeem(t) {
			return
		}
		if c.state != StatePaused || c.invalidatedReceived == nil {
			return
		}
		c.invalidatedReceived[id] = struct{}{}
		if c.hasAll(c.invalidatedReceived) {
			metrics.InvalidationRoundsTotal.WithLabelValues("completed").Inc()
			c.performSwitch(context.Background())
		}
	})
}

func (c *Coordinator) hasAll(acked map[string]struct{}) bool {
	for _, id := range c.cfg.ExpectedClientIDs {
		if _, ok := acked[id]; !ok {
			return false
		}
	}
	return true
}

// ---- watcher callbacks (spec §4.3, implements watcher.Coordinator) ----

// MasterAvailable is called by the Master Watcher when a probe of the
// current master succeeds.
func (c *Coordinator) MasterAvailable() {
	c.enqueue(func() {
		c.masterAvailable(context.Background())
	})
}

// MasterUnavailable is called by the Master Watcher once its retry
// budget is exhausted.
func (c *Coordinator) MasterUnavailable() {
	c.enqueue(func() {
		c.initiateMasterSwitch(context.Background(), "watcher: master unavailable")
	})
}

// masterAvailable implements spec §4.5.5.
func (c *Coordinator) masterAvailable(ctx context.Context) {
	switch c.state {
	case StateRunning:
		// Confirm the current master so clients that missed a prior
		// broadcast can catch up. Per spec §9's flagged open question,
		// the original source re-publishes using the pool's
		// master-list address rather than current_master; we preserve
		// that observed behavior here.
		addr := c.currentMaster
		if masters := c.pool.Masters(); len(masters) > 0 {
			addr = masters[0].Address
		}
		c.publishReconfigure(ctx, addr)
	case StatePaused:
		c.cancelRound()
		c.state = StateRunning
		metrics.CoordinatorState.Set(float64(StateRunning))
		log.Printf("[coordinator] master recovered before invalidation round completed; returning to RUNNING")
	case StateUndecided:
		// Nothing to confirm yet.
	}
}

// ---- PAUSED entry / invalidation round (spec §4.5.3) ----

// initiateMasterSwitch enters PAUSED and begins the invalidation
// round. Idempotent: a second call while already PAUSED is a no-op
// (spec §4.5.3, invariant 5 of §8).
func (c *Coordinator) initiateMasterSwitch(ctx context.Context, reason string) {
	if c.state == StatePaused {
		return
	}

	c.state = StatePaused
	metrics.CoordinatorState.Set(float64(StatePaused))

	t := c.mint.Advance()
	metrics.CurrentToken.Set(float64(t))
	c.pongReceived = make(map[string]struct{})
	c.invalidatedReceived = make(map[string]struct{})

	log.Printf("[coordinator] entering PAUSED (%s), token=%d", reason, t)

	if len(c.cfg.ExpectedClientIDs) == 0 {
		// No clients to wait for: switch immediately without
		// publishing invalidate or waiting for acks (spec §4.5.3
		// step 2, scenario S4).
		metrics.InvalidationRoundsTotal.WithLabelValues("skipped_no_clients").Inc()
		c.performSwitch(ctx)
		return
	}

	c.publishInvalidate(ctx, t)
	c.armInvalidationTimeout(t)
}

func (c *Coordinator) publishInvalidate(ctx context.Context, t token.Token) {
	body, _ := json.Marshal(struct {
		Token token.Token `json:"token"`
	}{Token: t})
	if err := c.publisher.Publish(ctx, bus.KeyInvalidate, body); err != nil {
		log.Printf("[coordinator] publish invalidate failed: %v", err)
	}
}

func (c *Coordinator) armInvalidationTimeout(t token.Token) {
	closed := make(chan struct{})
	c.roundClosed = closed

	c.invalidationTimer = time.AfterFunc(c.cfg.ClientTimeout, func() {
		c.enqueue(func() {
			select {
			case <-closed:
				return // round already closed by switch/recovery
			default:
			}
			c.onInvalidationTimeout(t)
		})
	})
}

func (c *Coordinator) cancelRound() {
	if c.invalidationTimer != nil {
		c.invalidationTimer.Stop()
		c.invalidationTimer = nil
	}
	if c.roundClosed != nil {
		close(c.roundClosed)
		c.roundClosed = nil
	}
	c.pongReceived = nil
	c.invalidatedReceived = nil
}

// onInvalidationTimeout implements spec §4.5.3 step 4: if the round
// named by t is still open, cancel it and return to RUNNING without
// switching (scenario S3). Token is not rolled back.
func (c *Coordinator) onInvalidationTimeout(t token.Token) {
	if !c.mint.Redeem(t) || c.state != StatePaused {
		return
	}
	metrics.InvalidationRoundsTotal.WithLabelValues("timeout").Inc()
	log.Printf("[coordinator] invalidation round %d timed out; returning to RUNNING with %s", t, c.currentMaster)
	c.cancelRound()
	c.state = StateRunning
	metrics.CoordinatorState.Set(float64(StateRunning))
}

// onInvalidationPongsComplete is reached once pong_received covers
// every expected client (spec §4.5.2): invalidate has already been
// published, so we simply continue waiting for client_invalidated
// acks — nothing else to do here besides bookkeeping.
func (c *Coordinator) onInvalidationPongsComplete(ctx context.Context) {
	log.Printf("[coordinator] all expected clients ponged for round %d", c.mint.Current())
}

// ---- master switch (spec §4.5.4) ----

func (c *Coordinator) performSwitch(ctx context.Context) {
	c.cancelRound()

	pool := c.prober.Probe(ctx)
	c.pool = pool
	oldMaster := c.currentMaster

	candidate, ok := selectCandidate(pool, oldMaster)
	if !ok {
		metrics.MasterSwitchesTotal.WithLabelValues("no_candidate").Inc()
		c.publishSystemNotification(ctx, fmt.Sprintf("no switch candidate found to replace %s; keeping it as master", oldMaster))
		c.state = StateRunning
		metrics.CoordinatorState.Set(float64(StateRunning))
		if c.watcher != nil {
			c.watcher.Rearm(ctx, oldMaster)
		}
		return
	}

	if err := c.prober.PromoteToMaster(ctx, candidate); err != nil {
		log.Printf("[coordinator] promote %s failed: %v", candidate, err)
		c.publishSystemNotification(ctx, fmt.Sprintf("failed to promote %s: %v", candidate, err))
	}

	c.currentMaster = candidate
	metrics.MasterSwitchesTotal.WithLabelValues("ok").Inc()

	if err := masterfile.Write(c.cfg.MasterFilePath, candidate); err != nil {
		metrics.MasterFilePersistFailures.Inc()
		c.publishSystemNotification(ctx, fmt.Sprintf("failed to persist master file for %s: %v", candidate, err))
	}

	for _, ep := range pool.Endpoints {
		if ep.Address == candidate || ep.Address == oldMaster {
			continue
		}
		if ep.Role != redisprobe.RoleMaster || !ep.Available {
			continue
		}
		if err := c.prober.Follow(ctx, ep.Address, candidate); err != nil {
			log.Printf("[coordinator] %s: follow %s failed: %v", ep.Address, candidate, err)
		}
	}

	t := c.mint.Current()
	c.publishReconfigure(ctx, candidate)
	log.Printf("[coordinator] switched master %s -> %s (token=%d)", oldMaster, candidate, t)

	c.state = StateRunning
	metrics.CoordinatorState.Set(float64(StateRunning))
	c.refreshUnresponsiveMetric(time.Now())

	if c.watcher != nil {
		c.watcher.Rearm(ctx, candidate)
	}
}

// selectCandidate implements spec §4.5.4 step 2: the first endpoint in
// the pool that is reachable and currently a slave of oldMaster (a
// slave whose ROLE reply did not name its master is accepted too). If the
// pool already shows a single, different endpoint classified as
// master — which happens at startup when a stale master file names an
// endpoint the pool has already demoted (scenario S5) — that endpoint
// is preferred over the slave-of-old-master search, since it is
// already the de facto master and PromoteToMaster against it is a
// harmless no-op.
func selectCandidate(pool redisprobe.Pool, oldMaster string) (string, bool) {
	if m, ok := pool.AutoDetectMaster(); ok && m.Address != oldMaster {
		return m.Address, true
	}
	for _, ep := range pool.Endpoints {
		if !ep.Available || ep.Role != redisprobe.RoleSlave || ep.Address == oldMaster {
			continue
		}
		if ep.ReplicatingFrom != "" && ep.ReplicatingFrom != oldMaster {
			continue
		}
		return ep.Address, true
	}
	return "", false
}

func (c *Coordinator) publishReconfigure(ctx context.Context, addr string) {
	body, _ := json.Marshal(struct {
		Server string      `json:"server"`
		Token  token.Token `json:"token"`
	}{Server: addr, Token: c.mint.Current()})
	if err := c.publisher.Publish(ctx, bus.KeyReconfigure, body); err != nil {
		log.Printf("[coordinator] publish reconfigure failed: %v", err)
	}
}

func (c *Coordinator) publishSystemNotification(ctx context.Context, message string) {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	if err := c.publisher.Publish(ctx, bus.KeySystemNotification, body); err != nil {
		log.Printf("[coordinator] publish system_notification failed: %v", err)
	}
}

// ---- status snapshot ----

// Snapshot is a point-in-time view of coordinator state for the status
// endpoint (spec §6).
type Snapshot struct {
	ConfiguredClientIDs []string
	UnknownClientIDs    []string
	Unresponsive        []registry.Seen
	CurrentMaster       string
	CurrentToken        token.Token
	State               State
}

// Status returns a Snapshot. It is safe to call from any goroutine: it
// is itself dispatched through the task queue and blocks until the
// snapshot is taken.
func (c *Coordinator) Status() Snapshot {
	result := make(chan Snapshot, 1)
	c.enqueue(func() {
		now := time.Now()
		unresponsive := c.registry.Unresponsive(now, c.cfg.ClientDeadThreshold)
		c.refreshUnresponsiveMetric(now)
		result <- Snapshot{
			ConfiguredClientIDs: c.cfg.ExpectedClientIDs,
			UnknownClientIDs:    c.registry.UnknownIDs(),
			Unresponsive:        unresponsive,
			CurrentMaster:       c.currentMaster,
			CurrentToken:        c.mint.Current(),
			State:               c.state,
		}
	})
	return <-result
}

// Reconfigure triggers a manual master_available! confirmation, used
// by the status/admin surface to recover a client that missed a
// reconfigure broadcast (SPEC_FULL.md §3 supplement).
func (c *Coordinator) Reconfigure() {
	c.MasterAvailable()
}
