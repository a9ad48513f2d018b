// Package redisprobe implements the Redis Probe: it classifies each
// configured Redis endpoint by role and reachability, and drives the
// promote/follow commands the Coordinator State Machine issues on
// switch decisions.
package redisprobe

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/beetle-rb/redis-coordinator/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Role is the classification of a Redis endpoint as seen by a probe
// cycle.
type Role string

const (
	RoleMaster  Role = "master"
	RoleSlave   Role = "slave"
	RoleUnknown Role = "unknown"
)

// Endpoint is an immutable snapshot of one configured Redis instance
// as of the last probe cycle. ReplicatingFrom is set only when Role is
// RoleSlave, and names the master address this endpoint follows
// according to its own ROLE reply.
type Endpoint struct {
	Address         string
	Role            Role
	Available       bool
	ReplicatingFrom string
}

// Pool is the set of configured endpoints partitioned by role after a
// probe cycle. Every endpoint is present in Endpoints; Unavailable
// endpoints are classified RoleUnknown.
type Pool struct {
	Endpoints []Endpoint
}

// Masters returns every endpoint currently classified as master.
func (p Pool) Masters() []Endpoint {
	var out []Endpoint
	for _, e := range p.Endpoints {
		if e.Role == RoleMaster {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the endpoint for addr, if configured.
func (p Pool) Find(addr string) (Endpoint, bool) {
	for _, e := range p.Endpoints {
		if e.Address == addr {
			return e, true
		}
	}
	return Endpoint{}, false
}

// AutoDetectMaster returns the single master endpoint iff exactly one
// master exists in the pool (spec §4.2).
func (p Pool) AutoDetectMaster() (Endpoint, bool) {
	masters := p.Masters()
	if len(masters) != 1 {
		return Endpoint{}, false
	}
	return masters[0], true
}

// Prober issues ROLE queries against a fixed set of configured Redis
// endpoints in parallel and drives promote/follow commands. No separate
// PING is sent; a failed ROLE marks the endpoint unavailable. It
// models the "duck-typed redis" collaborator of spec §9 as a small
// interface over go-redis clients.
type Prober struct {
	addrs   []string
	timeout time.Duration
	dial    func(addr string) redis.UniversalClient
	clients map[string]redis.UniversalClient
}

// New builds a Prober for the given addresses. dialTimeout bounds
// connection setup; probeTimeout bounds each ROLE round-trip.
func New(addrs []string, dialTimeout, probeTimeout time.Duration) *Prober {
	p := &Prober{
		addrs:   addrs,
		timeout: probeTimeout,
		clients: make(map[string]redis.UniversalClient, len(addrs)),
	}
	p.dial = func(addr string) redis.UniversalClient {
		return redis.NewClient(&redis.Options{
			Addr:        addr,
			DialTimeout: dialTimeout,
		})
	}
	for _, addr := range addrs {
		p.clients[addr] = p.dial(addr)
	}
	return p
}

// Close releases all underlying Redis connections.
func (p *Prober) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Probe classifies every configured endpoint in parallel and returns a
// fresh Pool snapshot.
func (p *Prober) Probe(ctx context.Context) Pool {
	timer := prometheus.NewTimer(metrics.RedisProbeDuration)
	defer timer.ObserveDuration()

	type result struct {
		idx int
		ep  Endpoint
	}

	results := make(chan result, len(p.addrs))
	for i, addr := range p.addrs {
		go func(idx int, addr string) {
			results <- result{idx: idx, ep: p.probeOne(ctx, addr)}
		}(i, addr)
	}

	endpoints := make([]Endpoint, len(p.addrs))
	for range p.addrs {
		r := <-results
		endpoints[r.idx] = r.ep
	}

	return Pool{Endpoints: endpoints}
}

// ProbeOne classifies a single endpoint by address, for use by the
// Master Watcher, which only ever probes the current master.
func (p *Prober) ProbeOne(ctx context.Context, addr string) Endpoint {
	return p.probeOne(ctx, addr)
}

func (p *Prober) probeOne(ctx context.Context, addr string) Endpoint {
	client, ok := p.clients[addr]
	if !ok {
		client = p.dial(addr)
		p.clients[addr] = client
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	role, err := client.Do(ctx, "ROLE").Result()
	if err != nil {
		log.Printf("[probe] %s: ROLE failed: %v", addr, err)
		return Endpoint{Address: addr, Role: RoleUnknown, Available: false}
	}

	reply, ok := role.([]interface{})
	if !ok || len(reply) == 0 {
		log.Printf("[probe] %s: unexpected ROLE reply shape %T", addr, role)
		return Endpoint{Address: addr, Role: RoleUnknown, Available: false}
	}

	kind, ok := reply[0].(string)
	if !ok {
		return Endpoint{Address: addr, Role: RoleUnknown, Available: false}
	}

	switch kind {
	case "master":
		return Endpoint{Address: addr, Role: RoleMaster, Available: true}
	case "slave":
		ep := Endpoint{Address: addr, Role: RoleSlave, Available: true}
		if len(reply) >= 3 {
			host, _ := reply[1].(string)
			var port string
			switch v := reply[2].(type) {
			case int64:
				port = fmt.Sprintf("%d", v)
			case string:
				port = v
			}
			if host != "" && port != "" {
				ep.ReplicatingFrom = net.JoinHostPort(host, port)
			}
		}
		return ep
	default:
		return Endpoint{Address: addr, Role: RoleUnknown, Available: true}
	}
}

// PromoteToMaster issues REPLICAOF NO ONE against addr.
func (p *Prober) PromoteToMaster(ctx context.Context, addr string) error {
	client, ok := p.clients[addr]
	if !ok {
		return fmt.Errorf("promote %s: not a configured endpoint", addr)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := client.ReplicaOf(ctx, "NO", "ONE").Err(); err != nil {
		return fmt.Errorf("promote %s: %w", addr, err)
	}
	return nil
}

// Follow issues REPLICAOF host port against addr, making it a slave
// of masterAddr.
func (p *Prober) Follow(ctx context.Context, addr, masterAddr string) error {
	client, ok := p.clients[addr]
	if !ok {
		return fmt.Errorf("follow %s: not a configured endpoint", addr)
	}
	host, port, err := net.SplitHostPort(masterAddr)
	if err != nil {
		return fmt.Errorf("follow %s: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := client.ReplicaOf(ctx, host, port).Err(); err != nil {
		return fmt.Errorf("follow %s -> %s: %w", addr, masterAddr, err)
	}
	return nil
}

