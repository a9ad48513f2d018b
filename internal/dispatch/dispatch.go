// Package dispatch implements the Message Dispatcher: it subscribes to
// the inbound control routing keys, parses each payload into the
// closed tagged union spec §9 calls for, and invokes the matching
// Coordinator entry point. Malformed payloads are logged and dropped
// (spec §4.6).
package dispatch

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/beetle-rb/redis-coordinator/internal/bus"
	"github.com/beetle-rb/redis-coordinator/internal/metrics"
	"github.com/beetle-rb/redis-coordinator/internal/token"
)

// Message is the closed tagged union of inbound control messages
// (spec §9 "Dynamic message dispatch → tagged union").
type Message struct {
	Kind  Kind
	ID    string
	Token token.Token
}

// Kind identifies which variant a Message holds.
type Kind int

const (
	KindPong Kind = iota
	KindClientInvalidated
	KindClientStarted
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindPong:
		return "pong"
	case KindClientInvalidated:
		return "client_invalidated"
	case KindClientStarted:
		return "client_started"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// payload is the wire shape: {id: string, token?: int} (spec §6).
type payload struct {
	ID    string `json:"id"`
	Token *int64 `json:"token,omitempty"`
}

// Coordinator is the set of entry points the dispatcher routes
// messages to. internal/coordinator.Coordinator implements this.
type Coordinator interface {
	Pong(id string, t token.Token)
	ClientInvalidated(id string, t token.Token)
	ClientStarted(id string)
	Heartbeat(id string)
}

// RoutingKeys lists the control keys the dispatcher subscribes to
// (spec §4.6).
var RoutingKeys = []string{
	bus.KeyPong,
	bus.KeyClientInvalidated,
	bus.KeyClientStarted,
	bus.KeyHeartbeat,
}

// Dispatcher demultiplexes inbound bus messages to a Coordinator.
type Dispatcher struct {
	coordinator Coordinator
}

// New builds a Dispatcher that routes decoded messages to c.
func New(c Coordinator) *Dispatcher {
	return &Dispatcher{coordinator: c}
}

// Handle is a bus.Handler: it parses body for routingKey and invokes
// the matching Coordinator method, or drops and logs on malformed
// input.
func (d *Dispatcher) Handle(routingKey string, body []byte) {
	msg, err := parse(routingKey, body)
	if err != nil {
		metrics.BusMessagesTotal.WithLabelValues(routingKey, "dropped").Inc()
		bus.LogDropped(routingKey, err.Error())
		return
	}
	metrics.BusMessagesTotal.WithLabelValues(routingKey, "handled").Inc()

	switch msg.Kind {
	case KindPong:
		d.coordinator.Pong(msg.ID, msg.Token)
	case KindClientInvalidated:
		d.coordinator.ClientInvalidated(msg.ID, msg.Token)
	case KindClientStarted:
		d.coordinator.ClientStarted(msg.ID)
	case KindHeartbeat:
		d.coordinator.Heartbeat(msg.ID)
	default:
		log.Printf("[dispatch] unroutable kind for %s", routingKey)
	}
}

func parse(routingKey string, body []byte) (Message, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Message{}, fmt.Errorf("invalid json: %w", err)
	}
	if p.ID == "" {
		return Message{}, fmt.Errorf("missing id")
	}

	switch routingKey {
	case bus.KeyPong:
		if p.Token == nil {
			return Message{}, fmt.Errorf("pong missing token")
		}
		return Message{Kind: KindPong, ID: p.ID, Token: token.Token(*p.Token)}, nil
	case bus.KeyClientInvalidated:
		if p.Token == nil {
			return Message{}, fmt.Errorf("client_invalidated missing token")
		}
		return Message{Kind: KindClientInvalidated, ID: p.ID, Token: token.Token(*p.Token)}, nil
	case bus.KeyClientStarted:
		return Message{Kind: KindClientStarted, ID: p.ID}, nil
	case bus.KeyHeartbeat:
		return Message{Kind: KindHeartbeat, ID: p.ID}, nil
	default:
		return Message{}, fmt.Errorf("unknown routing key %q", routingKey)
	}
}
