// Package journal is the in-process event bus. Every service-layer
// mutation publishes exactly one event after its transaction commits;
// subscribers (alert dispatcher, metrics, tests) consume asynchronously
// and can never block or fail a mutation.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the service layer.
const (
	EventImported        = "topology.imported"
	EventPeerAdded       = "peer.added"
	EventPeerRemoved     = "peer.removed"
	EventKeysRotated     = "keys.rotated"
	EventPSKChanged      = "psk.changed"
	EventAccessChanged   = "access.changed"
	EventExitAssigned    = "exit.assigned"
	EventExitFailover    = "exit.failover"
	EventExitHealth      = "exit.health_changed"
	EventGenerated       = "config.generated"
	EventDeployed        = "config.deployed"
	EventDeployFailed    = "config.deploy_failed"
	EventExtramuralSwitch = "extramural.peer_switched"
	EventPassphraseChanged = "datastore.passphrase_changed"
	EventBackupCreated   = "backup.created"
	EventTokenCreated    = "token.created"
	EventTokenRevoked    = "token.revoked"
)

// Event is one state change as seen by subscribers.
type Event struct {
	ID         string
	Type       string
	EntityType string
	EntityID   int64
	EntityGUID string
	Operator   string
	Details    map[string]any
	At         time.Time
}

// Bus fans events out to subscribers. Each subscriber gets its own
// buffered queue drained by one goroutine, so a slow webhook endpoint
// cannot stall the writer.
type Bus struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []chan Event
	wg   sync.WaitGroup
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "journal").Logger()}
}

// Subscribe registers fn to receive every future event.
func (b *Bus) Subscribe(fn func(Event)) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range ch {
			fn(ev)
		}
	}()
}

// Publish delivers ev to every subscriber. Events are dropped (and
// logged) rather than blocking when a subscriber queue is full.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Str("event", ev.Type).Msg("subscriber queue full, event dropped")
		}
	}
}

// Close stops delivery and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	b.wg.Wait()
}
