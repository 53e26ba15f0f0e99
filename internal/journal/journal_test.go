package journal

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	got := map[string][]string{}
	for _, name := range []string{"alerts", "metrics"} {
		name := name
		bus.Subscribe(func(ev Event) {
			mu.Lock()
			got[name] = append(got[name], ev.Type)
			mu.Unlock()
		})
	}

	bus.Publish(Event{Type: EventPeerAdded})
	bus.Publish(Event{Type: EventKeysRotated})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventPeerAdded, EventKeysRotated}, got["alerts"])
	assert.Equal(t, []string{EventPeerAdded, EventKeysRotated}, got["metrics"])
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	done := make(chan Event, 1)
	bus.Subscribe(func(ev Event) { done <- ev })
	bus.Publish(Event{Type: EventDeployed})

	select {
	case ev := <-done:
		require.NotEmpty(t, ev.ID)
		assert.WithinDuration(t, time.Now(), ev.At, time.Minute)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	bus.Close()
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Subscribe(func(Event) { t.Error("should not run") })
	bus.Close()
	bus.Publish(Event{Type: EventPeerAdded})
}
