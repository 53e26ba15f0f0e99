package alert

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/crypto"
	"github.com/edvin/wgfleet/internal/db"
	"github.com/edvin/wgfleet/internal/journal"
)

func newTestDispatcher(t *testing.T, rules ...Rule) (*Dispatcher, *core.Core) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))
	w := db.NewWriter(d)
	bus := journal.NewBus(zerolog.Nop())
	t.Cleanup(func() {
		bus.Close()
		w.Close()
		d.Close()
	})
	c := core.New(d, w, crypto.Disabled(), bus, zerolog.Nop())

	disp := NewDispatcher(c, &Config{Webhooks: rules}, zerolog.Nop())
	disp.backoff = time.Millisecond
	return disp, c
}

func testEvent() journal.Event {
	return journal.Event{
		ID:         "ev-1",
		Type:       journal.EventKeysRotated,
		EntityType: "remote",
		EntityID:   7,
		Operator:   "local",
		Details:    map[string]any{"hostname": "alice"},
		At:         time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestLoadRules(t *testing.T) {
	file := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
webhooks:
  - name: ops
    url: https://hooks.example.com/wgfleet
    secret: hunter2
    events: ["exit.*", "keys.rotated"]
    rate_limit: 10s
    max_retries: 6
  - name: catchall
    url: https://hooks.example.com/all
`), 0o600))

	cfg, err := LoadRules(file)
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 2)
	assert.Equal(t, Duration(10*time.Second), cfg.Webhooks[0].RateLimit)
	assert.Equal(t, 6, cfg.Webhooks[0].MaxRetries)

	// Defaults fill in for the minimal rule.
	assert.Equal(t, 4, cfg.Webhooks[1].MaxRetries)
	assert.Equal(t, Duration(time.Second), cfg.Webhooks[1].RateLimit)
}

func TestLoadRulesRejectsMissingURL(t *testing.T) {
	file := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(file, []byte("webhooks:\n  - name: broken\n"), 0o600))
	_, err := LoadRules(file)
	require.Error(t, err)
}

func TestRuleMatches(t *testing.T) {
	r := Rule{Events: []string{"exit.*", "keys.rotated"}}
	assert.True(t, r.Matches("exit.failover"))
	assert.True(t, r.Matches("exit.health_changed"))
	assert.True(t, r.Matches("keys.rotated"))
	assert.False(t, r.Matches("peer.added"))

	all := Rule{}
	assert.True(t, all.Matches("anything.at.all"))
}

func TestDeliverySignsAndRecords(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rule := Rule{Name: "ops", URL: srv.URL, Secret: "hunter2", MaxRetries: 2, RateLimit: Duration(time.Second)}
	disp, c := newTestDispatcher(t, rule)

	disp.deliver(context.Background(), delivery{rule: rule, ev: testEvent()})

	assert.Equal(t, "keys.rotated", gotHeaders.Get(headerEvent))
	assert.Equal(t, "ev-1", gotHeaders.Get(headerDelivery))
	assert.Contains(t, string(gotBody), `"hostname":"alice"`)

	sig := gotHeaders.Get(headerSignature)
	require.NotEmpty(t, sig)
	assert.True(t, hmac.Equal([]byte(sig), []byte("sha256="+Sign("hunter2", gotBody))))

	recs, err := c.WebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, http.StatusOK, recs[0].StatusCode)
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rule := Rule{URL: srv.URL, MaxRetries: 5, RateLimit: Duration(time.Second)}
	disp, c := newTestDispatcher(t, rule)
	disp.deliver(context.Background(), delivery{rule: rule, ev: testEvent()})

	recs, err := c.WebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, 3, recs[0].Attempts)
}

func TestDeliveryGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rule := Rule{URL: srv.URL, MaxRetries: 2, RateLimit: Duration(time.Second)}
	disp, c := newTestDispatcher(t, rule)
	disp.deliver(context.Background(), delivery{rule: rule, ev: testEvent()})

	recs, err := c.WebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, http.StatusInternalServerError, recs[0].StatusCode)
	assert.NotEmpty(t, recs[0].LastError)
}

func TestRateLimitPerEndpoint(t *testing.T) {
	rule := Rule{URL: "https://hooks.example.com/x", RateLimit: Duration(10 * time.Second)}
	disp, _ := newTestDispatcher(t, rule)

	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	disp.now = func() time.Time { return clock }

	assert.True(t, disp.allow(rule))
	assert.False(t, disp.allow(rule))
	clock = clock.Add(11 * time.Second)
	assert.True(t, disp.allow(rule))
}

func TestHandleEventFilters(t *testing.T) {
	rule := Rule{URL: "https://hooks.example.com/x", Events: []string{"exit.*"}, RateLimit: Duration(time.Millisecond)}
	disp, _ := newTestDispatcher(t, rule)

	ev := testEvent() // keys.rotated
	disp.HandleEvent(ev)
	assert.Empty(t, disp.queue)

	ev.Type = journal.EventExitFailover
	disp.HandleEvent(ev)
	assert.Len(t, disp.queue, 1)
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.Equal(t, Sign("k", body), Sign("k", body))
	assert.NotEqual(t, Sign("k", body), Sign("other", body))
	assert.Len(t, Sign("k", body), 64)
}
