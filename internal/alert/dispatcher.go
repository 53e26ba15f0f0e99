package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/edvin/wgfleet/internal/core"
	"github.com/edvin/wgfleet/internal/journal"
	"github.com/edvin/wgfleet/internal/model"
)

const (
	headerEvent     = "X-Wgfleet-Event"
	headerDelivery  = "X-Wgfleet-Delivery"
	headerSignature = "X-Wgfleet-Signature"

	maxWorkers     = 4
	initialBackoff = 500 * time.Millisecond
)

type delivery struct {
	rule Rule
	ev   journal.Event
}

// Dispatcher is the webhook subscriber on the journal bus. Matching
// events fan out to a bounded worker pool; a failed delivery never feeds
// back into the operation that caused it.
type Dispatcher struct {
	core   *core.Core
	rules  []Rule
	client *http.Client
	logger zerolog.Logger

	queue chan delivery
	wg    sync.WaitGroup

	mu       sync.Mutex
	lastSent map[string]time.Time

	// now and backoff are swapped out in tests.
	now     func() time.Time
	backoff time.Duration
}

// NewDispatcher builds a dispatcher for the given rules.
func NewDispatcher(c *core.Core, cfg *Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		core:     c,
		rules:    cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "alert").Logger(),
		queue:    make(chan delivery, 256),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
		backoff:  initialBackoff,
	}
}

// Start launches the worker pool and subscribes to the bus. Workers exit
// when ctx ends.
func (d *Dispatcher) Start(ctx context.Context, bus *journal.Bus) {
	for i := 0; i < maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case dl := <-d.queue:
					d.deliver(ctx, dl)
				}
			}
		}()
	}
	bus.Subscribe(d.HandleEvent)
}

// Wait blocks until the worker pool has stopped.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// HandleEvent routes one event to every matching rule, enforcing the
// per-endpoint rate limit up front.
func (d *Dispatcher) HandleEvent(ev journal.Event) {
	for _, r := range d.rules {
		if !r.Matches(ev.Type) {
			continue
		}
		if !d.allow(r) {
			d.logger.Debug().Str("endpoint", r.URL).Str("event", ev.Type).
				Msg("rate limited, event dropped")
			continue
		}
		select {
		case d.queue <- delivery{rule: r, ev: ev}:
		default:
			d.logger.Warn().Str("endpoint", r.URL).Msg("delivery queue full, event dropped")
		}
	}
}

func (d *Dispatcher) allow(r Rule) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.lastSent[r.URL]; ok && now.Sub(last) < time.Duration(r.RateLimit) {
		return false
	}
	d.lastSent[r.URL] = now
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, dl delivery) {
	body, err := json.Marshal(payloadFor(dl.ev))
	if err != nil {
		d.logger.Error().Err(err).Str("event", dl.ev.Type).Msg("payload marshal failed")
		return
	}

	rec := &model.WebhookDelivery{
		Endpoint:  dl.rule.URL,
		EventID:   dl.ev.ID,
		EventType: dl.ev.Type,
	}

	backoff := retry.WithMaxRetries(uint64(dl.rule.MaxRetries), retry.NewExponential(d.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec.Attempts++
		status, err := d.post(ctx, dl.rule, body, dl.ev)
		rec.StatusCode = status
		if err != nil {
			rec.LastError = err.Error()
			return retry.RetryableError(err)
		}
		rec.LastError = ""
		return nil
	})
	rec.Success = err == nil

	if err != nil {
		d.logger.Warn().Err(err).Str("endpoint", dl.rule.URL).
			Int("attempts", rec.Attempts).Msg("webhook delivery failed")
	}
	if err := d.core.RecordWebhookDelivery(ctx, rec); err != nil {
		d.logger.Error().Err(err).Msg("failed to record webhook delivery")
	}
}

func (d *Dispatcher) post(ctx context.Context, r Rule, body []byte, ev journal.Event) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, ev.Type)
	req.Header.Set(headerDelivery, ev.ID)
	if r.Secret != "" {
		req.Header.Set(headerSignature, "sha256="+Sign(r.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// payload is the canonical wire form of an event. json.Marshal writes
// map keys in sorted order, so the signature is stable for a given event.
type payload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   int64          `json:"entity_id,omitempty"`
	EntityGUID string         `json:"entity_guid,omitempty"`
	Operator   string         `json:"operator,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

func payloadFor(ev journal.Event) payload {
	return payload{
		ID:         ev.ID,
		Type:       ev.Type,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		EntityGUID: ev.EntityGUID,
		Operator:   ev.Operator,
		Details:    ev.Details,
		At:         ev.At,
	}
}
