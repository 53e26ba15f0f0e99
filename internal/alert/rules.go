// Package alert delivers journal events to webhook endpoints. Rules come
// from a YAML file; payloads are HMAC-signed; deliveries retry with
// exponential backoff and are rate limited per endpoint.
package alert

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/edvin/wgfleet/internal/faults"
)

var validate = validator.New()

// Duration decodes "500ms" / "10s" style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Rule routes matching events to one endpoint.
type Rule struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
	// Secret keys the HMAC-SHA256 signature. Empty sends unsigned.
	Secret string `yaml:"secret"`
	// Events are glob patterns over event types ("exit.*", "keys.rotated").
	// Empty matches everything.
	Events []string `yaml:"events"`
	// RateLimit is the minimum spacing between deliveries to this
	// endpoint. Events arriving faster are dropped, not queued.
	RateLimit Duration `yaml:"rate_limit"`
	// MaxRetries bounds delivery attempts beyond the first.
	MaxRetries int `yaml:"max_retries"`
}

// Config is the top-level rule file.
type Config struct {
	Webhooks []Rule `yaml:"webhooks"`
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &faults.IOError{Op: "read alert rules", Path: file, Err: err}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &faults.ValidationError{Field: "alert_rules",
			Msg: fmt.Sprintf("parse %s: %v", file, err)}
	}
	for i := range cfg.Webhooks {
		r := &cfg.Webhooks[i]
		if err := validate.Struct(r); err != nil {
			return nil, &faults.ValidationError{Field: "webhooks",
				Msg: fmt.Sprintf("rule %d (%s): %v", i, r.Name, err)}
		}
		if r.MaxRetries <= 0 {
			r.MaxRetries = 4
		}
		if r.RateLimit <= 0 {
			r.RateLimit = Duration(time.Second)
		}
		for _, pat := range r.Events {
			if _, err := path.Match(pat, "x"); err != nil {
				return nil, &faults.ValidationError{Field: "events",
					Msg: fmt.Sprintf("bad pattern %q in rule %s", pat, r.Name)}
			}
		}
	}
	return &cfg, nil
}

// Matches reports whether the rule covers an event type.
func (r *Rule) Matches(eventType string) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, pat := range r.Events {
		if ok, _ := path.Match(pat, eventType); ok {
			return true
		}
	}
	return false
}
