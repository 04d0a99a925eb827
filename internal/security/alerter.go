package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Alert is the outcome of observing one audit event.
type Alert struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

type rule struct {
	threshold int64
	window    time.Duration
}

// failure thresholds per audit event
var failureRules = map[string]rule{
	"login":     {threshold: 10, window: 5 * time.Minute},
	"logout":    {threshold: 15, window: 5 * time.Minute},
	"authorize": {threshold: 25, window: 5 * time.Minute},
}

var rateLimitedRule = rule{threshold: 20, window: time.Minute}

// Alerter counts failed audit events per client IP in Redis and reports when
// a threshold is crossed. A nil Alerter observes nothing.
type Alerter struct {
	client *redis.Client
	prefix string
}

// NewAlerter returns nil when addr is empty.
func NewAlerter(addr, password, prefix string) *Alerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "mozhi:alerts"
	}
	return &Alerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
	}
}

// Observe records one event. Successful events are never counted.
func (a *Alerter) Observe(ctx context.Context, event, outcome, ip string) (Alert, error) {
	if a == nil {
		return Alert{}, nil
	}
	r, ok := ruleFor(event, outcome)
	if !ok {
		return Alert{}, nil
	}
	windowMs := r.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, segment(event), segment(outcome), segment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return Alert{}, err
	}
	return Alert{
		Triggered: count >= r.threshold,
		Count:     count,
		Threshold: r.threshold,
		Window:    r.window,
	}, nil
}

// Close releases the Redis connection pool.
func (a *Alerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}

func ruleFor(event, outcome string) (rule, bool) {
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		return rateLimitedRule, true
	case "fail":
		r, ok := failureRules[strings.TrimSpace(event)]
		return r, ok
	default:
		return rule{}, false
	}
}

func segment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
