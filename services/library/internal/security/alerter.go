package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
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

// Observation is one audited request as seen by the alerter.
type Observation struct {
	Event     string
	Success   bool
	Status    int
	ClientIP  string
	RequestID string
}

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Rule      string
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Alerter counts suspicious requests per client IP in fixed windows and
// reports when a rule's threshold is reached.
type Alerter struct {
	client  redis.UniversalClient
	prefix  string
	now     func() time.Time
	pending chan Observation
}

const alertBuffer = 1024

// NewAlerter creates an alerter backed by Redis counters.
func NewAlerter(client redis.UniversalClient, prefix string) (*Alerter, error) {
	if client == nil {
		return nil, errors.New("alerter requires a redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "libraryhub:alerts"
	}
	return &Alerter{client: client, prefix: prefix, now: time.Now, pending: make(chan Observation, alertBuffer)}, nil
}

// Submit queues obs for Run without waiting on Redis. It reports false when
// the queue is full and obs was dropped.
func (a *Alerter) Submit(obs Observation) bool {
	if a == nil {
		return false
	}
	select {
	case a.pending <- obs:
		return true
	default:
		slog.Warn("security alert queue full, observation dropped", "event", obs.Event, "client_ip", obs.ClientIP)
		return false
	}
}

// Run evaluates submitted observations until ctx is canceled and logs every
// rule that fires.
func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case obs := <-a.pending:
			a.evaluate(ctx, obs)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Alerter) evaluate(ctx context.Context, obs Observation) {
	res, err := a.Observe(ctx, obs)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("security alerter unavailable", "err", err)
		}
		return
	}
	if res.Triggered {
		slog.Warn("security alert triggered",
			"rule", res.Rule,
			"event", obs.Event,
			"client_ip", obs.ClientIP,
			"request_id", obs.RequestID,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

// Observe records obs and returns whether its rule fired. Requests that match
// no rule are ignored.
func (a *Alerter) Observe(ctx context.Context, obs Observation) (AlertResult, error) {
	result := AlertResult{}
	if a == nil {
		return result, nil
	}
	rule, threshold, window, ok := alertRule(obs)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%d", a.prefix, rule, sanitizeSegment(obs.ClientIP), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Rule = rule
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	return result, nil
}

func alertRule(obs Observation) (rule string, threshold int64, window time.Duration, ok bool) {
	if obs.Status == http.StatusTooManyRequests {
		return "rate_limited", 20, time.Minute, true
	}
	if obs.Success {
		return "", 0, 0, false
	}
	switch obs.Event {
	case "LOGIN_USER", "LOGIN_ADMIN_USER", "CREATE_USER":
		return "credential_failure", 10, 5 * time.Minute, true
	}
	switch obs.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "access_denied", 25, 5 * time.Minute, true
	}
	return "", 0, 0, false
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
