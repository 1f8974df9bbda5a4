package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds each downstream call so stalled targets cannot
// accumulate goroutines without limit.
const DefaultTimeout = 10 * time.Second

// Target is one downstream execution endpoint. An optional limiter paces
// outbound requests to that endpoint.
type Target struct {
	Name    string
	URL     *url.URL
	limiter *rate.Limiter
}

// NewTarget parses a target URL. perSecond <= 0 disables outbound pacing.
func NewTarget(name, rawURL string, perSecond float64, burst int) (Target, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Target{}, fmt.Errorf("parse target %q: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Target{}, fmt.Errorf("target %q: unsupported scheme %q", name, parsed.Scheme)
	}
	t := Target{Name: name, URL: parsed}
	if t.Name == "" {
		t.Name = parsed.Host
	}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return t, nil
}

// Dispatcher relays a validated request to every configured target. Delivery
// is fire-and-forget with respect to the caller's response path: failures are
// logged and counted, never surfaced, and one target's failure cannot cancel
// its siblings. In-flight deliveries are tracked for shutdown draining.
type Dispatcher struct {
	targets  []Target
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	failures *prometheus.CounterVec

	wg sync.WaitGroup
}

func NewDispatcher(targets []Target, timeout time.Duration, logger *slog.Logger, failures *prometheus.CounterVec) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		targets:  targets,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger,
		failures: failures,
	}
}

// Targets returns the configured target count.
func (d *Dispatcher) Targets() int { return len(d.targets) }

// Dispatch issues one POST per target and returns immediately. Each delivery
// runs to completion or failure independently; there is no all-or-nothing
// semantics and no cancellation of siblings.
func (d *Dispatcher) Dispatch(body []byte) {
	attemptID := uuid.NewString()
	for _, target := range d.targets {
		d.wg.Add(1)
		go d.deliver(target, body, attemptID)
	}
}

func (d *Dispatcher) deliver(target Target, body []byte, attemptID string) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if target.limiter != nil {
		if err := target.limiter.Wait(ctx); err != nil {
			d.fail(target, attemptID, fmt.Errorf("outbound pacing: %w", err))
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		d.fail(target, attemptID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(target, attemptID, err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		d.fail(target, attemptID, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) fail(target Target, attemptID string, err error) {
	d.logger.Error("relay delivery failed",
		"target", target.Name,
		"attempt", attemptID,
		"error", err,
	)
	if d.failures != nil {
		d.failures.WithLabelValues(target.Name).Inc()
	}
}

// Drain blocks until every in-flight delivery finishes or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
