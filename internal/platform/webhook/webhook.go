// Package webhook delivers rejection workflow events to external HTTP
// endpoints. Payloads are signed with HMAC-SHA256 and retried with backoff on
// a background worker so publishing never blocks a request.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/events"
)

const (
	SignatureHeader = "X-LIS-Signature"
	EventHeader     = "X-LIS-Event"
	DeliveryHeader  = "X-LIS-Delivery"
	TimestampHeader = "X-LIS-Timestamp"
)

var (
	ErrClosed    = errors.New("webhook dispatcher is closed")
	ErrQueueFull = errors.New("webhook queue is full")
)

// Endpoint is a delivery target. Events holds patterns such as
// "rejection.created", "rejection.*" or "*.escalated"; empty matches all.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Matches reports whether the endpoint subscribes to eventType.
func (ep Endpoint) Matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload. A "sha256="
// prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https: %s", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL must have a host: %s", raw)
	}
	return nil
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithRetryDelays sets the waits between attempts. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.delays = delays }
}

func WithQueueSize(n int) Option { return func(d *Dispatcher) { d.queueSize = n } }

func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// Result is the outcome of delivering one event to one endpoint.
type Result struct {
	EventID    string
	EventType  string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

type job struct {
	ev      events.Event
	payload []byte
}

// Dispatcher is an events.Publisher that POSTs events to endpoints.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	delays    []time.Duration
	queueSize int
	logger    zerolog.Logger

	queue   chan job
	results chan Result
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher validates endpoints and starts the delivery worker.
func NewDispatcher(endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := ValidateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		delays:    []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		queueSize: 256,
		logger:    zerolog.Nop(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan job, d.queueSize)
	d.results = make(chan Result, d.queueSize)

	d.wg.Add(1)
	go d.run()
	return d, nil
}

// Results reports delivery outcomes. Results are dropped when nobody reads
// them.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// Publish queues ev for delivery to every matching endpoint.
func (d *Dispatcher) Publish(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	events.Prepare(&ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- job{ev: ev, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events, abandons pending retry waits and waits for
// the worker to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		for _, ep := range d.endpoints {
			if !ep.Matches(j.ev.Type) {
				continue
			}
			res := d.deliver(ep, j)
			if res.Err != nil {
				d.logger.Warn().Err(res.Err).
					Str("event_id", res.EventID).
					Str("event_type", res.EventType).
					Str("url", res.URL).
					Int("attempts", res.Attempts).
					Msg("webhook delivery failed")
			}
			select {
			case d.results <- res:
			default:
			}
		}
	}
}

func (d *Dispatcher) deliver(ep Endpoint, j job) Result {
	res := Result{EventID: j.ev.ID, EventType: j.ev.Type, URL: ep.URL}
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		res.StatusCode, res.Err = d.post(ep, j)
		if res.Err == nil || !retryable(res.StatusCode) || attempt >= len(d.delays) {
			return res
		}
		select {
		case <-time.After(d.delays[attempt]):
		case <-d.done:
			return res
		}
	}
}

func (d *Dispatcher) post(ep Endpoint, j job) (int, error) {
	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(j.payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, j.ev.Type)
	req.Header.Set(DeliveryHeader, j.ev.ID)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(j.payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// retryable reports whether a failed attempt is worth repeating. Transport
// errors (status 0), 408, 429 and 5xx are.
func retryable(status int) bool {
	return status == 0 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}
