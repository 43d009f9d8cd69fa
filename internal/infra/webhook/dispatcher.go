// Package webhook delivers signed lifecycle events to caller-supplied
// endpoints. Each event is serialized once, signed over those exact bytes,
// and redelivered with the same body and nonce until the receiver accepts
// it or the retry schedule runs out. Exhausted events raise an operational
// alert instead of failing the task that produced them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/infra/metrics"
	"github.com/kiln-media/kiln/internal/security"
)

// DefaultSchedule is the retry backoff after a failed initial attempt.
var DefaultSchedule = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	1 * time.Hour,
}

// Sender performs one delivery attempt. Implementations must treat any
// non-nil error as retryable.
type Sender interface {
	Send(ctx context.Context, endpoint string, body []byte, headers map[string]string) error
}

// Dispatcher signs and delivers events. Implements domain.EventSink.
type Dispatcher struct {
	signer   *security.Signer
	sender   Sender
	alerts   domain.AlertSink
	schedule []time.Duration

	mu        sync.Mutex
	pending   int
	delivered int64
	abandoned int64

	wg   sync.WaitGroup
	done chan struct{}
}

// NewDispatcher creates a dispatcher. alerts may be nil; abandoned events
// are then only logged and counted.
func NewDispatcher(signer *security.Signer, sender Sender, alerts domain.AlertSink) *Dispatcher {
	return &Dispatcher{
		signer:   signer,
		sender:   sender,
		alerts:   alerts,
		schedule: DefaultSchedule,
		done:     make(chan struct{}),
	}
}

// Publish serializes, signs, and asynchronously delivers evt to endpoint.
// The nonce and signature are fixed at publish time; every retry resends
// the identical bytes so receivers can deduplicate by nonce.
func (d *Dispatcher) Publish(endpoint string, evt domain.Event) {
	if endpoint == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	nonce := uuid.NewString()
	body, err := json.Marshal(struct {
		domain.Event
		Nonce string `json:"nonce"`
	}{evt, nonce})
	if err != nil {
		log.Printf("[webhook] marshal event=%s subject=%s: %v", evt.Kind, evt.SubjectID(), err)
		return
	}
	signature := d.signer.Sign(body)

	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
	metrics.WebhookPending.Inc()

	d.wg.Add(1)
	go d.deliver(endpoint, evt, nonce, signature, body)
}

func (d *Dispatcher) deliver(endpoint string, evt domain.Event, nonce, signature string, body []byte) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		metrics.WebhookPending.Dec()
	}()

	var lastErr error
	for attempt := 1; ; attempt++ {
		headers := map[string]string{
			"Content-Type":     "application/json",
			"X-Kiln-Signature": signature,
			"X-Kiln-Nonce":     nonce,
			"X-Kiln-Attempt":   strconv.Itoa(attempt),
		}
		lastErr = d.sender.Send(context.Background(), endpoint, body, headers)
		if lastErr == nil {
			d.mu.Lock()
			d.delivered++
			d.mu.Unlock()
			metrics.WebhookDelivered.Inc()
			return
		}

		if attempt > len(d.schedule) {
			d.abandon(endpoint, evt, attempt, lastErr)
			return
		}

		metrics.WebhookRetries.Inc()
		select {
		case <-time.After(d.schedule[attempt-1]):
		case <-d.done:
			log.Printf("[webhook] shutdown with undelivered event=%s subject=%s attempts=%d",
				evt.Kind, evt.SubjectID(), attempt)
			return
		}
	}
}

// abandon gives up on an event: log it, count it, and hand it to the alert
// sink for operator follow-up.
func (d *Dispatcher) abandon(endpoint string, evt domain.Event, attempts int, lastErr error) {
	d.mu.Lock()
	d.abandoned++
	d.mu.Unlock()
	metrics.WebhookAbandoned.Inc()

	log.Printf("[webhook] abandoned event=%s subject=%s endpoint=%s attempts=%d err=%v",
		evt.Kind, evt.SubjectID(), redactEndpoint(endpoint), attempts, lastErr)

	if d.alerts == nil {
		return
	}
	alert := domain.Alert{
		Event:       evt.Kind,
		SubjectID:   evt.SubjectID(),
		Endpoint:    redactEndpoint(endpoint),
		Attempts:    attempts,
		LastError:   fmt.Sprintf("%v", lastErr),
		AbandonedAt: time.Now().UTC(),
	}
	if err := d.alerts.SaveAlert(alert); err != nil {
		log.Printf("[webhook] save alert: %v", err)
	}
}

// Close stops retry waits and blocks until delivery goroutines exit.
// Events mid-backoff are logged as undelivered.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}

// Pending returns events queued or waiting out a retry delay.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Delivered returns the count of acknowledged deliveries.
func (d *Dispatcher) Delivered() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// Abandoned returns the count of events dropped after exhausting retries.
func (d *Dispatcher) Abandoned() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.abandoned
}

// redactEndpoint strips query parameters and userinfo before an endpoint
// reaches logs or alerts; callers embed tokens there.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "(unparseable)"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}

// ─── HTTP Sender ─────────────────────────────────────────────────────────────

// HTTPSender posts events over HTTP. Any status outside 2xx is a failed
// attempt.
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender returns a sender with a per-attempt timeout.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSender) Send(ctx context.Context, endpoint string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		// url.Error repeats the full URL; strip it so query tokens
		// never reach logs or alerts.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("post webhook: %v", uerr.Err)
		}
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
