package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"anomaly-monitor/internal/metrics"
	"anomaly-monitor/internal/models"

	"go.uber.org/zap"
)

// Notifier delivers one alert over a single channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a models.Anomaly) error
}

// Dispatcher sends each anomaly to every notifier. Delivery is best effort:
// failures are logged and counted, never returned.
type Dispatcher struct {
	notifiers []Notifier
	log       *zap.Logger
}

func NewDispatcher(log *zap.Logger, notifiers ...Notifier) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{notifiers: notifiers, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, a models.Anomaly) {
	for _, n := range d.notifiers {
		if err := d.notify(ctx, n, a); err != nil {
			metrics.DispatchFailures.WithLabelValues(n.Name()).Inc()
			d.log.Warn("alert delivery failed",
				zap.String("notifier", n.Name()),
				zap.String("anomaly_id", a.ID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, n Notifier, a models.Anomaly) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return n.Notify(ctx, a)
}

// ConsoleNotifier writes the alert to the service log.
type ConsoleNotifier struct {
	log *zap.Logger
}

func NewConsoleNotifier(log *zap.Logger) *ConsoleNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsoleNotifier{log: log}
}

func (*ConsoleNotifier) Name() string { return "console" }

func (c *ConsoleNotifier) Notify(_ context.Context, a models.Anomaly) error {
	c.log.Warn("ALERT: Anomaly detected!",
		zap.String("id", a.ID),
		zap.String("device_id", a.DeviceID),
		zap.String("type", string(a.Kind)),
		zap.String("description", a.Description),
		zap.String("status", string(a.Status)),
		zap.Time("timestamp", a.Timestamp))
	return nil
}

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookWorkers = 2
	defaultWebhookQueue   = 256
)

var (
	errWebhookQueueFull = errors.New("webhook queue full")
	errWebhookClosed    = errors.New("webhook notifier closed")
)

// WebhookNotifier POSTs the anomaly as JSON, e.g. to a chat or mail relay.
// Notify only enqueues; a small worker pool does the delivery, so a slow
// endpoint never holds up the caller. Alerts that do not fit in the queue are
// dropped and reported as failures.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
	log     *zap.Logger

	queue     chan []byte
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWebhookNotifier(url string, timeout time.Duration, log *zap.Logger) *WebhookNotifier {
	return newWebhookNotifier(url, timeout, defaultWebhookWorkers, defaultWebhookQueue, log)
}

func newWebhookNotifier(url string, timeout time.Duration, workers, queueSize int, log *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		log:     log,
		queue:   make(chan []byte, queueSize),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

func (*WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(_ context.Context, a models.Anomaly) error {
	body, err := json.Marshal(alertMessage{Type: "alert", Payload: a})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errWebhookClosed
	}

	select {
	case w.queue <- body:
		return nil
	default:
		return errWebhookQueueFull
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (w *WebhookNotifier) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *WebhookNotifier) worker() {
	defer w.wg.Done()
	for body := range w.queue {
		if err := w.deliver(context.Background(), body); err != nil {
			metrics.DispatchFailures.WithLabelValues(w.Name()).Inc()
			w.log.Warn("webhook delivery failed", zap.String("url", w.url), zap.Error(err))
		}
	}
}

func (w *WebhookNotifier) deliver(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var errHubUnavailable = errors.New("websocket hub queue full or stopped")

// WebSocketNotifier broadcasts alerts to live dashboard clients.
type WebSocketNotifier struct {
	hub *Hub
}

func NewWebSocketNotifier(hub *Hub) *WebSocketNotifier {
	return &WebSocketNotifier{hub: hub}
}

func (*WebSocketNotifier) Name() string { return "websocket" }

func (n *WebSocketNotifier) Notify(_ context.Context, a models.Anomaly) error {
	message, err := json.Marshal(alertMessage{Type: "alert", Payload: a})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if !n.hub.Broadcast(message) {
		return errHubUnavailable
	}
	return nil
}

type alertMessage struct {
	Type    string         `json:"type"`
	Payload models.Anomaly `json:"payload"`
}
