package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"holdline/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultQueueSize      = 256
)

type webhookTarget struct {
	url     string
	secret  string
	timeout time.Duration
	filter  eventFilter
}

// Webhook posts events as JSON to every configured URL from a single background worker.
// Events beyond the queue capacity are dropped and counted.
type Webhook struct {
	targets []webhookTarget
	client  *http.Client
	logger  *slog.Logger
	queue   chan Event

	deliveries *prometheus.CounterVec

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type WebhookOptions struct {
	Logger    *slog.Logger
	Client    *http.Client
	QueueSize int
	// Registerer receives holdline_notify_deliveries_total. Nil skips registration.
	Registerer prometheus.Registerer
}

// NewWebhook starts the delivery worker. Disabled hooks and hooks without a URL are skipped;
// Close must be called to stop the worker.
func NewWebhook(hooks []config.WebhookConfig, opts WebhookOptions) *Webhook {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	w := &Webhook{
		client: client,
		logger: logger,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		deliveries: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "holdline_notify_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		w.targets = append(w.targets, webhookTarget{
			url:     hook.URL,
			secret:  strings.TrimSpace(hook.Secret),
			timeout: timeout,
			filter:  newEventFilter(hook.Events),
		})
	}
	go w.run()
	return w
}

// Deliveries exposes the delivery counter.
func (w *Webhook) Deliveries() *prometheus.CounterVec {
	return w.deliveries
}

// Notify enqueues evt without blocking.
func (w *Webhook) Notify(ctx context.Context, evt Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- evt:
	default:
		w.deliveries.WithLabelValues("dropped").Inc()
		w.logger.WarnContext(ctx, "webhook queue full, dropping event", slog.String("event", evt.Type), slog.String("resource_id", evt.ResourceID))
	}
}

// Close stops accepting events, delivers what is already queued and waits for the worker.
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Webhook) run() {
	defer close(w.done)
	for evt := range w.queue {
		for _, target := range w.targets {
			if !target.filter.match(evt.Type) {
				continue
			}
			if err := w.post(target, evt); err != nil {
				w.deliveries.WithLabelValues("failed").Inc()
				w.logger.Warn("webhook delivery failed", slog.String("url", target.url), slog.String("event", evt.Type), slog.Any("err", err))
				continue
			}
			w.deliveries.WithLabelValues("delivered").Inc()
		}
	}
}

func (w *Webhook) post(target webhookTarget, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), target.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Holdline-Event", evt.Type)
	req.Header.Set("X-Holdline-Delivery", evt.ID)
	if target.secret != "" {
		req.Header.Set("X-Holdline-Secret", target.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
