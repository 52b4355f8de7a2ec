// Package webhook delivers best-effort settlement notifications. Delivery is
// fully decoupled from the request path: events are enqueued after commit
// and dropped when the queue is full, never awaited and never allowed to
// gate a payment response.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
)

var (
	webhookEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payos_webhook_events_total",
		Help: "Webhook events by outcome",
	}, []string{"outcome"})
)

// Event is the payload posted after a completed settlement.
type Event struct {
	Event      string          `json:"event"`
	Protocol   domain.Protocol `json:"protocol"`
	TransferID string          `json:"transfer_id"`
	Gross      decimal.Decimal `json:"gross_amount"`
	Fee        decimal.Decimal `json:"fee_amount"`
	Net        decimal.Decimal `json:"net_amount"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// SettlementEvent builds the standard event for a committed transfer.
func SettlementEvent(t *domain.Transfer) Event {
	meta, _ := domain.MarshalMetadata(t.Metadata)
	occurred := t.CreatedAt
	if t.SettledAt != nil {
		occurred = *t.SettledAt
	}
	return Event{
		Event:      "settlement.completed",
		Protocol:   t.Protocol,
		TransferID: t.ID,
		Gross:      t.GrossAmount,
		Fee:        t.FeeAmount,
		Net:        t.NetAmount,
		Metadata:   meta,
		OccurredAt: occurred,
	}
}

// Notifier is what the settlement engine holds. Enqueue must never block.
type Notifier interface {
	Enqueue(ev Event) bool
}

// Discard is a Notifier that drops everything. Used when no webhook URL is
// configured.
type Discard struct{}

func (Discard) Enqueue(Event) bool { return false }

// Dispatcher posts events to a single configured URL from a worker pool fed
// by a bounded queue.
type Dispatcher struct {
	url    string
	queue  chan Event
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher and starts its workers.
func NewDispatcher(url string, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		url:    url,
		queue:  make(chan Event, queueSize),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue offers an event to the queue without blocking. A full queue drops
// the event; the settlement has already committed and delivery carries no
// guarantee.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case d.queue <- ev:
		webhookEnqueued.WithLabelValues("enqueued").Inc()
		return true
	default:
		webhookEnqueued.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, event dropped",
			"transfer_id", ev.TransferID, "protocol", ev.Protocol)
		return false
	}
}

// Close stops accepting events and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		webhookEnqueued.WithLabelValues("failed").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		webhookEnqueued.WithLabelValues("failed").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		webhookEnqueued.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed", "transfer_id", ev.TransferID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		webhookEnqueued.WithLabelValues("rejected").Inc()
		d.logger.Warn("webhook rejected", "transfer_id", ev.TransferID, "status", resp.StatusCode)
		return
	}
	webhookEnqueued.WithLabelValues("delivered").Inc()
}
