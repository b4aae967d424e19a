package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"casehooks/internal/platform/models"
	"casehooks/internal/platform/repositories"
)

const DefaultConcurrency = 8

var ErrDispatcherClosed = errors.New("webhook dispatcher closed")

// Registry is the subscription store seen by the dispatcher.
type Registry interface {
	ListActiveByEvent(ctx context.Context, event string) ([]*models.Webhook, error)
	IsActive(ctx context.Context, id string) (bool, error)
	// RecordDelivery sets last_triggered and, when failed, increments the
	// failure counter in one atomic statement.
	RecordDelivery(ctx context.Context, id string, failed bool, at time.Time) error
}

type DeliveryLog interface {
	Append(ctx context.Context, attempt *models.DeliveryAttempt) error
}

// MetricsSink must be non-blocking.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// StatsRecorder keeps per-subscription counters. Errors are handled by the recorder.
type StatsRecorder interface {
	Record(ctx context.Context, webhookID string, success bool, at time.Time)
}

// RetryPolicy controls redelivery of a failed attempt. MaxAttempts of 1
// sends each event exactly once.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt < 2 {
		return 0
	}
	return p.Backoff << (attempt - 2)
}

type Dispatcher struct {
	registry    Registry
	deliveries  DeliveryLog
	sender      Sender
	metrics     MetricsSink   // optional
	stats       StatsRecorder // optional
	retry       RetryPolicy
	concurrency int
	now         func() time.Time

	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	closeMu  sync.RWMutex
	isClosed bool
}

func NewDispatcher(registry Registry, deliveries DeliveryLog, sender Sender) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:    registry,
		deliveries:  deliveries,
		sender:      sender,
		retry:       RetryPolicy{MaxAttempts: 1},
		concurrency: DefaultConcurrency,
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithStats(stats StatsRecorder) *Dispatcher {
	d.stats = stats
	return d
}

func (d *Dispatcher) WithRetry(p RetryPolicy) *Dispatcher {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	d.retry = p
	return d
}

func (d *Dispatcher) WithConcurrency(n int) *Dispatcher {
	if n > 0 {
		d.concurrency = n
	}
	return d
}

// Deliver sends event to every active subscription that lists it and
// returns the attempts made. Delivery failures are logged and recorded,
// never returned.
func (d *Dispatcher) Deliver(ctx context.Context, event string, data interface{}) []*models.DeliveryAttempt {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}
	logger := log.Ctx(ctx).With().Str("event", event).Logger()

	candidates, err := d.registry.ListActiveByEvent(ctx, event)
	if err != nil {
		logger.Error().Err(err).Msg("webhook dispatch: list subscriptions")
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	body, err := json.Marshal(models.WebhookEvent{
		Event:     event,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		logger.Error().Err(err).Msg("webhook dispatch: encode payload")
		return nil
	}

	results := make([][]*models.DeliveryAttempt, len(candidates))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, w := range candidates {
		i, w := i, w
		g.Go(func() error {
			results[i] = d.deliverOne(ctx, w, event, body)
			return nil
		})
	}
	g.Wait()

	var attempts []*models.DeliveryAttempt
	for _, r := range results {
		attempts = append(attempts, r...)
	}
	return attempts
}

// DeliverAsync runs Deliver in the background. Close waits for it.
// After Close it returns ErrDispatcherClosed and sends nothing.
func (d *Dispatcher) DeliverAsync(event string, data interface{}) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.isClosed {
		log.Warn().Str("event", event).Msg("webhook dispatch after close dropped")
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(d.baseCtx, event, data)
	}()
	return nil
}

// Close stops accepting async work and waits for in-flight deliveries.
// If ctx expires first, outstanding requests are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	d.isClosed = true
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, w *models.Webhook, event string, body []byte) []*models.DeliveryAttempt {
	logger := log.Ctx(ctx).With().Str("webhook_id", w.ID).Str("event", event).Logger()

	// The subscription may have been deleted or paused since candidates were listed.
	active, err := d.registry.IsActive(ctx, w.ID)
	if err != nil {
		logger.Error().Err(err).Msg("webhook dispatch: check subscription")
		return nil
	}
	if !active {
		logger.Debug().Msg("webhook dispatch: subscription no longer active")
		return nil
	}

	req := newRequest(w, event, body)

	// Bookkeeping must outlive a cancelled caller.
	bookCtx := context.WithoutCancel(ctx)

	var attempts []*models.DeliveryAttempt
	var last Result
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt(last.IsRetryable())
			}
			if !sleepCtx(ctx, d.retry.delay(attempt)) {
				break
			}
		}

		last = d.sender.Send(ctx, req)
		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, classifyStatus(last), last.Duration)
		}

		a := newAttempt(w.ID, req, attempt, last, d.now())
		d.recordAttempt(bookCtx, logger, a)
		attempts = append(attempts, a)

		if last.IsSuccess() || !last.IsRetryable() {
			break
		}
	}

	success := last.IsSuccess()
	if err := d.registry.RecordDelivery(bookCtx, w.ID, !success, d.now()); err != nil {
		logger.Error().Err(err).Msg("webhook dispatch: update counters")
	}
	if d.stats != nil {
		d.stats.Record(bookCtx, w.ID, success, d.now())
	}

	if success {
		if d.metrics != nil {
			d.metrics.DeliveryOutcome("success")
		}
		logger.Info().Int("status", last.StatusCode).Dur("duration", last.Duration).Msg("webhook delivered")
	} else {
		if d.metrics != nil {
			d.metrics.DeliveryOutcome("failed")
		}
		logger.Warn().Err(last.Err).Int("status", last.StatusCode).Int("attempts", len(attempts)).Msg("webhook delivery failed")
	}
	return attempts
}

// DeliverTest sends a single test event to w regardless of its active flag
// or subscriptions. Only last_triggered is updated.
func (d *Dispatcher) DeliverTest(ctx context.Context, w *models.Webhook, event string) (Result, *models.DeliveryAttempt) {
	body, err := json.Marshal(models.WebhookEvent{
		Event:     event,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data: map[string]string{
			"subscription_id": w.ID,
			"message":         "This is a test webhook delivery",
		},
	})
	if err != nil {
		return Result{Err: err}, nil
	}

	req := newRequest(w, event, body)
	res := d.sender.Send(ctx, req)

	bookCtx := context.WithoutCancel(ctx)
	a := newAttempt(w.ID, req, 1, res, d.now())
	a.Test = true
	d.recordAttempt(bookCtx, log.Ctx(ctx).With().Str("webhook_id", w.ID).Logger(), a)
	if err := d.registry.RecordDelivery(bookCtx, w.ID, false, d.now()); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("webhook_id", w.ID).Msg("webhook test: update last triggered")
	}
	return res, a
}

// newRequest builds one delivery to w. Unsigned subscriptions get no secret,
// so the sender omits the signature header.
func newRequest(w *models.Webhook, event string, body []byte) Request {
	req := Request{
		URL:        w.URL,
		Body:       body,
		Event:      event,
		DeliveryID: "dlv_" + uuid.NewString(),
	}
	if w.Signed() {
		req.Secret = w.Secret
	}
	return req
}

func (d *Dispatcher) recordAttempt(ctx context.Context, logger zerolog.Logger, a *models.DeliveryAttempt) {
	err := d.deliveries.Append(ctx, a)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrNotFound):
		logger.Debug().Str("delivery_id", a.DeliveryID).Msg("webhook dispatch: subscription deleted during delivery")
	default:
		logger.Error().Err(err).Msg("webhook dispatch: record attempt")
	}
}

func newAttempt(webhookID string, req Request, attempt int, res Result, at time.Time) *models.DeliveryAttempt {
	a := &models.DeliveryAttempt{
		WebhookID:      webhookID,
		DeliveryID:     req.DeliveryID,
		Event:          req.Event,
		Status:         models.DeliveryFailed,
		ResponseCode:   res.StatusCode,
		Attempt:        attempt,
		ResponseTimeMs: res.Duration.Milliseconds(),
		Timestamp:      at.UTC(),
	}
	if res.IsSuccess() {
		a.Status = models.DeliverySuccess
	}
	if res.Err != nil {
		a.ResponseCode = models.NetworkFailureCode
		a.Error = res.Err.Error()
	} else if !res.IsSuccess() {
		a.Error = fmt.Sprintf("HTTP %d", res.StatusCode)
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// classifyStatus keeps metric label cardinality bounded.
func classifyStatus(r Result) string {
	if r.Err != nil {
		var netErr net.Error
		switch {
		case errors.Is(r.Err, context.DeadlineExceeded):
			return "timeout"
		case errors.As(r.Err, &netErr) && netErr.Timeout():
			return "timeout"
		case errors.As(r.Err, new(*net.OpError)):
			return "connection_error"
		default:
			return "other_error"
		}
	}
	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return "2xx"
	case r.StatusCode >= 300 && r.StatusCode < 400:
		return "3xx"
	case r.StatusCode >= 400 && r.StatusCode < 500:
		return "4xx"
	case r.StatusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}
