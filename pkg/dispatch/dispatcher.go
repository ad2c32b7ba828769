// Package dispatch delivers alerts and reports to recipients through a
// messaging channel. Sends to one recipient happen in submission order;
// different recipients proceed independently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/zimads/adsentinel/pkg/classify"
	"github.com/zimads/adsentinel/pkg/messaging"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/operator"
	"github.com/zimads/adsentinel/pkg/tracing"
)

// Reasons recorded on non-sent attempts.
const (
	ReasonNoRecipient      = "no-recipient"
	ReasonSessionExpired   = "session-expired"
	ReasonSessionError     = "session-check-failed"
	ReasonRetrying         = "retryable"
	ReasonRetriesExhausted = "retries-exhausted"
	ReasonNeedsReauth      = "needs-reauth"
	ReasonPermission       = "permission-denied"
	ReasonUnclassified     = "unclassified"
	ReasonShutdown         = "shutdown"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("dispatcher closed")

// Item is one alert or report waiting to be sent.
type Item struct {
	Kind      model.SubjectKind
	SubjectID string
	UserID    string
	Body      string
	Phone     string // resolved at enqueue when empty
}

// RecipientResolver finds the phone number configured for a user. It returns
// an empty string when the user has none.
type RecipientResolver interface {
	Recipient(ctx context.Context, userID string) (string, error)
}

// SessionChecker reports whether a free-form send is currently allowed.
type SessionChecker interface {
	CanSendFreeform(ctx context.Context, phone string) (bool, error)
}

// AttemptLog records every dispatch attempt.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, attempt *model.DispatchAttempt) error
}

// Config tunes retry and throughput.
type Config struct {
	PerMinute      int
	PerHour        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RateLimitDelay time.Duration
	Concurrency    int
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PerMinute:      20,
		PerHour:        250,
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		RateLimitDelay: 5 * time.Second,
		Concurrency:    4,
	}
}

// Deps are the collaborators a Dispatcher sends through.
type Deps struct {
	Channel    messaging.Channel
	Sessions   SessionChecker
	Recipients RecipientResolver
	Attempts   AttemptLog
	Operator   operator.Notifier // optional
}

type lane struct {
	queue []Item
}

// Dispatcher drains per-recipient FIFO lanes.
type Dispatcher struct {
	deps    Deps
	cfg     Config
	limiter *Limiter
	sem     *semaphore.Weighted
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond
	lanes   map[string]*lane
	pending int
	closed  bool
}

// New creates a dispatcher whose lanes run until ctx is done or Shutdown.
func New(ctx context.Context, deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = def.RateLimitDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		limiter: NewLimiter(cfg.PerMinute, cfg.PerHour),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Enqueue schedules item for delivery. The recipient is resolved now so the
// item joins the right lane; a missing recipient is recorded when the item
// is processed.
func (d *Dispatcher) Enqueue(ctx context.Context, item Item) error {
	if item.SubjectID == "" || item.UserID == "" {
		return fmt.Errorf("dispatch item needs subject and user")
	}
	if item.Phone == "" && d.deps.Recipients != nil {
		phone, err := d.deps.Recipients.Recipient(ctx, item.UserID)
		if err != nil {
			return fmt.Errorf("resolve recipient for user %s: %w", item.UserID, err)
		}
		item.Phone = phone
	}

	key := item.Phone
	if key == "" {
		key = "user:" + item.UserID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	l, running := d.lanes[key]
	if !running {
		l = &lane{}
		d.lanes[key] = l
	}
	l.queue = append(l.queue, item)
	d.pending++
	metrics.DispatchQueueDepth.Inc()

	if !running {
		go d.runLane(key, l)
	}
	return nil
}

// Wait blocks until every enqueued item has been processed.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
}

// Shutdown stops accepting items and waits for queued ones to finish. If ctx
// ends first, remaining items are abandoned and recorded as deferred.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.Wait()
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

func (d *Dispatcher) runLane(key string, l *lane) {
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		item := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		metrics.DispatchQueueDepth.Dec()
		d.process(item)

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(item Item) {
	ctx := d.ctx
	channel := d.deps.Channel.Name()

	if item.Phone == "" {
		d.record(item, 1, model.OutcomeDeferred, ReasonNoRecipient, 0, "")
		d.logger.Warn("no recipient configured", "user", item.UserID, "subject", item.SubjectID)
		return
	}

	if ctx.Err() != nil {
		d.record(item, 1, model.OutcomeDeferred, ReasonShutdown, 0, "")
		return
	}

	ok, err := d.deps.Sessions.CanSendFreeform(ctx, item.Phone)
	if err != nil {
		d.record(item, 1, model.OutcomeDeferred, ReasonSessionError, 0, "")
		d.logger.Error("session check failed", "phone", item.Phone, "error", err)
		return
	}
	if !ok {
		d.record(item, 1, model.OutcomeDeferred, ReasonSessionExpired, 0, "")
		d.logger.Info("session expired, not sending", "phone", item.Phone, "subject", item.SubjectID)
		return
	}

	for attempt := 1; ; attempt++ {
		if err := d.waitForSlot(ctx); err != nil {
			d.record(item, attempt, model.OutcomeDeferred, ReasonShutdown, 0, "")
			return
		}

		res, err := d.send(ctx, item)
		if err == nil {
			d.record(item, attempt, model.OutcomeSent, "", 0, res.MessageID)
			d.logger.Info("message sent",
				"subject", item.SubjectID,
				"kind", item.Kind,
				"channel", channel,
				"attempt", attempt,
				"message_id", res.MessageID,
			)
			return
		}
		if ctx.Err() != nil {
			d.record(item, attempt, model.OutcomeDeferred, ReasonShutdown, 0, "")
			return
		}

		var code, subcode int
		var pe *classify.ProviderError
		if errors.As(err, &pe) {
			code, subcode = pe.Code, pe.Subcode
		}

		switch action := classify.ActionOf(err); action {
		case classify.Retryable:
			if attempt >= d.cfg.MaxAttempts {
				d.record(item, attempt, model.OutcomeFailed, ReasonRetriesExhausted, code, "")
				d.logger.Error("giving up after retries", "subject", item.SubjectID, "attempts", attempt, "error", err)
				return
			}
			d.record(item, attempt, model.OutcomeFailed, ReasonRetrying, code, "")
			delay := d.backoff(attempt)
			d.logger.Warn("send failed, retrying",
				"subject", item.SubjectID,
				"attempt", attempt,
				"retry_in", delay,
				"error", err,
			)
			if err := d.cfg.Sleep(ctx, delay); err != nil {
				d.record(item, attempt+1, model.OutcomeDeferred, ReasonShutdown, 0, "")
				return
			}

		case classify.NeedsReauth, classify.PermissionDenied:
			reason := ReasonNeedsReauth
			if action == classify.PermissionDenied {
				reason = ReasonPermission
			}
			d.record(item, attempt, model.OutcomeFailed, reason, code, "")
			d.logger.Error("send blocked by account problem", "subject", item.SubjectID, "action", action, "error", err)
			d.notifyOperator(item, action, code, subcode, err)
			return

		default:
			d.record(item, attempt, model.OutcomeFailed, ReasonUnclassified, code, "")
			d.logger.Error("send failed with unclassified error", "subject", item.SubjectID, "error", err)
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, item Item) (messaging.SendResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("subject.kind", string(item.Kind)),
		attribute.String("subject.id", item.SubjectID),
		attribute.String("channel", d.deps.Channel.Name()),
	)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return messaging.SendResult{}, err
	}
	defer d.sem.Release(1)

	start := time.Now()
	res, err := d.deps.Channel.SendText(ctx, item.Phone, item.Body)
	metrics.DispatchSendDuration.WithLabelValues(d.deps.Channel.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// waitForSlot blocks until the process-wide limiter admits one message.
// Denials hold the item at the head of its lane.
func (d *Dispatcher) waitForSlot(ctx context.Context) error {
	for {
		ok, retryAfter := d.limiter.Allow(d.cfg.Now())
		if ok {
			return nil
		}
		metrics.RateLimitDeferralsTotal.Inc()
		delay := max(d.cfg.RateLimitDelay, retryAfter)
		d.logger.Debug("rate limited", "retry_in", delay)
		if err := d.cfg.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// backoff returns base*2^(attempt-1), capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	return min(delay, d.cfg.BackoffMax)
}

func (d *Dispatcher) record(item Item, attempt int, outcome model.Outcome, reason string, code int, messageID string) {
	channel := d.deps.Channel.Name()
	metrics.DispatchAttemptsTotal.WithLabelValues(channel, string(outcome)).Inc()

	// Recording must survive shutdown of the lane context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), 5*time.Second)
	defer cancel()

	err := d.deps.Attempts.RecordAttempt(ctx, &model.DispatchAttempt{
		SubjectKind:  item.Kind,
		SubjectID:    item.SubjectID,
		UserID:       item.UserID,
		Channel:      channel,
		Recipient:    item.Phone,
		Attempt:      attempt,
		Outcome:      outcome,
		Reason:       reason,
		ProviderCode: code,
		MessageID:    messageID,
		CreatedAt:    d.cfg.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("record dispatch attempt", "subject", item.SubjectID, "error", err)
	}
}

func (d *Dispatcher) notifyOperator(item Item, action classify.Action, code, subcode int, cause error) {
	if d.deps.Operator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), 15*time.Second)
	defer cancel()

	err := d.deps.Operator.Send(ctx, operator.Notice{
		Kind:       operator.NoticeDispatchFailed,
		UserID:     item.UserID,
		SubjectID:  item.SubjectID,
		Action:     action.String(),
		Code:       code,
		Subcode:    subcode,
		Message:    fmt.Sprintf("%s %s could not be delivered: %v", item.Kind, item.SubjectID, cause),
		OccurredAt: d.cfg.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("operator notice failed", "subject", item.SubjectID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
