// Package pipeline wires the alert pipeline together: health monitoring,
// threshold evaluation, deduplication, session tracking, dispatch and
// scheduled reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zimads/adsentinel/pkg/alerts"
	"github.com/zimads/adsentinel/pkg/dispatch"
	"github.com/zimads/adsentinel/pkg/health"
	"github.com/zimads/adsentinel/pkg/messaging"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/operator"
	"github.com/zimads/adsentinel/pkg/report"
	"github.com/zimads/adsentinel/pkg/session"
	"github.com/zimads/adsentinel/pkg/storage"
	"github.com/zimads/adsentinel/pkg/thresholds"
)

// ErrAccountRevoked is returned when evaluating a campaign whose account has
// been retired.
var ErrAccountRevoked = errors.New("account revoked")

// ErrInvalid marks sync input that fails validation.
var ErrInvalid = errors.New("invalid input")

// Deps are the external collaborators of the pipeline.
type Deps struct {
	Store      *storage.Store
	Sessions   session.Store     // defaults to Store
	Channel    messaging.Channel // required for dispatch
	Prober     health.Prober
	Operator   operator.Notifier // optional
	Generator  report.Generator  // optional; reports are disabled without it
	Thresholds thresholds.Set
}

// Options tunes each component.
type Options struct {
	Health         health.Config
	HealthInterval time.Duration
	Dispatch       dispatch.Config
	Session        session.Options
	Reports        report.Config
	EvalInterval   time.Duration
	Staleness      time.Duration
	Now            func() time.Time
}

// Pipeline is the core facade.
type Pipeline struct {
	store      *storage.Store
	alerts     *alerts.Service
	tracker    *session.Tracker
	evaluator  *thresholds.Evaluator
	defaults   thresholds.Set
	monitor    *health.Monitor
	dispatcher *dispatch.Dispatcher
	scheduler  *report.Scheduler
	opts       Options
	logger     *slog.Logger
}

// New builds a pipeline. The dispatcher starts draining immediately and
// stops when ctx is done or Shutdown is called.
func New(ctx context.Context, deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline needs a store")
	}
	if deps.Channel == nil {
		return nil, fmt.Errorf("pipeline needs a messaging channel")
	}
	if deps.Sessions == nil {
		deps.Sessions = deps.Store
	}
	if deps.Thresholds == nil {
		set, err := thresholds.LoadDefaults("")
		if err != nil {
			return nil, err
		}
		deps.Thresholds = set
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Session.Now == nil {
		opts.Session.Now = opts.Now
	}
	if opts.Dispatch.Now == nil {
		opts.Dispatch.Now = opts.Now
	}
	if opts.Health.Now == nil {
		opts.Health.Now = opts.Now
	}
	if opts.Reports.Now == nil {
		opts.Reports.Now = opts.Now
	}

	p := &Pipeline{
		store:     deps.Store,
		alerts:    alerts.NewService(deps.Store, logger),
		tracker:   session.NewTracker(deps.Sessions, opts.Session, logger),
		evaluator: thresholds.NewEvaluator(opts.Staleness, opts.Now),
		defaults:  deps.Thresholds,
		opts:      opts,
		logger:    logger,
	}

	if deps.Prober != nil {
		p.monitor = health.NewMonitor(deps.Store, deps.Prober, deps.Operator, opts.Health, logger)
	}

	p.dispatcher = dispatch.New(ctx, dispatch.Deps{
		Channel:    deps.Channel,
		Sessions:   p.tracker,
		Recipients: &recipients{store: deps.Store, tracker: p.tracker, logger: logger},
		Attempts:   deps.Store,
		Operator:   deps.Operator,
	}, opts.Dispatch, logger)

	if deps.Generator != nil {
		p.scheduler = report.NewScheduler(deps.Store, deps.Generator, p.dispatcher, opts.Reports, logger)
	}
	return p, nil
}

// RunHealthCheck probes every active and degraded account once.
func (p *Pipeline) RunHealthCheck(ctx context.Context, dryRun bool) (*health.RunResult, error) {
	if p.monitor == nil {
		return nil, fmt.Errorf("health monitor is not configured")
	}
	return p.monitor.Run(ctx, dryRun)
}

// Evaluation is the outcome of evaluating one campaign.
type Evaluation struct {
	CampaignID string        `json:"campaign_id"`
	Created    []model.Alert `json:"created"`
	Deduped    []model.Alert `json:"deduped"`
}

// EvaluateCampaign compares a campaign's latest snapshot with its owner's
// thresholds. New alerts are stored and queued for delivery; candidates that
// match an open alert are reported as deduped.
func (p *Pipeline) EvaluateCampaign(ctx context.Context, campaignID string) (*Evaluation, error) {
	campaign, err := p.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	account, err := p.store.GetAccount(ctx, campaign.AccountID)
	if err != nil {
		return nil, err
	}
	if account.State == model.AccountRevoked {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrAccountRevoked)
	}

	snap, err := p.store.LatestSnapshot(ctx, campaignID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	overrides, err := p.store.ThresholdOverrides(ctx, campaign.UserID)
	if err != nil {
		return nil, err
	}

	cfg := thresholds.Merge(campaign.UserID, p.defaults, overrides)
	eval := &Evaluation{CampaignID: campaignID}

	var errs []error
	for _, candidate := range p.evaluator.Evaluate(*campaign, snap, cfg) {
		res, err := p.alerts.Submit(ctx, candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Outcome == alerts.Deduped {
			eval.Deduped = append(eval.Deduped, *res.Alert)
			continue
		}
		eval.Created = append(eval.Created, *res.Alert)

		err = p.dispatcher.Enqueue(ctx, dispatch.Item{
			Kind:      model.SubjectAlert,
			SubjectID: res.Alert.ID,
			UserID:    res.Alert.UserID,
			Body:      AlertBody(res.Alert),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue alert %s: %w", res.Alert.ID, err))
		}
	}
	return eval, errors.Join(errs...)
}

// BatchResult summarizes EvaluateAll.
type BatchResult struct {
	Campaigns int      `json:"campaigns"`
	Created   int      `json:"created"`
	Deduped   int      `json:"deduped"`
	Failures  []string `json:"failures,omitempty"`
}

// EvaluateAll evaluates every campaign of a non-revoked account. One
// campaign's failure does not stop the rest.
func (p *Pipeline) EvaluateAll(ctx context.Context) (*BatchResult, error) {
	campaigns, err := p.store.ListCampaigns(ctx, storage.CampaignFilter{ExcludeRevoked: true})
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	res := &BatchResult{Campaigns: len(campaigns)}
	for _, c := range campaigns {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", c.ID, ctx.Err()))
			continue
		}
		eval, err := p.EvaluateCampaign(ctx, c.ID)
		if eval != nil {
			res.Created += len(eval.Created)
			res.Deduped += len(eval.Deduped)
		}
		if err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", c.ID, err))
		}
	}
	p.logger.Info("evaluation complete",
		"campaigns", res.Campaigns,
		"created", res.Created,
		"deduped", res.Deduped,
		"failed", len(res.Failures),
	)
	return res, nil
}

// RecordSnapshot stores a metric snapshot and evaluates its campaign.
func (p *Pipeline) RecordSnapshot(ctx context.Context, snap *model.MetricSnapshot) (*Evaluation, error) {
	if _, err := p.store.GetCampaign(ctx, snap.CampaignID); err != nil {
		return nil, err
	}
	if err := p.store.RecordSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return p.EvaluateCampaign(ctx, snap.CampaignID)
}

// SyncAccount stores an account credential pushed by the external sync.
// Health fields of an existing account are kept, so a revoked account stays
// revoked.
func (p *Pipeline) SyncAccount(ctx context.Context, acc *model.Account) error {
	if acc.ID == "" || acc.UserID == "" {
		return fmt.Errorf("%w: account needs id and user_id", ErrInvalid)
	}
	existing, err := p.store.GetAccount(ctx, acc.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		acc.State = model.AccountActive
	case err != nil:
		return err
	default:
		acc.State = existing.State
		acc.LastProbedAt = existing.LastProbedAt
		acc.ConsecutiveFailures = existing.ConsecutiveFailures
		acc.FailureScore = existing.FailureScore
		acc.LastError = existing.LastError
		acc.CreatedAt = existing.CreatedAt
	}
	return p.store.UpsertAccount(ctx, acc)
}

// SyncCampaign stores a campaign pushed by the external sync. Its account
// must already exist.
func (p *Pipeline) SyncCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if c.ID == "" || c.AccountID == "" {
		return nil, fmt.Errorf("%w: campaign needs id and account_id", ErrInvalid)
	}
	if _, err := p.store.GetAccount(ctx, c.AccountID); err != nil {
		return nil, fmt.Errorf("account %s: %w", c.AccountID, err)
	}
	if err := p.store.UpsertCampaign(ctx, c); err != nil {
		return nil, err
	}
	return p.store.GetCampaign(ctx, c.ID)
}

// SetPreferences stores a user's report windows and phone. The phone is
// stored in E.164.
func (p *Pipeline) SetPreferences(ctx context.Context, prefs *model.UserPreferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("%w: preferences need user_id", ErrInvalid)
	}
	if prefs.Phone != "" {
		phone, err := p.tracker.Normalize(prefs.Phone)
		if err != nil {
			return err
		}
		prefs.Phone = phone
	}
	return p.store.SetPreferences(ctx, prefs)
}

// SetThreshold stores a per-user threshold override.
func (p *Pipeline) SetThreshold(ctx context.Context, userID string, th model.Threshold) error {
	if userID == "" {
		return fmt.Errorf("%w: threshold needs user_id", ErrInvalid)
	}
	if err := thresholds.Validate(th); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p.store.SetThresholdOverride(ctx, userID, th)
}

// Enqueue hands an alert or report to the dispatcher.
func (p *Pipeline) Enqueue(ctx context.Context, item dispatch.Item) error {
	return p.dispatcher.Enqueue(ctx, item)
}

// Resolve marks an alert resolved by userID. Resolving twice is a no-op.
func (p *Pipeline) Resolve(ctx context.Context, alertID, userID string) (*model.Alert, error) {
	return p.alerts.Resolve(ctx, alertID, userID)
}

// Alerts lists alerts.
func (p *Pipeline) Alerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	return p.alerts.List(ctx, filter)
}

// Alert returns one alert.
func (p *Pipeline) Alert(ctx context.Context, id string) (*model.Alert, error) {
	return p.alerts.Get(ctx, id)
}

// Attempts returns the delivery log of an alert.
func (p *Pipeline) Attempts(ctx context.Context, alertID string) ([]model.DispatchAttempt, error) {
	if _, err := p.alerts.Get(ctx, alertID); err != nil {
		return nil, err
	}
	return p.store.ListAttempts(ctx, model.SubjectAlert, alertID)
}

// RecordInbound opens or refreshes the sender's messaging session.
func (p *Pipeline) RecordInbound(ctx context.Context, phone, message string) (*model.NotificationSession, error) {
	return p.tracker.RecordInbound(ctx, phone, message)
}

// SessionState reports whether phone can currently receive free-form messages.
func (p *Pipeline) SessionState(ctx context.Context, phone string) (session.State, *model.NotificationSession, error) {
	return p.tracker.State(ctx, phone)
}

// RunReports generates reports for one window immediately.
func (p *Pipeline) RunReports(ctx context.Context, w model.ReportWindow) (*report.WindowResult, error) {
	if p.scheduler == nil {
		return nil, fmt.Errorf("report generator is not configured")
	}
	return p.scheduler.RunWindow(ctx, w)
}

// Wait blocks until every queued message has been processed.
func (p *Pipeline) Wait() {
	p.dispatcher.Wait()
}

// Run starts the scheduled workers and blocks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if p.monitor != nil && p.opts.HealthInterval > 0 {
		g.Go(func() error {
			p.every(ctx, "health", p.opts.HealthInterval, func(ctx context.Context) error {
				_, err := p.monitor.Run(ctx, false)
				return err
			})
			return nil
		})
	}
	if p.opts.EvalInterval > 0 {
		g.Go(func() error {
			p.every(ctx, "evaluate", p.opts.EvalInterval, func(ctx context.Context) error {
				_, err := p.EvaluateAll(ctx)
				return err
			})
			return nil
		})
	}
	if p.scheduler != nil {
		g.Go(func() error {
			if err := p.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops accepting messages and drains the dispatcher.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.dispatcher.Shutdown(ctx)
}

func (p *Pipeline) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			p.logger.Error("scheduled run failed", "worker", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AlertBody renders an alert as a chat message.
func AlertBody(a *model.Alert) string {
	icon := "ℹ️"
	switch a.Severity {
	case model.SeverityHigh:
		icon = "🚨"
	case model.SeverityMedium:
		icon = "⚠️"
	}
	return fmt.Sprintf("%s %s alert: %s", icon, a.Severity, a.Message)
}

// recipients resolves a user's phone from their delivery preferences.
type recipients struct {
	store   *storage.Store
	tracker *session.Tracker
	logger  *slog.Logger
}

func (r *recipients) Recipient(ctx context.Context, userID string) (string, error) {
	prefs, err := r.store.GetPreferences(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if prefs.Phone == "" {
		return "", nil
	}

	phone, err := r.tracker.Normalize(prefs.Phone)
	if err != nil {
		r.logger.Warn("invalid recipient phone", "user", userID, "error", err)
		return "", nil
	}
	return phone, nil
}
