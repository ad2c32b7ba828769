// Package health probes stored ad account credentials and moves accounts
// through active, degraded and revoked.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zimads/adsentinel/pkg/classify"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/operator"
	"github.com/zimads/adsentinel/pkg/tracing"
)

// AccountStore is the account persistence the monitor needs.
type AccountStore interface {
	ListAccountsByState(ctx context.Context, states ...model.AccountState) ([]model.Account, error)
	UpdateAccountHealth(ctx context.Context, account *model.Account) error
}

// Config tunes a health run.
type Config struct {
	Concurrency   int
	RevokeAfter   float64       // failure score at which an account is revoked
	UnknownWeight float64       // score added by an unclassified failure
	RunTimeout    time.Duration // zero means no deadline
	Now           func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		RevokeAfter:   3,
		UnknownWeight: 0.5,
		RunTimeout:    10 * time.Minute,
	}
}

// Change is one account whose state moved during a run.
type Change struct {
	AccountID           string             `json:"account_id"`
	UserID              string             `json:"user_id"`
	From                model.AccountState `json:"from"`
	To                  model.AccountState `json:"to"`
	Action              string             `json:"action,omitempty"`
	Code                int                `json:"code,omitempty"`
	Subcode             int                `json:"subcode,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	FailureScore        float64            `json:"failure_score"`
	LastError           string             `json:"last_error,omitempty"`
}

// RunResult summarizes one pass over all probe-eligible accounts.
type RunResult struct {
	DryRun  bool     `json:"dry_run"`
	Probed  int      `json:"probed"`
	Skipped int      `json:"skipped"`
	Changes []Change `json:"changes"`
	Errors  []string `json:"errors,omitempty"`
}

// SQL renders the state changes as UPDATE statements for manual review.
func (r RunResult) SQL() []string {
	out := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		stmt := sq.Update("accounts").
			Set("state", string(c.To)).
			Set("consecutive_failures", c.ConsecutiveFailures).
			Set("failure_score", c.FailureScore).
			Set("last_error", c.LastError).
			Where(sq.Eq{"id": c.AccountID})
		out = append(out, sq.DebugSqlizer(stmt)+";")
	}
	return out
}

// Monitor runs health probes.
type Monitor struct {
	store    AccountStore
	prober   Prober
	operator operator.Notifier
	cfg      Config
	logger   *slog.Logger
}

// NewMonitor creates a monitor. notifier may be nil.
func NewMonitor(store AccountStore, prober Prober, notifier operator.Notifier, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RevokeAfter <= 0 {
		cfg.RevokeAfter = def.RevokeAfter
	}
	if cfg.UnknownWeight <= 0 {
		cfg.UnknownWeight = def.UnknownWeight
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		store:    store,
		prober:   prober,
		operator: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run probes every active and degraded account once. In dry-run mode the
// new states are computed and reported but not stored. Accounts not reached
// before the run deadline are counted as skipped and left for the next run.
func (m *Monitor) Run(ctx context.Context, dryRun bool) (*RunResult, error) {
	start := time.Now()
	defer func() {
		metrics.HealthRunDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := tracing.Tracer().Start(ctx, "health.run")
	defer span.End()

	if m.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RunTimeout)
		defer cancel()
	}

	accounts, err := m.store.ListAccountsByState(ctx, model.AccountActive, model.AccountDegraded)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	span.SetAttributes(attribute.Int("accounts", len(accounts)), attribute.Bool("dry_run", dryRun))

	result := &RunResult{DryRun: dryRun}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}

			probeErr := m.prober.Probe(ctx, acc)
			if probeErr != nil && ctx.Err() != nil && errors.Is(probeErr, ctx.Err()) {
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}

			next, action := Apply(acc, probeErr, m.cfg.Now().UTC(), m.cfg.RevokeAfter, m.cfg.UnknownWeight)
			metrics.ProbesTotal.WithLabelValues(actionLabel(probeErr, action)).Inc()
			m.logProbe(acc, next, probeErr, action)

			var change *Change
			if next.State != acc.State {
				change = changeFor(acc, next, probeErr, action)
			}

			var storeErr error
			if !dryRun {
				storeErr = m.store.UpdateAccountHealth(ctx, &next)
			}

			mu.Lock()
			result.Probed++
			if change != nil {
				result.Changes = append(result.Changes, *change)
			}
			if storeErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("account %s: %v", acc.ID, storeErr))
			}
			mu.Unlock()

			if change != nil && !dryRun && storeErr == nil {
				metrics.AccountTransitionsTotal.WithLabelValues(string(change.From), string(change.To)).Inc()
				m.notify(ctx, next, *change)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Changes, func(i, j int) bool {
		return result.Changes[i].AccountID < result.Changes[j].AccountID
	})

	m.logger.Info("health run complete",
		"probed", result.Probed,
		"changes", len(result.Changes),
		"skipped", result.Skipped,
		"errors", len(result.Errors),
		"dry_run", dryRun,
	)
	return result, nil
}

// Apply computes an account's health after one probe. A retryable failure,
// which includes every network error, never counts toward revocation.
func Apply(acc model.Account, probeErr error, now time.Time, revokeAfter, unknownWeight float64) (model.Account, classify.Action) {
	next := acc
	next.LastProbedAt = &now

	if probeErr == nil {
		next.State = model.AccountActive
		next.ConsecutiveFailures = 0
		next.FailureScore = 0
		next.LastError = ""
		return next, classify.Unknown
	}

	next.LastError = probeErr.Error()
	action := classify.ActionOf(probeErr)

	switch action {
	case classify.Retryable:
		return next, action
	case classify.PermissionDenied:
		next.ConsecutiveFailures++
		next.FailureScore += 1
		next.State = model.AccountRevoked
		return next, action
	case classify.NeedsReauth:
		next.ConsecutiveFailures++
		next.FailureScore += 1
	default:
		next.ConsecutiveFailures++
		next.FailureScore += unknownWeight
	}

	if next.FailureScore >= revokeAfter {
		next.State = model.AccountRevoked
	} else {
		next.State = model.AccountDegraded
	}
	return next, action
}

func changeFor(prev, next model.Account, probeErr error, action classify.Action) *Change {
	c := &Change{
		AccountID:           prev.ID,
		UserID:              prev.UserID,
		From:                prev.State,
		To:                  next.State,
		ConsecutiveFailures: next.ConsecutiveFailures,
		FailureScore:        next.FailureScore,
		LastError:           next.LastError,
	}
	if probeErr != nil {
		c.Action = action.String()
		var pe *classify.ProviderError
		if errors.As(probeErr, &pe) {
			c.Code, c.Subcode = pe.Code, pe.Subcode
		}
	}
	return c
}

func (m *Monitor) notify(ctx context.Context, acc model.Account, c Change) {
	if m.operator == nil {
		return
	}
	var kind operator.NoticeKind
	switch c.To {
	case model.AccountRevoked:
		kind = operator.NoticeAccountRevoked
	case model.AccountDegraded:
		kind = operator.NoticeAccountDegraded
	default:
		return
	}

	err := m.operator.Send(context.WithoutCancel(ctx), operator.Notice{
		Kind:       kind,
		AccountID:  acc.ID,
		UserID:     acc.UserID,
		Action:     c.Action,
		Code:       c.Code,
		Subcode:    c.Subcode,
		Message:    fmt.Sprintf("account %s (%s) is now %s: %s", acc.Name, acc.ExternalID, c.To, c.LastError),
		OccurredAt: m.cfg.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("operator notice failed", "account", acc.ID, "error", err)
	}
}

func (m *Monitor) logProbe(prev, next model.Account, probeErr error, action classify.Action) {
	if probeErr == nil {
		m.logger.Debug("probe ok", "account", prev.ID)
		return
	}
	m.logger.Warn("probe failed",
		"account", prev.ID,
		"action", action,
		"from", prev.State,
		"to", next.State,
		"failures", next.ConsecutiveFailures,
		"score", next.FailureScore,
		"error", probeErr,
	)
}

func actionLabel(probeErr error, action classify.Action) string {
	if probeErr == nil {
		return "ok"
	}
	return action.String()
}
