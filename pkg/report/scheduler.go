// Package report generates narrative reports at the start of each report
// window and hands urgent ones to the dispatcher.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zimads/adsentinel/pkg/dispatch"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/storage"
	"github.com/zimads/adsentinel/pkg/tracing"
)

// Store is the persistence the scheduler reads from and writes to.
type Store interface {
	ListPreferencesForWindow(ctx context.Context, w model.ReportWindow) ([]model.UserPreferences, error)
	ListCampaigns(ctx context.Context, filter storage.CampaignFilter) ([]model.Campaign, error)
	LatestSnapshot(ctx context.Context, campaignID string) (*model.MetricSnapshot, error)
	SaveReport(ctx context.Context, report *model.Report) error
}

// Enqueuer accepts reports for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, item dispatch.Item) error
}

// Config tunes the scheduler.
type Config struct {
	Location    *time.Location
	Concurrency int
	RunTimeout  time.Duration
	Now         func() time.Time
}

// Failure is a user whose report could not be produced.
type Failure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// WindowResult summarizes one window run.
type WindowResult struct {
	Window    model.ReportWindow `json:"window"`
	Users     int                `json:"users"`
	Generated int                `json:"generated"`
	Empty     int                `json:"empty"`
	Enqueued  int                `json:"enqueued"`
	Failures  []Failure          `json:"failures,omitempty"`
}

// Scheduler runs report generation.
type Scheduler struct {
	store     Store
	generator Generator
	enqueuer  Enqueuer
	cfg       Config
	logger    *slog.Logger
}

// NewScheduler creates a scheduler. enqueuer may be nil, in which case
// reports are stored but never sent.
func NewScheduler(store Store, generator Generator, enqueuer Enqueuer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:     store,
		generator: generator,
		enqueuer:  enqueuer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run waits for each window start in the configured location and runs that
// window, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.cfg.Now().In(s.cfg.Location)
		next, window := model.NextWindowStart(now)
		s.logger.Info("next report window", "window", window, "at", next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.RunWindow(ctx, window); err != nil {
			s.logger.Error("report window failed", "window", window, "error", err)
		}
	}
}

// RunWindow generates a report for every user who wants window. Per-user
// failures are collected in the result and do not stop the others; only a
// failure to list users is returned as an error.
func (s *Scheduler) RunWindow(ctx context.Context, window model.ReportWindow) (*WindowResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "report.window")
	defer span.End()
	span.SetAttributes(attribute.String("window", string(window)))

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	prefs, err := s.store.ListPreferencesForWindow(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("list users for %s: %w", window, err)
	}

	// inputs are gathered up front so generation runs without holding the store
	inputs := make([]Input, 0, len(prefs))
	result := &WindowResult{Window: window, Users: len(prefs)}
	for _, p := range prefs {
		in, err := s.collect(ctx, p.UserID, window)
		if err != nil {
			result.Failures = append(result.Failures, Failure{UserID: p.UserID, Error: err.Error()})
			metrics.ReportsTotal.WithLabelValues(string(window), "failed").Inc()
			continue
		}
		inputs = append(inputs, in)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, in := range inputs {
		g.Go(func() error {
			res, err := s.generate(ctx, in)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failures = append(result.Failures, Failure{UserID: in.UserID, Error: err.Error()})
				metrics.ReportsTotal.WithLabelValues(string(window), "failed").Inc()
			case res == outcomeEmpty:
				result.Empty++
				metrics.ReportsTotal.WithLabelValues(string(window), "empty").Inc()
			default:
				result.Generated++
				if res == outcomeEnqueued {
					result.Enqueued++
				}
				metrics.ReportsTotal.WithLabelValues(string(window), "generated").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].UserID < result.Failures[j].UserID
	})
	for _, f := range result.Failures {
		s.logger.Warn("report failed", "window", window, "user", f.UserID, "error", f.Error)
	}
	s.logger.Info("report window complete",
		"window", window,
		"users", result.Users,
		"generated", result.Generated,
		"enqueued", result.Enqueued,
		"failed", len(result.Failures),
	)
	return result, nil
}

func (s *Scheduler) collect(ctx context.Context, userID string, window model.ReportWindow) (Input, error) {
	campaigns, err := s.store.ListCampaigns(ctx, storage.CampaignFilter{UserID: userID, ExcludeRevoked: true})
	if err != nil {
		return Input{}, fmt.Errorf("list campaigns: %w", err)
	}

	in := Input{UserID: userID, Window: window}
	for _, c := range campaigns {
		snap, err := s.store.LatestSnapshot(ctx, c.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Input{}, fmt.Errorf("snapshot for %s: %w", c.ID, err)
		}
		in.Campaigns = append(in.Campaigns, CampaignMetrics{Campaign: c, Snapshot: snap})
	}
	return in, nil
}

type outcome int

const (
	outcomeEmpty outcome = iota
	outcomeStored
	outcomeEnqueued
)

func (s *Scheduler) generate(ctx context.Context, in Input) (outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "report.generate")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", in.UserID))

	// Past the run deadline the remaining users are abandoned, not retried.
	if err := ctx.Err(); err != nil {
		return outcomeEmpty, fmt.Errorf("run deadline passed: %w", err)
	}

	out, err := s.generator.Generate(ctx, in)
	if err != nil {
		span.RecordError(err)
		return outcomeEmpty, fmt.Errorf("generate: %w", err)
	}
	if out == nil {
		return outcomeEmpty, nil
	}

	r := &model.Report{
		ID:              uuid.New().String(),
		UserID:          in.UserID,
		Window:          in.Window,
		Content:         out.Content,
		Summary:         out.Summary,
		Recommendations: out.Recommendations,
		ShouldSendAlert: out.ShouldSendAlert,
		CreatedAt:       s.cfg.Now().UTC(),
	}
	if err := s.store.SaveReport(ctx, r); err != nil {
		return outcomeEmpty, fmt.Errorf("save report: %w", err)
	}

	if !r.ShouldSendAlert || s.enqueuer == nil {
		return outcomeStored, nil
	}
	err = s.enqueuer.Enqueue(ctx, dispatch.Item{
		Kind:      model.SubjectReport,
		SubjectID: r.ID,
		UserID:    r.UserID,
		Body:      MessageBody(r),
	})
	if err != nil {
		return outcomeStored, fmt.Errorf("enqueue report %s: %w", r.ID, err)
	}
	return outcomeEnqueued, nil
}

// MessageBody renders a report as a chat message.
func MessageBody(r *model.Report) string {
	var b strings.Builder
	if w := string(r.Window); w != "" {
		b.WriteString(strings.ToUpper(w[:1]) + w[1:] + " report\n\n")
	}
	if r.Summary != "" {
		b.WriteString(r.Summary)
	} else {
		b.WriteString(r.Content)
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("\n")
		for _, rec := range r.Recommendations {
			b.WriteString("\n• ")
			b.WriteString(rec)
		}
	}
	return b.String()
}
