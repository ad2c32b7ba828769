// Package alerts persists candidate alerts, suppressing duplicates of an
// alert that is still open for the same campaign and kind.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/storage"
)

// Outcome of submitting a candidate alert.
type Outcome string

const (
	Created Outcome = "created"
	Deduped Outcome = "deduped"
)

// ErrNotFound is returned when resolving an alert that does not exist.
var ErrNotFound = storage.ErrNotFound

// Store is the persistence the service needs.
type Store interface {
	CreateAlertIfAbsent(ctx context.Context, alert *model.Alert) (*model.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error)
	ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (bool, error)
}

// Result reports what Submit did with a candidate.
type Result struct {
	Outcome Outcome      `json:"outcome"`
	Alert   *model.Alert `json:"alert"`
}

// Service is the alert deduplicator and store.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an alert service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Submit stores candidate unless an unresolved alert of the same campaign and
// kind exists. The existing alert is returned untouched when deduped; its
// severity is never updated in place.
func (s *Service) Submit(ctx context.Context, candidate model.Alert) (Result, error) {
	if candidate.CampaignID == "" || candidate.Kind == "" {
		return Result{}, fmt.Errorf("candidate alert needs campaign and kind")
	}

	stored, created, err := s.store.CreateAlertIfAbsent(ctx, &candidate)
	if err != nil {
		return Result{}, fmt.Errorf("submit alert: %w", err)
	}

	if !created {
		metrics.AlertsTotal.WithLabelValues(string(candidate.Kind), string(Deduped)).Inc()
		s.logger.Debug("alert deduped",
			"campaign", candidate.CampaignID,
			"kind", candidate.Kind,
			"open_alert", stored.ID,
		)
		return Result{Outcome: Deduped, Alert: stored}, nil
	}

	metrics.AlertsTotal.WithLabelValues(string(candidate.Kind), string(Created)).Inc()
	s.logger.Info("alert created",
		"alert", stored.ID,
		"campaign", stored.CampaignID,
		"kind", stored.Kind,
		"severity", stored.Severity,
	)
	return Result{Outcome: Created, Alert: stored}, nil
}

// Resolve marks an alert resolved by userID. Resolving an already resolved
// alert succeeds without changing it.
func (s *Service) Resolve(ctx context.Context, alertID, userID string) (*model.Alert, error) {
	changed, err := s.store.ResolveAlert(ctx, alertID, userID, s.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("resolve alert %q: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	if changed {
		s.logger.Info("alert resolved", "alert", alertID, "by", userID)
	}
	return s.store.GetAlert(ctx, alertID)
}

// Get returns one alert.
func (s *Service) Get(ctx context.Context, alertID string) (*model.Alert, error) {
	return s.store.GetAlert(ctx, alertID)
}

// List returns alerts matching filter.
func (s *Service) List(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	return s.store.ListAlerts(ctx, filter)
}
