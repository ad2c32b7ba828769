package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zimads/adsentinel/pkg/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CampaignFilter controls which campaigns are listed.
type CampaignFilter struct {
	UserID         string
	AccountID      string
	ExcludeRevoked bool // skip campaigns whose account is revoked
}

// Storage defines the persistence layer for the alert pipeline.
type Storage interface {
	// UpsertAccount creates or replaces an ad account credential.
	UpsertAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccountsByState returns accounts in any of the given states.
	ListAccountsByState(ctx context.Context, states ...model.AccountState) ([]model.Account, error)

	// UpdateAccountHealth persists the health fields of an account.
	UpdateAccountHealth(ctx context.Context, account *model.Account) error

	// UpsertCampaign creates or replaces a campaign.
	UpsertCampaign(ctx context.Context, campaign *model.Campaign) error

	// GetCampaign retrieves a campaign with its owning user.
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)

	// ListCampaigns returns campaigns matching the filter.
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]model.Campaign, error)

	// RecordSnapshot appends a metric snapshot.
	RecordSnapshot(ctx context.Context, snap *model.MetricSnapshot) error

	// LatestSnapshot returns the most recent snapshot of a campaign.
	LatestSnapshot(ctx context.Context, campaignID string) (*model.MetricSnapshot, error)

	// SetThresholdOverride stores a per-user threshold override.
	SetThresholdOverride(ctx context.Context, userID string, th model.Threshold) error

	// ThresholdOverrides returns every override configured for a user.
	ThresholdOverrides(ctx context.Context, userID string) ([]model.Threshold, error)

	// CreateAlertIfAbsent inserts alert unless an unresolved alert exists for
	// the same campaign and kind. It returns the stored alert and whether it
	// was created by this call.
	CreateAlertIfAbsent(ctx context.Context, alert *model.Alert) (*model.Alert, bool, error)

	// GetAlert retrieves an alert by ID.
	GetAlert(ctx context.Context, id string) (*model.Alert, error)

	// ListAlerts returns alerts matching the filter, newest first.
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error)

	// ResolveAlert marks an alert resolved. It reports false when the alert
	// was already resolved.
	ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (bool, error)

	// RecordInbound folds an inbound message into the sender's session.
	RecordInbound(ctx context.Context, phone, message string, at time.Time) (*model.NotificationSession, error)

	// GetSession retrieves the session for a phone number.
	GetSession(ctx context.Context, phone string) (*model.NotificationSession, error)

	// SetSessionActive records an opt-out or opt-in for a phone number.
	SetSessionActive(ctx context.Context, phone string, active bool) error

	// RecordAttempt appends a dispatch attempt to the delivery log.
	RecordAttempt(ctx context.Context, attempt *model.DispatchAttempt) error

	// ListAttempts returns the delivery log of one alert or report, oldest first.
	ListAttempts(ctx context.Context, kind model.SubjectKind, subjectID string) ([]model.DispatchAttempt, error)

	// SetPreferences creates or updates a user's delivery preferences.
	SetPreferences(ctx context.Context, prefs *model.UserPreferences) error

	// GetPreferences retrieves a user's delivery preferences.
	GetPreferences(ctx context.Context, userID string) (*model.UserPreferences, error)

	// ListPreferencesForWindow returns users who receive reports in w.
	ListPreferencesForWindow(ctx context.Context, w model.ReportWindow) ([]model.UserPreferences, error)

	// SaveReport persists a generated report.
	SaveReport(ctx context.Context, report *model.Report) error

	// GetReport retrieves a report by ID.
	GetReport(ctx context.Context, id string) (*model.Report, error)

	// Close releases resources.
	Close() error
}
