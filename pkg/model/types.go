package model

import "time"

// AccountState is the lifecycle state of a stored ad account credential.
type AccountState string

const (
	AccountActive   AccountState = "active"
	AccountDegraded AccountState = "degraded"
	AccountRevoked  AccountState = "revoked" // terminal, never probed again
)

// Account is an external ad platform credential plus its health state.
type Account struct {
	ID                  string       `json:"id" db:"id"`
	UserID              string       `json:"user_id" db:"user_id"`
	ExternalID          string       `json:"external_id" db:"external_id"`
	Name                string       `json:"name" db:"name"`
	AccessToken         string       `json:"-" db:"access_token"`
	TokenExpiresAt      *time.Time   `json:"token_expires_at,omitempty" db:"token_expires_at"`
	State               AccountState `json:"state" db:"state"`
	LastProbedAt        *time.Time   `json:"last_probed_at,omitempty" db:"last_probed_at"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	FailureScore        float64      `json:"failure_score" db:"failure_score"`
	LastError           string       `json:"last_error,omitempty" db:"last_error"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// Campaign is read-only to the pipeline; an external sync keeps it current.
type Campaign struct {
	ID             string    `json:"id" db:"id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	UserID         string    `json:"user_id" db:"-"` // owner of the account
	Name           string    `json:"name" db:"name"`
	Status         string    `json:"status" db:"status"`
	DailyBudget    float64   `json:"daily_budget" db:"daily_budget"`
	LifetimeBudget float64   `json:"lifetime_budget" db:"lifetime_budget"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Budget returns the budget spend is measured against: the daily budget when
// set, otherwise the lifetime budget.
func (c Campaign) Budget() float64 {
	if c.DailyBudget > 0 {
		return c.DailyBudget
	}
	return c.LifetimeBudget
}

// MetricSnapshot is a point-in-time set of campaign measures.
type MetricSnapshot struct {
	ID          string    `json:"id" db:"id"`
	CampaignID  string    `json:"campaign_id" db:"campaign_id"`
	Impressions int64     `json:"impressions" db:"impressions"`
	Clicks      int64     `json:"clicks" db:"clicks"`
	CTR         float64   `json:"ctr" db:"ctr"`
	CPC         float64   `json:"cpc" db:"cpc"`
	Spend       float64   `json:"spend" db:"spend"`
	Frequency   float64   `json:"frequency" db:"frequency"`
	Reach       int64     `json:"reach" db:"reach"`
	CapturedAt  time.Time `json:"captured_at" db:"captured_at"`
}

// ThresholdKind names an alertable condition.
type ThresholdKind string

const (
	KindLowCTR       ThresholdKind = "low_ctr"
	KindHighCPC      ThresholdKind = "high_cpc"
	KindBudgetUsage  ThresholdKind = "budget_usage"
	KindFrequencyCap ThresholdKind = "frequency_cap"
)

// Direction is the side of the limit that counts as a problem.
type Direction string

const (
	Below Direction = "below"
	Above Direction = "above"
)

// Threshold is a numeric limit plus comparison direction.
type Threshold struct {
	Kind      ThresholdKind `json:"kind" yaml:"kind" db:"kind"`
	Limit     float64       `json:"limit" yaml:"limit" db:"limit_value"`
	Direction Direction     `json:"direction" yaml:"direction" db:"direction"`
	Enabled   bool          `json:"enabled" yaml:"enabled" db:"enabled"`
}

// ThresholdConfig is the effective set of thresholds for one user.
type ThresholdConfig struct {
	UserID     string                      `json:"user_id"`
	Thresholds map[ThresholdKind]Threshold `json:"thresholds"`
}

// Severity of an alert, derived from how far the metric is past its limit.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is an immutable audit record; only the resolve fields ever change.
type Alert struct {
	ID         string        `json:"id" db:"id"`
	CampaignID string        `json:"campaign_id" db:"campaign_id"`
	UserID     string        `json:"user_id" db:"user_id"`
	Kind       ThresholdKind `json:"kind" db:"kind"`
	Severity   Severity      `json:"severity" db:"severity"`
	Message    string        `json:"message" db:"message"`
	Value      float64       `json:"value" db:"metric_value"`
	Limit      float64       `json:"limit" db:"limit_value"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	Resolved   bool          `json:"resolved" db:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy string        `json:"resolved_by,omitempty" db:"resolved_by"`
}

// AlertFilter controls which alerts are listed.
type AlertFilter struct {
	UserID     string `json:"user_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	OpenOnly   bool   `json:"open_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// NotificationSession tracks the provider's customer-initiated messaging window.
type NotificationSession struct {
	Phone        string    `json:"phone" db:"phone"`
	FirstContact time.Time `json:"first_contact" db:"first_contact"`
	LastInbound  time.Time `json:"last_inbound" db:"last_inbound"`
	LastMessage  string    `json:"last_message,omitempty" db:"last_message"`
	MessageCount int64     `json:"message_count" db:"message_count"`
	Active       bool      `json:"active" db:"active"`
}

// SubjectKind tells what a dispatch attempt delivered.
type SubjectKind string

const (
	SubjectAlert  SubjectKind = "alert"
	SubjectReport SubjectKind = "report"
)

// Outcome of one dispatch attempt.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
)

// DispatchAttempt is one append-only entry of the delivery log.
type DispatchAttempt struct {
	ID           string      `json:"id" db:"id"`
	SubjectKind  SubjectKind `json:"subject_kind" db:"subject_kind"`
	SubjectID    string      `json:"subject_id" db:"subject_id"`
	UserID       string      `json:"user_id" db:"user_id"`
	Channel      string      `json:"channel" db:"channel"`
	Recipient    string      `json:"recipient,omitempty" db:"recipient"`
	Attempt      int         `json:"attempt" db:"attempt"`
	Outcome      Outcome     `json:"outcome" db:"outcome"`
	Reason       string      `json:"reason,omitempty" db:"reason"`
	ProviderCode int         `json:"provider_code,omitempty" db:"provider_code"`
	MessageID    string      `json:"message_id,omitempty" db:"message_id"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// ReportWindow is one of the three fixed parts of the local day.
type ReportWindow string

const (
	WindowMorning   ReportWindow = "morning"   // [06:00,12:00)
	WindowAfternoon ReportWindow = "afternoon" // [12:00,18:00)
	WindowEvening   ReportWindow = "evening"   // [18:00,24:00) and [00:00,06:00)
)

// Windows lists report windows in order of their start hour.
var Windows = []ReportWindow{WindowMorning, WindowAfternoon, WindowEvening}

// StartHour returns the local hour the window opens.
func (w ReportWindow) StartHour() int {
	switch w {
	case WindowMorning:
		return 6
	case WindowAfternoon:
		return 12
	default:
		return 18
	}
}

// WindowAt returns the report window containing t, in t's location.
func WindowAt(t time.Time) ReportWindow {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return WindowMorning
	case h >= 12 && h < 18:
		return WindowAfternoon
	default:
		return WindowEvening
	}
}

// NextWindowStart returns the first window start strictly after t, in t's location.
func NextWindowStart(t time.Time) (time.Time, ReportWindow) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for offset := 0; offset < 2; offset++ {
		for _, w := range Windows {
			start := day.AddDate(0, 0, offset).Add(time.Duration(w.StartHour()) * time.Hour)
			if start.After(t) {
				return start, w
			}
		}
	}
	// unreachable: tomorrow's morning is always after t
	return day.AddDate(0, 0, 1).Add(6 * time.Hour), WindowMorning
}

// UserPreferences holds per-user delivery settings.
type UserPreferences struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Morning   bool      `json:"morning" db:"morning"`
	Afternoon bool      `json:"afternoon" db:"afternoon"`
	Evening   bool      `json:"evening" db:"evening"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Wants reports whether the user receives reports in the given window.
func (p UserPreferences) Wants(w ReportWindow) bool {
	switch w {
	case WindowMorning:
		return p.Morning
	case WindowAfternoon:
		return p.Afternoon
	case WindowEvening:
		return p.Evening
	}
	return false
}

// Report is a generated narrative report. Content is opaque to the pipeline.
type Report struct {
	ID              string       `json:"id" db:"id"`
	UserID          string       `json:"user_id" db:"user_id"`
	Window          ReportWindow `json:"window" db:"window_name"`
	Content         string       `json:"content" db:"content"`
	Summary         string       `json:"summary" db:"summary"`
	Recommendations []string     `json:"recommendations" db:"recommendations"`
	ShouldSendAlert bool         `json:"shouldSendAlert" db:"should_send_alert"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}
