package thresholds

import (
	"fmt"
	"math"
	"time"

	"github.com/zimads/adsentinel/pkg/model"
)

// Severity ratio boundaries.
const (
	HighRatio   = 2.0
	MediumRatio = 1.2
)

// DefaultStaleness is how old a snapshot may be before it is ignored.
const DefaultStaleness = 24 * time.Hour

// Evaluator turns metric snapshots into candidate alerts.
type Evaluator struct {
	staleness time.Duration
	now       func() time.Time
}

// NewEvaluator creates an evaluator. A staleness of zero or less disables
// the age check; now defaults to time.Now.
func NewEvaluator(staleness time.Duration, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{staleness: staleness, now: now}
}

// Evaluate compares a campaign's latest snapshot against cfg and returns one
// unpersisted alert per threshold that fires. A missing or stale snapshot
// yields no candidates.
func (e *Evaluator) Evaluate(campaign model.Campaign, snap *model.MetricSnapshot, cfg model.ThresholdConfig) []model.Alert {
	if snap == nil {
		return nil
	}
	if e.staleness > 0 && e.now().Sub(snap.CapturedAt) > e.staleness {
		return nil
	}

	var out []model.Alert
	for _, kind := range Kinds {
		th, ok := cfg.Thresholds[kind]
		if !ok || !th.Enabled || th.Limit <= 0 {
			continue
		}

		value, ok := metricFor(kind, campaign, snap)
		if !ok || !fires(kind, th, value) {
			continue
		}

		out = append(out, model.Alert{
			CampaignID: campaign.ID,
			UserID:     campaign.UserID,
			Kind:       kind,
			Severity:   SeverityFor(th.Direction, value, th.Limit),
			Message:    describe(kind, campaign, th, value),
			Value:      value,
			Limit:      th.Limit,
		})
	}
	return out
}

// metricFor extracts the measure a threshold kind compares.
func metricFor(kind model.ThresholdKind, c model.Campaign, snap *model.MetricSnapshot) (float64, bool) {
	var v float64
	switch kind {
	case model.KindLowCTR:
		v = snap.CTR
	case model.KindHighCPC:
		v = snap.CPC
	case model.KindFrequencyCap:
		v = snap.Frequency
	case model.KindBudgetUsage:
		budget := c.Budget()
		if budget <= 0 {
			return 0, false
		}
		v = snap.Spend / budget * 100
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// fires applies the threshold's direction. Budget usage is inclusive of the
// limit; every other comparison is strict.
func fires(kind model.ThresholdKind, th model.Threshold, value float64) bool {
	switch th.Direction {
	case model.Below:
		return value < th.Limit
	case model.Above:
		if kind == model.KindBudgetUsage {
			return value >= th.Limit
		}
		return value > th.Limit
	}
	return false
}

// SeverityFor grades how far value is past limit. The ratio is value/limit
// for upper limits and limit/value for lower limits.
func SeverityFor(dir model.Direction, value, limit float64) model.Severity {
	var ratio float64
	switch dir {
	case model.Below:
		if value <= 0 {
			return model.SeverityHigh
		}
		ratio = limit / value
	default:
		if limit <= 0 {
			return model.SeverityHigh
		}
		ratio = value / limit
	}

	switch {
	case ratio >= HighRatio:
		return model.SeverityHigh
	case ratio >= MediumRatio:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func describe(kind model.ThresholdKind, c model.Campaign, th model.Threshold, value float64) string {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	switch kind {
	case model.KindLowCTR:
		return fmt.Sprintf("CTR %.2f%% on %q is below %.2f%%", value*100, name, th.Limit*100)
	case model.KindHighCPC:
		return fmt.Sprintf("CPC $%.2f on %q is above $%.2f", value, name, th.Limit)
	case model.KindBudgetUsage:
		return fmt.Sprintf("%q has spent %.0f%% of its budget (limit %.0f%%)", name, value, th.Limit)
	case model.KindFrequencyCap:
		return fmt.Sprintf("frequency %.1f on %q is above %.1f", value, name, th.Limit)
	}
	return fmt.Sprintf("%s %.4f on %q crossed %.4f", kind, value, name, th.Limit)
}
