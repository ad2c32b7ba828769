// Package operator delivers notices that need a human: revoked accounts and
// messages that cannot be delivered for account-level reasons.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// NoticeKind identifies why an operator is being notified.
type NoticeKind string

const (
	NoticeAccountRevoked  NoticeKind = "account_revoked"  // health monitor retired a credential
	NoticeAccountDegraded NoticeKind = "account_degraded" // credential failing, not yet retired
	NoticeDispatchFailed  NoticeKind = "dispatch_failed"  // message blocked by a credential or permission error
)

// Severity ranks a notice for receivers that page on some kinds only.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity of a notice kind. A degraded account may still recover.
func (k NoticeKind) Severity() Severity {
	if k == NoticeAccountDegraded {
		return SeverityWarning
	}
	return SeverityCritical
}

// Notice is a single item needing operator attention.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	AccountID  string     `json:"account_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	SubjectID  string     `json:"subject_id,omitempty"`
	Action     string     `json:"action,omitempty"`
	Code       int        `json:"code,omitempty"`
	Subcode    int        `json:"subcode,omitempty"`
	Message    string     `json:"message"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Key groups notices about the same account or user.
func (n Notice) Key() string {
	if n.AccountID != "" {
		return n.AccountID
	}
	return n.UserID
}

// Notifier sends notices to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers a notice. Implementations must be safe for concurrent use.
	Send(ctx context.Context, notice Notice) error
}

// Fanout sends every notice to all configured notifiers. A failing notifier
// does not stop the others.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout creates a notifier that broadcasts to notifiers.
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers, logger: logger}
}

func (f *Fanout) Name() string { return "fanout" }

// Len returns the number of configured notifiers.
func (f *Fanout) Len() int { return len(f.notifiers) }

func (f *Fanout) Send(ctx context.Context, notice Notice) error {
	if notice.OccurredAt.IsZero() {
		notice.OccurredAt = time.Now().UTC()
	}

	var errs []error
	for _, n := range f.notifiers {
		if err := n.Send(ctx, notice); err != nil {
			f.logger.Error("operator notice failed", "notifier", n.Name(), "kind", notice.Kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
