// Package session tracks the messaging provider's customer-initiated window:
// a free-form message may only go to a phone that messaged us recently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/storage"
)

// DefaultWindow is the provider's customer-initiated session length.
const DefaultWindow = 24 * time.Hour

// State of a recipient's session.
type State string

const (
	StateUnknown    State = "unknown"         // never messaged us
	StateSubscribed State = "subscribed"      // inside the window
	StateExpired    State = "session-expired" // window elapsed since last inbound
)

// ErrInvalidPhone is returned for numbers that cannot be normalized.
var ErrInvalidPhone = errors.New("invalid phone number")

// Store persists sessions keyed by E.164 phone number. GetSession returns
// storage.ErrNotFound for unknown numbers.
type Store interface {
	RecordInbound(ctx context.Context, phone, message string, at time.Time) (*model.NotificationSession, error)
	GetSession(ctx context.Context, phone string) (*model.NotificationSession, error)
	SetSessionActive(ctx context.Context, phone string, active bool) error
}

// Options configures a Tracker.
type Options struct {
	Window        time.Duration
	DefaultRegion string // region for numbers without a country code
	Now           func() time.Time
}

// Tracker is the single authority on whether a free-form send is allowed.
type Tracker struct {
	store  Store
	window time.Duration
	region string
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a session tracker.
func NewTracker(store Store, opts Options, logger *slog.Logger) *Tracker {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = "ZW"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store:  store,
		window: opts.Window,
		region: opts.DefaultRegion,
		now:    opts.Now,
		logger: logger,
	}
}

// Normalize converts phone to E.164, reading local numbers in the tracker's
// default region.
func (t *Tracker) Normalize(phone string) (string, error) {
	return Normalize(phone, t.region)
}

// Normalize converts phone to E.164. Numbers without a leading + are read in
// region. WhatsApp sends numbers without the +, so a bare international
// number is tried as such first.
func Normalize(phone, region string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}

	candidates := []string{phone}
	if phone[0] != '+' {
		candidates = append([]string{"+" + phone}, phone)
	}

	for _, c := range candidates {
		num, err := phonenumbers.Parse(c, region)
		if err != nil || !phonenumbers.IsValidNumber(num) {
			continue
		}
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
}

// RecordInbound folds an inbound message into the sender's session, opening
// it on first contact.
func (t *Tracker) RecordInbound(ctx context.Context, phone, message string) (*model.NotificationSession, error) {
	e164, err := t.Normalize(phone)
	if err != nil {
		return nil, err
	}

	s, err := t.store.RecordInbound(ctx, e164, message, t.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record inbound for %s: %w", e164, err)
	}
	metrics.InboundMessagesTotal.Inc()
	t.logger.Debug("inbound message recorded", "phone", e164, "count", s.MessageCount)
	return s, nil
}

// SetActive records an explicit opt-out (active false) or opt-in for phone.
// An opted-out session stays expired whatever the recipient sends.
func (t *Tracker) SetActive(ctx context.Context, phone string, active bool) error {
	e164, err := t.Normalize(phone)
	if err != nil {
		return err
	}
	if err := t.store.SetSessionActive(ctx, e164, active); err != nil {
		return fmt.Errorf("set session active for %s: %w", e164, err)
	}
	t.logger.Info("session opt flag changed", "phone", e164, "active", active)
	return nil
}

// CanSendFreeform reports whether a free-form message may be sent to phone
// now: a session exists and its last inbound is within the window.
func (t *Tracker) CanSendFreeform(ctx context.Context, phone string) (bool, error) {
	st, _, err := t.State(ctx, phone)
	if err != nil {
		return false, err
	}
	return st == StateSubscribed, nil
}

// State returns the session state for phone and the record, if any.
func (t *Tracker) State(ctx context.Context, phone string) (State, *model.NotificationSession, error) {
	e164, err := t.Normalize(phone)
	if err != nil {
		return StateUnknown, nil, err
	}

	s, err := t.store.GetSession(ctx, e164)
	if errors.Is(err, storage.ErrNotFound) {
		return StateUnknown, nil, nil
	}
	if err != nil {
		return StateUnknown, nil, fmt.Errorf("get session for %s: %w", e164, err)
	}

	if !s.Active || t.now().Sub(s.LastInbound) > t.window {
		return StateExpired, s, nil
	}
	return StateSubscribed, s, nil
}

// Window returns the configured session length.
func (t *Tracker) Window() time.Duration {
	return t.window
}
