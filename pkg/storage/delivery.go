package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/zimads/adsentinel/pkg/model"
)

func (s *Store) RecordInbound(ctx context.Context, phone, message string, at time.Time) (*model.NotificationSession, error) {
	at = at.UTC()
	_, err := s.exec(ctx, s.dialect.builder.Insert("notification_sessions").
		Columns("phone", "first_contact", "last_inbound", "last_message", "message_count", "active").
		Values(phone, at, at, message, 1, true).
		Suffix(`ON CONFLICT(phone) DO UPDATE SET
			last_inbound = excluded.last_inbound,
			last_message = excluded.last_message,
			message_count = notification_sessions.message_count + 1`))
	if err != nil {
		return nil, fmt.Errorf("record inbound: %w", err)
	}
	return s.GetSession(ctx, phone)
}

// SetSessionActive flips the opt-out flag. Inbound messages never change it
// after the first contact.
func (s *Store) SetSessionActive(ctx context.Context, phone string, active bool) error {
	result, err := s.exec(ctx, s.dialect.builder.Update("notification_sessions").
		Set("active", active).
		Where(sq.Eq{"phone": phone}))
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", phone, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, phone string) (*model.NotificationSession, error) {
	row, err := s.queryRow(ctx, s.dialect.builder.
		Select("phone", "first_contact", "last_inbound", "last_message", "message_count", "active").
		From("notification_sessions").
		Where(sq.Eq{"phone": phone}))
	if err != nil {
		return nil, err
	}

	var ns model.NotificationSession
	err = row.Scan(&ns.Phone, &ns.FirstContact, &ns.LastInbound, &ns.LastMessage, &ns.MessageCount, &ns.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", phone, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	ns.FirstContact = ns.FirstContact.UTC()
	ns.LastInbound = ns.LastInbound.UTC()
	return &ns, nil
}

var attemptColumns = []string{
	"id", "subject_kind", "subject_id", "user_id", "channel", "recipient", "attempt",
	"outcome", "reason", "provider_code", "message_id", "created_at",
}

func (s *Store) RecordAttempt(ctx context.Context, attempt *model.DispatchAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = nowUTC()
	}
	attempt.CreatedAt = attempt.CreatedAt.UTC()

	_, err := s.exec(ctx, s.dialect.builder.Insert("dispatch_attempts").
		Columns(attemptColumns...).
		Values(attempt.ID, attempt.SubjectKind, attempt.SubjectID, attempt.UserID, attempt.Channel,
			attempt.Recipient, attempt.Attempt, attempt.Outcome, attempt.Reason, attempt.ProviderCode,
			attempt.MessageID, attempt.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert dispatch attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, kind model.SubjectKind, subjectID string) ([]model.DispatchAttempt, error) {
	rows, err := s.query(ctx, s.dialect.builder.Select(attemptColumns...).
		From("dispatch_attempts").
		Where(sq.Eq{"subject_kind": string(kind), "subject_id": subjectID}).
		OrderBy("created_at", "attempt"))
	if err != nil {
		return nil, fmt.Errorf("list dispatch attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DispatchAttempt
	for rows.Next() {
		var a model.DispatchAttempt
		if err := rows.Scan(&a.ID, &a.SubjectKind, &a.SubjectID, &a.UserID, &a.Channel, &a.Recipient,
			&a.Attempt, &a.Outcome, &a.Reason, &a.ProviderCode, &a.MessageID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

var preferenceColumns = []string{"user_id", "phone", "morning", "afternoon", "evening", "updated_at"}

func scanPreferences(row rowScanner) (*model.UserPreferences, error) {
	var p model.UserPreferences
	if err := row.Scan(&p.UserID, &p.Phone, &p.Morning, &p.Afternoon, &p.Evening, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SetPreferences(ctx context.Context, prefs *model.UserPreferences) error {
	prefs.UpdatedAt = nowUTC()
	_, err := s.exec(ctx, s.dialect.builder.Insert("user_preferences").
		Columns(preferenceColumns...).
		Values(prefs.UserID, prefs.Phone, prefs.Morning, prefs.Afternoon, prefs.Evening, prefs.UpdatedAt).
		Suffix(`ON CONFLICT(user_id) DO UPDATE SET
			phone = excluded.phone,
			morning = excluded.morning,
			afternoon = excluded.afternoon,
			evening = excluded.evening,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}

func (s *Store) GetPreferences(ctx context.Context, userID string) (*model.UserPreferences, error) {
	row, err := s.queryRow(ctx, s.dialect.builder.Select(preferenceColumns...).
		From("user_preferences").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("preferences for user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

func (s *Store) ListPreferencesForWindow(ctx context.Context, w model.ReportWindow) ([]model.UserPreferences, error) {
	var column string
	switch w {
	case model.WindowMorning:
		column = "morning"
	case model.WindowAfternoon:
		column = "afternoon"
	case model.WindowEvening:
		column = "evening"
	default:
		return nil, fmt.Errorf("unknown report window %q", w)
	}

	rows, err := s.query(ctx, s.dialect.builder.Select(preferenceColumns...).
		From("user_preferences").
		Where(sq.Eq{column: true}).
		OrderBy("user_id"))
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	var out []model.UserPreferences
	for rows.Next() {
		p, err := scanPreferences(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preferences row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) SaveReport(ctx context.Context, report *model.Report) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = nowUTC()
	}
	recs, err := json.Marshal(report.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}

	_, err = s.exec(ctx, s.dialect.builder.Insert("reports").
		Columns("id", "user_id", "window_name", "content", "summary", "recommendations", "should_send_alert", "created_at").
		Values(report.ID, report.UserID, report.Window, report.Content, report.Summary, string(recs),
			report.ShouldSendAlert, report.CreatedAt.UTC()))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row, err := s.queryRow(ctx, s.dialect.builder.
		Select("id", "user_id", "window_name", "content", "summary", "recommendations", "should_send_alert", "created_at").
		From("reports").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}

	var (
		r    model.Report
		recs string
	)
	err = row.Scan(&r.ID, &r.UserID, &r.Window, &r.Content, &r.Summary, &recs, &r.ShouldSendAlert, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if err := json.Unmarshal([]byte(recs), &r.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return &r, nil
}
