package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/zimads/adsentinel/pkg/model"
)

var alertColumns = []string{
	"id", "campaign_id", "user_id", "kind", "severity", "message", "metric_value", "limit_value",
	"created_at", "resolved", "resolved_at", "resolved_by",
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		a          model.Alert
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.CampaignID, &a.UserID, &a.Kind, &a.Severity, &a.Message, &a.Value, &a.Limit,
		&a.CreatedAt, &a.Resolved, &resolvedAt, &a.ResolvedBy); err != nil {
		return nil, err
	}
	a.ResolvedAt = timePtr(resolvedAt)
	return &a, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) openAlert(ctx context.Context, q queryRower, campaignID string, kind model.ThresholdKind) (*model.Alert, error) {
	query, args, err := s.dialect.builder.Select(alertColumns...).From("alerts").
		Where(sq.Eq{"campaign_id": campaignID, "kind": string(kind), "resolved": false}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return scanAlert(q.QueryRowContext(ctx, query, args...))
}

func (s *Store) CreateAlertIfAbsent(ctx context.Context, alert *model.Alert) (*model.Alert, bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = nowUTC()
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.Resolved = false
	alert.ResolvedAt = nil
	alert.ResolvedBy = ""

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.openAlert(ctx, tx, alert.CampaignID, alert.Kind)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("check open alert: %w", err)
	}

	query, args, err := s.dialect.builder.Insert("alerts").
		Columns(alertColumns...).
		Values(alert.ID, alert.CampaignID, alert.UserID, alert.Kind, alert.Severity, alert.Message,
			alert.Value, alert.Limit, alert.CreatedAt, false, sql.NullTime{}, "").
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			// lost a race with a concurrent submit; report the winner
			_ = tx.Rollback()
			existing, err := s.openAlert(ctx, s.db, alert.CampaignID, alert.Kind)
			if err != nil {
				return nil, false, fmt.Errorf("load concurrent alert: %w", err)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit alert: %w", err)
	}
	return alert, true, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row, err := s.queryRow(ctx, s.dialect.builder.Select(alertColumns...).From("alerts").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *Store) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error) {
	q := s.dialect.builder.Select(alertColumns...).From("alerts").OrderBy("created_at DESC", "id")
	if filter.UserID != "" {
		q = q.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.CampaignID != "" {
		q = q.Where(sq.Eq{"campaign_id": filter.CampaignID})
	}
	if filter.OpenOnly {
		q = q.Where(sq.Eq{"resolved": false})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *Store) ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (bool, error) {
	result, err := s.exec(ctx, s.dialect.builder.Update("alerts").
		Set("resolved", true).
		Set("resolved_at", at.UTC()).
		Set("resolved_by", resolvedBy).
		Where(sq.Eq{"id": id, "resolved": false}))
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Nothing changed: either already resolved or missing.
	if _, err := s.GetAlert(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
