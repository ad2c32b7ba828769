package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/zimads/adsentinel/pkg/model"
)

var accountColumns = []string{
	"id", "user_id", "external_id", "name", "access_token", "token_expires_at", "state",
	"last_probed_at", "consecutive_failures", "failure_score", "last_error", "created_at", "updated_at",
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a                  model.Account
		expires, lastProbe sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ExternalID, &a.Name, &a.AccessToken, &expires, &a.State,
		&lastProbe, &a.ConsecutiveFailures, &a.FailureScore, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.TokenExpiresAt = timePtr(expires)
	a.LastProbedAt = timePtr(lastProbe)
	return &a, nil
}

func (s *Store) UpsertAccount(ctx context.Context, account *model.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.State == "" {
		account.State = model.AccountActive
	}
	now := nowUTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := s.exec(ctx, s.dialect.builder.Insert("accounts").
		Columns(accountColumns...).
		Values(account.ID, account.UserID, account.ExternalID, account.Name, account.AccessToken,
			nullTime(account.TokenExpiresAt), account.State, nullTime(account.LastProbedAt),
			account.ConsecutiveFailures, account.FailureScore, account.LastError,
			account.CreatedAt.UTC(), account.UpdatedAt).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			external_id = excluded.external_id,
			name = excluded.name,
			access_token = excluded.access_token,
			token_expires_at = excluded.token_expires_at,
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			failure_score = excluded.failure_score,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row, err := s.queryRow(ctx, s.dialect.builder.Select(accountColumns...).From("accounts").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccountsByState(ctx context.Context, states ...model.AccountState) ([]model.Account, error) {
	q := s.dialect.builder.Select(accountColumns...).From("accounts").OrderBy("created_at", "id")
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		q = q.Where(sq.Eq{"state": names})
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateAccountHealth(ctx context.Context, account *model.Account) error {
	account.UpdatedAt = nowUTC()
	result, err := s.exec(ctx, s.dialect.builder.Update("accounts").
		Set("state", account.State).
		Set("last_probed_at", nullTime(account.LastProbedAt)).
		Set("consecutive_failures", account.ConsecutiveFailures).
		Set("failure_score", account.FailureScore).
		Set("last_error", account.LastError).
		Set("updated_at", account.UpdatedAt).
		Where(sq.Eq{"id": account.ID}))
	if err != nil {
		return fmt.Errorf("update account health: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %q: %w", account.ID, ErrNotFound)
	}
	return nil
}

func campaignSelect(b sq.StatementBuilderType) sq.SelectBuilder {
	return b.Select("c.id", "c.account_id", "a.user_id", "c.name", "c.status",
		"c.daily_budget", "c.lifetime_budget", "c.updated_at").
		From("campaigns c").
		Join("accounts a ON a.id = c.account_id")
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	if err := row.Scan(&c.ID, &c.AccountID, &c.UserID, &c.Name, &c.Status,
		&c.DailyBudget, &c.LifetimeBudget, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpsertCampaign(ctx context.Context, campaign *model.Campaign) error {
	if campaign.ID == "" {
		campaign.ID = uuid.New().String()
	}
	campaign.UpdatedAt = nowUTC()

	_, err := s.exec(ctx, s.dialect.builder.Insert("campaigns").
		Columns("id", "account_id", "name", "status", "daily_budget", "lifetime_budget", "updated_at").
		Values(campaign.ID, campaign.AccountID, campaign.Name, campaign.Status,
			campaign.DailyBudget, campaign.LifetimeBudget, campaign.UpdatedAt).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name,
			status = excluded.status,
			daily_budget = excluded.daily_budget,
			lifetime_budget = excluded.lifetime_budget,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row, err := s.queryRow(ctx, campaignSelect(s.dialect.builder).Where(sq.Eq{"c.id": id}))
	if err != nil {
		return nil, err
	}
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]model.Campaign, error) {
	q := campaignSelect(s.dialect.builder).OrderBy("c.id")
	if filter.UserID != "" {
		q = q.Where(sq.Eq{"a.user_id": filter.UserID})
	}
	if filter.AccountID != "" {
		q = q.Where(sq.Eq{"c.account_id": filter.AccountID})
	}
	if filter.ExcludeRevoked {
		q = q.Where(sq.NotEq{"a.state": string(model.AccountRevoked)})
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign row: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func (s *Store) RecordSnapshot(ctx context.Context, snap *model.MetricSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = nowUTC()
	}
	snap.CapturedAt = snap.CapturedAt.UTC()

	_, err := s.exec(ctx, s.dialect.builder.Insert("metric_snapshots").
		Columns("id", "campaign_id", "impressions", "clicks", "ctr", "cpc", "spend", "frequency", "reach", "captured_at").
		Values(snap.ID, snap.CampaignID, snap.Impressions, snap.Clicks, snap.CTR, snap.CPC,
			snap.Spend, snap.Frequency, snap.Reach, snap.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, campaignID string) (*model.MetricSnapshot, error) {
	row, err := s.queryRow(ctx, s.dialect.builder.
		Select("id", "campaign_id", "impressions", "clicks", "ctr", "cpc", "spend", "frequency", "reach", "captured_at").
		From("metric_snapshots").
		Where(sq.Eq{"campaign_id": campaignID}).
		OrderBy("captured_at DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}

	var m model.MetricSnapshot
	err = row.Scan(&m.ID, &m.CampaignID, &m.Impressions, &m.Clicks, &m.CTR, &m.CPC,
		&m.Spend, &m.Frequency, &m.Reach, &m.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for campaign %q: %w", campaignID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &m, nil
}

func (s *Store) SetThresholdOverride(ctx context.Context, userID string, th model.Threshold) error {
	_, err := s.exec(ctx, s.dialect.builder.Insert("threshold_overrides").
		Columns("user_id", "kind", "limit_value", "direction", "enabled", "updated_at").
		Values(userID, th.Kind, th.Limit, th.Direction, th.Enabled, nowUTC()).
		Suffix(`ON CONFLICT(user_id, kind) DO UPDATE SET
			limit_value = excluded.limit_value,
			direction = excluded.direction,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("set threshold override: %w", err)
	}
	return nil
}

func (s *Store) ThresholdOverrides(ctx context.Context, userID string) ([]model.Threshold, error) {
	rows, err := s.query(ctx, s.dialect.builder.
		Select("kind", "limit_value", "direction", "enabled").
		From("threshold_overrides").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("kind"))
	if err != nil {
		return nil, fmt.Errorf("query threshold overrides: %w", err)
	}
	defer rows.Close()

	var out []model.Threshold
	for rows.Next() {
		var th model.Threshold
		if err := rows.Scan(&th.Kind, &th.Limit, &th.Direction, &th.Enabled); err != nil {
			return nil, fmt.Errorf("scan threshold row: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}
