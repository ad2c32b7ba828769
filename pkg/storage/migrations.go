package storage

import (
	"database/sql"
	"fmt"
)

// Column types in braces are resolved per dialect before execution.
var migrations = []string{
	// Migration 1: accounts, campaigns and metrics
	`CREATE TABLE IF NOT EXISTS accounts (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		external_id          TEXT NOT NULL,
		name                 TEXT NOT NULL DEFAULT '',
		access_token         TEXT NOT NULL DEFAULT '',
		token_expires_at     {timestamp},
		state                TEXT NOT NULL DEFAULT 'active' CHECK(state IN ('active', 'degraded', 'revoked')),
		last_probed_at       {timestamp},
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		failure_score        {real} NOT NULL DEFAULT 0,
		last_error           TEXT NOT NULL DEFAULT '',
		created_at           {timestamp} NOT NULL,
		updated_at           {timestamp} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_state ON accounts(state);
	CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);

	CREATE TABLE IF NOT EXISTS campaigns (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL REFERENCES accounts(id),
		name            TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT '',
		daily_budget    {real} NOT NULL DEFAULT 0,
		lifetime_budget {real} NOT NULL DEFAULT 0,
		updated_at      {timestamp} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_campaigns_account ON campaigns(account_id);

	CREATE TABLE IF NOT EXISTS metric_snapshots (
		id          TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		impressions INTEGER NOT NULL DEFAULT 0,
		clicks      INTEGER NOT NULL DEFAULT 0,
		ctr         {real} NOT NULL DEFAULT 0,
		cpc         {real} NOT NULL DEFAULT 0,
		spend       {real} NOT NULL DEFAULT 0,
		frequency   {real} NOT NULL DEFAULT 0,
		reach       INTEGER NOT NULL DEFAULT 0,
		captured_at {timestamp} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_campaign_time ON metric_snapshots(campaign_id, captured_at);

	CREATE TABLE IF NOT EXISTS threshold_overrides (
		user_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		limit_value {real} NOT NULL,
		direction   TEXT NOT NULL CHECK(direction IN ('below', 'above')),
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at  {timestamp} NOT NULL,
		PRIMARY KEY (user_id, kind)
	);`,

	// Migration 2: alerts and delivery
	`CREATE TABLE IF NOT EXISTS alerts (
		id           TEXT PRIMARY KEY,
		campaign_id  TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		kind         TEXT NOT NULL,
		severity     TEXT NOT NULL CHECK(severity IN ('low', 'medium', 'high')),
		message      TEXT NOT NULL DEFAULT '',
		metric_value {real} NOT NULL DEFAULT 0,
		limit_value  {real} NOT NULL DEFAULT 0,
		created_at   {timestamp} NOT NULL,
		resolved     BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at  {timestamp},
		resolved_by  TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ux_alerts_open ON alerts(campaign_id, kind) WHERE resolved = FALSE;
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at);

	CREATE TABLE IF NOT EXISTS notification_sessions (
		phone         TEXT PRIMARY KEY,
		first_contact {timestamp} NOT NULL,
		last_inbound  {timestamp} NOT NULL,
		last_message  TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		active        BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS dispatch_attempts (
		id            TEXT PRIMARY KEY,
		subject_kind  TEXT NOT NULL CHECK(subject_kind IN ('alert', 'report')),
		subject_id    TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		channel       TEXT NOT NULL DEFAULT '',
		recipient     TEXT NOT NULL DEFAULT '',
		attempt       INTEGER NOT NULL,
		outcome       TEXT NOT NULL CHECK(outcome IN ('sent', 'failed', 'deferred')),
		reason        TEXT NOT NULL DEFAULT '',
		provider_code INTEGER NOT NULL DEFAULT 0,
		message_id    TEXT NOT NULL DEFAULT '',
		created_at    {timestamp} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_subject ON dispatch_attempts(subject_kind, subject_id, created_at);`,

	// Migration 3: report preferences and reports
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id    TEXT PRIMARY KEY,
		phone      TEXT NOT NULL DEFAULT '',
		morning    BOOLEAN NOT NULL DEFAULT FALSE,
		afternoon  BOOLEAN NOT NULL DEFAULT FALSE,
		evening    BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at {timestamp} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		window_name       TEXT NOT NULL,
		content           TEXT NOT NULL DEFAULT '',
		summary           TEXT NOT NULL DEFAULT '',
		recommendations   TEXT NOT NULL DEFAULT '[]',
		should_send_alert BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        {timestamp} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id, created_at);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB, d dialect) error {
	_, err := db.Exec(d.types.Replace(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at {timestamp} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`))
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		record, args, err := d.builder.Insert("schema_migrations").Columns("version").Values(i + 1).ToSql()
		if err != nil {
			return fmt.Errorf("build migration %d record: %w", i+1, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(d.types.Replace(migrations[i])); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(record, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
