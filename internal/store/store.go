package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS guild_settings (
	guild_id            TEXT PRIMARY KEY,
	channel_id          TEXT NOT NULL DEFAULT '',
	gambling_channel_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS notification_optins (
	guild_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS patch_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version TEXT NOT NULL,
	uid     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gambling_balances (
	guild_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	balance  INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS gambling_bets (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id            TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	user_name           TEXT NOT NULL DEFAULT '',
	amount              INTEGER NOT NULL,
	predicted_timestamp INTEGER NOT NULL,
	placed_at           INTEGER NOT NULL,
	betting_day         TEXT NOT NULL,
	is_active           INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_gambling_bets_active
	ON gambling_bets (guild_id, is_active);

CREATE TABLE IF NOT EXISTS gambling_jackpots (
	guild_id       TEXT PRIMARY KEY,
	current_pot    INTEGER NOT NULL DEFAULT 0,
	multiplier     INTEGER NOT NULL DEFAULT 1,
	last_reset_day TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS gambling_daily_claims (
	guild_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	claim_day TEXT NOT NULL,
	PRIMARY KEY (guild_id, user_id, claim_day)
);
`

// Store is the SQLite persistence layer shared by every feature that
// outlives a process restart.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between the schedulers
	// and the gateway handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NotificationChannel returns the guild's configured status channel,
// with ok=false when the guild has never run setchannel.
func (s *Store) NotificationChannel(ctx context.Context, guildID string) (string, bool, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id FROM guild_settings WHERE guild_id = ?`, guildID,
	).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query notification channel: %w", err)
	}
	if channelID == "" {
		return "", false, nil
	}
	return channelID, true, nil
}

func (s *Store) SetNotificationChannel(ctx context.Context, guildID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, channel_id) VALUES (?, ?)
		ON CONFLICT (guild_id) DO UPDATE SET channel_id = excluded.channel_id`,
		guildID, channelID)
	if err != nil {
		return fmt.Errorf("failed to set notification channel: %w", err)
	}
	return nil
}

// GamblingChannel returns the channel gambling commands are restricted
// to. ok=false means any channel is allowed.
func (s *Store) GamblingChannel(ctx context.Context, guildID string) (string, bool, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT gambling_channel_id FROM guild_settings WHERE guild_id = ?`, guildID,
	).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query gambling channel: %w", err)
	}
	if channelID == "" {
		return "", false, nil
	}
	return channelID, true, nil
}

func (s *Store) SetGamblingChannel(ctx context.Context, guildID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, gambling_channel_id) VALUES (?, ?)
		ON CONFLICT (guild_id) DO UPDATE SET gambling_channel_id = excluded.gambling_channel_id`,
		guildID, channelID)
	if err != nil {
		return fmt.Errorf("failed to set gambling channel: %w", err)
	}
	return nil
}

// OptIn is one user subscribed to mention-bearing notifications.
type OptIn struct {
	UserID   string
	UserName string
}

func (s *Store) AddOptIn(ctx context.Context, guildID, userID, userName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_optins (guild_id, user_id, user_name) VALUES (?, ?, ?)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET user_name = excluded.user_name`,
		guildID, userID, userName)
	if err != nil {
		return fmt.Errorf("failed to add opt-in: %w", err)
	}
	return nil
}

func (s *Store) RemoveOptIn(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_optins WHERE guild_id = ? AND user_id = ?`,
		guildID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove opt-in: %w", err)
	}
	return nil
}

func (s *Store) OptIns(ctx context.Context, guildID string) ([]OptIn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_name FROM notification_optins WHERE guild_id = ? ORDER BY user_id`,
		guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list opt-ins: %w", err)
	}
	defer rows.Close()

	var out []OptIn
	for rows.Next() {
		var o OptIn
		if err := rows.Scan(&o.UserID, &o.UserName); err != nil {
			return nil, fmt.Errorf("failed to scan opt-in: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// StoredManifestVersion returns the patch baseline, with ok=false
// before the first manifest has ever been recorded.
func (s *Store) StoredManifestVersion(ctx context.Context) (version, uid string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT version, uid FROM patch_version WHERE id = 1`,
	).Scan(&version, &uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to query patch version: %w", err)
	}
	return version, uid, true, nil
}

func (s *Store) SetStoredManifestVersion(ctx context.Context, version, uid string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patch_version (id, version, uid) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, uid = excluded.uid`,
		version, uid)
	if err != nil {
		return fmt.Errorf("failed to store patch version: %w", err)
	}
	return nil
}
