package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientFunds is returned when a bet or donation exceeds the
// user's balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Bet is one wager on the server coming online at a predicted time.
type Bet struct {
	ID         int64
	GuildID    string
	UserID     string
	UserName   string
	Amount     int64
	Predicted  time.Time
	PlacedAt   time.Time
	BettingDay string
	Active     bool
}

// Jackpot is the per-guild pot state.
type Jackpot struct {
	Pot          int64
	Multiplier   int64
	LastResetDay string
}

// EnsureBalance returns the user's balance, creating the row with
// starting funds on first contact.
func (s *Store) EnsureBalance(ctx context.Context, guildID, userID string, starting int64) (int64, error) {
	var balance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gambling_balances (guild_id, user_id, balance) VALUES (?, ?, ?)
			ON CONFLICT (guild_id, user_id) DO NOTHING`,
			guildID, userID, starting); err != nil {
			return fmt.Errorf("failed to seed balance: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT balance FROM gambling_balances WHERE guild_id = ? AND user_id = ?`,
			guildID, userID).Scan(&balance)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// HasEverBet reports whether the user has placed at least one bet in
// the guild, active or archived.
func (s *Store) HasEverBet(ctx context.Context, guildID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gambling_bets WHERE guild_id = ? AND user_id = ?`,
		guildID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count bets: %w", err)
	}
	return n > 0, nil
}

// ClaimDaily credits amount once per claim day. It returns false
// without touching the balance when the day was already claimed.
func (s *Store) ClaimDaily(ctx context.Context, guildID, userID, day string, amount int64) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO gambling_daily_claims (guild_id, user_id, claim_day) VALUES (?, ?, ?)
			ON CONFLICT (guild_id, user_id, claim_day) DO NOTHING`,
			guildID, userID, day)
		if err != nil {
			return fmt.Errorf("failed to record daily claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to inspect daily claim: %w", err)
		}
		if n == 0 {
			return nil
		}
		claimed = true
		if _, err := tx.ExecContext(ctx, `
			UPDATE gambling_balances SET balance = balance + ?
			WHERE guild_id = ? AND user_id = ?`,
			amount, guildID, userID); err != nil {
			return fmt.Errorf("failed to credit daily claim: %w", err)
		}
		return nil
	})
	return claimed, err
}

// PlaceBet deducts the stake, records the bet, and feeds the guild
// jackpot with the stake times the current multiplier.
func (s *Store) PlaceBet(ctx context.Context, b Bet) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM gambling_balances WHERE guild_id = ? AND user_id = ?`,
			b.GuildID, b.UserID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return fmt.Errorf("failed to query balance: %w", err)
		}
		if balance < b.Amount {
			return ErrInsufficientFunds
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE gambling_balances SET balance = balance - ?
			WHERE guild_id = ? AND user_id = ?`,
			b.Amount, b.GuildID, b.UserID); err != nil {
			return fmt.Errorf("failed to deduct stake: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gambling_bets
				(guild_id, user_id, user_name, amount, predicted_timestamp, placed_at, betting_day, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			b.GuildID, b.UserID, b.UserName, b.Amount,
			b.Predicted.Unix(), b.PlacedAt.Unix(), b.BettingDay); err != nil {
			return fmt.Errorf("failed to record bet: %w", err)
		}

		var multiplier int64
		err = tx.QueryRowContext(ctx,
			`SELECT multiplier FROM gambling_jackpots WHERE guild_id = ?`,
			b.GuildID).Scan(&multiplier)
		if errors.Is(err, sql.ErrNoRows) {
			multiplier = 1
		} else if err != nil {
			return fmt.Errorf("failed to query jackpot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gambling_jackpots (guild_id, current_pot, multiplier) VALUES (?, ?, ?)
			ON CONFLICT (guild_id) DO UPDATE SET current_pot = current_pot + excluded.current_pot`,
			b.GuildID, b.Amount*multiplier, multiplier); err != nil {
			return fmt.Errorf("failed to feed jackpot: %w", err)
		}
		return nil
	})
}

// ActiveBets lists the guild's open bets, oldest first.
func (s *Store) ActiveBets(ctx context.Context, guildID string) ([]Bet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, user_name, amount, predicted_timestamp, placed_at, betting_day
		FROM gambling_bets WHERE guild_id = ? AND is_active = 1 ORDER BY id`,
		guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets: %w", err)
	}
	defer rows.Close()

	var out []Bet
	for rows.Next() {
		var b Bet
		var predicted, placed int64
		if err := rows.Scan(&b.ID, &b.GuildID, &b.UserID, &b.UserName,
			&b.Amount, &predicted, &placed, &b.BettingDay); err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		b.Predicted = time.Unix(predicted, 0).UTC()
		b.PlacedAt = time.Unix(placed, 0).UTC()
		b.Active = true
		out = append(out, b)
	}
	return out, rows.Err()
}

// GuildJackpot returns the pot state, defaulting to an empty pot with
// multiplier 1 for guilds that have never gambled.
func (s *Store) GuildJackpot(ctx context.Context, guildID string) (Jackpot, error) {
	j := Jackpot{Multiplier: 1}
	err := s.db.QueryRowContext(ctx,
		`SELECT current_pot, multiplier, last_reset_day FROM gambling_jackpots WHERE guild_id = ?`,
		guildID).Scan(&j.Pot, &j.Multiplier, &j.LastResetDay)
	if errors.Is(err, sql.ErrNoRows) {
		return j, nil
	}
	if err != nil {
		return Jackpot{}, fmt.Errorf("failed to query jackpot: %w", err)
	}
	return j, nil
}

// RolloverJackpot archives the day's bets and doubles the multiplier.
// The pot itself carries over to the next day. Calling it twice for
// the same day is a no-op.
func (s *Store) RolloverJackpot(ctx context.Context, guildID, day string) (Jackpot, error) {
	var j Jackpot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lastReset string
		err := tx.QueryRowContext(ctx,
			`SELECT last_reset_day FROM gambling_jackpots WHERE guild_id = ?`,
			guildID).Scan(&lastReset)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query jackpot: %w", err)
		}
		if lastReset == day {
			return tx.QueryRowContext(ctx,
				`SELECT current_pot, multiplier, last_reset_day FROM gambling_jackpots WHERE guild_id = ?`,
				guildID).Scan(&j.Pot, &j.Multiplier, &j.LastResetDay)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE gambling_bets SET is_active = 0 WHERE guild_id = ? AND is_active = 1`,
			guildID); err != nil {
			return fmt.Errorf("failed to archive bets: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gambling_jackpots (guild_id, current_pot, multiplier, last_reset_day)
			VALUES (?, 0, 2, ?)
			ON CONFLICT (guild_id) DO UPDATE SET
				multiplier = multiplier * 2,
				last_reset_day = excluded.last_reset_day`,
			guildID, day); err != nil {
			return fmt.Errorf("failed to roll jackpot over: %w", err)
		}

		return tx.QueryRowContext(ctx,
			`SELECT current_pot, multiplier, last_reset_day FROM gambling_jackpots WHERE guild_id = ?`,
			guildID).Scan(&j.Pot, &j.Multiplier, &j.LastResetDay)
	})
	if err != nil {
		return Jackpot{}, err
	}
	return j, nil
}

// AwardPot credits each winner's share, archives the open bets, and
// resets the pot to empty with multiplier 1.
func (s *Store) AwardPot(ctx context.Context, guildID string, shares map[string]int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for userID, share := range shares {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO gambling_balances (guild_id, user_id, balance) VALUES (?, ?, ?)
				ON CONFLICT (guild_id, user_id) DO UPDATE SET balance = balance + excluded.balance`,
				guildID, userID, share); err != nil {
				return fmt.Errorf("failed to credit winner: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE gambling_bets SET is_active = 0 WHERE guild_id = ? AND is_active = 1`,
			guildID); err != nil {
			return fmt.Errorf("failed to archive bets: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE gambling_jackpots SET current_pot = 0, multiplier = 1 WHERE guild_id = ?`,
			guildID); err != nil {
			return fmt.Errorf("failed to reset jackpot: %w", err)
		}
		return nil
	})
}

// Donate moves amount between two users of the same guild. The
// recipient row is created if missing; the donor must already exist
// and cover the amount.
func (s *Store) Donate(ctx context.Context, guildID, fromUser, toUser string, amount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM gambling_balances WHERE guild_id = ? AND user_id = ?`,
			guildID, fromUser).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return fmt.Errorf("failed to query donor balance: %w", err)
		}
		if balance < amount {
			return ErrInsufficientFunds
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE gambling_balances SET balance = balance - ?
			WHERE guild_id = ? AND user_id = ?`,
			amount, guildID, fromUser); err != nil {
			return fmt.Errorf("failed to debit donor: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gambling_balances (guild_id, user_id, balance) VALUES (?, ?, ?)
			ON CONFLICT (guild_id, user_id) DO UPDATE SET balance = balance + excluded.balance`,
			guildID, toUser, amount); err != nil {
			return fmt.Errorf("failed to credit recipient: %w", err)
		}
		return nil
	})
}
