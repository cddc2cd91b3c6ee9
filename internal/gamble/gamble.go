package gamble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/epochwatch/epochbot/internal/store"
)

const (
	// StartingBalance is granted on a user's first interaction.
	StartingBalance = 100

	// DailyAmount is the once-per-day claim, unlocked by placing a
	// first bet.
	DailyAmount = 50

	// DonationAmount is moved per charity reaction on a broke post.
	DonationAmount = 5
)

// DayName is the IANA zone whose calendar day scopes daily claims,
// betting days, and the midnight rollover.
const DayName = "America/Chicago"

var (
	ErrBadTime        = errors.New("unrecognized time, try \"18:30\" or \"6:30 PM\"")
	ErrPastTime       = errors.New("that time has already passed today")
	ErrBadAmount      = errors.New("the stake must be a positive amount")
	ErrDailyLocked    = errors.New("place a bet first to unlock daily claims")
	ErrAlreadyClaimed = errors.New("daily already claimed today")
	ErrNoBets         = errors.New("no active bets")
)

// CurrentTime is a replaceable clock source for testing.
var CurrentTime = time.Now

// Ledger is the slice of the store the engine needs.
type Ledger interface {
	EnsureBalance(ctx context.Context, guildID, userID string, starting int64) (int64, error)
	HasEverBet(ctx context.Context, guildID, userID string) (bool, error)
	ClaimDaily(ctx context.Context, guildID, userID, day string, amount int64) (bool, error)
	PlaceBet(ctx context.Context, b store.Bet) error
	ActiveBets(ctx context.Context, guildID string) ([]store.Bet, error)
	GuildJackpot(ctx context.Context, guildID string) (store.Jackpot, error)
	RolloverJackpot(ctx context.Context, guildID, day string) (store.Jackpot, error)
	AwardPot(ctx context.Context, guildID string, shares map[string]int64) error
	Donate(ctx context.Context, guildID, fromUser, toUser string, amount int64) error
}

// Engine implements the betting minigame rules on top of a Ledger.
type Engine struct {
	ledger Ledger
	loc    *time.Location

	now func() time.Time
}

func NewEngine(ledger Ledger, loc *time.Location) *Engine {
	return &Engine{
		ledger: ledger,
		loc:    loc,
		now:    func() time.Time { return CurrentTime() },
	}
}

// Location returns the betting-day zone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// DayKey is the betting-day key for t.
func (e *Engine) DayKey(t time.Time) string {
	return t.In(e.loc).Format("2006-01-02")
}

// Balance returns the user's balance, seeding a new user with the
// starting funds.
func (e *Engine) Balance(ctx context.Context, guildID, userID string) (int64, error) {
	return e.ledger.EnsureBalance(ctx, guildID, userID, StartingBalance)
}

// ClaimDaily credits the daily amount. Claims are locked until the
// user has placed a first bet and are limited to one per betting day.
func (e *Engine) ClaimDaily(ctx context.Context, guildID, userID string) (int64, error) {
	ever, err := e.ledger.HasEverBet(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	if !ever {
		return 0, ErrDailyLocked
	}

	if _, err := e.ledger.EnsureBalance(ctx, guildID, userID, StartingBalance); err != nil {
		return 0, err
	}

	day := e.DayKey(e.now())
	claimed, err := e.ledger.ClaimDaily(ctx, guildID, userID, day, DailyAmount)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, ErrAlreadyClaimed
	}

	return e.ledger.EnsureBalance(ctx, guildID, userID, StartingBalance)
}

// Accepted clock formats for bet predictions.
var betTimeFormats = []string{
	"15:04:05",
	"15:04",
	"3:04:05 PM",
	"3:04 PM",
	"3:04PM",
}

// ParseClock turns a clock string into a concrete instant on ref's
// calendar day in loc. The instant may be in the past.
func ParseClock(raw string, ref time.Time, loc *time.Location) (time.Time, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))

	for _, format := range betTimeFormats {
		parsed, err := time.Parse(format, raw)
		if err != nil {
			continue
		}
		day := ref.In(loc)
		return time.Date(day.Year(), day.Month(), day.Day(),
			parsed.Hour(), parsed.Minute(), parsed.Second(), 0, loc).UTC(), nil
	}

	return time.Time{}, ErrBadTime
}

// parsePrediction parses a bet's clock string and rejects instants
// that have already passed.
func (e *Engine) parsePrediction(raw string) (time.Time, error) {
	now := e.now()
	candidate, err := ParseClock(raw, now, e.loc)
	if err != nil {
		return time.Time{}, err
	}
	if !candidate.After(now) {
		return time.Time{}, ErrPastTime
	}
	return candidate, nil
}

// PlaceBet validates and records a wager that the server comes online
// at the given clock time today.
func (e *Engine) PlaceBet(ctx context.Context, guildID, userID, userName string, amount int64, when string) (store.Bet, error) {
	if amount <= 0 {
		return store.Bet{}, ErrBadAmount
	}

	predicted, err := e.parsePrediction(when)
	if err != nil {
		return store.Bet{}, err
	}

	if _, err := e.ledger.EnsureBalance(ctx, guildID, userID, StartingBalance); err != nil {
		return store.Bet{}, err
	}

	now := e.now()
	bet := store.Bet{
		GuildID:    guildID,
		UserID:     userID,
		UserName:   userName,
		Amount:     amount,
		Predicted:  predicted,
		PlacedAt:   now.UTC(),
		BettingDay: e.DayKey(now),
	}
	if err := e.ledger.PlaceBet(ctx, bet); err != nil {
		return store.Bet{}, err
	}
	return bet, nil
}

// ActiveBets lists the guild's open bets.
func (e *Engine) ActiveBets(ctx context.Context, guildID string) ([]store.Bet, error) {
	return e.ledger.ActiveBets(ctx, guildID)
}

// Jackpot returns the guild's pot state.
func (e *Engine) Jackpot(ctx context.Context, guildID string) (store.Jackpot, error) {
	return e.ledger.GuildJackpot(ctx, guildID)
}

// Rollover archives today's bets and doubles the pot multiplier. Run
// at midnight in the betting-day zone; manual runs for the same day
// are harmless.
func (e *Engine) Rollover(ctx context.Context, guildID string) (store.Jackpot, error) {
	return e.ledger.RolloverJackpot(ctx, guildID, e.DayKey(e.now()))
}

// Result is a settled jackpot.
type Result struct {
	Pot     int64
	Winners []store.Bet
	Shares  map[string]int64
}

// ConfirmWinner settles the pot against the actual online time: the
// bet(s) closest to it win, ties split the pot evenly with any
// remainder going to the earliest bet.
func (e *Engine) ConfirmWinner(ctx context.Context, guildID string, actual time.Time) (Result, error) {
	bets, err := e.ledger.ActiveBets(ctx, guildID)
	if err != nil {
		return Result{}, err
	}
	if len(bets) == 0 {
		return Result{}, ErrNoBets
	}

	jackpot, err := e.ledger.GuildJackpot(ctx, guildID)
	if err != nil {
		return Result{}, err
	}

	distance := func(b store.Bet) time.Duration {
		d := b.Predicted.Sub(actual)
		if d < 0 {
			d = -d
		}
		return d
	}

	var winners []store.Bet
	best := time.Duration(-1)
	for _, b := range bets {
		d := distance(b)
		switch {
		case best < 0 || d < best:
			best = d
			winners = winners[:0]
			winners = append(winners, b)
		case d == best:
			winners = append(winners, b)
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].ID < winners[j].ID })

	shares := make(map[string]int64, len(winners))
	share := jackpot.Pot / int64(len(winners))
	remainder := jackpot.Pot % int64(len(winners))
	for i, w := range winners {
		s := share
		if i == 0 {
			s += remainder
		}
		shares[w.UserID] += s
	}

	if err := e.ledger.AwardPot(ctx, guildID, shares); err != nil {
		return Result{}, fmt.Errorf("failed to pay the pot out: %w", err)
	}

	return Result{Pot: jackpot.Pot, Winners: winners, Shares: shares}, nil
}

// FalseAlarm reports the untouched pot and open bet count after a
// launch that turned out not to be real. Bets and pot stay as they
// are.
func (e *Engine) FalseAlarm(ctx context.Context, guildID string) (store.Jackpot, int, error) {
	jackpot, err := e.ledger.GuildJackpot(ctx, guildID)
	if err != nil {
		return store.Jackpot{}, 0, err
	}
	bets, err := e.ledger.ActiveBets(ctx, guildID)
	if err != nil {
		return store.Jackpot{}, 0, err
	}
	return jackpot, len(bets), nil
}

// Donate moves the fixed charity amount from one user to another.
func (e *Engine) Donate(ctx context.Context, guildID, fromUser, toUser string) error {
	if _, err := e.ledger.EnsureBalance(ctx, guildID, fromUser, StartingBalance); err != nil {
		return err
	}
	return e.ledger.Donate(ctx, guildID, fromUser, toUser, DonationAmount)
}
