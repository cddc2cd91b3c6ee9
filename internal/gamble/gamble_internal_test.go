package gamble

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/epochwatch/epochbot/internal/store"
)

// Fixed offset stands in for the betting-day zone so tests do not
// depend on the host tzdata.
var testZone = time.FixedZone("CST", -6*60*60)

func newTestEngine(t *testing.T, now time.Time) *Engine {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "gamble.db"))
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	t.Cleanup(func() { s.Close() })

	e := NewEngine(s, testZone)
	e.now = func() time.Time { return now }
	return e
}

func TestEngine_parsePrediction(t *testing.T) {
	t.Parallel()

	// Noon in the betting zone.
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)

	tests := []struct {
		input string
		hour  int
		min   int
		sec   int
	}{
		{"18:30", 18, 30, 0},
		{"18:30:45", 18, 30, 45},
		{"6:30 PM", 18, 30, 0},
		{"6:30PM", 18, 30, 0},
		{"6:30:45 PM", 18, 30, 45},
		{"  6:30 pm  ", 18, 30, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := e.parsePrediction(tt.input)
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			want := time.Date(2025, 7, 1, tt.hour, tt.min, tt.sec, 0, testZone)
			if !got.Equal(want) {
				t.Errorf("got %s, want %s", got, want)
			}
			if got.Location() != time.UTC {
				t.Errorf("predictions should be stored in UTC, got %s", got.Location())
			}
		})
	}

	if _, err := e.parsePrediction("8:00"); !errors.Is(err, ErrPastTime) {
		t.Errorf("morning time after noon: got %v, want ErrPastTime", err)
	}
	if _, err := e.parsePrediction("whenever"); !errors.Is(err, ErrBadTime) {
		t.Errorf("got %v, want ErrBadTime", err)
	}
	if _, err := e.parsePrediction("25:99"); !errors.Is(err, ErrBadTime) {
		t.Errorf("got %v, want ErrBadTime", err)
	}
}

func TestEngine_DailyFlow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)
	ctx := context.Background()

	// Fresh users start with the grant but cannot claim yet.
	if balance, err := e.Balance(ctx, "g1", "u1"); err != nil || balance != StartingBalance {
		t.Fatalf("got balance %d err=%v, want %d", balance, err, StartingBalance)
	}
	if _, err := e.ClaimDaily(ctx, "g1", "u1"); !errors.Is(err, ErrDailyLocked) {
		t.Fatalf("got %v, want ErrDailyLocked before the first bet", err)
	}

	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 30, "18:30"); err != nil {
		t.Fatalf("PlaceBet failed: %s", err)
	}

	balance, err := e.ClaimDaily(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("ClaimDaily failed: %s", err)
	}
	if balance != StartingBalance-30+DailyAmount {
		t.Errorf("got balance %d, want %d", balance, StartingBalance-30+DailyAmount)
	}

	if _, err := e.ClaimDaily(ctx, "g1", "u1"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("got %v, want ErrAlreadyClaimed", err)
	}

	// The next betting day unlocks a new claim.
	e.now = func() time.Time { return now.Add(24 * time.Hour) }
	if _, err := e.ClaimDaily(ctx, "g1", "u1"); err != nil {
		t.Errorf("next-day claim failed: %s", err)
	}
}

func TestEngine_PlaceBetValidation(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 0, "18:30"); !errors.Is(err, ErrBadAmount) {
		t.Errorf("got %v, want ErrBadAmount", err)
	}
	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", -5, "18:30"); !errors.Is(err, ErrBadAmount) {
		t.Errorf("got %v, want ErrBadAmount", err)
	}
	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 10, "nope"); !errors.Is(err, ErrBadTime) {
		t.Errorf("got %v, want ErrBadTime", err)
	}
	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 1000, "18:30"); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}

	bet, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 10, "18:30")
	if err != nil {
		t.Fatalf("PlaceBet failed: %s", err)
	}
	if bet.BettingDay != "2025-07-01" {
		t.Errorf("got betting day %q, want 2025-07-01", bet.BettingDay)
	}
	want := time.Date(2025, 7, 1, 18, 30, 0, 0, testZone)
	if !bet.Predicted.Equal(want) {
		t.Errorf("got prediction %s, want %s", bet.Predicted, want)
	}
}

func TestEngine_ConfirmWinner(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)
	ctx := context.Background()

	if _, err := e.ConfirmWinner(ctx, "g1", now); !errors.Is(err, ErrNoBets) {
		t.Fatalf("got %v, want ErrNoBets", err)
	}

	for _, b := range []struct {
		user string
		when string
	}{
		{"near", "18:00"},
		{"far", "22:00"},
		{"mid", "19:00"},
	} {
		if _, err := e.PlaceBet(ctx, "g1", b.user, b.user, 10, b.when); err != nil {
			t.Fatalf("PlaceBet failed: %s", err)
		}
	}

	actual := time.Date(2025, 7, 1, 18, 10, 0, 0, testZone)
	res, err := e.ConfirmWinner(ctx, "g1", actual)
	if err != nil {
		t.Fatalf("ConfirmWinner failed: %s", err)
	}

	if res.Pot != 30 {
		t.Errorf("got pot %d, want 30", res.Pot)
	}
	if len(res.Winners) != 1 || res.Winners[0].UserID != "near" {
		t.Errorf("unexpected winners: %#v", res.Winners)
	}
	if diff := cmp.Diff(map[string]int64{"near": 30}, res.Shares); diff != "" {
		t.Errorf("unexpected shares:\n%s", diff)
	}

	// Winner balance: 100 - 10 stake + 30 pot.
	if balance, _ := e.Balance(ctx, "g1", "near"); balance != 120 {
		t.Errorf("got balance %d, want 120", balance)
	}

	// Settlement closes the book.
	if bets, _ := e.ActiveBets(ctx, "g1"); len(bets) != 0 {
		t.Errorf("bets should be archived after settlement")
	}
	if _, err := e.ConfirmWinner(ctx, "g1", actual); !errors.Is(err, ErrNoBets) {
		t.Errorf("got %v, want ErrNoBets after settlement", err)
	}
}

func TestEngine_ConfirmWinnerTieSplit(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)
	ctx := context.Background()

	// 17:50 and 18:10 are equally far from 18:00; the pot of 45 splits
	// 15/15/15 is impossible with two winners, so the earlier bet takes
	// the odd chip.
	if _, err := e.PlaceBet(ctx, "g1", "early", "early", 25, "17:50"); err != nil {
		t.Fatalf("PlaceBet failed: %s", err)
	}
	if _, err := e.PlaceBet(ctx, "g1", "late", "late", 20, "18:10"); err != nil {
		t.Fatalf("PlaceBet failed: %s", err)
	}

	actual := time.Date(2025, 7, 1, 18, 0, 0, 0, testZone)
	res, err := e.ConfirmWinner(ctx, "g1", actual)
	if err != nil {
		t.Fatalf("ConfirmWinner failed: %s", err)
	}

	if len(res.Winners) != 2 {
		t.Fatalf("expected a tie, got %#v", res.Winners)
	}
	want := map[string]int64{"early": 23, "late": 22}
	if diff := cmp.Diff(want, res.Shares); diff != "" {
		t.Errorf("unexpected shares:\n%s", diff)
	}
}

func TestEngine_FalseAlarm(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 10, "18:30"); err != nil {
		t.Fatalf("PlaceBet failed: %s", err)
	}

	jackpot, open, err := e.FalseAlarm(ctx, "g1")
	if err != nil {
		t.Fatalf("FalseAlarm failed: %s", err)
	}
	if jackpot.Pot != 10 || open != 1 {
		t.Errorf("got pot=%d open=%d, want 10/1", jackpot.Pot, open)
	}

	// Nothing moved.
	if bets, _ := e.ActiveBets(ctx, "g1"); len(bets) != 1 {
		t.Errorf("false alarm must keep bets open")
	}
}

func TestEngine_RolloverAndDonate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, testZone)
	e := newTestEngine(t, now)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "g1", "u1", "alpha", 10, "18:30"); err != nil {
		t.Fatalf("PlaceBet failed: %s", err)
	}

	e.now = func() time.Time { return now.Add(24 * time.Hour) }
	j, err := e.Rollover(ctx, "g1")
	if err != nil {
		t.Fatalf("Rollover failed: %s", err)
	}
	if j.Pot != 10 || j.Multiplier != 2 {
		t.Errorf("got pot=%d multiplier=%d, want 10/2", j.Pot, j.Multiplier)
	}

	if _, err := e.Balance(ctx, "g1", "u2"); err != nil {
		t.Fatalf("Balance failed: %s", err)
	}
	if err := e.Donate(ctx, "g1", "u1", "u2"); err != nil {
		t.Fatalf("Donate failed: %s", err)
	}
	if balance, _ := e.Balance(ctx, "g1", "u2"); balance != StartingBalance+DonationAmount {
		t.Errorf("got recipient balance %d, want %d", balance, StartingBalance+DonationAmount)
	}
}
