package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/epochwatch/epochbot/internal/logger"
)

type fakeGuilds struct {
	list []Guild
}

func (f fakeGuilds) Guilds() []Guild {
	return f.list
}

type fakeChannels struct {
	channels map[string]string
	errFor   map[string]error
}

func (f fakeChannels) NotificationChannel(ctx context.Context, guildID string) (string, bool, error) {
	if err := f.errFor[guildID]; err != nil {
		return "", false, err
	}
	ch, ok := f.channels[guildID]
	return ch, ok, nil
}

type notifierCall struct {
	Guild   string
	Kind    string
	World   string
	Outcome VerifyOutcome
}

type fakeNotifier struct {
	calls   []notifierCall
	failFor map[string]error
}

func (n *fakeNotifier) record(g Guild, kind, world string, outcome VerifyOutcome) error {
	if err := n.failFor[g.ID]; err != nil {
		return err
	}
	n.calls = append(n.calls, notifierCall{Guild: g.ID, Kind: kind, World: world, Outcome: outcome})
	return nil
}

func (n *fakeNotifier) AuthOnline(ctx context.Context, g Guild, channelID string) error {
	return n.record(g, "auth-online", "", 0)
}

func (n *fakeNotifier) AuthOffline(ctx context.Context, g Guild, channelID string) error {
	return n.record(g, "auth-offline", "", 0)
}

func (n *fakeNotifier) WorldOnline(ctx context.Context, g Guild, channelID, world string) error {
	return n.record(g, "world-online", world, 0)
}

func (n *fakeNotifier) WorldOffline(ctx context.Context, g Guild, channelID, world string) error {
	return n.record(g, "world-offline", world, 0)
}

func (n *fakeNotifier) BeginVerification(ctx context.Context, g Guild, channelID, world string) (MessageRef, error) {
	if err := n.failFor[g.ID]; err != nil {
		return MessageRef{}, err
	}
	n.calls = append(n.calls, notifierCall{Guild: g.ID, Kind: "begin-verify", World: world})
	return MessageRef{ChannelID: channelID, MessageID: fmt.Sprintf("msg-%d", len(n.calls))}, nil
}

func (n *fakeNotifier) ResolveVerification(ctx context.Context, g Guild, ref MessageRef, world string, outcome VerifyOutcome) error {
	return n.record(g, "resolve-verify", world, outcome)
}

type testHarness struct {
	prober   *fakeProber
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newHarness(guilds []Guild, channels map[string]string, channelErrs map[string]error) *testHarness {
	prober := &fakeProber{results: map[string]bool{}}
	notifier := &fakeNotifier{failFor: map[string]error{}}
	tracker := NewTracker(prober)

	orch := NewOrchestrator(
		OrchestratorConfig{Endpoints: testEndpoints, VerifyDelay: time.Millisecond},
		tracker,
		prober,
		fakeGuilds{guilds},
		fakeChannels{channels: channels, errFor: channelErrs},
		notifier,
		logger.Nop(),
	)
	orch.sleep = func(ctx context.Context, d time.Duration) {}

	return &testHarness{prober: prober, notifier: notifier, orch: orch}
}

func (h *testHarness) warmup(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := h.orch.Tick(ctx); err != nil {
			t.Fatalf("warmup tick %d failed: %s", i+1, err)
		}
	}
	if len(h.notifier.calls) != 0 {
		t.Fatalf("warmup ticks must not notify, got %v", h.notifier.calls)
	}
	if !h.orch.Live() {
		t.Fatalf("orchestrator should be live after 3 ticks")
	}
}

func oneGuild() ([]Guild, map[string]string) {
	return []Guild{{ID: "g1", Name: "Guild One"}}, map[string]string{"g1": "chan1"}
}

func TestOrchestrator_warmupSeedsState(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	// Everything is already online at process start; without the grace
	// period every restart would replay this as three notifications.
	h.prober.set("auth", true)
	h.prober.set("kezan", true)
	h.prober.set("gurubashi", true)

	h.warmup(t)

	// The first live tick sees the same state and stays silent.
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}
	if len(h.notifier.calls) != 0 {
		t.Errorf("seeded state must not re-notify, got %v", h.notifier.calls)
	}

	// A real transition after warmup still fires.
	h.prober.set("auth", false)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}
	want := []notifierCall{{Guild: "g1", Kind: "auth-offline"}}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_authTransitions(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)
	h.warmup(t)

	ctx := context.Background()

	h.prober.set("auth", true)
	if err := h.orch.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	// Repeated ticks with the same state stay silent.
	h.orch.Tick(ctx)
	h.orch.Tick(ctx)

	h.prober.set("auth", false)
	h.orch.Tick(ctx)

	want := []notifierCall{
		{Guild: "g1", Kind: "auth-online"},
		{Guild: "g1", Kind: "auth-offline"},
	}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_verificationConfirmed(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	h.prober.set("auth", true)
	h.warmup(t)

	h.prober.set("kezan", true)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{
		{Guild: "g1", Kind: "begin-verify", World: "Kezan"},
		{Guild: "g1", Kind: "resolve-verify", World: "Kezan", Outcome: VerifyConfirmed},
	}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}

	// State advanced; the next tick is silent.
	h.notifier.calls = nil
	h.orch.Tick(context.Background())
	if len(h.notifier.calls) != 0 {
		t.Errorf("confirmed transition should not re-fire, got %v", h.notifier.calls)
	}
}

func TestOrchestrator_verificationFailed(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	h.prober.set("auth", true)
	h.warmup(t)

	// Kezan looks up at tick time but is gone again by the re-check.
	h.prober.set("kezan", true)
	h.orch.sleep = func(ctx context.Context, d time.Duration) {
		h.prober.set("kezan", false)
	}

	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{
		{Guild: "g1", Kind: "begin-verify", World: "Kezan"},
		{Guild: "g1", Kind: "resolve-verify", World: "Kezan", Outcome: VerifyFailed},
	}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}

	// The cached kezan state stayed false, so a genuine later online
	// transition verifies again and succeeds this time.
	h.notifier.calls = nil
	h.prober.set("kezan", true)
	h.orch.sleep = func(ctx context.Context, d time.Duration) {}

	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want = []notifierCall{
		{Guild: "g1", Kind: "begin-verify", World: "Kezan"},
		{Guild: "g1", Kind: "resolve-verify", World: "Kezan", Outcome: VerifyConfirmed},
	}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_verificationInconclusive(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	h.prober.set("auth", true)
	h.warmup(t)

	ctx, cancel := context.WithCancel(context.Background())

	h.prober.set("kezan", true)
	h.orch.sleep = func(ctx context.Context, d time.Duration) {
		// Shutdown arrives during the verification wait.
		cancel()
	}

	if err := h.orch.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{
		{Guild: "g1", Kind: "begin-verify", World: "Kezan"},
		{Guild: "g1", Kind: "resolve-verify", World: "Kezan", Outcome: VerifyInconclusive},
	}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_worldOnlineWhileAuthDown(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)
	h.warmup(t)

	// Auth is still down; world servers announce without verification.
	h.prober.set("kezan", true)
	h.prober.set("gurubashi", true)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	counts := map[string]int{}
	for _, c := range h.notifier.calls {
		counts[c.Kind+"/"+c.World]++
	}
	want := map[string]int{"world-online/Kezan": 1, "world-online/Gurubashi": 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_gurubashiSkipsVerification(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	h.prober.set("auth", true)
	h.warmup(t)

	h.prober.set("gurubashi", true)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{{Guild: "g1", Kind: "world-online", World: "Gurubashi"}}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_worldOffline(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	h.prober.set("auth", true)
	h.prober.set("kezan", true)
	h.warmup(t)

	h.prober.set("kezan", false)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{{Guild: "g1", Kind: "world-offline", World: "Kezan"}}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_guildIsolation(t *testing.T) {
	t.Parallel()

	guilds := []Guild{
		{ID: "broken", Name: "Broken"},
		{ID: "lookup-fails", Name: "Lookup Fails"},
		{ID: "healthy", Name: "Healthy"},
	}
	channels := map[string]string{"broken": "chanA", "healthy": "chanB"}
	channelErrs := map[string]error{"lookup-fails": errors.New("store offline")}

	h := newHarness(guilds, channels, channelErrs)
	h.notifier.failFor["broken"] = errors.New("missing permissions")
	h.warmup(t)

	h.prober.set("auth", true)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{{Guild: "healthy", Kind: "auth-online"}}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("failures in one guild must not affect others:\n%s", diff)
	}
}

func TestOrchestrator_guildJoinedAfterWarmup(t *testing.T) {
	t.Parallel()

	source := &fakeGuilds{list: []Guild{{ID: "g1"}}}
	prober := &fakeProber{results: map[string]bool{"auth": true}}
	notifier := &fakeNotifier{failFor: map[string]error{}}
	tracker := NewTracker(prober)

	orch := NewOrchestrator(
		OrchestratorConfig{Endpoints: testEndpoints, VerifyDelay: time.Millisecond},
		tracker,
		prober,
		source,
		fakeChannels{channels: map[string]string{"g1": "c1", "g2": "c2"}},
		notifier,
		logger.Nop(),
	)
	orch.sleep = func(ctx context.Context, d time.Duration) {}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := orch.Tick(ctx); err != nil {
			t.Fatalf("tick failed: %s", err)
		}
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("unexpected calls: %v", notifier.calls)
	}

	// A guild that joins after startup begins with a clean slate and
	// immediately learns the current auth state.
	source.list = append(source.list, Guild{ID: "g2"})
	if err := orch.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %s", err)
	}

	want := []notifierCall{{Guild: "g2", Kind: "auth-online"}}
	if diff := cmp.Diff(want, notifier.calls); diff != "" {
		t.Errorf("unexpected calls:\n%s", diff)
	}
}

func TestOrchestrator_overlappingTicksSerialized(t *testing.T) {
	t.Parallel()

	guilds, channels := oneGuild()
	h := newHarness(guilds, channels, nil)

	h.prober.set("auth", true)
	h.warmup(t)

	ctx := context.Background()

	// The verification wait can outlast the scheduling interval. Fire
	// the next tick from inside the wait, the way a scheduler with a
	// short interval would; it must not re-enter verification for the
	// same transition.
	second := make(chan error, 1)
	h.orch.sleep = func(ctx context.Context, d time.Duration) {
		go func() { second <- h.orch.Tick(ctx) }()
	}

	h.prober.set("kezan", true)
	if err := h.orch.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %s", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("overlapping tick failed: %s", err)
	}

	want := []notifierCall{
		{Guild: "g1", Kind: "begin-verify", World: "Kezan"},
		{Guild: "g1", Kind: "resolve-verify", World: "Kezan", Outcome: VerifyConfirmed},
	}
	if diff := cmp.Diff(want, h.notifier.calls); diff != "" {
		t.Errorf("one transition notified more than once:\n%s", diff)
	}
}
