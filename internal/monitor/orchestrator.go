package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/probe"
)

// Guild identifies one Discord guild the bot is a member of.
type Guild struct {
	ID   string
	Name string
}

// GuildSource enumerates the currently joined guilds.
type GuildSource interface {
	Guilds() []Guild
}

// ChannelStore resolves a guild's configured notification channel.
type ChannelStore interface {
	NotificationChannel(ctx context.Context, guildID string) (channelID string, ok bool, err error)
}

// VerifyOutcome is the result of the two-phase world-online check.
type VerifyOutcome int

const (
	// VerifyConfirmed means both auth and the world server were still
	// online at re-check; the real notification goes out.
	VerifyConfirmed VerifyOutcome = iota

	// VerifyFailed means at least one of them had flipped back offline.
	VerifyFailed

	// VerifyInconclusive means the re-check itself could not run to
	// completion. Distinct from both other outcomes; no notification
	// is sent and the guild state is not advanced.
	VerifyInconclusive
)

func (o VerifyOutcome) String() string {
	switch o {
	case VerifyConfirmed:
		return "confirmed"
	case VerifyFailed:
		return "failed"
	case VerifyInconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// MessageRef points at a previously sent message so it can be edited.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Notifier delivers transition notifications. Content and formatting
// live behind this interface; the orchestrator only decides *that* a
// guild is notified, never what the message looks like.
type Notifier interface {
	AuthOnline(ctx context.Context, g Guild, channelID string) error
	AuthOffline(ctx context.Context, g Guild, channelID string) error

	// WorldOnline announces a world server that came up without the
	// verification protocol (either auth is down, or the world is not
	// subject to verification).
	WorldOnline(ctx context.Context, g Guild, channelID, world string) error
	WorldOffline(ctx context.Context, g Guild, channelID, world string) error

	// BeginVerification posts the provisional "verifying" message.
	BeginVerification(ctx context.Context, g Guild, channelID, world string) (MessageRef, error)

	// ResolveVerification edits the provisional message according to
	// the outcome. VerifyConfirmed produces the mention-bearing
	// world-online announcement.
	ResolveVerification(ctx context.Context, g Guild, ref MessageRef, world string, outcome VerifyOutcome) error
}

// OrchestratorConfig carries the deployment-fixed pieces of the
// notification engine.
type OrchestratorConfig struct {
	Endpoints []probe.Endpoint

	// AuthService names the endpoint that gates logins. Default "Auth".
	AuthService string

	// VerifiedWorld names the world server whose online transition is
	// noisy enough to need the two-phase check. Default "Kezan".
	VerifiedWorld string

	// WarmupTicks suppresses notifications for the first N ticks after
	// start, so a bot restart does not replay the current state as a
	// burst of transitions. Default 3.
	WarmupTicks int

	// VerifyDelay is the wait between the provisional message and the
	// re-check. Default 10s.
	VerifyDelay time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.AuthService == "" {
		c.AuthService = "Auth"
	}
	if c.VerifiedWorld == "" {
		c.VerifiedWorld = "Kezan"
	}
	if c.WarmupTicks == 0 {
		c.WarmupTicks = 3
	}
	if c.VerifyDelay == 0 {
		c.VerifyDelay = 10 * time.Second
	}
	return c
}

// guildState is the per-guild last-notified state. It deliberately
// lives apart from the Tracker's global state: each guild's
// notification history is independent even though the underlying
// service state is shared.
type guildState struct {
	auth   bool
	worlds map[string]bool
}

// Orchestrator runs the per-tick notification state machine.
type Orchestrator struct {
	cfg      OrchestratorConfig
	tracker  *Tracker
	prober   probe.Prober
	guilds   GuildSource
	channels ChannelStore
	notifier Notifier
	log      logger.Logger

	endpointsByName map[string]probe.Endpoint
	worldNames      []string

	// mu serializes ticks. The verification wait can push a tick past
	// the scheduling interval, and an overlapping tick would re-enter
	// the verification sub-protocol before states has advanced.
	mu     sync.Mutex
	tick   int
	live   bool
	states map[string]*guildState

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewOrchestrator(cfg OrchestratorConfig, tracker *Tracker, prober probe.Prober, guilds GuildSource, channels ChannelStore, notifier Notifier, log logger.Logger) *Orchestrator {
	cfg = cfg.withDefaults()

	byName := make(map[string]probe.Endpoint, len(cfg.Endpoints))
	var worlds []string
	for _, e := range cfg.Endpoints {
		byName[e.Name] = e
		if e.Name != cfg.AuthService {
			worlds = append(worlds, e.Name)
		}
	}

	return &Orchestrator{
		cfg:             cfg,
		tracker:         tracker,
		prober:          prober,
		guilds:          guilds,
		channels:        channels,
		notifier:        notifier,
		log:             log,
		endpointsByName: byName,
		worldNames:      worlds,
		states:          make(map[string]*guildState),
		sleep:           sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Live reports whether the startup grace period is over.
func (o *Orchestrator) Live() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// Tick runs one round: refresh all probes, then evaluate every guild
// against its last-notified state. Guild failures are isolated; an
// error return only means the tick as a whole could not run.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := o.tracker.Refresh(ctx, o.cfg.Endpoints)

	if !o.live {
		o.tick++
		for _, g := range o.guilds.Guilds() {
			o.seedGuild(g, snapshot)
		}
		if o.tick >= o.cfg.WarmupTicks {
			o.live = true
		}
		o.log.Debug("warming up, notifications suppressed",
			logger.Int("tick", o.tick),
			logger.Int("warmup_ticks", o.cfg.WarmupTicks))
		return nil
	}

	for _, g := range o.guilds.Guilds() {
		o.evaluateGuild(ctx, g, snapshot)
	}

	return nil
}

func (o *Orchestrator) seedGuild(g Guild, snapshot map[string]ServiceStatus) {
	st := o.state(g)
	st.auth = snapshot[o.cfg.AuthService].Online
	for _, w := range o.worldNames {
		st.worlds[w] = snapshot[w].Online
	}
}

func (o *Orchestrator) state(g Guild) *guildState {
	st, ok := o.states[g.ID]
	if !ok {
		st = &guildState{worlds: make(map[string]bool, len(o.worldNames))}
		o.states[g.ID] = st
	}
	return st
}

// evaluateGuild is the per-guild isolation boundary: nothing that
// happens inside may stop the tick for other guilds.
func (o *Orchestrator) evaluateGuild(ctx context.Context, g Guild, snapshot map[string]ServiceStatus) {
	defer func() {
		if err := recover(); err != nil {
			o.log.Error("panic during guild evaluation",
				logger.String("guild", g.ID),
				logger.String("panic", fmt.Sprint(err)))
		}
	}()

	channelID, ok, err := o.channels.NotificationChannel(ctx, g.ID)
	if err != nil {
		o.log.Warn("failed to look up notification channel",
			logger.String("guild", g.ID), logger.Error(err))
		return
	}
	if !ok {
		o.log.Debug("no notification channel configured, skipping",
			logger.String("guild", g.ID))
		return
	}

	st := o.state(g)
	auth := snapshot[o.cfg.AuthService].Online

	changed := false

	if auth != st.auth {
		changed = true
		if auth {
			o.notify(g, "auth online", o.notifier.AuthOnline(ctx, g, channelID))
		} else {
			o.notify(g, "auth offline", o.notifier.AuthOffline(ctx, g, channelID))
		}
	}

	// Kezan's notified state follows the verification outcome instead
	// of the snapshot, so a failed verification can fire again later.
	verifiedWorldState := snapshot[o.cfg.VerifiedWorld].Online

	for _, w := range o.worldNames {
		cur := snapshot[w].Online
		prev := st.worlds[w]
		if cur == prev {
			continue
		}
		changed = true

		if !cur {
			o.notify(g, "world offline", o.notifier.WorldOffline(ctx, g, channelID, w))
			continue
		}

		if w == o.cfg.VerifiedWorld && auth {
			outcome := o.runVerification(ctx, g, channelID, w)
			o.log.Info("world online verification finished",
				logger.String("guild", g.ID),
				logger.String("world", w),
				logger.String("outcome", outcome.String()))
			if outcome != VerifyConfirmed {
				verifiedWorldState = false
			}
			continue
		}

		o.notify(g, "world online", o.notifier.WorldOnline(ctx, g, channelID, w))
	}

	if !changed {
		o.log.Debug("no transition", logger.String("guild", g.ID))
	}

	st.auth = auth
	for _, w := range o.worldNames {
		if w == o.cfg.VerifiedWorld {
			st.worlds[w] = verifiedWorldState
		} else {
			st.worlds[w] = snapshot[w].Online
		}
	}
}

func (o *Orchestrator) notify(g Guild, kind string, err error) {
	if err != nil {
		o.log.Warn("failed to send notification",
			logger.String("guild", g.ID),
			logger.String("kind", kind),
			logger.Error(err))
		return
	}
	o.log.Info("notification sent",
		logger.String("guild", g.ID),
		logger.String("kind", kind))
}

// runVerification posts the provisional message, waits, re-probes auth
// and the world server with fresh dials, and resolves the provisional
// message. The prober result is only trusted when the context is still
// alive; a dead context makes the outcome inconclusive rather than
// "offline".
func (o *Orchestrator) runVerification(ctx context.Context, g Guild, channelID, world string) VerifyOutcome {
	ref, err := o.notifier.BeginVerification(ctx, g, channelID, world)
	if err != nil {
		o.log.Warn("failed to post verification message",
			logger.String("guild", g.ID), logger.Error(err))
		return VerifyFailed
	}

	o.sleep(ctx, o.cfg.VerifyDelay)

	outcome := VerifyInconclusive
	if ctx.Err() == nil {
		authEp := o.endpointsByName[o.cfg.AuthService]
		worldEp := o.endpointsByName[world]

		authUp := o.prober.Probe(ctx, authEp.Host, authEp.Port)
		worldUp := o.prober.Probe(ctx, worldEp.Host, worldEp.Port)

		if ctx.Err() != nil {
			outcome = VerifyInconclusive
		} else if authUp && worldUp {
			outcome = VerifyConfirmed
		} else {
			outcome = VerifyFailed
		}
	}

	if err := o.notifier.ResolveVerification(ctx, g, ref, world, outcome); err != nil {
		o.log.Warn("failed to resolve verification message",
			logger.String("guild", g.ID),
			logger.String("outcome", outcome.String()),
			logger.Error(err))
	}

	return outcome
}
