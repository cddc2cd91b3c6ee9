package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/epochwatch/epochbot/internal/bot"
	"github.com/epochwatch/epochbot/internal/config"
	"github.com/epochwatch/epochbot/internal/discord"
	"github.com/epochwatch/epochbot/internal/gamble"
	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/manifest"
	"github.com/epochwatch/epochbot/internal/meta"
	"github.com/epochwatch/epochbot/internal/monitor"
	"github.com/epochwatch/epochbot/internal/probe"
	"github.com/epochwatch/epochbot/internal/schedule"
	"github.com/epochwatch/epochbot/internal/store"
)

// guildSource adapts the gateway's guild roster to the monitor's view
// of it.
type guildSource struct {
	gw *discord.Gateway
}

func (s guildSource) Guilds() []monitor.Guild {
	roster := s.gw.Guilds()
	out := make([]monitor.Guild, len(roster))
	for i, g := range roster {
		out[i] = monitor.Guild{ID: g.ID, Name: g.Name}
	}
	return out
}

// cronLogger adapts logger.Logger to cron.Logger so skipped
// overlapping runs show up in the log.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, logger.String("detail", fmt.Sprint(keysAndValues...)))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, logger.Error(err), logger.String("detail", fmt.Sprint(keysAndValues...)))
}

// makeJob wraps a tick function with panic recovery so one bad tick
// cannot take the scheduler down.
func makeJob(ctx context.Context, name string, log logger.Logger, fn func(context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if err := recover(); err != nil {
				log.Error("job panicked",
					logger.String("job", name),
					logger.String("panic", fmt.Sprint(err)))
			}
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Warn("job failed",
				logger.String("job", name),
				logger.Error(err))
		}
	})
}

func (cmd *EpochbotCommand) RunServer(ctx context.Context, cfg config.Config, log logger.Logger) (exitCode int) {
	st, err := store.Open(cfg.DatabaseFile)
	if err != nil {
		fmt.Fprintf(cmd.ErrStream, "error: failed to open database: %s\n", err)
		return 1
	}
	defer st.Close()

	loc, err := time.LoadLocation(gamble.DayName)
	if err != nil {
		log.Warn("failed to load the betting-day zone, using UTC", logger.Error(err))
		loc = time.UTC
	}

	prober := probe.NewTCPProber(cfg.ProbeTimeout())
	fetcher := manifest.NewFetcher(cfg.ManifestURL, cfg.ManifestTimeout())
	engine := gamble.NewEngine(st, loc)
	rest := discord.NewRest(cfg.Token, log)

	b := bot.New(bot.Options{
		API:       rest,
		Settings:  st,
		Engine:    engine,
		Prober:    prober,
		Endpoints: cfg.Endpoints,
		Fetcher:   fetcher,
		Prefix:    cfg.CommandPrefix,
		Log:       log,
	})

	gw := discord.NewGateway(cfg.Token, discord.Handlers{
		MessageCreate:  b.HandleMessage,
		ReactionAdd:    b.HandleReactionAdd,
		ReactionRemove: b.HandleReactionRemove,
	}, log)

	src := guildSource{gw: gw}
	orch := monitor.NewOrchestrator(monitor.OrchestratorConfig{
		Endpoints:   cfg.Endpoints,
		WarmupTicks: cfg.WarmupTicks,
		VerifyDelay: cfg.VerifyDelay(),
	}, monitor.NewTracker(prober), prober, src, st, b, log)

	patches := monitor.NewPatchScheduler(fetcher, manifest.NewTracker(st), src, st, b, log)

	rollover := func(ctx context.Context) error {
		for _, g := range src.Guilds() {
			if _, err := engine.Rollover(ctx, g.ID); err != nil {
				log.Warn("jackpot rollover failed",
					logger.String("guild", g.ID),
					logger.Error(err))
			}
		}
		return nil
	}

	midnight, err := schedule.ParseCron("0 0 * * *")
	if err != nil {
		fmt.Fprintf(cmd.ErrStream, "error: %s\n", err)
		return 1
	}

	tasks := []struct {
		name     string
		schedule schedule.Schedule
		job      cron.Job
	}{
		{"status", schedule.IntervalSchedule{Interval: cfg.StatusInterval()}, makeJob(ctx, "status", log, orch.Tick)},
		{"patch", schedule.IntervalSchedule{Interval: cfg.PatchInterval()}, makeJob(ctx, "patch", log, patches.Tick)},
		{"rollover", midnight, makeJob(ctx, "rollover", log, rollover)},
	}

	// The rollover fires at midnight on the betting-day calendar. A
	// tick that outlasts its interval (the verification wait can do
	// that) must not overlap the next one.
	scheduler := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log})),
	)

	var wg sync.WaitGroup
	for _, t := range tasks {
		if t.schedule.NeedKickWhenStart() {
			wg.Add(1)
			go func(job cron.Job) {
				job.Run()
				wg.Done()
			}(t.job)
		}
		scheduler.Schedule(t.schedule, t.job)
		log.Info("job scheduled",
			logger.String("job", t.name),
			logger.String("schedule", t.schedule.String()))
	}
	scheduler.Start()

	gwDone := make(chan error, 1)
	go func() { gwDone <- gw.Run(ctx) }()

	log.Info("epochbot started",
		logger.String("version", meta.Version),
		logger.String("database", cfg.DatabaseFile),
		logger.Int("endpoints", len(cfg.Endpoints)))

	select {
	case <-ctx.Done():
	case err := <-gwDone:
		if err != nil && ctx.Err() == nil {
			log.Error("gateway terminated", logger.Error(err))
			exitCode = 1
		}
	}

	<-scheduler.Stop().Done()
	wg.Wait()

	log.Info("epochbot stopped")
	return exitCode
}
