package monitor

import (
	"context"
	"errors"

	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/manifest"
)

// PatchNotifier announces a client patch update to one guild.
type PatchNotifier interface {
	PatchUpdate(ctx context.Context, g Guild, channelID string, u manifest.Update) error
}

// PatchScheduler is the second periodic loop: poll the manifest, diff
// it against the stored baseline, and fan an update out to every
// configured guild. Version strings are not subject to the false
// positives socket probes are, so there is no verification step.
type PatchScheduler struct {
	fetcher  manifest.Fetcher
	tracker  *manifest.Tracker
	guilds   GuildSource
	channels ChannelStore
	notifier PatchNotifier
	log      logger.Logger
}

func NewPatchScheduler(fetcher manifest.Fetcher, tracker *manifest.Tracker, guilds GuildSource, channels ChannelStore, notifier PatchNotifier, log logger.Logger) *PatchScheduler {
	return &PatchScheduler{
		fetcher:  fetcher,
		tracker:  tracker,
		guilds:   guilds,
		channels: channels,
		notifier: notifier,
		log:      log,
	}
}

// Tick runs one patch poll. Fetch and store failures are logged and
// absorbed; the loop always gets its next tick.
func (s *PatchScheduler) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := s.fetcher.Fetch(ctx)
	if err != nil {
		var fe *manifest.FetchError
		if errors.As(err, &fe) {
			s.log.Warn("manifest fetch failed",
				logger.String("kind", fe.Kind.String()),
				logger.Error(fe.Err))
		} else {
			s.log.Warn("manifest fetch failed", logger.Error(err))
		}
		return nil
	}

	u, err := s.tracker.CheckForUpdate(ctx, m)
	if err != nil {
		s.log.Warn("patch version check failed", logger.Error(err))
		return nil
	}

	if !u.HasUpdate {
		s.log.Debug("client is up to date", logger.String("version", u.Version))
		return nil
	}

	s.log.Info("new client patch detected",
		logger.String("version", u.Version),
		logger.String("uid", u.UID),
		logger.Bool("bootstrap", u.Bootstrap))

	for _, g := range s.guilds.Guilds() {
		s.announce(ctx, g, u)
	}

	return nil
}

func (s *PatchScheduler) announce(ctx context.Context, g Guild, u manifest.Update) {
	channelID, ok, err := s.channels.NotificationChannel(ctx, g.ID)
	if err != nil {
		s.log.Warn("failed to look up notification channel",
			logger.String("guild", g.ID), logger.Error(err))
		return
	}
	if !ok {
		return
	}

	if err := s.notifier.PatchUpdate(ctx, g, channelID, u); err != nil {
		s.log.Warn("failed to announce patch update",
			logger.String("guild", g.ID), logger.Error(err))
		return
	}

	s.log.Info("patch update announced",
		logger.String("guild", g.ID),
		logger.String("version", u.Version))
}
