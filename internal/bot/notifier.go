package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/manifest"
	"github.com/epochwatch/epochbot/internal/monitor"
)

// The Bot renders all notification content for the orchestrator and
// the patch scheduler.
var (
	_ monitor.Notifier      = (*Bot)(nil)
	_ monitor.PatchNotifier = (*Bot)(nil)
)

func (b *Bot) AuthOnline(ctx context.Context, g monitor.Guild, channelID string) error {
	_, err := b.api.CreateMessage(ctx, channelID,
		"\U0001F7E2 **The login server is UP!** You can reach the character screen.")
	return err
}

func (b *Bot) AuthOffline(ctx context.Context, g monitor.Guild, channelID string) error {
	_, err := b.api.CreateMessage(ctx, channelID,
		"\U0001F534 **The login server went DOWN.**")
	return err
}

func (b *Bot) WorldOnline(ctx context.Context, g monitor.Guild, channelID, world string) error {
	_, err := b.api.CreateMessage(ctx, channelID,
		fmt.Sprintf("\U0001F7E2 **%s is UP!**", world))
	return err
}

func (b *Bot) WorldOffline(ctx context.Context, g monitor.Guild, channelID, world string) error {
	_, err := b.api.CreateMessage(ctx, channelID,
		fmt.Sprintf("\U0001F534 **%s went offline.**", world))
	return err
}

func (b *Bot) BeginVerification(ctx context.Context, g monitor.Guild, channelID, world string) (monitor.MessageRef, error) {
	msg, err := b.api.CreateMessage(ctx, channelID,
		fmt.Sprintf("\U0001F7E1 **%s appears to be UP!** Double-checking before the ping...", world))
	if err != nil {
		return monitor.MessageRef{}, err
	}
	return monitor.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}, nil
}

func (b *Bot) ResolveVerification(ctx context.Context, g monitor.Guild, ref monitor.MessageRef, world string, outcome monitor.VerifyOutcome) error {
	var text string
	switch outcome {
	case monitor.VerifyConfirmed:
		text = fmt.Sprintf("@here \U0001F7E2 **%s is UP! Project Epoch is LIVE!**%s",
			world, b.optInMentions(ctx, g.ID))
	case monitor.VerifyFailed:
		text = fmt.Sprintf("\U0001F534 False alarm. %s dropped back offline during the double-check.", world)
	default:
		text = fmt.Sprintf("\U0001F7E1 Could not confirm %s's status. Still watching.", world)
	}

	_, err := b.api.EditMessage(ctx, ref.ChannelID, ref.MessageID, text)
	return err
}

// optInMentions renders the subscribed users as a mention line, or
// nothing when nobody opted in.
func (b *Bot) optInMentions(ctx context.Context, guildID string) string {
	optIns, err := b.settings.OptIns(ctx, guildID)
	if err != nil {
		b.log.Warn("failed to load opt-ins",
			logger.String("guild", guildID), logger.Error(err))
		return ""
	}
	if len(optIns) == 0 {
		return ""
	}

	mentions := make([]string, 0, len(optIns))
	for _, o := range optIns {
		mentions = append(mentions, "<@"+o.UserID+">")
	}
	return "\n" + strings.Join(mentions, " ")
}

func (b *Bot) PatchUpdate(ctx context.Context, g monitor.Guild, channelID string, u manifest.Update) error {
	var text string
	if u.Bootstrap {
		text = fmt.Sprintf("\U0001F4E6 Now tracking client version **%s**.", u.Version)
	} else {
		text = fmt.Sprintf("\U0001F4E6 **New client patch!** **%s** → **%s** (%s files). Run the launcher before logging in.",
			u.PreviousVersion, u.Version, humanize.Comma(int64(u.FileCount)))
	}

	if _, err := b.api.CreateMessage(ctx, channelID, text); err != nil {
		return err
	}

	// Subscribers get pinged in a separate message so the announcement
	// stays quotable on its own.
	if mentions := b.optInMentions(ctx, g.ID); mentions != "" {
		if _, err := b.api.CreateMessage(ctx, channelID, strings.TrimSpace(mentions)); err != nil {
			return err
		}
	}
	return nil
}
