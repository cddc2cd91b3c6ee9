package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/epochwatch/epochbot/internal/discord"
	"github.com/epochwatch/epochbot/internal/gamble"
	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/store"
)

// HandleReactionAdd serves the bell opt-in and the charity coin on
// posts this process created.
func (b *Bot) HandleReactionAdd(ctx context.Context, r discord.Reaction) {
	switch r.Emoji.Name {
	case bellEmoji:
		b.mu.Lock()
		guildID, ok := b.optInPosts[r.MessageID]
		b.mu.Unlock()
		if !ok {
			return
		}

		name := ""
		if r.Member != nil {
			name = r.Member.User.Username
		}
		if err := b.settings.AddOptIn(ctx, guildID, r.UserID, name); err != nil {
			b.log.Warn("failed to record opt-in",
				logger.String("guild", guildID),
				logger.String("user", r.UserID),
				logger.Error(err))
			return
		}
		b.log.Info("user opted in to launch pings",
			logger.String("guild", guildID),
			logger.String("user", r.UserID))

	case coinEmoji:
		b.mu.Lock()
		post, ok := b.brokePosts[r.MessageID]
		b.mu.Unlock()
		if !ok || r.UserID == post.userID {
			return
		}

		err := b.engine.Donate(ctx, post.guildID, r.UserID, post.userID)
		if errors.Is(err, store.ErrInsufficientFunds) {
			// The donor is broke too. Nothing moves.
			return
		}
		if err != nil {
			b.log.Warn("donation failed",
				logger.String("guild", post.guildID),
				logger.String("from", r.UserID),
				logger.Error(err))
			return
		}

		if _, err := b.api.CreateMessage(ctx, r.ChannelID,
			fmt.Sprintf("%s <@%s> donated %d coins to <@%s>.",
				coinEmoji, r.UserID, gamble.DonationAmount, post.userID)); err != nil {
			b.log.Warn("failed to announce donation",
				logger.String("guild", post.guildID), logger.Error(err))
		}
	}
}

// HandleReactionRemove withdraws a bell opt-in.
func (b *Bot) HandleReactionRemove(ctx context.Context, r discord.Reaction) {
	if r.Emoji.Name != bellEmoji {
		return
	}

	b.mu.Lock()
	guildID, ok := b.optInPosts[r.MessageID]
	b.mu.Unlock()
	if !ok {
		return
	}

	if err := b.settings.RemoveOptIn(ctx, guildID, r.UserID); err != nil {
		b.log.Warn("failed to remove opt-in",
			logger.String("guild", guildID),
			logger.String("user", r.UserID),
			logger.Error(err))
		return
	}
	b.log.Info("user opted out of launch pings",
		logger.String("guild", guildID),
		logger.String("user", r.UserID))
}
