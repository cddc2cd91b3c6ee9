package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/epochwatch/epochbot/internal/discord"
	"github.com/epochwatch/epochbot/internal/gamble"
	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/store"
)

// HandleMessage dispatches prefix commands. Non-commands and DMs are
// ignored.
func (b *Bot) HandleMessage(ctx context.Context, m discord.Message) {
	if m.GuildID == "" || !strings.HasPrefix(m.Content, b.prefix) {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(m.Content, b.prefix))
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	b.log.Debug("command received",
		logger.String("guild", m.GuildID),
		logger.String("command", command),
		logger.String("user", m.Author.ID))

	switch command {
	case "status":
		b.cmdStatus(ctx, m)
	case "setchannel":
		b.cmdSetChannel(ctx, m)
	case "notifyme":
		b.cmdNotifyMe(ctx, m)
	case "patch":
		b.cmdPatch(ctx, m)
	case "help", "commands":
		b.cmdHelp(ctx, m)

	case "balance", "daily", "bet", "bets", "jackpot", "broke",
		"gambling-rules", "set-gamble-channel", "rollover",
		"confirm-winner", "false-alarm":
		b.dispatchGamble(ctx, m, command, args)
	}
}

// dispatchGamble enforces the gambling-channel restriction before
// running a minigame command.
func (b *Bot) dispatchGamble(ctx context.Context, m discord.Message, command string, args []string) {
	channelID, restricted, err := b.settings.GamblingChannel(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("failed to look up gambling channel",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	if restricted && channelID != m.ChannelID && command != "set-gamble-channel" {
		b.reply(ctx, m, fmt.Sprintf("Take the gambling to <#%s>.", channelID))
		return
	}

	switch command {
	case "balance":
		b.cmdBalance(ctx, m)
	case "daily":
		b.cmdDaily(ctx, m)
	case "bet":
		b.cmdBet(ctx, m, args)
	case "bets":
		b.cmdBets(ctx, m)
	case "jackpot":
		b.cmdJackpot(ctx, m)
	case "broke":
		b.cmdBroke(ctx, m)
	case "gambling-rules":
		b.cmdGamblingRules(ctx, m)
	case "set-gamble-channel":
		b.cmdSetGambleChannel(ctx, m)
	case "rollover":
		b.cmdRollover(ctx, m)
	case "confirm-winner":
		b.cmdConfirmWinner(ctx, m, args)
	case "false-alarm":
		b.cmdFalseAlarm(ctx, m)
	}
}

// cmdStatus probes every endpoint right now and edits the placeholder
// with the result, so slow probes still give immediate feedback.
func (b *Bot) cmdStatus(ctx context.Context, m discord.Message) {
	msg, err := b.api.CreateMessage(ctx, m.ChannelID, "Checking server status...")
	if err != nil {
		b.log.Warn("failed to send status placeholder",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}

	var sb strings.Builder
	sb.WriteString("**Project Epoch server status**\n")
	for _, ep := range b.endpoints {
		if b.prober.Probe(ctx, ep.Host, ep.Port) {
			fmt.Fprintf(&sb, "\U0001F7E2 %s (`%s`) is up\n", ep.Name, ep.Addr())
		} else {
			fmt.Fprintf(&sb, "\U0001F534 %s (`%s`) is down\n", ep.Name, ep.Addr())
		}
	}

	if _, err := b.api.EditMessage(ctx, msg.ChannelID, msg.ID, sb.String()); err != nil {
		b.log.Warn("failed to edit status message",
			logger.String("guild", m.GuildID), logger.Error(err))
	}
}

func (b *Bot) cmdSetChannel(ctx context.Context, m discord.Message) {
	if !b.isAdmin(ctx, m) {
		b.reply(ctx, m, "Only server admins can configure the notification channel.")
		return
	}
	if err := b.settings.SetNotificationChannel(ctx, m.GuildID, m.ChannelID); err != nil {
		b.log.Warn("failed to save notification channel",
			logger.String("guild", m.GuildID), logger.Error(err))
		b.reply(ctx, m, "Could not save the channel, try again.")
		return
	}
	b.reply(ctx, m, "Server status notifications will be posted in this channel.")
}

func (b *Bot) cmdSetGambleChannel(ctx context.Context, m discord.Message) {
	if !b.isAdmin(ctx, m) {
		b.reply(ctx, m, "Only server admins can configure the gambling channel.")
		return
	}
	if err := b.settings.SetGamblingChannel(ctx, m.GuildID, m.ChannelID); err != nil {
		b.log.Warn("failed to save gambling channel",
			logger.String("guild", m.GuildID), logger.Error(err))
		b.reply(ctx, m, "Could not save the channel, try again.")
		return
	}
	b.reply(ctx, m, "Gambling commands are now restricted to this channel.")
}

func (b *Bot) cmdNotifyMe(ctx context.Context, m discord.Message) {
	msg, err := b.api.CreateMessage(ctx, m.ChannelID,
		fmt.Sprintf("React with %s to get pinged when Project Epoch comes online. Remove the reaction to unsubscribe.", bellEmoji))
	if err != nil {
		b.log.Warn("failed to post opt-in message",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}

	b.mu.Lock()
	b.optInPosts[msg.ID] = m.GuildID
	b.mu.Unlock()

	if err := b.api.CreateReaction(ctx, msg.ChannelID, msg.ID, bellEmoji); err != nil {
		b.log.Warn("failed to seed opt-in reaction",
			logger.String("guild", m.GuildID), logger.Error(err))
	}
}

func (b *Bot) cmdPatch(ctx context.Context, m discord.Message) {
	current, err := b.fetcher.Fetch(ctx)
	if err != nil {
		b.log.Warn("manual manifest check failed",
			logger.String("guild", m.GuildID), logger.Error(err))
		b.reply(ctx, m, "Could not reach the patch server right now.")
		return
	}
	b.reply(ctx, m, fmt.Sprintf("\U0001F4E6 Current client version: **%s** (%s files).",
		current.Version, humanize.Comma(int64(len(current.Files)))))
}

func (b *Bot) cmdHelp(ctx context.Context, m discord.Message) {
	p := b.prefix
	b.reply(ctx, m, strings.Join([]string{
		"**Commands**",
		p + "status – probe the servers right now",
		p + "setchannel – post notifications here (admin)",
		p + "notifyme – subscribe to launch pings",
		p + "patch – show the current client version",
		p + "balance, " + p + "daily, " + p + "bet <amount> <time>, " + p + "bets, " + p + "jackpot, " + p + "broke – betting minigame",
		p + "gambling-rules – how the minigame works",
	}, "\n"))
}

func (b *Bot) cmdBalance(ctx context.Context, m discord.Message) {
	balance, err := b.engine.Balance(ctx, m.GuildID, m.Author.ID)
	if err != nil {
		b.log.Warn("failed to read balance",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	b.reply(ctx, m, fmt.Sprintf("%s %s, you have **%d** coins.",
		coinEmoji, m.Author.Username, balance))
}

func (b *Bot) cmdDaily(ctx context.Context, m discord.Message) {
	balance, err := b.engine.ClaimDaily(ctx, m.GuildID, m.Author.ID)
	switch {
	case errors.Is(err, gamble.ErrDailyLocked), errors.Is(err, gamble.ErrAlreadyClaimed):
		b.reply(ctx, m, err.Error())
	case err != nil:
		b.log.Warn("daily claim failed",
			logger.String("guild", m.GuildID), logger.Error(err))
	default:
		b.reply(ctx, m, fmt.Sprintf("%s Daily claimed! You now have **%d** coins.", coinEmoji, balance))
	}
}

func (b *Bot) cmdBet(ctx context.Context, m discord.Message, args []string) {
	if len(args) < 2 {
		b.reply(ctx, m, fmt.Sprintf("Usage: %sbet <amount> <time>, e.g. %sbet 50 18:30", b.prefix, b.prefix))
		return
	}

	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(ctx, m, "The amount has to be a number.")
		return
	}

	bet, err := b.engine.PlaceBet(ctx, m.GuildID, m.Author.ID, m.Author.Username,
		amount, strings.Join(args[1:], " "))
	switch {
	case errors.Is(err, gamble.ErrBadAmount),
		errors.Is(err, gamble.ErrBadTime),
		errors.Is(err, gamble.ErrPastTime):
		b.reply(ctx, m, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		b.reply(ctx, m, fmt.Sprintf("You cannot cover that stake. Check %sbalance.", b.prefix))
	case err != nil:
		b.log.Warn("failed to place bet",
			logger.String("guild", m.GuildID), logger.Error(err))
	default:
		b.reply(ctx, m, fmt.Sprintf("\U0001F3B2 %s bets **%d** coins on the server coming up at **%s**.",
			m.Author.Username, bet.Amount,
			bet.Predicted.In(b.engine.Location()).Format("15:04")))
	}
}

func (b *Bot) cmdBets(ctx context.Context, m discord.Message) {
	bets, err := b.engine.ActiveBets(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("failed to list bets",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	if len(bets) == 0 {
		b.reply(ctx, m, fmt.Sprintf("No open bets. Start one with %sbet.", b.prefix))
		return
	}

	var sb strings.Builder
	sb.WriteString("**Open bets**\n")
	for _, bet := range bets {
		fmt.Fprintf(&sb, "• %s: %d coins on %s (placed %s)\n",
			bet.UserName, bet.Amount,
			bet.Predicted.In(b.engine.Location()).Format("15:04"),
			humanize.Time(bet.PlacedAt))
	}
	b.reply(ctx, m, sb.String())
}

func (b *Bot) cmdJackpot(ctx context.Context, m discord.Message) {
	jackpot, err := b.engine.Jackpot(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("failed to read jackpot",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	b.reply(ctx, m, fmt.Sprintf("\U0001F3C6 The pot holds **%d** coins (stakes count ×%d).",
		jackpot.Pot, jackpot.Multiplier))
}

func (b *Bot) cmdBroke(ctx context.Context, m discord.Message) {
	balance, err := b.engine.Balance(ctx, m.GuildID, m.Author.ID)
	if err != nil {
		b.log.Warn("failed to read balance",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	if balance > 0 {
		b.reply(ctx, m, fmt.Sprintf("You still have **%d** coins. Not broke yet.", balance))
		return
	}

	msg, err := b.api.CreateMessage(ctx, m.ChannelID,
		fmt.Sprintf("%s **%s is flat broke!** React with %s to donate %d coins.",
			coinEmoji, m.Author.Username, coinEmoji, gamble.DonationAmount))
	if err != nil {
		b.log.Warn("failed to post broke message",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}

	b.mu.Lock()
	b.brokePosts[msg.ID] = brokePost{guildID: m.GuildID, userID: m.Author.ID}
	b.mu.Unlock()

	if err := b.api.CreateReaction(ctx, msg.ChannelID, msg.ID, coinEmoji); err != nil {
		b.log.Warn("failed to seed charity reaction",
			logger.String("guild", m.GuildID), logger.Error(err))
	}
}

func (b *Bot) cmdGamblingRules(ctx context.Context, m discord.Message) {
	p := b.prefix
	b.reply(ctx, m, strings.Join([]string{
		"**Betting minigame**",
		fmt.Sprintf("• Everyone starts with %d coins; %sdaily pays %d once per day after your first bet.",
			gamble.StartingBalance, p, gamble.DailyAmount),
		fmt.Sprintf("• %sbet <amount> <time> wagers on when the server comes online today.", p),
		"• Stakes feed the pot; every day without a launch doubles what new stakes are worth.",
		"• When the server really comes up, the closest prediction takes the pot. Ties split it.",
		fmt.Sprintf("• Flat broke? %sbroke lets others donate %d coins per %s reaction.",
			p, gamble.DonationAmount, coinEmoji),
	}, "\n"))
}

func (b *Bot) cmdRollover(ctx context.Context, m discord.Message) {
	if !b.isAdmin(ctx, m) {
		b.reply(ctx, m, "Only server admins can roll the pot over.")
		return
	}
	jackpot, err := b.engine.Rollover(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("manual rollover failed",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	b.reply(ctx, m, fmt.Sprintf("\U0001F319 No launch today. The pot of **%d** carries over and stakes now count ×%d.",
		jackpot.Pot, jackpot.Multiplier))
}

func (b *Bot) cmdConfirmWinner(ctx context.Context, m discord.Message, args []string) {
	if !b.isAdmin(ctx, m) {
		b.reply(ctx, m, "Only server admins can confirm the launch.")
		return
	}

	actual := b.now()
	if len(args) > 0 {
		parsed, err := gamble.ParseClock(strings.Join(args, " "), actual, b.engine.Location())
		if err != nil {
			b.reply(ctx, m, err.Error())
			return
		}
		actual = parsed
	}

	result, err := b.engine.ConfirmWinner(ctx, m.GuildID, actual)
	if errors.Is(err, gamble.ErrNoBets) {
		b.reply(ctx, m, "There are no open bets to settle.")
		return
	}
	if err != nil {
		b.log.Warn("failed to settle the pot",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\U0001F3C6 **The server is live!** Pot of **%d** coins settled:\n", result.Pot)
	// A user can hold several winning bets; the share map already
	// carries their accumulated total, so print each user once.
	printed := make(map[string]bool, len(result.Winners))
	for _, w := range result.Winners {
		if printed[w.UserID] {
			continue
		}
		printed[w.UserID] = true
		fmt.Fprintf(&sb, "• %s wins %d coins (predicted %s)\n",
			w.UserName, result.Shares[w.UserID],
			w.Predicted.In(b.engine.Location()).Format("15:04"))
	}
	b.reply(ctx, m, sb.String())
}

func (b *Bot) cmdFalseAlarm(ctx context.Context, m discord.Message) {
	if !b.isAdmin(ctx, m) {
		b.reply(ctx, m, "Only server admins can call a false alarm.")
		return
	}
	jackpot, open, err := b.engine.FalseAlarm(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("false alarm lookup failed",
			logger.String("guild", m.GuildID), logger.Error(err))
		return
	}
	b.reply(ctx, m, fmt.Sprintf("\U0001F634 False alarm. All %d bets stand and the pot keeps its **%d** coins.",
		open, jackpot.Pot))
}

func parsePermissions(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
