package bot

import (
	"context"
	"sync"
	"time"

	"github.com/epochwatch/epochbot/internal/discord"
	"github.com/epochwatch/epochbot/internal/gamble"
	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/manifest"
	"github.com/epochwatch/epochbot/internal/probe"
	"github.com/epochwatch/epochbot/internal/store"
)

const (
	bellEmoji = "\U0001F514"
	coinEmoji = "\U0001F4B0"
)

// API is the slice of the Discord REST client the bot calls.
type API interface {
	CreateMessage(ctx context.Context, channelID, content string) (discord.Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) (discord.Message, error)
	CreateReaction(ctx context.Context, channelID, messageID, emoji string) error
	Guild(ctx context.Context, guildID string) (discord.GuildInfo, error)
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
}

// Settings is the per-guild configuration and opt-in storage.
type Settings interface {
	NotificationChannel(ctx context.Context, guildID string) (string, bool, error)
	SetNotificationChannel(ctx context.Context, guildID, channelID string) error
	GamblingChannel(ctx context.Context, guildID string) (string, bool, error)
	SetGamblingChannel(ctx context.Context, guildID, channelID string) error
	AddOptIn(ctx context.Context, guildID, userID, userName string) error
	RemoveOptIn(ctx context.Context, guildID, userID string) error
	OptIns(ctx context.Context, guildID string) ([]store.OptIn, error)
}

// Options wires a Bot together.
type Options struct {
	API       API
	Settings  Settings
	Engine    *gamble.Engine
	Prober    probe.Prober
	Endpoints []probe.Endpoint
	Fetcher   manifest.Fetcher
	Prefix    string
	Log       logger.Logger
}

// brokePost remembers who a charity post belongs to.
type brokePost struct {
	guildID string
	userID  string
}

// Bot serves chat commands and reaction opt-ins, and renders the
// monitoring notifications. All Discord-facing message text lives
// here.
type Bot struct {
	api       API
	settings  Settings
	engine    *gamble.Engine
	prober    probe.Prober
	endpoints []probe.Endpoint
	fetcher   manifest.Fetcher
	prefix    string
	log       logger.Logger

	now func() time.Time

	// Reaction targets posted by this process. Lost on restart, which
	// only means old posts stop reacting.
	mu         sync.Mutex
	optInPosts map[string]string
	brokePosts map[string]brokePost
}

func New(o Options) *Bot {
	if o.Prefix == "" {
		o.Prefix = "!"
	}
	return &Bot{
		api:        o.API,
		settings:   o.Settings,
		engine:     o.Engine,
		prober:     o.Prober,
		endpoints:  o.Endpoints,
		fetcher:    o.Fetcher,
		prefix:     o.Prefix,
		log:        o.Log,
		now:        time.Now,
		optInPosts: make(map[string]string),
		brokePosts: make(map[string]brokePost),
	}
}

// reply posts text to the channel the triggering message came from.
func (b *Bot) reply(ctx context.Context, m discord.Message, text string) {
	if _, err := b.api.CreateMessage(ctx, m.ChannelID, text); err != nil {
		b.log.Warn("failed to send reply",
			logger.String("guild", m.GuildID),
			logger.String("channel", m.ChannelID),
			logger.Error(err))
	}
}

const (
	permAdministrator = 0x8
	permManageGuild   = 0x20
)

// isAdmin reports whether the message author owns the guild or holds a
// role with administrator or manage-guild permission. Failures deny.
func (b *Bot) isAdmin(ctx context.Context, m discord.Message) bool {
	g, err := b.api.Guild(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("failed to fetch guild for the admin check",
			logger.String("guild", m.GuildID), logger.Error(err))
		return false
	}
	if m.Author.ID == g.OwnerID {
		return true
	}
	if m.Member == nil || len(m.Member.Roles) == 0 {
		return false
	}

	roles, err := b.api.GuildRoles(ctx, m.GuildID)
	if err != nil {
		b.log.Warn("failed to fetch roles for the admin check",
			logger.String("guild", m.GuildID), logger.Error(err))
		return false
	}

	perms := make(map[string]int64, len(roles))
	for _, role := range roles {
		perms[role.ID] = parsePermissions(role.Permissions)
	}
	for _, id := range m.Member.Roles {
		if perms[id]&(permAdministrator|permManageGuild) != 0 {
			return true
		}
	}
	return false
}
