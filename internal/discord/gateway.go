package discord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/epochwatch/epochbot/internal/logger"
)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents requested at identify time. The bot needs guild
// membership, guild messages with content, and message reactions.
const identifyIntents = 1<<0 | 1<<9 | 1<<10 | 1<<15

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Guild is one guild the bot is currently a member of, as reported by
// the gateway.
type Guild struct {
	ID   string
	Name string
}

// Reaction is a reaction add or remove event. Member is only present
// on add events.
type Reaction struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id"`
	Emoji     struct {
		Name string `json:"name"`
	} `json:"emoji"`
	Member *ReactionMember `json:"member"`
}

// ReactionMember is the partial member attached to reaction adds.
type ReactionMember struct {
	User User `json:"user"`
}

// Handlers receives gateway events. Nil fields are skipped. Handlers
// are called from the gateway read loop and must not block for long.
type Handlers struct {
	Ready          func(ctx context.Context, self User)
	MessageCreate  func(ctx context.Context, m Message)
	ReactionAdd    func(ctx context.Context, r Reaction)
	ReactionRemove func(ctx context.Context, r Reaction)
}

// Gateway maintains a connection to the Discord gateway, keeps the
// guild roster current, and dispatches events to Handlers.
type Gateway struct {
	token    string
	url      string
	handlers Handlers
	log      logger.Logger

	mu     sync.RWMutex
	guilds map[string]Guild
	selfID string
}

func NewGateway(token string, handlers Handlers, log logger.Logger) *Gateway {
	return &Gateway{
		token:    token,
		url:      defaultGatewayURL,
		handlers: handlers,
		log:      log,
		guilds:   make(map[string]Guild),
	}
}

// Guilds returns a stable-ordered snapshot of the current guild roster.
func (g *Gateway) Guilds() []Guild {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Guild, 0, len(g.guilds))
	for _, gu := range g.guilds {
		out = append(out, gu)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// SelfID returns the bot's own user ID, known after READY.
func (g *Gateway) SelfID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.selfID
}

// Run connects to the gateway and reconnects with backoff until ctx is
// canceled.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.log.Warn("gateway session ended, reconnecting",
			logger.Error(err),
			logger.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type hello struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identify struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// session runs one gateway connection from dial to failure.
func (g *Gateway) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()

	// Writes come from both the read loop and the heartbeat goroutine.
	var writeMu sync.Mutex
	write := func(p payload) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(p)
	}

	var p payload
	if err := conn.ReadJSON(&p); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if p.Op != opHello {
		return fmt.Errorf("expected hello, got opcode %d", p.Op)
	}
	var h hello
	if err := json.Unmarshal(p.D, &h); err != nil {
		return fmt.Errorf("failed to parse hello: %w", err)
	}

	ident, err := json.Marshal(identify{
		Token:   g.token,
		Intents: identifyIntents,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "epochbot",
			Device:  "epochbot",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode identify: %w", err)
	}
	if err := write(payload{Op: opIdentify, D: ident}); err != nil {
		return fmt.Errorf("failed to send identify: %w", err)
	}

	var seq int64
	var seqMu sync.Mutex
	lastSeq := func() json.RawMessage {
		seqMu.Lock()
		defer seqMu.Unlock()
		if seq == 0 {
			return json.RawMessage("null")
		}
		return json.RawMessage(fmt.Sprintf("%d", seq))
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()
	go func() {
		defer close(hbDone)
		interval := time.Duration(h.HeartbeatInterval) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := write(payload{Op: opHeartbeat, D: lastSeq()}); err != nil {
					g.log.Warn("heartbeat write failed", logger.Error(err))
					conn.Close()
					return
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()

	// ctx cancellation must unblock the blocking reads below.
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	g.log.Info("gateway connected",
		logger.Duration("heartbeat_interval", time.Duration(h.HeartbeatInterval)*time.Millisecond))

	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return fmt.Errorf("gateway read failed: %w", err)
		}

		if p.S != 0 {
			seqMu.Lock()
			seq = p.S
			seqMu.Unlock()
		}

		switch p.Op {
		case opDispatch:
			g.dispatch(ctx, p.T, p.D)
		case opHeartbeat:
			if err := write(payload{Op: opHeartbeat, D: lastSeq()}); err != nil {
				return fmt.Errorf("failed to answer heartbeat request: %w", err)
			}
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("gateway invalidated the session")
		case opHeartbeatACK:
			// nothing to do
		default:
			g.log.Debug("ignoring gateway opcode", logger.Int("op", p.Op))
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, event string, data json.RawMessage) {
	switch event {
	case "READY":
		var d struct {
			User User `json:"user"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			g.log.Warn("failed to parse READY", logger.Error(err))
			return
		}
		g.mu.Lock()
		g.selfID = d.User.ID
		g.mu.Unlock()
		g.log.Info("gateway ready",
			logger.String("username", d.User.Username),
			logger.String("user_id", d.User.ID))
		if g.handlers.Ready != nil {
			g.handlers.Ready(ctx, d.User)
		}

	case "GUILD_CREATE":
		var d struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			g.log.Warn("failed to parse GUILD_CREATE", logger.Error(err))
			return
		}
		g.mu.Lock()
		g.guilds[d.ID] = Guild{ID: d.ID, Name: d.Name}
		g.mu.Unlock()
		g.log.Info("guild available",
			logger.String("guild", d.ID),
			logger.String("name", d.Name))

	case "GUILD_DELETE":
		var d struct {
			ID          string `json:"id"`
			Unavailable bool   `json:"unavailable"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			g.log.Warn("failed to parse GUILD_DELETE", logger.Error(err))
			return
		}
		// Unavailable means a guild outage, not a removal.
		if d.Unavailable {
			return
		}
		g.mu.Lock()
		delete(g.guilds, d.ID)
		g.mu.Unlock()
		g.log.Info("guild removed", logger.String("guild", d.ID))

	case "MESSAGE_CREATE":
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			g.log.Warn("failed to parse MESSAGE_CREATE", logger.Error(err))
			return
		}
		if m.Author.Bot || m.Author.ID == g.SelfID() {
			return
		}
		if g.handlers.MessageCreate != nil {
			g.handlers.MessageCreate(ctx, m)
		}

	case "MESSAGE_REACTION_ADD":
		var r Reaction
		if err := json.Unmarshal(data, &r); err != nil {
			g.log.Warn("failed to parse MESSAGE_REACTION_ADD", logger.Error(err))
			return
		}
		if r.UserID == g.SelfID() {
			return
		}
		if g.handlers.ReactionAdd != nil {
			g.handlers.ReactionAdd(ctx, r)
		}

	case "MESSAGE_REACTION_REMOVE":
		var r Reaction
		if err := json.Unmarshal(data, &r); err != nil {
			g.log.Warn("failed to parse MESSAGE_REACTION_REMOVE", logger.Error(err))
			return
		}
		if g.handlers.ReactionRemove != nil {
			g.handlers.ReactionRemove(ctx, r)
		}
	}
}
