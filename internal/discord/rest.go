package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/epochwatch/epochbot/internal/logger"
)

const (
	apiBase   = "https://discord.com/api/v10"
	userAgent = "epochbot (https://github.com/epochwatch/epochbot, 1.0)"
)

// User is a Discord user, reduced to the fields the bot reads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Member is the partial guild member attached to gateway messages.
type Member struct {
	Roles []string `json:"roles"`
}

// Message is a Discord message, reduced to the fields the bot reads.
type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	GuildID   string  `json:"guild_id"`
	Content   string  `json:"content"`
	Author    User    `json:"author"`
	Member    *Member `json:"member"`
}

// GuildInfo is a guild as returned by the REST API.
type GuildInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// Role is a guild role. Permissions is the decimal permission bitmask
// the API serializes as a string.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Permissions string `json:"permissions"`
}

// StatusError is a non-2xx response from the Discord API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discord api returned status %d: %s", e.Code, e.Body)
}

// IsForbidden reports whether err is a 403 from the API, which usually
// means the bot lacks permission to post in the configured channel.
func IsForbidden(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusForbidden
}

// IsNotFound reports whether err is a 404, e.g. a deleted channel.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Rest is a minimal client for the Discord REST API.
type Rest struct {
	token   string
	baseURL string
	client  *http.Client
	log     logger.Logger
}

func NewRest(token string, log logger.Logger) *Rest {
	return &Rest{
		token:   token,
		baseURL: apiBase,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type createMessageRequest struct {
	Content string `json:"content"`
	Nonce   string `json:"nonce,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// CreateMessage posts content to a channel and returns the created
// message so callers can edit it later.
func (r *Rest) CreateMessage(ctx context.Context, channelID, content string) (Message, error) {
	var msg Message
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	err := r.do(ctx, http.MethodPost, path, createMessageRequest{
		Content: content,
		Nonce:   uuid.NewString(),
	}, &msg)
	return msg, err
}

// EditMessage replaces the content of a previously sent message.
func (r *Rest) EditMessage(ctx context.Context, channelID, messageID, content string) (Message, error) {
	var msg Message
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	err := r.do(ctx, http.MethodPatch, path, editMessageRequest{Content: content}, &msg)
	return msg, err
}

// CreateReaction adds the bot's own reaction to a message. emoji is the
// literal unicode emoji.
func (r *Rest) CreateReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	return r.do(ctx, http.MethodPut, path, nil, nil)
}

// Guild fetches a guild, mainly for its owner ID.
func (r *Rest) Guild(ctx context.Context, guildID string) (GuildInfo, error) {
	var g GuildInfo
	err := r.do(ctx, http.MethodGet, "/guilds/"+guildID, nil, &g)
	return g, err
}

// GuildRoles lists a guild's roles with their permission bitmasks.
func (r *Rest) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	err := r.do(ctx, http.MethodGet, "/guilds/"+guildID+"/roles", nil, &roles)
	return roles, err
}

// CurrentUser returns the authenticated bot user.
func (r *Rest) CurrentUser(ctx context.Context) (User, error) {
	var u User
	err := r.do(ctx, http.MethodGet, "/users/@me", nil, &u)
	return u, err
}

const maxAttempts = 3

func (r *Rest) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		retryAfter, err := r.once(ctx, method, path, payload, respBody)
		if retryAfter <= 0 || attempt >= maxAttempts {
			return err
		}

		r.log.Warn("rate limited by discord api",
			logger.String("path", path),
			logger.Duration("retry_after", retryAfter))

		timer := time.NewTimer(retryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// once performs a single request. A positive retryAfter means the call
// hit a rate limit and may be retried after that long.
func (r *Rest) once(ctx context.Context, method, path string, payload []byte, respBody any) (retryAfter time.Duration, err error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+r.token)
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to discord api failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		after := time.Second
		if v, perr := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); perr == nil {
			after = time.Duration(v * float64(time.Second))
		}
		return after, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return 0, fmt.Errorf("failed to parse discord api response: %w", err)
		}
	}

	return 0, nil
}
