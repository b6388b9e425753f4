package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/televault/televault/internal/pkg/env"
)

const defaultAPIBaseURL = "https://api.telegram.org"

// Client is a narrow Bot API client for the one managed channel: it removes
// members. Nothing else of the Bot API surface is wrapped; join decisions
// travel back over the validation endpoint, not through this client.
type Client struct {
	BotToken string
	ChatID   string

	APIBaseURL string

	HTTPClient *http.Client
}

// APIError is a non-2xx Bot API response.
type APIError struct {
	StatusCode  int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Temporary reports whether the call is worth retrying (rate limiting or a
// Telegram-side failure).
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NotFound reports whether the API told us the member is not in the channel.
func (e *APIError) NotFound() bool {
	desc := strings.ToLower(e.Description)
	return strings.Contains(desc, "user not found") ||
		strings.Contains(desc, "participant_id_invalid") ||
		strings.Contains(desc, "user_not_participant")
}

// NewClientFromEnv builds the client from TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID.
func NewClientFromEnv() *Client {
	return &Client{
		BotToken:   strings.TrimSpace(env.GetEnv("TELEGRAM_BOT_TOKEN", "")),
		ChatID:     strings.TrimSpace(env.GetEnv("TELEGRAM_CHAT_ID", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("TELEGRAM_API_BASE_URL", defaultAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// RemoveMember kicks channelIdentity out of the managed channel. The ban is
// lifted again right away so a renewed subscriber can be re-invited later;
// that second call is best effort.
func (c *Client) RemoveMember(ctx context.Context, channelIdentity string) error {
	if err := c.call(ctx, "banChatMember", url.Values{
		"chat_id": {c.ChatID},
		"user_id": {channelIdentity},
	}); err != nil {
		return err
	}

	if err := c.call(ctx, "unbanChatMember", url.Values{
		"chat_id":        {c.ChatID},
		"user_id":        {channelIdentity},
		"only_if_banned": {"true"},
	}); err != nil {
		log.Warnf("[Telegram] Unban after kick of %s failed: %v", channelIdentity, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values) error {
	if c.BotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not configured")
	}
	if c.ChatID == "" {
		return errors.New("TELEGRAM_CHAT_ID is not configured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.APIBaseURL, c.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var parsed struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if parsed.OK {
		return nil
	}
	return &APIError{
		StatusCode:  resp.StatusCode,
		Code:        parsed.ErrorCode,
		Description: parsed.Description,
	}
}
