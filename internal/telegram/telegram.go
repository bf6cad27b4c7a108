package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
)

// MaxMessageUnits is the sendMessage text limit. Telegram counts it in
// UTF-16 code units, so astral characters such as emoji take two.
const MaxMessageUnits = 4096

// ErrMalformedUpdate is returned when a webhook body is not a valid update.
var ErrMalformedUpdate = errors.New("malformed telegram update")

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat
type User = cmdpkg.User

type rawUpdate struct {
	UpdateID *int64          `json:"update_id"`
	Message  *cmdpkg.Message `json:"message,omitempty"`
}

// DecodeUpdate parses a webhook body. It fails closed: anything that is not
// a JSON object with an update_id wraps ErrMalformedUpdate.
func DecodeUpdate(body []byte) (Update, error) {
	var raw rawUpdate
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if dec.More() {
		return Update{}, fmt.Errorf("%w: trailing data after update", ErrMalformedUpdate)
	}
	if raw.UpdateID == nil {
		return Update{}, fmt.Errorf("%w: missing update_id", ErrMalformedUpdate)
	}
	return Update{UpdateID: *raw.UpdateID, Message: raw.Message}, nil
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    truncateUTF16(text, MaxMessageUnits),
	}
	if _, err := c.call(ctx, "sendMessage", payload); err != nil {
		return fmt.Errorf("telegram sendMessage chat_id=%d: %w", chatID, err)
	}
	return nil
}

// GetMe returns the bot's own user, used to learn its @handle.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	result, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return User{}, fmt.Errorf("telegram getMe: %w", err)
	}
	var me User
	if err := json.Unmarshal(result, &me); err != nil {
		return User{}, fmt.Errorf("failed to parse getMe result: %w", err)
	}
	return me, nil
}

// SetWebhook points Telegram at the relay's public webhook URL.
func (c *Client) SetWebhook(ctx context.Context, webhookURL string, dropPending bool) error {
	payload := map[string]any{
		"url":                  webhookURL,
		"allowed_updates":      []string{"message"},
		"drop_pending_updates": dropPending,
	}
	if _, err := c.call(ctx, "setWebhook", payload); err != nil {
		return fmt.Errorf("telegram setWebhook: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(respBody), 400))
	}

	var tgResp Response
	if err := json.Unmarshal(respBody, &tgResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !tgResp.OK {
		return nil, fmt.Errorf("api error: %s", tgResp.Description)
	}
	return tgResp.Result, nil
}

// truncateUTF16 cuts s to at most maxUnits UTF-16 code units without
// splitting a character.
func truncateUTF16(s string, maxUnits int) string {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > maxUnits {
			return s[:i]
		}
		units += n
	}
	return s
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
