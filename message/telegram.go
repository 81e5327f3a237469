package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	maxCaptionLength   = 1024
)

// TelegramProvider posts to a channel via the Telegram Bot API.
type TelegramProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	apiBase string
	token   string
	chatID  string
}

// TelegramConfig configures the Telegram provider.
type TelegramConfig struct {
	Client   *http.Client
	Logger   *slog.Logger
	APIBase  string // Defaults to the public Bot API
	Token    string
	ChatID   string        // Channel username (@name) or numeric id
	Interval time.Duration // Minimum spacing between sends
}

// NewTelegramProvider creates a new Telegram provider.
func NewTelegramProvider(cfg TelegramConfig) *TelegramProvider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	apiBase := strings.TrimSuffix(cfg.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &TelegramProvider{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  cfg.Logger,
		apiBase: apiBase,
		token:   cfg.Token,
		chatID:  cfg.ChatID,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send makes a single delivery attempt. Photos with captions that are too
// long for Telegram are sent as text with a link preview instead.
func (t *TelegramProvider) Send(ctx context.Context, text, imageURL string) error {
	method := "sendMessage"
	payload := map[string]any{
		"chat_id":    t.chatID,
		"parse_mode": "HTML",
	}
	if imageURL != "" && len([]rune(text)) <= maxCaptionLength {
		method = "sendPhoto"
		payload["photo"] = imageURL
		payload["caption"] = text
	} else {
		payload["text"] = text
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		t.logger.Warn("Telegram API request failed",
			"method", method,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			t.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	var body telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || body.ErrorCode == http.StatusTooManyRequests {
		t.logger.Warn("Telegram API rate limited",
			"method", method,
			"retry_after_s", body.Parameters.RetryAfter)
		return &RateLimitError{RetryAfter: time.Duration(body.Parameters.RetryAfter) * time.Second}
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		t.logger.Warn("Telegram API returned error",
			"method", method,
			"status_code", resp.StatusCode,
			"description", body.Description)
		return &APIError{StatusCode: resp.StatusCode, Description: body.Description}
	}

	t.logger.Info("Telegram API request completed",
		"method", method,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
