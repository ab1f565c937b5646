package pinglane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DeliveryClient opens a direct-message channel to an account's destination
// and transmits a formatted notification. Implementations perform no retry
// of their own; retry policy belongs to the caller.
type DeliveryClient interface {
	OpenDM(ctx context.Context, recipientID string) (string, error)
	SendEmbed(ctx context.Context, channelID string, message FormattedMessage) error
}

type DiscordClientOptions struct {
	BaseURL    string
	BotToken   string
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPDiscordClient talks to the Discord bot REST API. Constructed once at
// process startup and injected into the ingestion pipeline.
type HTTPDiscordClient struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
	userAgent  string
}

func NewHTTPDiscordClient(opts DiscordClientOptions) *HTTPDiscordClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDiscordClient{
		baseURL:    baseURL,
		botToken:   strings.TrimSpace(opts.BotToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// OpenDM creates (or reuses, on the platform side) the DM channel for the
// recipient and returns its channel ID.
func (c *HTTPDiscordClient) OpenDM(ctx context.Context, recipientID string) (string, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return "", &DeliveryError{Err: fmt.Errorf("recipient id is empty")}
	}
	payload := map[string]string{"recipient_id": recipientID}
	var channel struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/users/@me/channels", payload, &channel); err != nil {
		return "", err
	}
	if channel.ID == "" {
		return "", &DeliveryError{Err: fmt.Errorf("discord returned no channel id")}
	}
	return channel.ID, nil
}

type discordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// SendEmbed posts the message as a single rich embed to the channel.
func (c *HTTPDiscordClient) SendEmbed(ctx context.Context, channelID string, message FormattedMessage) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return &DeliveryError{Err: fmt.Errorf("channel id is empty")}
	}
	payload := map[string]any{
		"embeds": []discordEmbed{{
			Title:       message.Title,
			Description: message.Description,
			Color:       message.Color,
			Timestamp:   message.Timestamp.UTC().Format(time.RFC3339),
			Fields:      message.Fields,
		}},
	}
	return c.post(ctx, "/channels/"+channelID+"/messages", payload, nil)
}

func (c *HTTPDiscordClient) post(ctx context.Context, path string, payload, result any) error {
	if c == nil {
		return &DeliveryError{Err: fmt.Errorf("discord client is nil")}
	}
	if c.botToken == "" {
		return &DeliveryError{Err: fmt.Errorf("discord bot token is empty")}
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &DeliveryError{Err: readErr}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if result != nil {
			if err := json.Unmarshal(respBody, result); err != nil {
				return &DeliveryError{Err: err}
			}
		}
		return nil
	}

	errMessage := strings.TrimSpace(string(respBody))
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		errMessage = parsed.Message
		if parsed.Code != 0 {
			return &DeliveryError{Err: fmt.Errorf("discord request failed: status=%d code=%d message=%s", resp.StatusCode, parsed.Code, errMessage)}
		}
	}
	return &DeliveryError{Err: fmt.Errorf("discord request failed: status=%d message=%s", resp.StatusCode, errMessage)}
}
