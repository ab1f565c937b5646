package pinglane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenDMSendsRecipientAndParsesChannel(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "chan_42"})
	}))
	defer server.Close()

	client := NewHTTPDiscordClient(DiscordClientOptions{
		BaseURL:  server.URL,
		BotToken: "bot-token",
	})

	channelID, err := client.OpenDM(context.Background(), "discord_1")
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	if channelID != "chan_42" {
		t.Fatalf("expected chan_42, got %q", channelID)
	}
	if gotPath != "/users/@me/channels" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bot bot-token" {
		t.Fatalf("unexpected authorization %q", gotAuth)
	}
	if gotBody["recipient_id"] != "discord_1" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestSendEmbedPostsSingleRichEmbed(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Embeds []struct {
			Title       string       `json:"title"`
			Description string       `json:"description"`
			Color       int          `json:"color"`
			Timestamp   string       `json:"timestamp"`
			Fields      []EmbedField `json:"fields"`
		} `json:"embeds"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPDiscordClient(DiscordClientOptions{BaseURL: server.URL, BotToken: "bot-token"})
	message := FormattedMessage{
		Title:       "💰 Sale",
		Description: "A new sale event has occurred!",
		Color:       0xFDCB6E,
		Timestamp:   time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC),
		Fields: []EmbedField{
			{Name: "amount", Value: "49.99", Inline: true},
		},
	}

	if err := client.SendEmbed(context.Background(), "chan_42", message); err != nil {
		t.Fatalf("send embed: %v", err)
	}
	if gotPath != "/channels/chan_42/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(gotBody.Embeds) != 1 {
		t.Fatalf("expected exactly one embed, got %d", len(gotBody.Embeds))
	}
	embed := gotBody.Embeds[0]
	if embed.Title != message.Title || embed.Color != message.Color {
		t.Fatalf("unexpected embed %+v", embed)
	}
	if embed.Timestamp != "2026-03-04T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", embed.Timestamp)
	}
	if len(embed.Fields) != 1 || embed.Fields[0] != message.Fields[0] {
		t.Fatalf("unexpected fields %+v", embed.Fields)
	}
}

func TestClientWrapsPlatformErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 429, "message": "You are being rate limited."})
	}))
	defer server.Close()

	client := NewHTTPDiscordClient(DiscordClientOptions{BaseURL: server.URL, BotToken: "bot-token"})

	_, err := client.OpenDM(context.Background(), "discord_1")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
}

func TestClientDoesNotRetry(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPDiscordClient(DiscordClientOptions{BaseURL: server.URL, BotToken: "bot-token"})
	if _, err := client.OpenDM(context.Background(), "discord_1"); err == nil {
		t.Fatal("expected error on 502")
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestClientRequiresToken(t *testing.T) {
	client := NewHTTPDiscordClient(DiscordClientOptions{BaseURL: "http://127.0.0.1:1", BotToken: " "})
	if _, err := client.OpenDM(context.Background(), "discord_1"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed for empty token, got %v", err)
	}
}

func TestClientRejectsEmptyRecipient(t *testing.T) {
	client := NewHTTPDiscordClient(DiscordClientOptions{BotToken: "bot-token"})
	if _, err := client.OpenDM(context.Background(), "  "); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed for empty recipient, got %v", err)
	}
}
