package pinglane

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFormatNotificationWithEmojiAndFields(t *testing.T) {
	category := Category{Name: "sale", Emoji: "💰", Color: 0xFDCB6E}
	input := EventInput{
		Fields: []EventField{
			{Key: "amount", Value: NumberValue(json.Number("49.99"))},
			{Key: "plan", Value: StringValue("pro")},
		},
	}
	now := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)

	message := FormatNotification(category, input, now)

	if message.Title != "💰 Sale" {
		t.Fatalf("expected title %q, got %q", "💰 Sale", message.Title)
	}
	if message.Description != "A new sale event has occurred!" {
		t.Fatalf("unexpected description %q", message.Description)
	}
	if message.Color != 0xFDCB6E {
		t.Fatalf("expected color passed through, got %d", message.Color)
	}
	if !message.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp %s, got %s", now, message.Timestamp)
	}
	want := []EmbedField{
		{Name: "amount", Value: "49.99", Inline: true},
		{Name: "plan", Value: "pro", Inline: true},
	}
	if len(message.Fields) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(message.Fields))
	}
	for i, field := range message.Fields {
		if field != want[i] {
			t.Fatalf("field %d: expected %+v, got %+v", i, want[i], field)
		}
	}
}

func TestFormatNotificationDefaultsEmojiAndBody(t *testing.T) {
	category := Category{Name: "signup"}
	message := FormatNotification(category, EventInput{}, time.Now())

	if message.Title != "🔔 Signup" {
		t.Fatalf("expected default bell title, got %q", message.Title)
	}
	if message.Description != "A new signup event has occurred!" {
		t.Fatalf("unexpected default body %q", message.Description)
	}
	if len(message.Fields) != 0 {
		t.Fatalf("expected no fields, got %d", len(message.Fields))
	}
}

func TestFormatNotificationPrefersSuppliedDescription(t *testing.T) {
	category := Category{Name: "bug", Emoji: "🪲"}
	input := EventInput{Description: "checkout page crashed"}

	message := FormatNotification(category, input, time.Now())

	if message.Description != "checkout page crashed" {
		t.Fatalf("expected supplied description, got %q", message.Description)
	}
}

func TestFormatNotificationStringifiesScalars(t *testing.T) {
	category := Category{Name: "metrics"}
	input := EventInput{
		Fields: []EventField{
			{Key: "count", Value: NumberValue(json.Number("3"))},
			{Key: "ok", Value: BoolValue(true)},
			{Key: "failed", Value: BoolValue(false)},
		},
	}

	message := FormatNotification(category, input, time.Now())

	got := []string{message.Fields[0].Value, message.Fields[1].Value, message.Fields[2].Value}
	want := []string{"3", "true", "false"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestPlainTextJoinsTitleAndBody(t *testing.T) {
	message := FormattedMessage{Title: "🔔 Signup", Description: "A new signup event has occurred!"}
	if message.PlainText() != "🔔 Signup\n\nA new signup event has occurred!" {
		t.Fatalf("unexpected plain text %q", message.PlainText())
	}
}

func TestUpperFirstHandlesUnicode(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"sale":   "Sale",
		"Sale":   "Sale",
		"über":   "Über",
		"x":      "X",
		"42sale": "42sale",
	}
	for in, want := range cases {
		if got := upperFirst(in); got != want {
			t.Fatalf("upperFirst(%q): expected %q, got %q", in, want, got)
		}
	}
}
