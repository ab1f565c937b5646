package pinglane

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const defaultEmoji = "🔔"

// EmbedField is one structured entry of a formatted notification.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// FormattedMessage is the destination-ready rendering of an event.
type FormattedMessage struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   time.Time    `json:"timestamp"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// PlainText renders the message in the form stored on the event record.
func (m FormattedMessage) PlainText() string {
	return m.Title + "\n\n" + m.Description
}

// FormatNotification renders a validated event against its resolved
// category. Deterministic and side-effect free; the timestamp is the only
// caller-supplied varying input.
func FormatNotification(category Category, input EventInput, now time.Time) FormattedMessage {
	emoji := category.Emoji
	if emoji == "" {
		emoji = defaultEmoji
	}
	description := input.Description
	if description == "" {
		description = fmt.Sprintf("A new %s event has occurred!", category.Name)
	}
	var fields []EmbedField
	for _, field := range input.Fields {
		fields = append(fields, EmbedField{
			Name:   field.Key,
			Value:  field.Value.String(),
			Inline: true,
		})
	}
	return FormattedMessage{
		Title:       emoji + " " + upperFirst(category.Name),
		Description: description,
		Color:       category.Color,
		Timestamp:   now,
		Fields:      fields,
	}
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	first, size := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(first)) + s[size:]
}
