package pinglane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Plan is an account's subscription tier.
type Plan string

const (
	PlanFree Plan = "FREE"
	PlanPro  Plan = "PRO"
)

// DeliveryStatus tracks an event record's delivery outcome. An event is
// created PENDING and moves exactly once to DELIVERED or FAILED.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type Account struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Email      string    `json:"email"`
	APIKey     string    `json:"-"`
	DiscordID  string    `json:"discordId,omitempty"`
	Plan       Plan      `json:"plan"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Category struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Name      string    `json:"name"`
	Color     int       `json:"color"`
	Emoji     string    `json:"emoji,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Event struct {
	ID               string         `json:"id"`
	AccountID        string         `json:"accountId"`
	CategoryID       string         `json:"categoryId"`
	Name             string         `json:"name"`
	Fields           []EventField   `json:"fields,omitempty"`
	FormattedMessage string         `json:"formattedMessage"`
	DeliveryStatus   DeliveryStatus `json:"deliveryStatus"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// EventField is one entry of the event's field bag. A slice is used instead
// of a map so that input order survives storage and formatting.
type EventField struct {
	Key   string     `json:"key"`
	Value FieldValue `json:"value"`
}

// FieldKind discriminates the scalar types an event field may carry.
type FieldKind uint8

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldBool
)

// FieldValue is a tagged union over the scalar types allowed in an event
// payload: string, number, or boolean.
type FieldValue struct {
	Kind FieldKind
	Str  string
	Num  json.Number
	Bool bool
}

func StringValue(s string) FieldValue { return FieldValue{Kind: FieldString, Str: s} }

func BoolValue(b bool) FieldValue { return FieldValue{Kind: FieldBool, Bool: b} }

func NumberValue(n json.Number) FieldValue { return FieldValue{Kind: FieldNumber, Num: n} }

// String renders the value in its canonical textual form: strings verbatim,
// numbers in their decimal form as received, booleans as "true"/"false".
func (v FieldValue) String() string {
	switch v.Kind {
	case FieldNumber:
		return v.Num.String()
	case FieldBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return v.Str
	}
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FieldNumber:
		if v.Num == "" {
			return []byte("0"), nil
		}
		return []byte(v.Num), nil
	case FieldBool:
		return json.Marshal(v.Bool)
	default:
		return json.Marshal(v.Str)
	}
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch typed := raw.(type) {
	case string:
		*v = StringValue(typed)
	case bool:
		*v = BoolValue(typed)
	case json.Number:
		*v = NumberValue(typed)
	default:
		return fmt.Errorf("unsupported field value %s", string(data))
	}
	return nil
}

func marshalFields(fields []EventField) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(fields)
}

func unmarshalFields(data []byte) ([]EventField, error) {
	var fields []EventField
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Period identifies one calendar-month quota bucket.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// PeriodOf buckets a timestamp into its calendar month.
func PeriodOf(t time.Time) Period {
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// NewEventInput carries everything needed to create a pending event record.
type NewEventInput struct {
	AccountID        string
	CategoryID       string
	Name             string
	Fields           []EventField
	FormattedMessage string
}

// Store is the persistence boundary shared by the ingestion pipeline and the
// collaborator surfaces (identity sync, category management). Implementations
// must enforce the (account, month, year) quota uniqueness so that concurrent
// increments for the same bucket serialize onto a single counter row.
type Store interface {
	// SyncAccount creates the account on first sight of an identity-provider
	// subject and reports whether it was created. Idempotent.
	SyncAccount(ctx context.Context, externalID, email string) (Account, bool, error)
	AccountByAPIKey(ctx context.Context, apiKey string) (Account, error)
	AccountByExternalID(ctx context.Context, externalID string) (Account, error)
	LinkDestination(ctx context.Context, accountID, discordID string) error

	CreateCategory(ctx context.Context, accountID, name string, color int, emoji string) (Category, error)
	DeleteCategory(ctx context.Context, accountID, name string) error
	CategoryByName(ctx context.Context, accountID, name string) (Category, error)

	CreateEvent(ctx context.Context, input NewEventInput) (Event, error)
	// SetEventStatus records the terminal delivery outcome. It fails with
	// ErrStatusAlreadyTerminal if the event already left PENDING.
	SetEventStatus(ctx context.Context, eventID string, status DeliveryStatus) error

	QuotaCount(ctx context.Context, accountID string, period Period) (int, error)
	// IncrementQuota is an atomic upsert: the counter row is created with
	// count=1 when absent, incremented otherwise.
	IncrementQuota(ctx context.Context, accountID string, period Period) error

	Close() error
}
