package pinglane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// IngestorOptions wires the ingestion pipeline's collaborators. Store and
// Delivery are required; the rest default.
type IngestorOptions struct {
	Store    Store
	Delivery DeliveryClient
	Policy   *QuotaPolicy
	Hub      *StreamHub
	Clock    func() time.Time
}

// Ingestor runs one ingestion request end to end: credential resolution,
// quota pre-check, payload validation, category resolution, durable event
// creation, formatting, delivery, terminal status recording and conditional
// quota increment. Each call is an independent unit of work; the only
// cross-request invariant (quota counter uniqueness) lives in the store.
type Ingestor struct {
	store     Store
	delivery  DeliveryClient
	ledger    *QuotaLedger
	validator *EventValidator
	hub       *StreamHub
	clock     func() time.Time
}

func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Delivery == nil {
		return nil, fmt.Errorf("%w: delivery client is required", ErrInvalidInput)
	}
	validator, err := NewEventValidator()
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Ingestor{
		store:     opts.Store,
		delivery:  opts.Delivery,
		ledger:    NewQuotaLedger(opts.Store, opts.Policy),
		validator: validator,
		hub:       opts.Hub,
		clock:     clock,
	}, nil
}

// IngestResult reports the outcome of a committed pipeline run. EventID is
// set as soon as the durable record exists, so delivery failures remain
// traceable by the caller.
type IngestResult struct {
	EventID string
	Status  DeliveryStatus
}

// Ingest processes one event submission. authHeader is the raw
// Authorization header value; body is the raw request body.
func (ing *Ingestor) Ingest(ctx context.Context, authHeader string, body []byte) (IngestResult, error) {
	account, err := ing.authenticate(ctx, authHeader)
	if err != nil {
		return IngestResult{}, err
	}

	now := ing.clock()
	period := PeriodOf(now)
	quota, err := ing.ledger.Check(ctx, account, period)
	if err != nil {
		return IngestResult{}, err
	}
	if !quota.WithinLimit {
		return IngestResult{}, ErrQuotaExceeded
	}

	input, err := ing.validator.Validate(body)
	if err != nil {
		return IngestResult{}, err
	}

	category, err := ing.store.CategoryByName(ctx, account.ID, input.Category)
	if errors.Is(err, ErrNotFound) {
		return IngestResult{}, &CategoryNotFoundError{Name: input.Category}
	}
	if err != nil {
		return IngestResult{}, err
	}

	message := FormatNotification(category, input, now)
	event, err := ing.store.CreateEvent(ctx, NewEventInput{
		AccountID:        account.ID,
		CategoryID:       category.ID,
		Name:             category.Name,
		Fields:           input.Fields,
		FormattedMessage: message.PlainText(),
	})
	if err != nil {
		return IngestResult{}, err
	}

	// The record exists; from here the pipeline owes it a terminal status
	// even if the caller disconnects mid-delivery.
	detached := context.WithoutCancel(ctx)
	if err := ing.deliver(detached, account.DiscordID, message); err != nil {
		ing.recordTerminal(detached, &event, StatusFailed)
		return IngestResult{EventID: event.ID, Status: StatusFailed}, err
	}

	ing.recordTerminal(detached, &event, StatusDelivered)
	if err := ing.ledger.RecordSuccess(detached, account.ID, period); err != nil {
		log.Printf("event %s delivered but quota increment failed: %v", event.ID, err)
	}
	return IngestResult{EventID: event.ID, Status: StatusDelivered}, nil
}

func (ing *Ingestor) authenticate(ctx context.Context, authHeader string) (Account, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Account{}, fmt.Errorf("%w: missing or malformed authorization header", ErrUnauthenticated)
	}
	apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if apiKey == "" {
		return Account{}, fmt.Errorf("%w: empty api key", ErrUnauthenticated)
	}
	account, err := ing.store.AccountByAPIKey(ctx, apiKey)
	if errors.Is(err, ErrNotFound) {
		// Deliberately indistinct from the malformed-header case so an
		// attacker cannot probe for key existence.
		return Account{}, fmt.Errorf("%w: invalid api key", ErrUnauthenticated)
	}
	if err != nil {
		return Account{}, err
	}
	if account.DiscordID == "" {
		return Account{}, ErrDestinationNotLinked
	}
	return account, nil
}

func (ing *Ingestor) deliver(ctx context.Context, recipientID string, message FormattedMessage) error {
	channelID, err := ing.delivery.OpenDM(ctx, recipientID)
	if err != nil {
		return wrapDelivery(err)
	}
	if err := ing.delivery.SendEmbed(ctx, channelID, message); err != nil {
		return wrapDelivery(err)
	}
	return nil
}

func wrapDelivery(err error) error {
	if errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	return &DeliveryError{Err: err}
}

func (ing *Ingestor) recordTerminal(ctx context.Context, event *Event, status DeliveryStatus) {
	if err := ing.store.SetEventStatus(ctx, event.ID, status); err != nil {
		log.Printf("event %s: recording status %s failed: %v", event.ID, status, err)
		return
	}
	event.DeliveryStatus = status
	ing.hub.Publish(*event)
}
