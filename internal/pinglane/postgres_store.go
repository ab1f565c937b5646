package pinglane

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second
	uniqueViolationCode      = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists accounts, categories, events and quota counters in
// postgres. The quota increment is an ON CONFLICT upsert so concurrent
// requests for the same (account, month, year) bucket serialize onto one row.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		migrations := []string{
			`CREATE TABLE IF NOT EXISTS pinglane_accounts (
				id TEXT PRIMARY KEY,
				external_id TEXT NOT NULL UNIQUE,
				email TEXT NOT NULL,
				api_key TEXT NOT NULL UNIQUE,
				discord_id TEXT NOT NULL DEFAULT '',
				plan TEXT NOT NULL DEFAULT 'FREE',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS pinglane_categories (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES pinglane_accounts (id),
				name TEXT NOT NULL,
				color INTEGER NOT NULL DEFAULT 0,
				emoji TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (account_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS pinglane_events (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES pinglane_accounts (id),
				category_id TEXT NOT NULL REFERENCES pinglane_categories (id),
				name TEXT NOT NULL,
				fields TEXT NOT NULL DEFAULT '[]',
				formatted_message TEXT NOT NULL DEFAULT '',
				delivery_status TEXT NOT NULL DEFAULT 'PENDING',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS pinglane_quotas (
				account_id TEXT NOT NULL REFERENCES pinglane_accounts (id),
				month INTEGER NOT NULL,
				year INTEGER NOT NULL,
				count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (account_id, month, year)
			)`,
		}
		for _, migration := range migrations {
			if _, err := db.ExecContext(ctx, migration); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) SyncAccount(ctx context.Context, externalID, email string) (Account, bool, error) {
	if strings.TrimSpace(externalID) == "" {
		return Account{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Account{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	apiKey, err := generateAPIKey()
	if err != nil {
		return Account{}, false, err
	}
	id := randomID("acct")
	var insertedID string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pinglane_accounts (id, external_id, email, api_key, plan)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id`, id, externalID, email, apiKey, PlanFree).Scan(&insertedID)
	created := true
	if errors.Is(err, sql.ErrNoRows) {
		created = false
	} else if err != nil {
		return Account{}, false, err
	}

	account, err := s.scanAccount(s.db.QueryRowContext(ctx, accountQuery+" WHERE external_id = $1", externalID))
	if err != nil {
		return Account{}, false, err
	}
	return account, created, nil
}

const accountQuery = `SELECT id, external_id, email, api_key, discord_id, plan, created_at FROM pinglane_accounts`

func (s *PostgresStore) scanAccount(row *sql.Row) (Account, error) {
	var account Account
	var plan string
	err := row.Scan(&account.ID, &account.ExternalID, &account.Email, &account.APIKey, &account.DiscordID, &plan, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	account.Plan = Plan(plan)
	return account, nil
}

func (s *PostgresStore) AccountByAPIKey(ctx context.Context, apiKey string) (Account, error) {
	if apiKey == "" {
		return Account{}, ErrNotFound
	}
	if err := s.ensureReady(); err != nil {
		return Account{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.scanAccount(s.db.QueryRowContext(ctx, accountQuery+" WHERE api_key = $1", apiKey))
}

func (s *PostgresStore) AccountByExternalID(ctx context.Context, externalID string) (Account, error) {
	if err := s.ensureReady(); err != nil {
		return Account{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.scanAccount(s.db.QueryRowContext(ctx, accountQuery+" WHERE external_id = $1", externalID))
}

func (s *PostgresStore) LinkDestination(ctx context.Context, accountID, discordID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `UPDATE pinglane_accounts SET discord_id = $2 WHERE id = $1`, accountID, discordID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// SetPlan switches an account's subscription tier.
func (s *PostgresStore) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `UPDATE pinglane_accounts SET plan = $2 WHERE id = $1`, accountID, string(plan))
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStore) CreateCategory(ctx context.Context, accountID, name string, color int, emoji string) (Category, error) {
	if accountID == "" || name == "" {
		return Category{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Category{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	category := Category{
		ID:        randomID("cat"),
		AccountID: accountID,
		Name:      name,
		Color:     color,
		Emoji:     emoji,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pinglane_categories (id, account_id, name, color, emoji)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, category.ID, accountID, name, color, emoji).Scan(&category.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
			return Category{}, ErrConflict
		}
		return Category{}, err
	}
	return category, nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, accountID, name string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `DELETE FROM pinglane_categories WHERE account_id = $1 AND name = $2`, accountID, name)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStore) CategoryByName(ctx context.Context, accountID, name string) (Category, error) {
	if err := s.ensureReady(); err != nil {
		return Category{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var category Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, color, emoji, created_at
		FROM pinglane_categories
		WHERE account_id = $1 AND name = $2`, accountID, name).
		Scan(&category.ID, &category.AccountID, &category.Name, &category.Color, &category.Emoji, &category.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, ErrNotFound
	}
	if err != nil {
		return Category{}, err
	}
	return category, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, input NewEventInput) (Event, error) {
	if input.AccountID == "" || input.CategoryID == "" || input.Name == "" {
		return Event{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Event{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	fieldsPayload, err := marshalFields(input.Fields)
	if err != nil {
		return Event{}, err
	}
	event := Event{
		ID:               randomID("evt"),
		AccountID:        input.AccountID,
		CategoryID:       input.CategoryID,
		Name:             input.Name,
		Fields:           input.Fields,
		FormattedMessage: input.FormattedMessage,
		DeliveryStatus:   StatusPending,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pinglane_events (id, account_id, category_id, name, fields, formatted_message, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		event.ID, event.AccountID, event.CategoryID, event.Name, string(fieldsPayload), event.FormattedMessage, string(StatusPending)).
		Scan(&event.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func (s *PostgresStore) SetEventStatus(ctx context.Context, eventID string, status DeliveryStatus) error {
	if !status.Terminal() {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE pinglane_events SET delivery_status = $2
		WHERE id = $1 AND delivery_status = $3`, eventID, string(status), string(StatusPending))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT delivery_status FROM pinglane_events WHERE id = $1`, eventID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusAlreadyTerminal
}

// EventByID is read by the admin collaborator and by tests; not part of
// the ingestion path.
func (s *PostgresStore) EventByID(ctx context.Context, eventID string) (Event, error) {
	if err := s.ensureReady(); err != nil {
		return Event{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var event Event
	var fieldsPayload string
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, category_id, name, fields, formatted_message, delivery_status, created_at
		FROM pinglane_events WHERE id = $1`, eventID).
		Scan(&event.ID, &event.AccountID, &event.CategoryID, &event.Name, &fieldsPayload, &event.FormattedMessage, &status, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	event.DeliveryStatus = DeliveryStatus(status)
	event.Fields, err = unmarshalFields([]byte(fieldsPayload))
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func (s *PostgresStore) QuotaCount(ctx context.Context, accountID string, period Period) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM pinglane_quotas
		WHERE account_id = $1 AND month = $2 AND year = $3`, accountID, period.Month, period.Year).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) IncrementQuota(ctx context.Context, accountID string, period Period) error {
	if accountID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pinglane_quotas (account_id, month, year, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (account_id, month, year)
		DO UPDATE SET count = pinglane_quotas.count + 1`, accountID, period.Month, period.Year)
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func randomID(prefix string) string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are not recoverable at this layer.
		panic(err)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
