package pinglane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is the in-process Store used by tests and the dev profile.
// All maps are guarded by a single mutex; quota uniqueness is trivially
// satisfied because increments happen under the lock.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]*Account // by ID
	categories map[string]*Category
	events     map[string]*Event
	quotas     map[quotaKey]int
	seq        atomic.Int64
	now        func() time.Time
}

type quotaKey struct {
	accountID string
	month     int
	year      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   map[string]*Account{},
		categories: map[string]*Category{},
		events:     map[string]*Event{},
		quotas:     map[quotaKey]int{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) SyncAccount(_ context.Context, externalID, email string) (Account, bool, error) {
	if externalID == "" {
		return Account{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.ExternalID == externalID {
			return *account, false, nil
		}
	}
	apiKey, err := generateAPIKey()
	if err != nil {
		return Account{}, false, err
	}
	account := &Account{
		ID:         s.nextID("acct"),
		ExternalID: externalID,
		Email:      email,
		APIKey:     apiKey,
		Plan:       PlanFree,
		CreatedAt:  s.now(),
	}
	s.accounts[account.ID] = account
	return *account, true, nil
}

func (s *MemoryStore) AccountByAPIKey(_ context.Context, apiKey string) (Account, error) {
	if apiKey == "" {
		return Account{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.APIKey == apiKey {
			return *account, nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) AccountByExternalID(_ context.Context, externalID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.ExternalID == externalID {
			return *account, nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) LinkDestination(_ context.Context, accountID, discordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.DiscordID = discordID
	return nil
}

// SetPlan switches an account's subscription tier. Used by the out-of-scope
// billing collaborator and by tests.
func (s *MemoryStore) SetPlan(accountID string, plan Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.Plan = plan
	return nil
}

func (s *MemoryStore) CreateCategory(_ context.Context, accountID, name string, color int, emoji string) (Category, error) {
	if accountID == "" || name == "" {
		return Category{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return Category{}, ErrNotFound
	}
	for _, category := range s.categories {
		if category.AccountID == accountID && category.Name == name {
			return Category{}, ErrConflict
		}
	}
	category := &Category{
		ID:        s.nextID("cat"),
		AccountID: accountID,
		Name:      name,
		Color:     color,
		Emoji:     emoji,
		CreatedAt: s.now(),
	}
	s.categories[category.ID] = category
	return *category, nil
}

func (s *MemoryStore) DeleteCategory(_ context.Context, accountID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, category := range s.categories {
		if category.AccountID == accountID && category.Name == name {
			delete(s.categories, id)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CategoryByName(_ context.Context, accountID, name string) (Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, category := range s.categories {
		if category.AccountID == accountID && category.Name == name {
			return *category, nil
		}
	}
	return Category{}, ErrNotFound
}

func (s *MemoryStore) CreateEvent(_ context.Context, input NewEventInput) (Event, error) {
	if input.AccountID == "" || input.CategoryID == "" || input.Name == "" {
		return Event{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event := &Event{
		ID:               s.nextID("evt"),
		AccountID:        input.AccountID,
		CategoryID:       input.CategoryID,
		Name:             input.Name,
		Fields:           append([]EventField(nil), input.Fields...),
		FormattedMessage: input.FormattedMessage,
		DeliveryStatus:   StatusPending,
		CreatedAt:        s.now(),
	}
	s.events[event.ID] = event
	return *event, nil
}

func (s *MemoryStore) SetEventStatus(_ context.Context, eventID string, status DeliveryStatus) error {
	if !status.Terminal() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if event.DeliveryStatus.Terminal() {
		return ErrStatusAlreadyTerminal
	}
	event.DeliveryStatus = status
	return nil
}

// EventByID is read by tests and the admin collaborator; not part of the
// ingestion path.
func (s *MemoryStore) EventByID(eventID string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return Event{}, ErrNotFound
	}
	return *event, nil
}

// EventCount reports how many event records exist. Test helper.
func (s *MemoryStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *MemoryStore) QuotaCount(_ context.Context, accountID string, period Period) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas[quotaKey{accountID: accountID, month: period.Month, year: period.Year}], nil
}

func (s *MemoryStore) IncrementQuota(_ context.Context, accountID string, period Period) error {
	if accountID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey{accountID: accountID, month: period.Month, year: period.Year}]++
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) nextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, s.seq.Add(1))
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pk_" + hex.EncodeToString(buf), nil
}
