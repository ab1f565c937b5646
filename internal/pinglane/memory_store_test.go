package pinglane

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSyncAccountIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, created, err := store.SyncAccount(ctx, "ext_1", "a@example.com")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !created {
		t.Fatalf("expected first sync to create the account")
	}
	if first.APIKey == "" || first.Plan != PlanFree {
		t.Fatalf("unexpected account %+v", first)
	}

	second, created, err := store.SyncAccount(ctx, "ext_1", "a@example.com")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if created {
		t.Fatalf("expected second sync to reuse the account")
	}
	if second.ID != first.ID || second.APIKey != first.APIKey {
		t.Fatalf("expected stable identity, got %+v vs %+v", first, second)
	}
}

func TestAccountByAPIKeyMisses(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.AccountByAPIKey(context.Background(), "pk_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AccountByAPIKey(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty key, got %v", err)
	}
}

func TestCategoryUniquePerAccount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, _, _ := store.SyncAccount(ctx, "ext_1", "a@example.com")
	other, _, _ := store.SyncAccount(ctx, "ext_2", "b@example.com")

	if _, err := store.CreateCategory(ctx, account.ID, "sale", 0xFDCB6E, "💰"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateCategory(ctx, account.ID, "sale", 0, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}
	// Same name under another account is a different category.
	if _, err := store.CreateCategory(ctx, other.ID, "sale", 0, ""); err != nil {
		t.Fatalf("create for other account: %v", err)
	}
}

func TestDeleteCategory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, _, _ := store.SyncAccount(ctx, "ext_1", "a@example.com")
	if _, err := store.CreateCategory(ctx, account.ID, "sale", 0, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.DeleteCategory(ctx, account.ID, "sale"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.CategoryByName(ctx, account.ID, "sale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected category gone, got %v", err)
	}
	if err := store.DeleteCategory(ctx, account.ID, "sale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCategoryLookupIsCaseSensitive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, _, _ := store.SyncAccount(ctx, "ext_1", "a@example.com")
	if _, err := store.CreateCategory(ctx, account.ID, "sale", 0, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.CategoryByName(ctx, account.ID, "Sale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected case-sensitive miss, got %v", err)
	}
}

func TestEventStatusIsTerminalOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, _, _ := store.SyncAccount(ctx, "ext_1", "a@example.com")
	category, _ := store.CreateCategory(ctx, account.ID, "sale", 0, "")
	event, err := store.CreateEvent(ctx, NewEventInput{
		AccountID:  account.ID,
		CategoryID: category.ID,
		Name:       category.Name,
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if event.DeliveryStatus != StatusPending {
		t.Fatalf("expected new event PENDING, got %s", event.DeliveryStatus)
	}

	if err := store.SetEventStatus(ctx, event.ID, StatusDelivered); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := store.SetEventStatus(ctx, event.ID, StatusFailed); !errors.Is(err, ErrStatusAlreadyTerminal) {
		t.Fatalf("expected ErrStatusAlreadyTerminal, got %v", err)
	}
	stored, err := store.EventByID(event.ID)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if stored.DeliveryStatus != StatusDelivered {
		t.Fatalf("expected status to stay DELIVERED, got %s", stored.DeliveryStatus)
	}
}

func TestSetEventStatusRejectsPending(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SetEventStatus(context.Background(), "evt_x", StatusPending); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-terminal status, got %v", err)
	}
}

func TestConcurrentQuotaIncrementsSerialize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	account, _, _ := store.SyncAccount(ctx, "ext_1", "a@example.com")
	period := Period{Month: 3, Year: 2026}

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = store.IncrementQuota(ctx, account.ID, period)
		}()
	}
	wg.Wait()

	count, err := store.QuotaCount(ctx, account.ID, period)
	if err != nil {
		t.Fatalf("quota count: %v", err)
	}
	if count != workers {
		t.Fatalf("expected %d increments, got %d", workers, count)
	}
}
