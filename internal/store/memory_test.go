package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/postalq/mailflow/internal/model"
)

func pendingPiece(id string) model.MailPiece {
	return model.MailPiece{
		ID:               id,
		OwnerID:          "owner-1",
		Status:           model.StatusPendingPayment,
		PaymentStatus:    model.PaymentPending,
		PaymentReference: "ref-" + id,
		CreatedAt:        time.Now(),
	}
}

func TestMemoryGet(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, pendingPiece("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Get(ctx, "p1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetByOwner(ctx, "p1", "owner-1"); err != nil {
		t.Fatalf("get by owner: %v", err)
	}
	if _, err := m.GetByOwner(ctx, "p1", "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("owner mismatch: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryMarkPaid(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, pendingPiece("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	entry := model.StatusHistoryEntry{
		Status:         model.StatusPaid,
		PreviousStatus: model.StatusPendingPayment,
		Source:         model.SourceWebhook,
	}
	p, ok, err := m.MarkPaid(ctx, "p1", "ref-new", entry)
	if err != nil || !ok {
		t.Fatalf("mark paid: ok=%v err=%v", ok, err)
	}
	if p.Status != model.StatusPaid || p.PaymentStatus != model.PaymentPaid {
		t.Fatalf("unexpected piece after mark paid: %+v", p)
	}
	if p.PaymentReference != "ref-new" {
		t.Fatalf("payment reference not updated: %q", p.PaymentReference)
	}

	// Second attempt must see zero rows affected.
	_, ok, err = m.MarkPaid(ctx, "p1", "", entry)
	if err != nil {
		t.Fatalf("second mark paid: %v", err)
	}
	if ok {
		t.Fatal("second mark paid must not swap")
	}

	history, err := m.History(ctx, "p1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 history entry, got %d", len(history))
	}
	if history[0].Status != model.StatusPaid || history[0].Source != model.SourceWebhook {
		t.Fatalf("unexpected history entry: %+v", history[0])
	}
}

func TestMemoryMarkPaidKeepsReferenceWhenEmpty(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, pendingPiece("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	p, ok, err := m.MarkPaid(ctx, "p1", "", model.StatusHistoryEntry{})
	if err != nil || !ok {
		t.Fatalf("mark paid: ok=%v err=%v", ok, err)
	}
	if p.PaymentReference != "ref-p1" {
		t.Fatalf("empty reference must keep stored value, got %q", p.PaymentReference)
	}
}

// TestMemoryMarkPaidConcurrent drives N racing callers at one piece:
// exactly one may win the compare-and-swap.
func TestMemoryMarkPaidConcurrent(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, pendingPiece("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.MarkPaid(ctx, "p1", "", model.StatusHistoryEntry{
				Status:         model.StatusPaid,
				PreviousStatus: model.StatusPendingPayment,
				Source:         model.SourceSystem,
			})
			if err != nil {
				t.Errorf("mark paid: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	history, _ := m.History(ctx, "p1")
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 history entry, got %d", len(history))
	}
}

func TestMemoryMarkSubmitted(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	p := pendingPiece("p1")
	p.Status = model.StatusPaid
	p.PaymentStatus = model.PaymentPaid
	if err := m.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub := Submission{ProviderID: "prov-1", ProviderStatus: "processing", TrackingNumber: "TRK1", CostCents: 123}
	got, ok, err := m.MarkSubmitted(ctx, "p1", sub, model.StatusHistoryEntry{Status: model.StatusSubmitted})
	if err != nil || !ok {
		t.Fatalf("mark submitted: ok=%v err=%v", ok, err)
	}
	if got.Status != model.StatusSubmitted || got.ProviderID != "prov-1" || got.CostCents != 123 {
		t.Fatalf("unexpected piece: %+v", got)
	}

	// A second submission must not swap: providerId is already set.
	_, ok, err = m.MarkSubmitted(ctx, "p1", Submission{ProviderID: "prov-2"}, model.StatusHistoryEntry{})
	if err != nil {
		t.Fatalf("second mark submitted: %v", err)
	}
	if ok {
		t.Fatal("second mark submitted must not swap")
	}

	if _, err := m.GetByProviderID(ctx, "prov-1"); err != nil {
		t.Fatalf("get by provider id: %v", err)
	}
}

func TestMemoryMarkSubmittedRequiresPaid(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, pendingPiece("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, ok, err := m.MarkSubmitted(ctx, "p1", Submission{ProviderID: "prov-1"}, model.StatusHistoryEntry{})
	if err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if ok {
		t.Fatal("unpaid piece must not be submittable")
	}
}

func TestMemoryUpdateStatus(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	p := pendingPiece("p1")
	p.Status = model.StatusSubmitted
	p.PaymentStatus = model.PaymentPaid
	p.ProviderID = "prov-1"
	if err := m.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := m.UpdateStatus(ctx, "p1", model.StatusSubmitted, model.StatusInTransit,
		StatusUpdate{ProviderStatus: "in_transit", TrackingNumber: "TRK9"},
		model.StatusHistoryEntry{Status: model.StatusInTransit})
	if err != nil || !ok {
		t.Fatalf("update status: ok=%v err=%v", ok, err)
	}

	got, _ := m.Get(ctx, "p1")
	if got.Status != model.StatusInTransit || got.TrackingNumber != "TRK9" {
		t.Fatalf("unexpected piece: %+v", got)
	}

	// Stale expected state: zero rows affected, no history entry.
	ok, err = m.UpdateStatus(ctx, "p1", model.StatusSubmitted, model.StatusFailed,
		StatusUpdate{}, model.StatusHistoryEntry{})
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if ok {
		t.Fatal("stale expected status must not swap")
	}
	history, _ := m.History(ctx, "p1")
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 history entry, got %d", len(history))
	}
}

func TestMemoryFlagManualReview(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, pendingPiece("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.FlagManualReview(ctx, "p1", "enqueue failed"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	got, _ := m.Get(ctx, "p1")
	if !got.RequiresManualReview || got.ReviewReason != "enqueue failed" {
		t.Fatalf("unexpected piece: %+v", got)
	}
	if got.Status != model.StatusPendingPayment {
		t.Fatal("flagging must not touch status")
	}

	if err := m.FlagManualReview(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryListStuckPending(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	stuck := pendingPiece("stuck")
	noRef := pendingPiece("no-ref")
	noRef.PaymentReference = ""
	old := pendingPiece("old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	paid := pendingPiece("paid")
	paid.Status = model.StatusPaid
	paid.PaymentStatus = model.PaymentPaid

	for _, p := range []model.MailPiece{stuck, noRef, old, paid} {
		if err := m.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}

	got, err := m.ListStuckPending(ctx, 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stuck" {
		t.Fatalf("expected only the stuck piece, got %+v", got)
	}
}
