package recon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/postalq/mailflow/internal/model"
	"github.com/postalq/mailflow/internal/store"
)

func newEngine(t *testing.T, pieces ...model.MailPiece) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	for _, p := range pieces {
		if err := st.Create(context.Background(), p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}
	return New(st), st
}

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

func TestMarkPaidSuccess(t *testing.T) {
	t.Parallel()

	e, st := newEngine(t, pendingPiece("p1"))
	res, err := e.MarkPaid(context.Background(), Input{
		MailPieceID: "p1",
		Source:      model.SourceWebhook,
		Description: "payment webhook received",
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Outcome != Success {
		t.Fatalf("expected success, got %s", res.Outcome)
	}
	if res.Piece.Status != model.StatusPaid || res.Piece.PaymentStatus != model.PaymentPaid {
		t.Fatalf("unexpected piece: %+v", res.Piece)
	}

	history, _ := st.History(context.Background(), "p1")
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].Status != model.StatusPaid || history[0].PreviousStatus != model.StatusPendingPayment {
		t.Fatalf("unexpected entry: %+v", history[0])
	}
	if history[0].Source != model.SourceWebhook {
		t.Fatalf("unexpected source: %s", history[0].Source)
	}
}

func TestMarkPaidAlreadyPaid(t *testing.T) {
	t.Parallel()

	paid := pendingPiece("p1")
	paid.Status = model.StatusPaid
	paid.PaymentStatus = model.PaymentPaid
	e, st := newEngine(t, paid)

	res, err := e.MarkPaid(context.Background(), Input{MailPieceID: "p1", Source: model.SourceClient})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Outcome != AlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", res.Outcome)
	}
	history, _ := st.History(context.Background(), "p1")
	if len(history) != 0 {
		t.Fatal("already processed must not write history")
	}
}

func TestMarkPaidAlreadySubmitted(t *testing.T) {
	t.Parallel()

	// A piece with a provider ID is past paying regardless of status.
	sub := pendingPiece("p1")
	sub.Status = model.StatusSubmitted
	sub.PaymentStatus = model.PaymentPaid
	sub.ProviderID = "prov-1"
	e, _ := newEngine(t, sub)

	res, err := e.MarkPaid(context.Background(), Input{MailPieceID: "p1", Source: model.SourceSystem})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Outcome != AlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", res.Outcome)
	}
}

func TestMarkPaidNotFound(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	res, err := e.MarkPaid(context.Background(), Input{MailPieceID: "missing", Source: model.SourceSystem})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Outcome != NotFound {
		t.Fatalf("expected not_found, got %s", res.Outcome)
	}
}

func TestMarkPaidOwnerMatch(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, pendingPiece("p1"))

	// User-origin call with the wrong owner must not find the piece.
	res, err := e.MarkPaid(context.Background(), Input{
		MailPieceID: "p1",
		OwnerID:     "intruder",
		Source:      model.SourceClient,
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if res.Outcome != NotFound {
		t.Fatalf("expected not_found for owner mismatch, got %s", res.Outcome)
	}

	// The right owner succeeds.
	res, err = e.MarkPaid(context.Background(), Input{
		MailPieceID: "p1",
		OwnerID:     "owner-1",
		Source:      model.SourceClient,
	})
	if err != nil || res.Outcome != Success {
		t.Fatalf("expected success, got %s err=%v", res.Outcome, err)
	}
}

// TestMarkPaidConcurrent races many callers at one piece: exactly one
// Success, everyone else AlreadyProcessed or RaceLost, one ledger entry.
func TestMarkPaidConcurrent(t *testing.T) {
	t.Parallel()

	e, st := newEngine(t, pendingPiece("p1"))

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := e.MarkPaid(context.Background(), Input{
				MailPieceID: "p1",
				Source:      model.SourceSystem,
			})
			if err != nil {
				t.Errorf("mark paid: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if outcomes[Success] != 1 {
		t.Fatalf("expected exactly 1 success, got %v", outcomes)
	}
	if outcomes[NotFound] != 0 {
		t.Fatalf("unexpected not_found: %v", outcomes)
	}
	if outcomes[AlreadyProcessed]+outcomes[RaceLost] != callers-1 {
		t.Fatalf("losers must observe already_processed or race_condition: %v", outcomes)
	}

	history, _ := st.History(context.Background(), "p1")
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 ledger entry, got %d", len(history))
	}
}

func TestMarkPaidTwiceSequential(t *testing.T) {
	t.Parallel()

	e, st := newEngine(t, pendingPiece("p1"))
	ctx := context.Background()

	first, err := e.MarkPaid(ctx, Input{MailPieceID: "p1", Source: model.SourceWebhook})
	if err != nil || first.Outcome != Success {
		t.Fatalf("first call: %s err=%v", first.Outcome, err)
	}
	second, err := e.MarkPaid(ctx, Input{MailPieceID: "p1", Source: model.SourceClient})
	if err != nil || second.Outcome != AlreadyProcessed {
		t.Fatalf("second call: %s err=%v", second.Outcome, err)
	}

	history, _ := st.History(ctx, "p1")
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 ledger entry, got %d", len(history))
	}
}

func TestMarkPaidRecordsReference(t *testing.T) {
	t.Parallel()

	p := pendingPiece("p1")
	p.PaymentReference = ""
	e, _ := newEngine(t, p)

	res, err := e.MarkPaid(context.Background(), Input{
		MailPieceID:      "p1",
		Source:           model.SourceWebhook,
		PaymentReference: "ref_1",
	})
	if err != nil || res.Outcome != Success {
		t.Fatalf("mark paid: %s err=%v", res.Outcome, err)
	}
	if res.Piece.PaymentReference != "ref_1" {
		t.Fatalf("reference not recorded: %+v", res.Piece)
	}
}
