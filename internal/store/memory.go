package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalq/mailflow/internal/model"
)

// Memory is an in-memory Store. It backs tests and single-process runs
// without a database; the compare-and-swap semantics match the Postgres
// implementation.
type Memory struct {
	mu      sync.Mutex
	pieces  map[string]model.MailPiece
	history map[string][]model.StatusHistoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		pieces:  make(map[string]model.MailPiece),
		history: make(map[string][]model.StatusHistoryEntry),
		now:     time.Now,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, p model.MailPiece) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.pieces[p.ID] = p
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.MailPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[id]
	if !ok {
		return model.MailPiece{}, NotFound(id)
	}
	return p, nil
}

func (m *Memory) GetByOwner(_ context.Context, id, ownerID string) (model.MailPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[id]
	if !ok || p.OwnerID != ownerID {
		return model.MailPiece{}, NotFound(id)
	}
	return p, nil
}

func (m *Memory) GetByProviderID(_ context.Context, providerID string) (model.MailPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pieces {
		if p.ProviderID != "" && p.ProviderID == providerID {
			return p, nil
		}
	}
	return model.MailPiece{}, NotFound(providerID)
}

func (m *Memory) MarkPaid(_ context.Context, id, paymentRef string, entry model.StatusHistoryEntry) (model.MailPiece, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[id]
	if !ok {
		// Matches the conditional-UPDATE semantics: a vanished row is
		// zero rows affected, not an error.
		return model.MailPiece{}, false, nil
	}
	if p.PaymentStatus != model.PaymentPending || p.Status != model.StatusPendingPayment || p.ProviderID != "" {
		return model.MailPiece{}, false, nil
	}
	p.PaymentStatus = model.PaymentPaid
	p.Status = model.StatusPaid
	if paymentRef != "" {
		p.PaymentReference = paymentRef
	}
	m.pieces[id] = p
	m.append(id, entry)
	return p, true, nil
}

func (m *Memory) MarkSubmitted(_ context.Context, id string, sub Submission, entry model.StatusHistoryEntry) (model.MailPiece, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[id]
	if !ok {
		return model.MailPiece{}, false, nil
	}
	if p.ProviderID != "" || p.PaymentStatus != model.PaymentPaid {
		return model.MailPiece{}, false, nil
	}
	p.ProviderID = sub.ProviderID
	p.ProviderStatus = sub.ProviderStatus
	p.TrackingNumber = sub.TrackingNumber
	p.CostCents = sub.CostCents
	p.Status = model.StatusSubmitted
	m.pieces[id] = p
	m.append(id, entry)
	return p, true, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, from, to model.Status, upd StatusUpdate, entry model.StatusHistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[id]
	if !ok {
		return false, nil
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	if upd.ProviderStatus != "" {
		p.ProviderStatus = upd.ProviderStatus
	}
	if upd.TrackingNumber != "" {
		p.TrackingNumber = upd.TrackingNumber
	}
	m.pieces[id] = p
	m.append(id, entry)
	return true, nil
}

func (m *Memory) FlagManualReview(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[id]
	if !ok {
		return NotFound(id)
	}
	p.RequiresManualReview = true
	p.ReviewReason = reason
	m.pieces[id] = p
	return nil
}

func (m *Memory) ListStuckPending(_ context.Context, lookback time.Duration, limit int) ([]model.MailPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-lookback)
	out := make([]model.MailPiece, 0)
	for _, p := range m.pieces {
		if limit > 0 && len(out) >= limit {
			break
		}
		if p.Status == model.StatusPendingPayment &&
			p.PaymentStatus == model.PaymentPending &&
			p.PaymentReference != "" &&
			p.CreatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, id string) ([]model.StatusHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[id]
	out := make([]model.StatusHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// append records a history entry. Caller holds m.mu.
func (m *Memory) append(id string, entry model.StatusHistoryEntry) {
	entry.MailPieceID = id
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.history[id] = append(m.history[id], entry)
}
