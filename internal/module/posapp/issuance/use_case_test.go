package issuance

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/posapp/ticket"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/audit"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/session"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type fakeTicketRepository struct {
	mu      sync.Mutex
	tickets map[string]ticket.Ticket

	saveErr   error
	savedInTx []ticket.Ticket
	committed bool
	rolledBck bool
}

func (f *fakeTicketRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	f.savedInTx = nil
	return nil, nil
}

func (f *fakeTicketRepository) CommitTx(ctx context.Context, tx *sql.Tx) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tickets == nil {
		f.tickets = map[string]ticket.Ticket{}
	}
	for _, t := range f.savedInTx {
		f.tickets[t.ID] = t
	}
	f.committed = true

	return nil
}

func (f *fakeTicketRepository) Rollback(ctx context.Context, tx *sql.Tx) error {
	f.savedInTx = nil
	f.rolledBck = true
	return nil
}

func (f *fakeTicketRepository) Save(ctx context.Context, t ticket.Ticket, tx *sql.Tx) error {
	if f.saveErr != nil && len(f.savedInTx) > 0 {
		return f.saveErr
	}

	f.savedInTx = append(f.savedInTx, t)

	return nil
}

func (f *fakeTicketRepository) FindByID(ctx context.Context, ID string, tx *sql.Tx) (ticket.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tickets[ID]
	if !ok {
		return ticket.Ticket{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found")
	}

	return t, nil
}

func (f *fakeTicketRepository) FindManyByIDs(ctx context.Context, IDs []string, tx *sql.Tx) ([]ticket.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ticket.Ticket, 0, len(IDs))
	for _, id := range IDs {
		if t, ok := f.tickets[id]; ok {
			out = append(out, t)
		}
	}

	return out, nil
}

func (f *fakeTicketRepository) UpdateStatus(ctx context.Context, ID string, fromStatus, toStatus string, tx *sql.Tx) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tickets[ID]
	if !ok {
		return errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found")
	}
	if t.Status != fromStatus {
		return errors.New(http.StatusConflict, status.CONFLICT, "ticket's status has shifted")
	}

	t.Status = toStatus
	f.tickets[ID] = t

	return nil
}

type fakeBatchRepository struct {
	mu      sync.Mutex
	batches map[string]Batch
	saveErr error
}

func (f *fakeBatchRepository) Save(ctx context.Context, b Batch, tx *sql.Tx) error {
	if f.saveErr != nil {
		return f.saveErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.batches == nil {
		f.batches = map[string]Batch{}
	}
	if _, exists := f.batches[b.IdempotencyKey]; exists {
		return errors.New(http.StatusConflict, status.CONFLICT, "issuance batch with the same idempotency key already exists")
	}
	f.batches[b.IdempotencyKey] = b

	return nil
}

func (f *fakeBatchRepository) FindByIdempotencyKey(ctx context.Context, idempotencyKey string, tx *sql.Tx) (Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.batches[idempotencyKey]
	if !ok {
		return Batch{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "issuance batch is not found")
	}

	return b, nil
}

type fakeIdempotencyStore struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (f *fakeIdempotencyStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true

	return true, nil
}

func (f *fakeIdempotencyStore) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.held, key)
	f.released = append(f.released, key)

	return nil
}

type fakeSettings struct {
	keyring *signer.Keyring
}

func (f *fakeSettings) SigningKeyring(ctx context.Context, tenantID string) (*signer.Keyring, error) {
	return f.keyring, nil
}

func (f *fakeSettings) DuplicateWindow(ticketType string) time.Duration {
	return 0
}

type fakeAuditPublisher struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditPublisher) Publish(ctx context.Context, entry audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append(f.entries, entry)
}

func deviceContext() context.Context {
	return session.ContextWithDevice(context.Background(), session.Device{
		ID:       "pos-1",
		TenantID: "tenant-1",
		StoreID:  "store-1",
		Role:     "pos",
	})
}

func issueRequest() IssueRequest {
	now := time.Now()

	return IssueRequest{
		SaleID:         "SALE-1",
		ShiftID:        "SHIFT-1",
		IdempotencyKey: "IDEM-1",
		Items: []LineItemRequest{
			{
				Type:           decision.TypeMulti,
				QuotaOrMinutes: 5,
				Quantity:       2,
				ValidFrom:      now.Add(-time.Hour),
				ValidTo:        now.Add(time.Hour),
			},
			{
				Type:           decision.TypeTimepass,
				QuotaOrMinutes: 120,
				Quantity:       1,
				ValidFrom:      now.Add(-time.Hour),
				ValidTo:        now.Add(8 * time.Hour),
			},
		},
	}
}

func newTestUseCase(tr *fakeTicketRepository, br *fakeBatchRepository, is *fakeIdempotencyStore, ap *fakeAuditPublisher) IssuanceUseCase {
	return NewIssuanceUseCase(IssuanceUseCaseProperty{
		Logger:           logrus.New(),
		Timeout:          5 * time.Second,
		IdempotencyTTL:   time.Hour,
		TicketRepository: tr,
		BatchRepository:  br,
		IdempotencyStore: is,
		Settings:         &fakeSettings{keyring: signer.NewKeyring("tenant-1", []byte("secret"), 1)},
		AuditPublisher:   ap,
	})
}

func TestIssueMintsOneTicketPerUnit(t *testing.T) {
	tr := &fakeTicketRepository{}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	resp, err := uc.Issue(deviceContext(), issueRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Tickets) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(resp.Tickets))
	}

	seen := map[string]bool{}
	for _, it := range resp.Tickets {
		if it.ID == "" || it.ShortCode == "" || it.QRPayload == "" {
			t.Fatalf("issued ticket is missing identity fields: %+v", it)
		}
		if seen[it.ID] {
			t.Fatalf("duplicate ticket id %s", it.ID)
		}
		seen[it.ID] = true
	}

	if !tr.committed {
		t.Fatal("issuance must commit the transaction")
	}

	if len(ap.entries) != 3 {
		t.Fatalf("expected one audit entry per ticket, got %d", len(ap.entries))
	}
}

func TestIssueIsIdempotent(t *testing.T) {
	tr := &fakeTicketRepository{}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	first, err := uc.Issue(deviceContext(), issueRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := uc.Issue(deviceContext(), issueRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(second.Tickets) != len(first.Tickets) {
		t.Fatalf("retry returned %d tickets, first call returned %d", len(second.Tickets), len(first.Tickets))
	}

	firstIDs := map[string]bool{}
	for _, it := range first.Tickets {
		firstIDs[it.ID] = true
	}
	for _, it := range second.Tickets {
		if !firstIDs[it.ID] {
			t.Fatalf("retry minted a new ticket %s", it.ID)
		}
	}

	if len(tr.tickets) != 3 {
		t.Fatalf("store holds %d tickets after a retried sale", len(tr.tickets))
	}
}

func TestIssueIdempotentAfterGuardKeyLoss(t *testing.T) {
	tr := &fakeTicketRepository{}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	first, err := uc.Issue(deviceContext(), issueRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The guard key expired or Redis restarted; the batch row survives.
	is.held = map[string]bool{}

	second, err := uc.Issue(deviceContext(), issueRequest())
	if err != nil {
		t.Fatalf("retried sale after key loss must return the stored batch, got error: %v", err)
	}

	if len(second.Tickets) != len(first.Tickets) {
		t.Fatalf("key loss retry returned %d tickets, first call returned %d", len(second.Tickets), len(first.Tickets))
	}

	firstIDs := map[string]bool{}
	for _, it := range first.Tickets {
		firstIDs[it.ID] = true
	}
	for _, it := range second.Tickets {
		if !firstIDs[it.ID] {
			t.Fatalf("key loss retry minted a new ticket %s", it.ID)
		}
	}

	if len(tr.tickets) != 3 {
		t.Fatalf("store holds %d tickets after the retried sale", len(tr.tickets))
	}
}

func TestIssueAbortsWholeBatchOnFailure(t *testing.T) {
	tr := &fakeTicketRepository{
		saveErr: errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "disk is full"),
	}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	_, err := uc.Issue(deviceContext(), issueRequest())
	if err == nil {
		t.Fatal("expected issuance to fail")
	}

	if !tr.rolledBck {
		t.Fatal("a partial batch must be rolled back")
	}
	if len(tr.tickets) != 0 {
		t.Fatalf("partial batch left %d tickets behind", len(tr.tickets))
	}

	// The key must be released so the POS can retry the sale.
	if len(is.released) == 0 {
		t.Fatal("idempotency key was not released after the abort")
	}

	if len(ap.entries) != 0 {
		t.Fatal("no audit entries may be published for an aborted batch")
	}
}

func TestRefundThenRevokeConflicts(t *testing.T) {
	tr := &fakeTicketRepository{tickets: map[string]ticket.Ticket{
		"TK-1": {ID: "TK-1", Status: decision.StatusActive},
	}}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	if err := uc.Refund(deviceContext(), RefundRequest{TicketID: "TK-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.tickets["TK-1"].Status != decision.StatusRefunded {
		t.Fatalf("status is %q", tr.tickets["TK-1"].Status)
	}

	// The transition guard is active-only, so a second transition conflicts.
	err := uc.Revoke(deviceContext(), RevokeRequest{TicketID: "TK-1"})
	if err == nil {
		t.Fatal("revoking a refunded ticket must fail")
	}
	if errors.Destruct(err).HTTPStatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReprintRequiresActiveTicket(t *testing.T) {
	tr := &fakeTicketRepository{tickets: map[string]ticket.Ticket{
		"TK-1": {ID: "TK-1", Status: decision.StatusRevoked},
	}}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	if _, err := uc.Reprint(deviceContext(), ReprintRequest{TicketID: "TK-1"}); err == nil {
		t.Fatal("reprinting a revoked ticket must fail")
	}
}

func TestOnReplayEventSaleUsesEventID(t *testing.T) {
	tr := &fakeTicketRepository{}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	saleReq := issueRequest()
	saleReq.IdempotencyKey = ""

	req := ReplayEventRequest{
		EventID:         "EV-1",
		Kind:            "sale",
		RecordedAtLocal: time.Now().Add(-time.Hour),
		Sale:            &saleReq,
	}

	first, err := uc.OnReplayEvent(deviceContext(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Applied || first.Sale == nil {
		t.Fatalf("got %+v", first)
	}

	// Redelivery of the same offline sale returns the same ticket set.
	second, err := uc.OnReplayEvent(deviceContext(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Sale.Tickets) != len(first.Sale.Tickets) {
		t.Fatalf("redelivery minted a different set: %d vs %d", len(second.Sale.Tickets), len(first.Sale.Tickets))
	}
	if len(tr.tickets) != 3 {
		t.Fatalf("store holds %d tickets after redelivery", len(tr.tickets))
	}
}

func TestOnReplayEventRefundIsIdempotent(t *testing.T) {
	tr := &fakeTicketRepository{tickets: map[string]ticket.Ticket{
		"TK-1": {ID: "TK-1", Status: decision.StatusActive},
	}}
	br := &fakeBatchRepository{}
	is := &fakeIdempotencyStore{}
	ap := &fakeAuditPublisher{}
	uc := newTestUseCase(tr, br, is, ap)

	req := ReplayEventRequest{
		EventID: "EV-2",
		Kind:    "refund",
		Refund:  &RefundRequest{TicketID: "TK-1"},
	}

	if _, err := uc.OnReplayEvent(deviceContext(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := uc.OnReplayEvent(deviceContext(), req)
	if err != nil {
		t.Fatalf("redelivered refund must be acknowledged, got %v", err)
	}
	if !resp.Applied {
		t.Fatalf("got %+v", resp)
	}
}
