package scan

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/outbox"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/snapshot"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/qrcode"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type fakeStore struct {
	mu       sync.Mutex
	tickets  map[string]snapshot.TicketSnapshot
	keyrings map[string]*signer.Keyring
	passes   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tickets:  map[string]snapshot.TicketSnapshot{},
		keyrings: map[string]*signer.Keyring{},
		passes:   map[string]bool{},
	}
}

func (f *fakeStore) SaveTicket(ctx context.Context, t snapshot.TicketSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tickets[t.QRToken] = t

	return nil
}

func (f *fakeStore) FindTicketByQRToken(ctx context.Context, qrToken string) (snapshot.TicketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tickets[qrToken]
	if !ok {
		return snapshot.TicketSnapshot{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found in the device snapshot")
	}

	return t, nil
}

func (f *fakeStore) ClaimUnit(ctx context.Context, ticketID string, quota int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for token, t := range f.tickets {
		if t.ID != ticketID {
			continue
		}
		if t.Used >= quota {
			return 0, false, nil
		}
		t.Used++
		f.tickets[token] = t
		return quota - t.Used, true, nil
	}

	return 0, false, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found in the device snapshot")
}

func (f *fakeStore) ActivateTimepass(ctx context.Context, ticketID string, now time.Time) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for token, t := range f.tickets {
		if t.ID != ticketID {
			continue
		}
		if t.ActivatedAt != nil {
			return *t.ActivatedAt, nil
		}
		stamp := now
		t.ActivatedAt = &stamp
		f.tickets[token] = t
		return stamp, nil
	}

	return time.Time{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found in the device snapshot")
}

func (f *fakeStore) SaveKeyring(ctx context.Context, tenantID string, masterSecret []byte, activeVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keyrings[tenantID] = signer.NewKeyring(tenantID, masterSecret, activeVersion)

	return nil
}

func (f *fakeStore) Keyring(ctx context.Context, tenantID string) (*signer.Keyring, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k, ok := f.keyrings[tenantID]
	if !ok {
		return nil, errors.New(http.StatusNotFound, status.NOT_FOUND, "key material is not in the device snapshot")
	}

	return k, nil
}

func (f *fakeStore) MarkPass(ctx context.Context, ticketID, deviceID string, window time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.passes[ticketID+":"+deviceID] = true

	return nil
}

func (f *fakeStore) HasRecentPass(ctx context.Context, ticketID, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.passes[ticketID+":"+deviceID], nil
}

type fakeOutbox struct {
	mu         sync.Mutex
	events     []outbox.Event
	enqueueErr error
}

func (f *fakeOutbox) Enqueue(ctx context.Context, e outbox.Event) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, e)

	return nil
}

func (f *fakeOutbox) NextPending(ctx context.Context) (outbox.Event, error) {
	return outbox.Event{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "no pending outbox event")
}

func (f *fakeOutbox) UpdateSyncStatus(ctx context.Context, eventID, syncStatus string) error {
	return nil
}

func (f *fakeOutbox) IncrementAttempts(ctx context.Context, eventID string) error {
	return nil
}

func (f *fakeOutbox) Purge(ctx context.Context, eventID string) error {
	return nil
}

func (f *fakeOutbox) RequeueSent(ctx context.Context) error {
	return nil
}

func provision(store *fakeStore, ticketType string, quota int64) (snapshot.TicketSnapshot, string) {
	keyring := signer.NewKeyring("tenant-1", []byte("secret"), 1)
	_ = store.SaveKeyring(context.Background(), "tenant-1", []byte("secret"), 1)

	now := time.Now()

	t := snapshot.TicketSnapshot{
		ID:             "TK-1",
		QRToken:        "qrt-1",
		TenantID:       "tenant-1",
		Type:           ticketType,
		QuotaOrMinutes: quota,
		ValidFrom:      now.Add(-time.Hour),
		ValidTo:        now.Add(8 * time.Hour),
		LotNo:          "LOT-1",
		Status:         decision.StatusActive,
	}

	t.Signature, t.KeyVersion = signer.Sign(signer.ImmutableFields{
		TicketID:       t.ID,
		Type:           t.Type,
		QuotaOrMinutes: t.QuotaOrMinutes,
		ValidFrom:      t.ValidFrom,
		ValidTo:        t.ValidTo,
		LotNo:          t.LotNo,
	}, keyring)

	_ = store.SaveTicket(context.Background(), t)

	encoded := qrcode.Encode(qrcode.Payload{
		Version:        qrcode.PayloadVersion,
		TicketID:       t.ID,
		QRToken:        t.QRToken,
		Signature:      t.Signature,
		KeyVersion:     t.KeyVersion,
		LotNo:          t.LotNo,
		Type:           t.Type,
		QuotaOrMinutes: t.QuotaOrMinutes,
		ValidFrom:      t.ValidFrom.Unix(),
		ValidTo:        t.ValidTo.Unix(),
	})

	return t, encoded
}

func newTestScanUseCase(store *fakeStore, ob *fakeOutbox) ScanUseCase {
	return NewScanUseCase(ScanUseCaseProperty{
		Logger:        logrus.New(),
		Timeout:       5 * time.Second,
		DeviceID:      "gate-1",
		Store:         store,
		Outbox:        ob,
		DefaultWindow: 5 * time.Minute,
	})
}

func TestScanPassClaimsLocally(t *testing.T) {
	store := newFakeStore()
	_, encoded := provision(store, decision.TypeMulti, 3)
	ob := &fakeOutbox{}
	uc := newTestScanUseCase(store, ob)

	resp, err := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Result != decision.ResultPass {
		t.Fatalf("got %+v", resp)
	}
	if resp.Remaining != 2 {
		t.Fatalf("remaining %d", resp.Remaining)
	}

	if len(ob.events) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(ob.events))
	}
	if ob.events[0].Kind != outbox.KindRedemption {
		t.Fatalf("kind %q", ob.events[0].Kind)
	}
	if ob.events[0].SyncStatus != outbox.SyncStatusPending {
		t.Fatalf("sync status %q", ob.events[0].SyncStatus)
	}
}

func TestScanUnknownTicketStillRecorded(t *testing.T) {
	store := newFakeStore()
	_ = store.SaveKeyring(context.Background(), "tenant-1", []byte("secret"), 1)

	encoded := qrcode.Encode(qrcode.Payload{
		Version:    qrcode.PayloadVersion,
		TicketID:   "TK-unknown",
		QRToken:    "qrt-unknown",
		Signature:  "c2ln",
		KeyVersion: 1,
	})

	ob := &fakeOutbox{}
	uc := newTestScanUseCase(store, ob)

	resp, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})

	if resp.Result != decision.ResultFail || resp.Reason != decision.ReasonTicketNotFound {
		t.Fatalf("got %+v", resp)
	}

	// Failed attempts replay too; the server re-decides every scan.
	if len(ob.events) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(ob.events))
	}
}

func TestScanTamperedPayload(t *testing.T) {
	store := newFakeStore()
	tk, _ := provision(store, decision.TypeMulti, 3)
	ob := &fakeOutbox{}
	uc := newTestScanUseCase(store, ob)

	// Same token, inflated quota: the signature covers quota, so it no longer
	// matches the stored fields.
	forged := qrcode.Encode(qrcode.Payload{
		Version:        qrcode.PayloadVersion,
		TicketID:       tk.ID,
		QRToken:        tk.QRToken,
		Signature:      "Zm9yZ2Vk",
		KeyVersion:     tk.KeyVersion,
		LotNo:          tk.LotNo,
		Type:           tk.Type,
		QuotaOrMinutes: 1000,
		ValidFrom:      tk.ValidFrom.Unix(),
		ValidTo:        tk.ValidTo.Unix(),
	})

	resp, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: forged})

	if resp.Reason != decision.ReasonInvalidSignature {
		t.Fatalf("got %+v", resp)
	}
}

func TestScanRejectsMalformedPayload(t *testing.T) {
	store := newFakeStore()
	_, _ = provision(store, decision.TypeMulti, 3)
	ob := &fakeOutbox{}
	uc := newTestScanUseCase(store, ob)

	_, err := uc.Scan(context.Background(), ScanRequest{QRPayload: "not-a-qr-payload"})
	if err == nil {
		t.Fatal("an undecodable payload must be rejected")
	}
	if got := errors.Destruct(err).HTTPStatusCode; got != http.StatusBadRequest {
		t.Fatalf("status %d", got)
	}

	// A malformed request names no ticket, so there is nothing to replay.
	if len(ob.events) != 0 {
		t.Fatalf("outbox events %d", len(ob.events))
	}
}

func TestScanDuplicateWithinWindow(t *testing.T) {
	store := newFakeStore()
	_, encoded := provision(store, decision.TypeMulti, 3)
	ob := &fakeOutbox{}
	uc := newTestScanUseCase(store, ob)

	if resp, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded}); resp.Result != decision.ResultPass {
		t.Fatalf("first scan: %+v", resp)
	}

	resp, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})
	if resp.Reason != decision.ReasonDuplicateUse {
		t.Fatalf("second scan: %+v", resp)
	}
}

func TestScanLastUnitOnce(t *testing.T) {
	store := newFakeStore()
	_, encoded := provision(store, decision.TypeMulti, 1)
	ob := &fakeOutbox{}

	// No duplicate window so only the quota gate decides.
	uc := NewScanUseCase(ScanUseCaseProperty{
		Logger:   logrus.New(),
		Timeout:  5 * time.Second,
		DeviceID: "gate-1",
		Store:    store,
		Outbox:   ob,
	})

	const attempts = 6
	results := make([]ScanResponse, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})
		}(i)
	}
	wg.Wait()

	passes := 0
	for _, r := range results {
		if r.Result == decision.ResultPass {
			passes++
		}
	}

	if passes != 1 {
		t.Fatalf("last unit granted %d times offline", passes)
	}
}

func TestScanTimepassActivatesOnce(t *testing.T) {
	store := newFakeStore()
	_, encoded := provision(store, decision.TypeTimepass, 120)
	ob := &fakeOutbox{}

	uc := NewScanUseCase(ScanUseCaseProperty{
		Logger:   logrus.New(),
		Timeout:  5 * time.Second,
		DeviceID: "gate-1",
		Store:    store,
		Outbox:   ob,
	})

	first, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})
	if first.Result != decision.ResultPass {
		t.Fatalf("first scan: %+v", first)
	}
	if first.RemainingMinutes != 120 {
		t.Fatalf("remaining minutes %d", first.RemainingMinutes)
	}

	// Re-entry while minutes remain.
	second, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})
	if second.Result != decision.ResultPass {
		t.Fatalf("re-entry: %+v", second)
	}
}

func TestScanFailsClosedWhenOutboxIsBroken(t *testing.T) {
	store := newFakeStore()
	_, encoded := provision(store, decision.TypeMulti, 3)
	ob := &fakeOutbox{
		enqueueErr: errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "outbox storage failed"),
	}
	uc := newTestScanUseCase(store, ob)

	resp, _ := uc.Scan(context.Background(), ScanRequest{QRPayload: encoded})

	if resp.Result != decision.ResultFail || resp.Reason != decision.ReasonProcessingError {
		t.Fatalf("an unrecordable attempt must fail closed, got %+v", resp)
	}
}
