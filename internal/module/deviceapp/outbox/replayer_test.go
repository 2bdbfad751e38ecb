package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type memoryOutboxRepository struct {
	mu     sync.Mutex
	events []Event
	purged []string
}

func (m *memoryOutboxRepository) Enqueue(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)

	return nil
}

func (m *memoryOutboxRepository) NextPending(ctx context.Context) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.SyncStatus == SyncStatusPending {
			return e, nil
		}
	}

	return Event{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "no pending outbox event")
}

func (m *memoryOutboxRepository) UpdateSyncStatus(ctx context.Context, eventID, syncStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events[i].SyncStatus = syncStatus
		}
	}

	return nil
}

func (m *memoryOutboxRepository) IncrementAttempts(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events[i].Attempts++
		}
	}

	return nil
}

func (m *memoryOutboxRepository) RequeueSent(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		if m.events[i].SyncStatus == SyncStatusSent {
			m.events[i].SyncStatus = SyncStatusPending
		}
	}

	return nil
}

func (m *memoryOutboxRepository) Purge(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events = append(m.events[:i], m.events[i+1:]...)
			break
		}
	}
	m.purged = append(m.purged, eventID)

	return nil
}

func (m *memoryOutboxRepository) statusOf(eventID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.ID == eventID {
			return e.SyncStatus
		}
	}

	return ""
}

type scriptedServerClient struct {
	mu       sync.Mutex
	shipped  []string
	outcomes map[string]ReplayOutcome
	errs     map[string]error
}

func (s *scriptedServerClient) ReplayRedemption(ctx context.Context, e Event) (ReplayOutcome, error) {
	return s.respond(e)
}

func (s *scriptedServerClient) ReplayEvent(ctx context.Context, e Event) (ReplayOutcome, error) {
	return s.respond(e)
}

func (s *scriptedServerClient) respond(e Event) (ReplayOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shipped = append(s.shipped, e.ID)

	if err, ok := s.errs[e.ID]; ok {
		return ReplayOutcome{}, err
	}

	if outcome, ok := s.outcomes[e.ID]; ok {
		return outcome, nil
	}

	return ReplayOutcome{Result: "pass"}, nil
}

func redemptionEvent(id string, localResult string, at time.Time) Event {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":     id,
		"qr_token":     "qrt-" + id,
		"device_id":    "gate-1",
		"local_result": localResult,
	})

	return Event{
		ID:             id,
		Kind:           KindRedemption,
		Payload:        payload,
		CreatedAtLocal: at,
		SyncStatus:     SyncStatusPending,
	}
}

func TestDrainShipsInFIFOOrder(t *testing.T) {
	repo := &memoryOutboxRepository{}
	base := time.Now()

	for i, id := range []string{"e1", "e2", "e3"} {
		_ = repo.Enqueue(context.Background(), redemptionEvent(id, "pass", base.Add(time.Duration(i)*time.Second)))
	}

	client := &scriptedServerClient{}
	r := NewReplayer(ReplayerProperty{
		Logger:     logrus.New(),
		Repository: repo,
		Client:     client,
	})

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"e1", "e2", "e3"}
	if len(client.shipped) != len(want) {
		t.Fatalf("shipped %v", client.shipped)
	}
	for i := range want {
		if client.shipped[i] != want[i] {
			t.Fatalf("shipped out of order: %v", client.shipped)
		}
	}

	if len(repo.purged) != 3 {
		t.Fatalf("purged %v", repo.purged)
	}
}

func TestDrainRequeuesStrandedSentEvents(t *testing.T) {
	repo := &memoryOutboxRepository{}
	base := time.Now()

	// e1 was marked sent and then the agent lost power before the ack landed.
	stranded := redemptionEvent("e1", "pass", base)
	stranded.SyncStatus = SyncStatusSent
	repo.events = append(repo.events, stranded)

	_ = repo.Enqueue(context.Background(), redemptionEvent("e2", "pass", base.Add(time.Second)))

	client := &scriptedServerClient{}
	r := NewReplayer(ReplayerProperty{
		Logger:     logrus.New(),
		Repository: repo,
		Client:     client,
	})

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.shipped) != 2 || client.shipped[0] != "e1" {
		t.Fatalf("stranded event not replayed first: %v", client.shipped)
	}
	if len(repo.purged) != 2 {
		t.Fatalf("purged %v", repo.purged)
	}
}

func TestDrainStopsOnUnreachableServer(t *testing.T) {
	repo := &memoryOutboxRepository{}
	base := time.Now()

	_ = repo.Enqueue(context.Background(), redemptionEvent("e1", "pass", base))
	_ = repo.Enqueue(context.Background(), redemptionEvent("e2", "pass", base.Add(time.Second)))

	client := &scriptedServerClient{
		errs: map[string]error{
			"e1": errors.New(http.StatusGatewayTimeout, status.GATEWAY_TIMEOUT, "the replay endpoint is unreachable"),
		},
	}
	r := NewReplayer(ReplayerProperty{
		Logger:     logrus.New(),
		Repository: repo,
		Client:     client,
	})

	if err := r.Drain(context.Background()); err == nil {
		t.Fatal("drain must surface the transport error")
	}

	// The failed event goes back to pending and nothing younger ships.
	if got := repo.statusOf("e1"); got != SyncStatusPending {
		t.Fatalf("e1 status %q", got)
	}
	if len(client.shipped) != 1 {
		t.Fatalf("younger event shipped past a blocked one: %v", client.shipped)
	}
}

func TestDrainRejectsOnOutcomeMismatch(t *testing.T) {
	repo := &memoryOutboxRepository{}
	_ = repo.Enqueue(context.Background(), redemptionEvent("e1", "pass", time.Now()))

	var corrections []Correction

	client := &scriptedServerClient{
		outcomes: map[string]ReplayOutcome{
			"e1": {Result: "fail", Reason: "exhausted"},
		},
	}
	r := NewReplayer(ReplayerProperty{
		Logger:     logrus.New(),
		Repository: repo,
		Client:     client,
		OnCorrection: func(c Correction) {
			corrections = append(corrections, c)
		},
	})

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := repo.statusOf("e1"); got != SyncStatusRejected {
		t.Fatalf("e1 status %q", got)
	}

	if len(corrections) != 1 {
		t.Fatalf("corrections %v", corrections)
	}
	c := corrections[0]
	if c.LocalResult != "pass" || c.ServerResult != "fail" || c.ServerReason != "exhausted" {
		t.Fatalf("correction %+v", c)
	}
}

func TestDrainRejectsOnDefinitiveServerError(t *testing.T) {
	repo := &memoryOutboxRepository{}
	_ = repo.Enqueue(context.Background(), redemptionEvent("e1", "pass", time.Now()))
	_ = repo.Enqueue(context.Background(), redemptionEvent("e2", "pass", time.Now().Add(time.Second)))

	client := &scriptedServerClient{
		errs: map[string]error{
			"e1": errors.New(http.StatusBadRequest, status.BAD_REQUEST, "invalid 'qr_token' with value ''"),
		},
	}
	r := NewReplayer(ReplayerProperty{
		Logger:     logrus.New(),
		Repository: repo,
		Client:     client,
	})

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A definitive rejection resolves the event; the queue keeps moving.
	if got := repo.statusOf("e1"); got != SyncStatusRejected {
		t.Fatalf("e1 status %q", got)
	}
	if len(repo.purged) != 1 || repo.purged[0] != "e2" {
		t.Fatalf("purged %v", repo.purged)
	}
}

func TestDrainMatchingOutcomePurges(t *testing.T) {
	repo := &memoryOutboxRepository{}
	_ = repo.Enqueue(context.Background(), redemptionEvent("e1", "fail", time.Now()))

	client := &scriptedServerClient{
		outcomes: map[string]ReplayOutcome{
			"e1": {Result: "fail", Reason: "expired"},
		},
	}

	var corrections []Correction
	r := NewReplayer(ReplayerProperty{
		Logger:     logrus.New(),
		Repository: repo,
		Client:     client,
		OnCorrection: func(c Correction) {
			corrections = append(corrections, c)
		},
	})

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(corrections) != 0 {
		t.Fatalf("matching outcomes must not raise corrections: %v", corrections)
	}
	if len(repo.purged) != 1 {
		t.Fatalf("purged %v", repo.purged)
	}
}
