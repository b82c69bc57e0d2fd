package routing

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/clients"
	"github.com/dialdesk/dialdesk/internal/numbers"
	"github.com/dialdesk/dialdesk/internal/twilio"
	"github.com/dialdesk/dialdesk/internal/webhookjobs"
)

type fakeNumbers struct {
	nums []numbers.PhoneNumber
	err  error
}

func (f *fakeNumbers) ListByClient(ctx context.Context, clientID uuid.UUID) ([]numbers.PhoneNumber, error) {
	return f.nums, f.err
}

type fakeClients struct {
	mu       sync.Mutex
	statuses []clients.PhoneStatus
}

func (f *fakeClients) SetPhoneStatus(ctx context.Context, clientID uuid.UUID, status clients.PhoneStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeCarrier struct {
	mu           sync.Mutex
	removed      []string
	added        []string
	voiceURLSIDs []string
	failSID      string
	removeErr    error
	addErr       error
}

func (f *fakeCarrier) RemoveFromTrunk(ctx context.Context, trunkSID, numberSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if numberSID == f.failSID && f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, numberSID)
	return nil
}

func (f *fakeCarrier) AddToTrunk(ctx context.Context, trunkSID, numberSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if numberSID == f.failSID && f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, numberSID)
	return nil
}

func (f *fakeCarrier) SetVoiceURL(ctx context.Context, numberSID, voiceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceURLSIDs = append(f.voiceURLSIDs, numberSID)
	return nil
}

type fakeJobs struct {
	mu       sync.Mutex
	enqueued []webhookjobs.Payload
	err      error
}

func (f *fakeJobs) Enqueue(ctx context.Context, jobType webhookjobs.Type, payload webhookjobs.Payload) (*webhookjobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, payload)
	return &webhookjobs.Job{ID: uuid.New(), Type: jobType, Payload: payload, Status: webhookjobs.StatusPending}, nil
}

func threeNumbers(clientID uuid.UUID) []numbers.PhoneNumber {
	return []numbers.PhoneNumber{
		{ID: uuid.New(), ClientID: clientID, PhoneNumber: "+15550000001", TwilioSID: "PN1"},
		{ID: uuid.New(), ClientID: clientID, PhoneNumber: "+15550000002", TwilioSID: "PN2"},
		{ID: uuid.New(), ClientID: clientID, PhoneNumber: "+15550000003", TwilioSID: "PN3"},
	}
}

func testOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.TrunkSID == "" {
		cfg.TrunkSID = "TK1"
	}
	if cfg.FallbackVoiceURL == "" {
		cfg.FallbackVoiceURL = "https://example.com/out-of-minutes"
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestSuspendCountsFailuresWithoutAborting(t *testing.T) {
	client := &clients.Client{ID: uuid.New(), PhoneStatus: clients.PhoneStatusActive}
	carrier := &fakeCarrier{failSID: "PN2", removeErr: errors.New("carrier 500")}
	jobs := &fakeJobs{}
	clientsRepo := &fakeClients{}

	o := testOrchestrator(t, Config{
		Numbers:         &fakeNumbers{nums: threeNumbers(client.ID)},
		Clients:         clientsRepo,
		Carrier:         carrier,
		Jobs:            jobs,
		FallbackAgentID: "agent_fb",
	})

	result, err := o.Suspend(context.Background(), client, "owner@example.com")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if result.Switched != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 switched / 1 failed, got %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].PhoneNumber != "+15550000002" {
		t.Fatalf("failure not attributed to its number: %+v", result.Errors)
	}
	if len(jobs.enqueued) != 1 || jobs.enqueued[0].PhoneNumber != "+15550000002" {
		t.Fatalf("expected one retry job for the failed number, got %+v", jobs.enqueued)
	}
	if jobs.enqueued[0].FallbackAgentID != "agent_fb" {
		t.Fatalf("fallback agent not carried into job: %+v", jobs.enqueued[0])
	}
	if len(clientsRepo.statuses) != 1 || clientsRepo.statuses[0] != clients.PhoneStatusInactive {
		t.Fatalf("client not marked inactive: %+v", clientsRepo.statuses)
	}
}

func TestSuspendEmptyClientFlipsStatusOnly(t *testing.T) {
	client := &clients.Client{ID: uuid.New()}
	carrier := &fakeCarrier{}
	clientsRepo := &fakeClients{}

	o := testOrchestrator(t, Config{
		Numbers: &fakeNumbers{},
		Clients: clientsRepo,
		Carrier: carrier,
	})

	result, err := o.Suspend(context.Background(), client, "owner@example.com")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if result.Switched != 0 || result.Failed != 0 {
		t.Fatalf("expected zero result, got %+v", result)
	}
	if len(carrier.removed) != 0 || len(carrier.voiceURLSIDs) != 0 {
		t.Fatal("carrier touched for a client with no numbers")
	}
	// Exhaustion must stick even without numbers, same as Restore's path.
	if len(clientsRepo.statuses) != 1 || clientsRepo.statuses[0] != clients.PhoneStatusInactive {
		t.Fatalf("client not marked inactive: %+v", clientsRepo.statuses)
	}
}

func TestSuspendToleratesAlreadyDetachedNumbers(t *testing.T) {
	client := &clients.Client{ID: uuid.New()}
	notFound := &twilio.APIError{StatusCode: http.StatusNotFound, Message: "not attached"}
	carrier := &fakeCarrier{failSID: "PN1", removeErr: notFound}

	o := testOrchestrator(t, Config{
		Numbers: &fakeNumbers{nums: threeNumbers(client.ID)[:1]},
		Clients: &fakeClients{},
		Carrier: carrier,
	})

	result, err := o.Suspend(context.Background(), client, "")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if result.Failed != 0 || result.Switched != 1 {
		t.Fatalf("404 on detach should not count as failure: %+v", result)
	}
	if len(carrier.voiceURLSIDs) != 1 {
		t.Fatal("voice url not set after tolerated detach")
	}
}

func TestRestoreReattachesAllNumbers(t *testing.T) {
	client := &clients.Client{ID: uuid.New(), PhoneStatus: clients.PhoneStatusInactive}
	carrier := &fakeCarrier{}
	clientsRepo := &fakeClients{}

	o := testOrchestrator(t, Config{
		Numbers: &fakeNumbers{nums: threeNumbers(client.ID)},
		Clients: clientsRepo,
		Carrier: carrier,
	})

	result, err := o.Restore(context.Background(), client)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Switched != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 switched, got %+v", result)
	}
	sort.Strings(carrier.added)
	if len(carrier.added) != 3 || carrier.added[0] != "PN1" {
		t.Fatalf("numbers not reattached: %+v", carrier.added)
	}
	if len(clientsRepo.statuses) != 1 || clientsRepo.statuses[0] != clients.PhoneStatusActive {
		t.Fatalf("client not marked active: %+v", clientsRepo.statuses)
	}
}

func TestRestoreToleratesAlreadyAttachedNumbers(t *testing.T) {
	client := &clients.Client{ID: uuid.New()}
	conflict := &twilio.APIError{StatusCode: http.StatusConflict, Message: "already on trunk"}
	carrier := &fakeCarrier{failSID: "PN1", addErr: conflict}

	o := testOrchestrator(t, Config{
		Numbers: &fakeNumbers{nums: threeNumbers(client.ID)},
		Clients: &fakeClients{},
		Carrier: carrier,
	})

	result, err := o.Restore(context.Background(), client)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Failed != 0 || result.Switched != 3 {
		t.Fatalf("409 on attach should not count as failure: %+v", result)
	}
}

// Agent links live in the database, not at the carrier, so a suspend and
// restore round trip leaves every number's assignment untouched.
func TestSuspendRestorePreservesAgentLinks(t *testing.T) {
	client := &clients.Client{ID: uuid.New()}
	agentID := uuid.New()
	nums := threeNumbers(client.ID)
	for i := range nums {
		nums[i].AgentID = &agentID
	}

	o := testOrchestrator(t, Config{
		Numbers: &fakeNumbers{nums: nums},
		Clients: &fakeClients{},
		Carrier: &fakeCarrier{},
	})

	if _, err := o.Suspend(context.Background(), client, ""); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if _, err := o.Restore(context.Background(), client); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for _, num := range nums {
		if num.AgentID == nil || *num.AgentID != agentID {
			t.Fatalf("agent link lost on %s", num.PhoneNumber)
		}
	}
}
