package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/clients"
	"github.com/dialdesk/dialdesk/internal/numbers"
	"github.com/dialdesk/dialdesk/internal/twilio"
	"github.com/dialdesk/dialdesk/internal/webhookjobs"
)

// NumberLister reads the phone numbers owned by a client.
type NumberLister interface {
	ListByClient(ctx context.Context, clientID uuid.UUID) ([]numbers.PhoneNumber, error)
}

// StatusSetter flips a client's phone service flag.
type StatusSetter interface {
	SetPhoneStatus(ctx context.Context, clientID uuid.UUID, status clients.PhoneStatus) error
}

// Carrier is the subset of the carrier client the orchestrator drives.
type Carrier interface {
	AddToTrunk(ctx context.Context, trunkSID, numberSID string) error
	RemoveFromTrunk(ctx context.Context, trunkSID, numberSID string) error
	SetVoiceURL(ctx context.Context, numberSID, voiceURL string) error
}

// JobEnqueuer records follow-up work for numbers whose platform-side
// reassignment must be retried asynchronously.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType webhookjobs.Type, payload webhookjobs.Payload) (*webhookjobs.Job, error)
}

// Notifier sends the out-of-minutes email. Best effort.
type Notifier interface {
	NotifySuspended(ctx context.Context, email string, failedNumbers int) error
}

// EventPublisher pushes realtime events to connected dashboards. Best effort.
type EventPublisher interface {
	Publish(event string, payload any)
}

// NumberError records a number that could not be switched.
type NumberError struct {
	PhoneNumber string
	Err         error
}

// Result summarizes a suspend or restore pass over a client's numbers.
type Result struct {
	Switched int
	Failed   int
	Errors   []NumberError
}

// Config wires an Orchestrator.
type Config struct {
	Numbers          NumberLister
	Clients          StatusSetter
	Carrier          Carrier
	Jobs             JobEnqueuer
	Notify           Notifier
	Events           EventPublisher
	Logger           *slog.Logger
	TrunkSID         string
	FallbackVoiceURL string
	FallbackAgentID  string
}

// Orchestrator moves a client's phone numbers between normal agent routing
// and the out-of-minutes fallback, one carrier call per number.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New builds an Orchestrator. Numbers, Clients and Carrier are required;
// Jobs, Notify and Events may be nil, disabling those side effects.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Numbers == nil || cfg.Clients == nil || cfg.Carrier == nil {
		return nil, fmt.Errorf("routing: numbers, clients and carrier are required")
	}
	if cfg.TrunkSID == "" {
		return nil, fmt.Errorf("routing: trunk sid is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// Suspend switches every number the client owns to the fallback message.
// The status flag is flipped first so concurrent webhook handlers see the
// client as inactive even while individual numbers are still switching.
// Per-number failures never abort the pass; each failed number gets a
// durable retry job so it is not left half-routed.
func (o *Orchestrator) Suspend(ctx context.Context, client *clients.Client, email string) (*Result, error) {
	nums, err := o.cfg.Numbers.ListByClient(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("routing: list numbers: %w", err)
	}

	// Status flips even for a client with no numbers, mirroring Restore,
	// so the exhausted flag is never stranded on "active".
	if err := o.cfg.Clients.SetPhoneStatus(ctx, client.ID, clients.PhoneStatusInactive); err != nil {
		o.logger.Error("failed to mark client inactive", "client_id", client.ID, "error", err)
	}
	if len(nums) == 0 {
		return &Result{}, nil
	}

	result := o.forEachNumber(ctx, nums, func(ctx context.Context, num numbers.PhoneNumber) error {
		if err := o.cfg.Carrier.RemoveFromTrunk(ctx, o.cfg.TrunkSID, num.TwilioSID); err != nil && !twilio.IsNotFound(err) {
			return fmt.Errorf("remove from trunk: %w", err)
		}
		if err := o.cfg.Carrier.SetVoiceURL(ctx, num.TwilioSID, o.cfg.FallbackVoiceURL); err != nil {
			return fmt.Errorf("set voice url: %w", err)
		}
		return nil
	})

	o.enqueueRetries(ctx, result)
	o.notifySuspended(ctx, email, result.Failed)
	o.publish("client.suspended", map[string]any{
		"client_id": client.ID.String(),
		"switched":  result.Switched,
		"failed":    result.Failed,
	})
	o.logger.Info("client suspended",
		"client_id", client.ID,
		"switched", result.Switched,
		"failed", result.Failed,
	)
	return result, nil
}

// Restore reverses Suspend: the client's numbers rejoin the trunk so calls
// flow to their agents again. Numbers already on the trunk are fine.
func (o *Orchestrator) Restore(ctx context.Context, client *clients.Client) (*Result, error) {
	nums, err := o.cfg.Numbers.ListByClient(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("routing: list numbers: %w", err)
	}

	if err := o.cfg.Clients.SetPhoneStatus(ctx, client.ID, clients.PhoneStatusActive); err != nil {
		o.logger.Error("failed to mark client active", "client_id", client.ID, "error", err)
	}
	if len(nums) == 0 {
		return &Result{}, nil
	}

	result := o.forEachNumber(ctx, nums, func(ctx context.Context, num numbers.PhoneNumber) error {
		if err := o.cfg.Carrier.AddToTrunk(ctx, o.cfg.TrunkSID, num.TwilioSID); err != nil && !twilio.IsConflict(err) {
			return fmt.Errorf("add to trunk: %w", err)
		}
		return nil
	})

	o.publish("client.restored", map[string]any{
		"client_id": client.ID.String(),
		"switched":  result.Switched,
		"failed":    result.Failed,
	})
	o.logger.Info("client restored",
		"client_id", client.ID,
		"switched", result.Switched,
		"failed", result.Failed,
	)
	return result, nil
}

// forEachNumber runs op against every number concurrently and collects a
// settled result; one slow or failing number never blocks the rest.
func (o *Orchestrator) forEachNumber(ctx context.Context, nums []numbers.PhoneNumber, op func(context.Context, numbers.PhoneNumber) error) *Result {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done = &Result{}
	)
	for _, num := range nums {
		wg.Add(1)
		go func(num numbers.PhoneNumber) {
			defer wg.Done()
			err := op(ctx, num)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				done.Failed++
				done.Errors = append(done.Errors, NumberError{PhoneNumber: num.PhoneNumber, Err: err})
				return
			}
			done.Switched++
		}(num)
	}
	wg.Wait()
	return done
}

func (o *Orchestrator) enqueueRetries(ctx context.Context, result *Result) {
	if o.cfg.Jobs == nil || o.cfg.FallbackAgentID == "" {
		return
	}
	for _, numErr := range result.Errors {
		if _, err := o.cfg.Jobs.Enqueue(ctx, webhookjobs.TypeReassignNumber, webhookjobs.Payload{
			PhoneNumber:     numErr.PhoneNumber,
			FallbackAgentID: o.cfg.FallbackAgentID,
		}); err != nil {
			o.logger.Error("failed to enqueue reassignment job",
				"phone_number", numErr.PhoneNumber,
				"error", err,
			)
		}
	}
}

func (o *Orchestrator) notifySuspended(ctx context.Context, email string, failed int) {
	if o.cfg.Notify == nil || email == "" {
		return
	}
	if err := o.cfg.Notify.NotifySuspended(ctx, email, failed); err != nil {
		o.logger.Error("failed to send suspension email", "error", err)
	}
}

func (o *Orchestrator) publish(event string, payload any) {
	if o.cfg.Events == nil {
		return
	}
	o.cfg.Events.Publish(event, payload)
}
