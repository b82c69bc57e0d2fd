package webhookjobs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/observability/metrics"
	"github.com/dialdesk/dialdesk/internal/retell"
	jobs "github.com/dialdesk/dialdesk/internal/webhookjobs"
	"github.com/dialdesk/dialdesk/pkg/logging"
)

// Store is the job persistence surface the worker drives.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]jobs.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, errMsg string) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}

// PhoneReassigner repoints a number's agent assignment on the voice-agent
// platform.
type PhoneReassigner interface {
	UpdatePhoneNumber(ctx context.Context, number string, req retell.UpdatePhoneNumberRequest) (*retell.PhoneNumber, error)
}

// Config tunes a worker pass.
type Config struct {
	BatchSize      int           // jobs claimed per pass
	MaxRetries     int           // transient failures before a job goes terminal
	InterJobDelay  time.Duration // pause between jobs to avoid rate limits
	CallTimeout    time.Duration // upstream call budget per job
	AlertThreshold int           // failed jobs per pass that triggers an alert log
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InterJobDelay <= 0 {
		c.InterJobDelay = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 25 * time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 3
	}
	return c
}

// JobResult reports what happened to one job during a pass.
type JobResult struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// PassResult summarizes one processing pass.
type PassResult struct {
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Results   []JobResult `json:"results"`
}

// Worker drains the webhook job queue in small sequential batches.
type Worker struct {
	store    Store
	platform PhoneReassigner
	cfg      Config
	metrics  *metrics.JobMetrics
	logger   *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWorker builds a worker. metrics may be nil.
func NewWorker(store Store, platform PhoneReassigner, cfg Config, m *metrics.JobMetrics, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		store:    store,
		platform: platform,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Run drives processing passes on a fixed interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.logger.Info("job worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("job worker stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessPass(ctx); err != nil {
				w.logger.Error("job pass failed", "error", err)
			}
		}
	}
}

// ProcessPass claims up to BatchSize pending jobs and works them one at a
// time, oldest first. Jobs run sequentially with a short delay between them
// so a burst of reassignments does not trip upstream rate limits.
func (w *Worker) ProcessPass(ctx context.Context) (*PassResult, error) {
	pending, err := w.store.ListPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.ObserveBatch(len(pending))
	}
	result := &PassResult{}
	if len(pending) == 0 {
		return result, nil
	}

	for i, job := range pending {
		if i > 0 {
			if err := w.sleep(ctx, w.cfg.InterJobDelay); err != nil {
				return result, err
			}
		}
		result.Results = append(result.Results, w.processOne(ctx, job))
		last := &result.Results[len(result.Results)-1]
		switch last.Status {
		case "completed":
			result.Processed++
		case "failed":
			result.Failed++
		}
	}

	if result.Failed > w.cfg.AlertThreshold {
		w.logger.Error("job queue failure rate above threshold",
			"failed", result.Failed,
			"threshold", w.cfg.AlertThreshold,
		)
	}
	return result, nil
}

func (w *Worker) processOne(ctx context.Context, job jobs.Job) JobResult {
	if err := w.store.MarkProcessing(ctx, job.ID); err != nil {
		// Claimed by a concurrent pass, or gone. Either way, not ours.
		w.logger.Warn("could not claim job", "job_id", job.ID, "error", err)
		return JobResult{ID: job.ID, Status: "skipped", Error: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	err := w.execute(callCtx, job)
	cancel()
	if err == nil {
		if cErr := w.store.Complete(ctx, job.ID); cErr != nil {
			w.logger.Error("failed to complete job", "job_id", job.ID, "error", cErr)
		}
		w.observe(job, "completed")
		w.logger.Info("job completed", "job_id", job.ID, "job_type", job.Type)
		return JobResult{ID: job.ID, Status: "completed"}
	}

	// RetryCount counts failures so far; this attempt is failure number
	// RetryCount+1, and the job goes terminal once that reaches the budget.
	if isTransient(err) && job.RetryCount+1 < w.cfg.MaxRetries {
		if rErr := w.store.ScheduleRetry(ctx, job.ID, err.Error()); rErr != nil {
			w.logger.Error("failed to schedule retry", "job_id", job.ID, "error", rErr)
		}
		if w.metrics != nil {
			w.metrics.ObserveRetry()
		}
		w.logger.Warn("job rescheduled",
			"job_id", job.ID,
			"retry_count", job.RetryCount+1,
			"error", err,
		)
		return JobResult{ID: job.ID, Status: "retrying", Error: err.Error()}
	}

	if fErr := w.store.Fail(ctx, job.ID, err.Error()); fErr != nil {
		w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", fErr)
	}
	w.observe(job, "failed")
	w.logger.Error("job failed permanently",
		"job_id", job.ID,
		"job_type", job.Type,
		"retry_count", job.RetryCount,
		"error", err,
	)
	return JobResult{ID: job.ID, Status: "failed", Error: err.Error()}
}

func (w *Worker) execute(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobs.TypeReassignNumber:
		agentID := job.Payload.FallbackAgentID
		_, err := w.platform.UpdatePhoneNumber(ctx, job.Payload.PhoneNumber, retell.UpdatePhoneNumberRequest{
			InboundAgentID: &agentID,
		})
		return err
	default:
		return &unknownJobTypeError{jobType: string(job.Type)}
	}
}

func (w *Worker) observe(job jobs.Job, outcome string) {
	if w.metrics != nil {
		w.metrics.ObserveProcessed(string(job.Type), outcome)
	}
}

type unknownJobTypeError struct{ jobType string }

func (e *unknownJobTypeError) Error() string {
	return "unknown job type " + e.jobType
}

// transientMarkers match upstream failures worth retrying; anything else is
// treated as permanent.
var transientMarkers = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"503",
	"429",
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
