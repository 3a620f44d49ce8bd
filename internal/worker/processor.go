package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bookshelf-worker/internal/models"
	"bookshelf-worker/internal/queue"
	"bookshelf-worker/internal/telemetry"
)

// JobStore is the persistence contract the processor needs: the atomic claim
// and the status writes that follow it.
type JobStore interface {
	TryClaim(ctx context.Context, externalID string) (models.Job, bool, error)
	UpdateStatus(ctx context.Context, id int64, status string, progress *int, errMsg string) error
}

// Handler executes a claimed job of one kind. A nil return finalizes the job
// as completed; Terminal errors finalize it as failed without retry; any
// other error abandons the message for broker redelivery.
type Handler func(ctx context.Context, job models.Job) error

// Processor is the per-message state machine: parse the body, claim the job,
// dispatch to the kind's handler, finalize the job row, and decide
// acknowledge vs abandon. It is constructed with explicit handles; there is
// no ambient lookup.
type Processor struct {
	store    JobStore
	handlers map[models.JobKind]Handler
	log      *slog.Logger
}

func NewProcessor(store JobStore, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:    store,
		handlers: make(map[models.JobKind]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// HandleMessage processes one delivered message to a settlement decision.
// It never lets an error escape: every path resolves to Ack or Abandon.
func (p *Processor) HandleMessage(ctx context.Context, msg queue.Message) queue.Outcome {
	externalID := parseExternalID(msg.Body)
	if externalID == "" {
		// Nothing to retry; a malformed message must not be redelivered forever.
		p.log.Warn("message with no job id", "delivery", msg.DeliveryID, "body", msg.Body)
		telemetry.MessagesMalformed.Inc()
		return queue.Ack
	}

	job, claimed, err := p.store.TryClaim(ctx, externalID)
	if err != nil {
		// Store unavailable: let the broker redeliver.
		p.log.Error("claim failed", "jobId", externalID, "error", err)
		return queue.Abandon
	}
	if !claimed {
		// Another worker, or a previous delivery, owns or finished this job.
		p.log.Info("job already claimed or processed", "jobId", externalID)
		return queue.Ack
	}

	p.log.Info("claimed job", "jobId", externalID, "id", job.ID, "kind", job.Kind().String())
	telemetry.JobsClaimed.Inc()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	return p.finalize(ctx, job, p.dispatch(ctx, job))
}

// dispatch runs the registered handler for the job's kind. Unknown kinds
// complete immediately without doing work.
func (p *Processor) dispatch(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Kind()]
	if !ok {
		return nil
	}
	return handler(ctx, job)
}

// finalize writes the job's terminal status and picks the settlement.
func (p *Processor) finalize(ctx context.Context, job models.Job, err error) queue.Outcome {
	switch {
	case err == nil:
		if uerr := p.store.UpdateStatus(ctx, job.ID, models.StatusCompleted, nil, ""); uerr != nil {
			// The work ran but completion was lost; redelivery will find the
			// job claimed and ack without re-running it.
			p.log.Error("mark job completed failed", "jobId", job.ExternalID, "error", uerr)
			return queue.Abandon
		}
		telemetry.JobsCompleted.Inc()
		return queue.Ack

	case isCancellation(ctx, err):
		// Shutdown mid-job: leave the status wherever the handler put it and
		// let another worker instance retry from scratch.
		p.log.Info("job cancelled", "jobId", job.ExternalID)
		return queue.Abandon

	default:
		progress := job.CurrentProgress()
		if uerr := p.store.UpdateStatus(ctx, job.ID, models.StatusFailed, &progress, err.Error()); uerr != nil {
			p.log.Warn("mark job failed failed", "jobId", job.ExternalID, "error", uerr)
		}
		telemetry.JobsFailed.Inc()
		p.log.Error("job failed", "jobId", job.ExternalID, "error", err)
		if isTerminal(err) {
			// Non-retryable: the failure is recorded, drop the message.
			return queue.Ack
		}
		return queue.Abandon
	}
}

// parseExternalID extracts the job id from a message body. Structured bodies
// carry {"jobId": ...}; anything unparseable is treated as a bare id for
// backward compatibility with simpler producers.
func parseExternalID(body string) string {
	var env struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal([]byte(body), &env); err == nil {
		return strings.TrimSpace(env.JobID)
	}
	return strings.TrimSpace(body)
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// terminalError marks a failure that retrying cannot fix.
type terminalError struct {
	msg string
}

func (e *terminalError) Error() string { return e.msg }

// Terminal wraps a failure message so the processor fails the job and
// acknowledges the message instead of abandoning it.
func Terminal(format string, args ...any) error {
	return &terminalError{msg: fmt.Sprintf(format, args...)}
}

func isTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
