package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/studiocast/backend/internal/egress"
	"github.com/studiocast/backend/internal/models"
	"github.com/studiocast/backend/pkg/queue"
	"github.com/studiocast/backend/pkg/retry"
)

// Ledger is the subset of the sessions repository the worker needs.
type Ledger interface {
	Upsert(ctx context.Context, rec *models.RecordingSession) error
	GetByEgressID(ctx context.Context, egressID string) (*models.RecordingSession, error)
}

// ArtifactStore checks recording objects in S3 and derives their URLs.
type ArtifactStore interface {
	HeadRecording(ctx context.Context, key string) (int64, error)
	ObjectURL(key string) string
}

// SessionProcessor processes session maintenance jobs: reconciling ledger rows
// against remote egress state and verifying recording artifacts landed in S3.
type SessionProcessor struct {
	repo       Ledger
	controller egress.Controller
	s3         ArtifactStore
	queue      *queue.Queue
	logger     *zap.Logger
}

// NewSessionProcessor creates a session maintenance processor.
func NewSessionProcessor(repo Ledger, controller egress.Controller, s3 ArtifactStore, q *queue.Queue, logger *zap.Logger) *SessionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionProcessor{repo: repo, controller: controller, s3: s3, queue: q, logger: logger}
}

// Process executes one job.
func (p *SessionProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.SessionJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	switch job.Type {
	case queue.JobTypeReconcileSession:
		return p.reconcile(ctx, payload)
	case queue.JobTypeVerifyArtifact:
		return p.verifyArtifact(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// reconcile refreshes one ledger row from the remote controller.
func (p *SessionProcessor) reconcile(ctx context.Context, payload queue.SessionJobPayload) error {
	rec, err := p.repo.GetByEgressID(ctx, payload.EgressID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		p.logger.Warn("reconcile skipped, session not in ledger", zap.String("egress_id", payload.EgressID))
		return nil
	}
	if models.IsTerminalStatus(rec.Status) && rec.FileURL != "" {
		return nil
	}

	handles, err := p.controller.List(ctx, egress.ListFilter{EgressID: payload.EgressID})
	if err != nil {
		return fmt.Errorf("list egress: %w", err)
	}
	if len(handles) == 0 {
		p.logger.Warn("reconcile found no remote session", zap.String("egress_id", payload.EgressID))
		return nil
	}
	h := handles[0]
	updated := &models.RecordingSession{
		RoomName: rec.RoomName,
		EgressID: rec.EgressID,
		Status:   h.Status,
		EndedAt:  h.EndedAt,
		FileURL:  h.FirstLocation(),
		ErrorMsg: h.ErrorMsg,
	}
	if err := p.repo.Upsert(ctx, updated); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	p.logger.Info("session reconciled",
		zap.String("egress_id", rec.EgressID),
		zap.String("status", h.Status),
	)
	return nil
}

// verifyArtifact confirms the recording object exists in S3 and records its URL.
func (p *SessionProcessor) verifyArtifact(ctx context.Context, payload queue.SessionJobPayload) error {
	rec, err := p.repo.GetByEgressID(ctx, payload.EgressID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec == nil || rec.Filepath == "" {
		p.logger.Warn("verify skipped, no stored filepath", zap.String("egress_id", payload.EgressID))
		return nil
	}
	if rec.FileURL != "" && rec.Status == models.SessionStatusComplete {
		return nil
	}

	size, err := p.s3.HeadRecording(ctx, rec.Filepath)
	if err != nil {
		// The upload may still be in flight; let the retry/DLQ cycle re-check.
		return fmt.Errorf("artifact not found for %s: %w", rec.EgressID, err)
	}

	updated := &models.RecordingSession{
		RoomName: rec.RoomName,
		EgressID: rec.EgressID,
		Status:   models.SessionStatusComplete,
		FileURL:  p.s3.ObjectURL(rec.Filepath),
	}
	if err := p.repo.Upsert(ctx, updated); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	p.logger.Info("artifact verified",
		zap.String("egress_id", rec.EgressID),
		zap.String("filepath", rec.Filepath),
		zap.Int64("size", size),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SessionProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("session worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			if retry.Sleep(ctx, queue.RetryBackoff) != nil {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			if retry.Sleep(ctx, queue.RetryBackoff) != nil {
				return
			}
			continue
		}
	}
}
