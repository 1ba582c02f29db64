package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/storage"
)

// Sessions reads session records and records the archive location.
type Sessions interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	SetChatArchiveKey(ctx context.Context, id uuid.UUID, key string) error
}

// Transcripts lists a session's surviving messages in replay order.
type Transcripts interface {
	ListByOffset(ctx context.Context, sessionID uuid.UUID, from, to int) ([]models.ChatMessage, error)
}

// Uploader stores an archive object.
type Uploader interface {
	PutArchive(ctx context.Context, key, contentType string, body io.Reader) error
}

// Jobs is the job queue the worker drains.
type Jobs interface {
	Dequeue(ctx context.Context, wait time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ArchiveProcessor exports the transcript of each finalized session to object storage.
type ArchiveProcessor struct {
	sessions    Sessions
	transcripts Transcripts
	uploader    Uploader
	queue       Jobs
	logger      *zap.Logger
	// Wait bounds each blocking dequeue so the loop notices cancellation.
	Wait time.Duration
	// Backoff is the pause after a failed job or dequeue error.
	Backoff time.Duration
}

// NewArchiveProcessor creates a chat archive processor.
func NewArchiveProcessor(sessions Sessions, transcripts Transcripts, uploader Uploader, q Jobs, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{
		sessions:    sessions,
		transcripts: transcripts,
		uploader:    uploader,
		queue:       q,
		logger:      logger,
		Wait:        5 * time.Second,
		Backoff:     queue.RetryBackoff,
	}
}

// Process executes one chat archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeChatArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ChatArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sess, err := p.sessions.GetByID(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", payload.SessionID, err)
	}
	if sess.ChatArchiveKey != "" {
		p.logger.Info("chat archive already exists", zap.String("session_id", sess.ID.String()))
		return nil
	}
	if sess.Status != models.SessionStatusEnded {
		return fmt.Errorf("session %s has not ended", sess.ID)
	}

	msgs, err := p.transcripts.ListByOffset(ctx, sess.ID, 0, math.MaxInt32)
	if err != nil {
		return fmt.Errorf("list transcript: %w", err)
	}

	// Stream the transcript into the upload (no full buffer).
	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		for i := range msgs {
			if err := enc.Encode(&msgs[i]); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	key := storage.TranscriptKey(sess.ID.String())
	err = p.uploader.PutArchive(ctx, key, storage.TranscriptContentType, pr)
	pr.Close()
	if err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}

	if err := p.sessions.SetChatArchiveKey(ctx, sess.ID, key); err != nil {
		p.logger.Error("record archive key failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
		return fmt.Errorf("update db: %w", err)
	}
	p.logger.Info("chat archive completed", zap.String("session_id", sess.ID.String()), zap.String("key", key), zap.Int("messages", len(msgs)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.Wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
