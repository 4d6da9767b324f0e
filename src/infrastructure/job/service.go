package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"docrag/src/core/indexer"
)

// Topic is the queue indexing jobs are published to.
const Topic = "index_jobs"

const (
	TaskTypeIndexCycle = "index_cycle"
	TaskTypeClearError = "clear_error"
)

type IndexCyclePayload struct {
	BatchSize int `json:"batch_size"`
}

type ClearErrorPayload struct {
	DocumentID int64 `json:"document_id"`
}

// CycleRunner runs one indexing batch. *indexer.Indexer implements it.
type CycleRunner interface {
	RunBatch(ctx context.Context, batchSize int) (*indexer.CycleReport, error)
}

// ErrorClearer makes a failed document pending again.
type ErrorClearer interface {
	ClearError(ctx context.Context, documentID int64) error
}

type JobService struct {
	publisher message.Publisher
	repo      JobRepository
	logger    watermill.LoggerAdapter
	indexer   CycleRunner
	documents ErrorClearer
}

type JobMessage struct {
	JobID    int             `json:"job_id"`
	TaskType string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
}

// NewJobService wires the queue side. indexer and documents may be nil on
// a publisher-only service.
func NewJobService(
	publisher message.Publisher,
	repo JobRepository,
	logger watermill.LoggerAdapter,
	indexer CycleRunner,
	documents ErrorClearer,
) *JobService {
	return &JobService{
		publisher: publisher,
		repo:      repo,
		logger:    logger,
		indexer:   indexer,
		documents: documents,
	}
}

// EnqueueIndexCycle requests an indexing batch. batchSize 0 uses the
// worker's configured size.
func (s *JobService) EnqueueIndexCycle(ctx context.Context, batchSize int) (*Job, error) {
	payload, err := json.Marshal(IndexCyclePayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return s.EnqueueJob(ctx, TaskTypeIndexCycle, payload)
}

// EnqueueClearError requests that a failed document be retried.
func (s *JobService) EnqueueClearError(ctx context.Context, documentID int64) (*Job, error) {
	payload, err := json.Marshal(ClearErrorPayload{DocumentID: documentID})
	if err != nil {
		return nil, err
	}
	return s.EnqueueJob(ctx, TaskTypeClearError, payload)
}

// EnqueueJob creates a new job and publishes it to the message queue
func (s *JobService) EnqueueJob(ctx context.Context, taskType string, payload json.RawMessage) (*Job, error) {
	job, err := s.repo.Create(ctx, taskType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	msgPayload, err := json.Marshal(JobMessage{
		JobID:    job.ID,
		TaskType: job.TaskType,
		Payload:  job.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), msgPayload)
	msg.SetContext(ctx)
	if err := s.publisher.Publish(Topic, msg); err != nil {
		return nil, fmt.Errorf("failed to publish job message: %w", err)
	}

	s.logger.Info("Job enqueued", watermill.LogFields{
		"job_id":    job.ID,
		"task_type": taskType,
	})
	return job, nil
}

// ProcessJobMessage processes a job message from the queue
func (s *JobService) ProcessJobMessage(msg *message.Message) error {
	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		return fmt.Errorf("failed to unmarshal job message: %w", err)
	}

	ctx := msg.Context()

	job, err := s.repo.Get(ctx, jobMsg.JobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobMsg.JobID)
	}

	if err := s.repo.UpdateStatus(ctx, job.ID, JobStatusRunning, nil); err != nil {
		return fmt.Errorf("failed to update job status to running: %w", err)
	}

	result, err := s.processJob(ctx, job)
	if err != nil {
		errStr := err.Error()
		if updateErr := s.repo.UpdateStatus(ctx, job.ID, JobStatusFailed, &errStr); updateErr != nil {
			s.logger.Error("Failed to update job status to failed", updateErr, watermill.LogFields{
				"job_id": job.ID,
			})
		}
		return fmt.Errorf("failed to process job: %w", err)
	}

	if err := s.repo.Complete(ctx, job.ID, result); err != nil {
		return fmt.Errorf("failed to update job status to completed: %w", err)
	}
	return nil
}

// processJob runs a job and returns its JSON result.
func (s *JobService) processJob(ctx context.Context, job *Job) (json.RawMessage, error) {
	switch job.TaskType {
	case TaskTypeIndexCycle:
		if s.indexer == nil {
			return nil, fmt.Errorf("no indexer configured for %s", job.TaskType)
		}
		var payload IndexCyclePayload
		if err := unmarshalPayload(job.Payload, &payload); err != nil {
			return nil, err
		}
		report, err := s.indexer.RunBatch(ctx, payload.BatchSize)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Index cycle job executed", watermill.LogFields{
			"job_id":  job.ID,
			"indexed": report.Indexed,
			"failed":  report.Failed,
			"chunks":  report.Chunks,
		})
		return json.Marshal(report)

	case TaskTypeClearError:
		if s.documents == nil {
			return nil, fmt.Errorf("no document store configured for %s", job.TaskType)
		}
		var payload ClearErrorPayload
		if err := unmarshalPayload(job.Payload, &payload); err != nil {
			return nil, err
		}
		if payload.DocumentID <= 0 {
			return nil, fmt.Errorf("invalid document id %d", payload.DocumentID)
		}
		if err := s.documents.ClearError(ctx, payload.DocumentID); err != nil {
			return nil, err
		}
		s.logger.Info("Document error cleared", watermill.LogFields{
			"job_id":      job.ID,
			"document_id": payload.DocumentID,
		})
		return json.Marshal(payload)

	default:
		return nil, fmt.Errorf("unknown task type: %s", job.TaskType)
	}
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
