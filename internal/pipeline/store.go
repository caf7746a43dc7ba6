package pipeline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/Valecer/pricelistflow/internal/models"
)

// Progress is the counter set written to the job document for pollers.
type Progress struct {
	Percent           int
	TotalRows         int
	Successful        int
	Failed            int
	DuplicatesRemoved int
	Phase             string
}

// JobStore persists the externally visible job state.
type JobStore interface {
	Create(ctx context.Context, job *models.AnalysisJob) error
	Get(ctx context.Context, jobID string) (*models.AnalysisJob, error)
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, message string) error
	SetProgress(ctx context.Context, jobID string, p Progress) error
}

// CatalogStore persists the run's output: catalog items and the append-only
// parsing log.
type CatalogStore interface {
	SaveProducts(ctx context.Context, products []models.ExtractedProduct) error
	AppendLogs(ctx context.Context, entries []models.ParsingLogEntry) error
}

// FirestoreJobStore keeps one document per job, keyed by job ID.
type FirestoreJobStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreJobStore(client *firestore.Client, collection string) *FirestoreJobStore {
	return &FirestoreJobStore{client: client, collection: collection}
}

func (s *FirestoreJobStore) Create(ctx context.Context, job *models.AnalysisJob) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if _, err := s.client.Collection(s.collection).Doc(job.JobID).Create(ctx, job); err != nil {
		return fmt.Errorf("failed to create job document: %w", err)
	}
	return nil
}

func (s *FirestoreJobStore) Get(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	doc, err := s.client.Collection(s.collection).Doc(jobID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	var job models.AnalysisJob
	if err := doc.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *FirestoreJobStore) SetStatus(ctx context.Context, jobID string, status models.JobStatus, message string) error {
	updates := []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "currentPhase", Value: string(status)},
		{Path: "message", Value: message},
		{Path: "updatedAt", Value: time.Now()},
	}
	if _, err := s.client.Collection(s.collection).Doc(jobID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update job %s status: %w", jobID, err)
	}
	return nil
}

func (s *FirestoreJobStore) SetProgress(ctx context.Context, jobID string, p Progress) error {
	updates := []firestore.Update{
		{Path: "progressPercent", Value: p.Percent},
		{Path: "totalRows", Value: p.TotalRows},
		{Path: "successfulExtractions", Value: p.Successful},
		{Path: "failedExtractions", Value: p.Failed},
		{Path: "duplicatesRemoved", Value: p.DuplicatesRemoved},
		{Path: "currentPhase", Value: p.Phase},
		{Path: "updatedAt", Value: time.Now()},
	}
	if _, err := s.client.Collection(s.collection).Doc(jobID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update job %s progress: %w", jobID, err)
	}
	return nil
}

// FirestoreCatalogStore writes catalog items and parsing-log entries with a
// BulkWriter so a few hundred rows land in one round of batched writes.
type FirestoreCatalogStore struct {
	client         *firestore.Client
	itemsColl      string
	parsingLogColl string
}

func NewFirestoreCatalogStore(client *firestore.Client, itemsColl, parsingLogColl string) *FirestoreCatalogStore {
	return &FirestoreCatalogStore{client: client, itemsColl: itemsColl, parsingLogColl: parsingLogColl}
}

func (s *FirestoreCatalogStore) SaveProducts(ctx context.Context, products []models.ExtractedProduct) error {
	if len(products) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	coll := s.client.Collection(s.itemsColl)
	jobs := make([]bulkJob, 0, len(products))
	for _, p := range products {
		job, err := bw.Create(coll.Doc(uuid.NewString()), p)
		if err != nil {
			return fmt.Errorf("failed to enqueue product write: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	if err := awaitBulkJobs(jobs); err != nil {
		return fmt.Errorf("failed to persist catalog items: %w", err)
	}
	return nil
}

func (s *FirestoreCatalogStore) AppendLogs(ctx context.Context, entries []models.ParsingLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	coll := s.client.Collection(s.parsingLogColl)
	jobs := make([]bulkJob, 0, len(entries))
	for _, entry := range entries {
		job, err := bw.Create(coll.Doc(uuid.NewString()), entry)
		if err != nil {
			return fmt.Errorf("failed to enqueue parsing log write: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	if err := awaitBulkJobs(jobs); err != nil {
		return fmt.Errorf("failed to persist parsing log entries: %w", err)
	}
	return nil
}

// bulkJob is the per-write result handle a BulkWriter enqueue returns.
// Write failures surface only through Results, never through End.
type bulkJob interface {
	Results() (*firestore.WriteResult, error)
}

// awaitBulkJobs blocks on every enqueued write and returns the first failure,
// so a job is never reported persisted when its writes were rejected.
func awaitBulkJobs(jobs []bulkJob) error {
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return err
		}
	}
	return nil
}
