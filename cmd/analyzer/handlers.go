package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Valecer/pricelistflow/internal/models"
	"github.com/Valecer/pricelistflow/internal/pipeline"
)

// Server holds the HTTP handlers and the registry of in-flight runs.
type Server struct {
	jobs pipeline.JobStore
	orch *pipeline.Orchestrator

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

func NewServer(jobs pipeline.JobStore, orch *pipeline.Orchestrator) *Server {
	return &Server{
		jobs: jobs,
		orch: orch,
		runs: make(map[string]context.CancelFunc),
	}
}

type analyzeFileRequest struct {
	SupplierID int64  `json:"supplier_id" binding:"required,gt=0"`
	FilePath   string `json:"file_path" binding:"required"`
	// JobID lets the caller pick the identifier; re-posting the same one is
	// rejected by the job document's create precondition. Any string works as
	// long as it fits a Firestore document ID (no slash, bounded length).
	JobID string `json:"job_id" binding:"omitempty,max=128,excludes=/"`
}

// HandleAnalyzeFile accepts a file reference, creates the job document, and
// starts the pipeline in the background. The response is immediate; callers
// poll the status endpoint.
func (s *Server) HandleAnalyzeFile(c *gin.Context) {
	var req analyzeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "supplier_id and file_path are required: " + err.Error()})
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := &models.AnalysisJob{
		JobID:      jobID,
		SupplierID: req.SupplierID,
		FilePath:   req.FilePath,
		Status:     models.StatusPending,
	}
	if err := s.jobs.Create(c.Request.Context(), job); err != nil {
		if req.JobID != "" {
			c.JSON(http.StatusConflict, gin.H{"error": "job_id already exists"})
			return
		}
		slog.Error("Failed to create job document.", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	// The run outlives the request; it is canceled only via the cancel
	// endpoint or process shutdown.
	runCtx, cancel := context.WithCancel(context.Background())
	s.register(job.JobID, cancel)
	go func() {
		defer s.unregister(job.JobID)
		s.orch.Run(runCtx, job)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

// HandleJobStatus returns the job document for pollers.
func (s *Server) HandleJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := s.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// HandleCancelJob requests cancellation of a running job. The run observes
// the flag at its next stage boundary, so the job may still finish its
// current inference call before moving to failed.
func (s *Server) HandleCancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := s.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if job.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished", "status": job.Status})
		return
	}

	if !s.cancel(jobID) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not running in this instance"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "canceling"})
}

// CancelAll cancels every in-flight run; used on shutdown so each job records
// a terminal state instead of being abandoned mid-stage.
func (s *Server) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, cancel := range s.runs {
		slog.Info("Canceling in-flight run for shutdown.", "jobId", jobID)
		cancel()
	}
}

func (s *Server) register(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[jobID] = cancel
}

func (s *Server) unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.runs[jobID]; ok {
		cancel()
		delete(s.runs, jobID)
	}
}

func (s *Server) cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.runs[jobID]
	if ok {
		cancel()
	}
	return ok
}
