// Package pipeline sequences the analysis stages for one price-list file and
// owns the externally visible job state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Valecer/pricelistflow/internal/dedupe"
	"github.com/Valecer/pricelistflow/internal/extract"
	"github.com/Valecer/pricelistflow/internal/models"
	"github.com/Valecer/pricelistflow/internal/sheet"
	"github.com/Valecer/pricelistflow/internal/taxonomy"
)

// SheetSource is the workbook view the orchestrator consumes.
type SheetSource interface {
	Infos() ([]sheet.Info, error)
	Grid(name string) (*sheet.Grid, error)
	Close() error
}

// WorkbookOpener opens a staged local file as a SheetSource.
type WorkbookOpener func(path string) (SheetSource, error)

// Stager makes the courier-supplied path readable locally and returns a
// cleanup func.
type Stager func(ctx context.Context, path string) (string, func(), error)

// Snapshotter optionally archives a serialized table for auditing.
type Snapshotter func(ctx context.Context, objectName, content string) error

// TableExtractor drives the inference model over one serialized table.
type TableExtractor interface {
	ExtractTable(ctx context.Context, jobID string, table *sheet.SerializedTable, onChunk func(extract.Progress)) (*extract.TableExtraction, error)
}

// PathResolver maps category paths onto taxonomy nodes.
type PathResolver interface {
	ResetCache()
	ResolvePath(ctx context.Context, jobID string, supplierID int64, path []string) (*taxonomy.Resolution, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Jobs      JobStore
	Catalog   CatalogStore
	Selector  *sheet.Selector
	Extractor TableExtractor
	Resolver  PathResolver
	Stager    Stager
	Opener    WorkbookOpener
	Snapshot  Snapshotter // optional
	Metrics   *Metrics    // optional

	MinSuccessRate          float64
	DuplicatePriceTolerance float64
}

// Orchestrator runs the strictly forward state machine
// pending → selecting_sheets → serializing → extracting →
// normalizing_categories → deduplicating → persisting → terminal.
// There is no retry-from-middle: a failed run is re-invoked from pending.
type Orchestrator struct {
	deps Deps
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.MinSuccessRate <= 0 {
		deps.MinSuccessRate = 0.8
	}
	if deps.DuplicatePriceTolerance <= 0 {
		deps.DuplicatePriceTolerance = 0.01
	}
	if deps.Opener == nil {
		deps.Opener = func(path string) (SheetSource, error) {
			return sheet.Open(path)
		}
	}
	return &Orchestrator{deps: deps}
}

// Progress-percent anchors per stage; extraction interpolates between its
// bounds as windows complete.
const (
	pctSelecting    = 5
	pctSerializing  = 10
	pctExtractStart = 10
	pctExtractEnd   = 70
	pctNormalizing  = 80
	pctDeduping     = 90
	pctPersisting   = 95
	pctDone         = 100
)

// persistTimeout bounds terminal writes after the run context is gone.
const persistTimeout = 30 * time.Second

// Run executes the full pipeline for one job. It never returns an error: the
// outcome, partial or terminal, is written to the job document for pollers.
func (o *Orchestrator) Run(ctx context.Context, job *models.AnalysisJob) {
	logCtx := slog.With("jobId", job.JobID, "supplierId", job.SupplierID)
	logCtx.Info("Starting analysis run.", "filePath", job.FilePath)

	result := &models.ExtractionResult{}
	var auditLogs []models.ParsingLogEntry

	// --- selecting_sheets ---
	if !o.transition(ctx, job, models.StatusSelectingSheets, pctSelecting, result) {
		return
	}

	localPath, cleanupStage, err := o.deps.Stager(ctx, job.FilePath)
	if err != nil {
		o.fail(job, result, auditLogs, fmt.Sprintf("source file unreadable: %v", err), logCtx)
		return
	}
	defer cleanupStage()

	source, err := o.deps.Opener(localPath)
	if err != nil {
		o.fail(job, result, auditLogs, fmt.Sprintf("failed to open workbook: %v", err), logCtx)
		return
	}
	defer source.Close()

	infos, err := source.Infos()
	if err != nil {
		o.fail(job, result, auditLogs, fmt.Sprintf("failed to read sheet metadata: %v", err), logCtx)
		return
	}
	selected := o.deps.Selector.Select(logCtx, infos)
	if len(selected) == 0 {
		o.deps.Metrics.IncError(string(models.ErrorKindSheetSelectionFailed))
		auditLogs = append(auditLogs, models.ParsingLogEntry{
			JobID:     job.JobID,
			ErrorKind: models.ErrorKindSheetSelectionFailed,
			Message:   "no eligible sheet found in workbook",
			CreatedAt: time.Now(),
		})
		o.fail(job, result, auditLogs, "no eligible sheet found", logCtx)
		return
	}
	result.SheetNames = selected

	// --- serializing ---
	if !o.transition(ctx, job, models.StatusSerializing, pctSerializing, result) {
		return
	}
	tables := make([]*sheet.SerializedTable, 0, len(selected))
	for _, name := range selected {
		grid, err := source.Grid(name)
		if err != nil {
			o.fail(job, result, auditLogs, fmt.Sprintf("failed to serialize sheet %q: %v", name, err), logCtx)
			return
		}
		table := sheet.Serialize(grid)
		if table == nil || len(table.DataLines) == 0 {
			continue
		}
		tables = append(tables, table)
		result.TotalRows += len(table.DataLines)

		if o.deps.Snapshot != nil {
			objectName := fmt.Sprintf("%s/%s.txt", job.JobID, name)
			if err := o.deps.Snapshot(ctx, objectName, table.String()); err != nil {
				logCtx.Warn("Failed to snapshot serialized table.", "sheet", name, "error", err)
			}
		}
	}

	// --- extracting ---
	if !o.transition(ctx, job, models.StatusExtracting, pctExtractStart, result) {
		return
	}
	for i, table := range tables {
		tableIdx := i
		onChunk := func(p extract.Progress) {
			frac := (float64(tableIdx) + float64(p.DoneWindows)/float64(p.TotalWindows)) / float64(len(tables))
			pct := pctExtractStart + int(frac*float64(pctExtractEnd-pctExtractStart))
			// Fold the running window counts into the totals from already
			// finished sheets so pollers always see "N of M rows".
			snap := *result
			snap.SuccessfulCount += p.SuccessRows
			snap.FailedCount += p.FailedRows
			o.report(ctx, job, pct, models.StatusExtracting, &snap)
		}
		ext, err := o.deps.Extractor.ExtractTable(ctx, job.JobID, table, onChunk)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				o.fail(job, result, auditLogs, "run canceled", logCtx)
			case errors.Is(err, extract.ErrEndpointUnreachable):
				o.fail(job, result, auditLogs, fmt.Sprintf("inference endpoint unreachable: %v", err), logCtx)
			default:
				o.fail(job, result, auditLogs, fmt.Sprintf("extraction failed: %v", err), logCtx)
			}
			return
		}
		result.Products = append(result.Products, ext.Products...)
		result.SuccessfulCount += ext.SuccessfulRows
		result.FailedCount += ext.FailedRows
		auditLogs = append(auditLogs, ext.Logs...)
		for _, entry := range ext.Logs {
			o.deps.Metrics.IncError(string(entry.ErrorKind))
		}
		o.deps.Metrics.AddRows(ext.TotalRows)
	}

	if result.SuccessRate() < o.deps.MinSuccessRate {
		msg := fmt.Sprintf("success rate %.2f below threshold %.2f; nothing persisted",
			result.SuccessRate(), o.deps.MinSuccessRate)
		o.fail(job, result, auditLogs, msg, logCtx)
		return
	}

	// --- normalizing_categories ---
	if !o.transition(ctx, job, models.StatusNormalizingCategories, pctNormalizing, result) {
		return
	}
	o.deps.Resolver.ResetCache()
	resolvedPaths := make(map[string]string)
	for i := range result.Products {
		p := &result.Products[i]
		if len(p.CategoryPath) == 0 {
			continue
		}
		key := strings.ToLower(strings.Join(p.CategoryPath, "\x00"))
		if leafID, ok := resolvedPaths[key]; ok {
			p.CategoryID = leafID
			continue
		}
		resolution, err := o.deps.Resolver.ResolvePath(ctx, job.JobID, job.SupplierID, p.CategoryPath)
		if err != nil {
			o.fail(job, result, auditLogs, fmt.Sprintf("category resolution failed: %v", err), logCtx)
			return
		}
		auditLogs = append(auditLogs, resolution.Logs...)
		for _, entry := range resolution.Logs {
			o.deps.Metrics.IncError(string(entry.ErrorKind))
		}
		p.CategoryID = resolution.LeafID
		resolvedPaths[key] = resolution.LeafID
	}

	// --- deduplicating ---
	if !o.transition(ctx, job, models.StatusDeduplicating, pctDeduping, result) {
		return
	}
	deduped := dedupe.Deduplicate(result.Products, o.deps.DuplicatePriceTolerance)
	result.Products = deduped.Products
	result.DuplicatesRemoved = deduped.Removed

	// --- persisting ---
	if !o.transition(ctx, job, models.StatusPersisting, pctPersisting, result) {
		return
	}
	for i := range result.Products {
		result.Products[i].JobID = job.JobID
		result.Products[i].SupplierID = job.SupplierID
	}
	// Terminal writes are detached from the run's cancellation so the outcome
	// is always recorded.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()
	if err := o.deps.Catalog.SaveProducts(persistCtx, result.Products); err != nil {
		o.fail(job, result, auditLogs, fmt.Sprintf("failed to persist products: %v", err), logCtx)
		return
	}
	if err := o.deps.Catalog.AppendLogs(persistCtx, auditLogs); err != nil {
		logCtx.Error("Failed to persist parsing log entries.", "error", err)
	}

	final := result.Status(o.deps.MinSuccessRate)
	o.report(persistCtx, job, pctDone, final, result)
	if err := o.deps.Jobs.SetStatus(persistCtx, job.JobID, final, ""); err != nil {
		logCtx.Error("CRITICAL: failed to write terminal job status.", "status", final, "error", err)
	}
	o.deps.Metrics.IncJob(string(final))
	logCtx.Info("Analysis run finished.",
		"status", final,
		"totalRows", result.TotalRows,
		"successful", result.SuccessfulCount,
		"failed", result.FailedCount,
		"duplicatesRemoved", result.DuplicatesRemoved,
		"persistedProducts", len(result.Products))
}

// transition advances the state machine, checking the cancellation flag at
// the stage boundary. Returns false when the run must stop.
func (o *Orchestrator) transition(ctx context.Context, job *models.AnalysisJob, status models.JobStatus, pct int, result *models.ExtractionResult) bool {
	if ctx.Err() != nil {
		o.fail(job, result, nil, "run canceled", slog.With("jobId", job.JobID))
		return false
	}
	if err := o.deps.Jobs.SetStatus(ctx, job.JobID, status, ""); err != nil {
		slog.Error("Failed to write job status.", "jobId", job.JobID, "status", status, "error", err)
	}
	o.report(ctx, job, pct, status, result)
	return true
}

// report writes the current counters to the job document for pollers.
func (o *Orchestrator) report(ctx context.Context, job *models.AnalysisJob, pct int, phase models.JobStatus, result *models.ExtractionResult) {
	p := Progress{
		Percent:           pct,
		TotalRows:         result.TotalRows,
		Successful:        result.SuccessfulCount,
		Failed:            result.FailedCount,
		DuplicatesRemoved: result.DuplicatesRemoved,
		Phase:             string(phase),
	}
	if err := o.deps.Jobs.SetProgress(ctx, job.JobID, p); err != nil {
		slog.Warn("Failed to write job progress.", "jobId", job.JobID, "error", err)
	}
}

// fail moves the job to the failed terminal state. Catalog output is not
// persisted, but parsing-log entries are: the audit trail must survive the
// failure so rows can be fixed and re-uploaded.
func (o *Orchestrator) fail(job *models.AnalysisJob, result *models.ExtractionResult, logs []models.ParsingLogEntry, message string, logCtx *slog.Logger) {
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if len(logs) > 0 {
		if err := o.deps.Catalog.AppendLogs(persistCtx, logs); err != nil {
			logCtx.Error("Failed to persist parsing log entries for failed run.", "error", err)
		}
	}
	o.report(persistCtx, job, pctDone, models.StatusFailed, result)
	if err := o.deps.Jobs.SetStatus(persistCtx, job.JobID, models.StatusFailed, message); err != nil {
		logCtx.Error("CRITICAL: failed to update job status to failed.", "updateError", err)
	}
	o.deps.Metrics.IncJob(string(models.StatusFailed))
	logCtx.Error("Analysis run failed.", "reason", message)
}
