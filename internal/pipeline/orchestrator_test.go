package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Valecer/pricelistflow/internal/extract"
	"github.com/Valecer/pricelistflow/internal/models"
	"github.com/Valecer/pricelistflow/internal/sheet"
	"github.com/Valecer/pricelistflow/internal/taxonomy"
)

type memJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.AnalysisJob
	statuses []models.JobStatus
	progress []Progress
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.AnalysisJob)}
}

func (s *memJobStore) Create(_ context.Context, job *models.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.JobID] = &copied
	return nil
}

func (s *memJobStore) Get(_ context.Context, jobID string) (*models.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) SetStatus(_ context.Context, jobID string, status models.JobStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
		job.Message = message
	}
	return nil
}

func (s *memJobStore) SetProgress(_ context.Context, jobID string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
	if job, ok := s.jobs[jobID]; ok {
		job.ProgressPercent = p.Percent
		job.TotalRows = p.TotalRows
		job.SuccessfulExtractions = p.Successful
		job.FailedExtractions = p.Failed
		job.DuplicatesRemoved = p.DuplicatesRemoved
		job.CurrentPhase = p.Phase
	}
	return nil
}

type memCatalog struct {
	mu       sync.Mutex
	products []models.ExtractedProduct
	logs     []models.ParsingLogEntry
}

func (c *memCatalog) SaveProducts(_ context.Context, products []models.ExtractedProduct) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, products...)
	return nil
}

func (c *memCatalog) AppendLogs(_ context.Context, entries []models.ParsingLogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, entries...)
	return nil
}

type fakeExtractor struct {
	fn func(ctx context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error)
}

func (e *fakeExtractor) ExtractTable(ctx context.Context, _ string, table *sheet.SerializedTable, onChunk func(extract.Progress)) (*extract.TableExtraction, error) {
	out, err := e.fn(ctx, table)
	if err == nil && onChunk != nil {
		onChunk(extract.Progress{
			DoneWindows:  1,
			TotalWindows: 1,
			SuccessRows:  out.SuccessfulRows,
			FailedRows:   out.FailedRows,
		})
	}
	return out, err
}

type fakeResolver struct {
	mu     sync.Mutex
	resets int
	calls  int
}

func (r *fakeResolver) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *fakeResolver) ResolvePath(_ context.Context, _ string, _ int64, path []string) (*taxonomy.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &taxonomy.Resolution{LeafID: "leaf-" + strings.ToLower(strings.Join(path, "/"))}, nil
}

type fakeSource struct {
	grids map[string]*sheet.Grid
	order []string
}

func (s *fakeSource) Infos() ([]sheet.Info, error) {
	infos := make([]sheet.Info, 0, len(s.order))
	for _, name := range s.order {
		g := s.grids[name]
		info := sheet.Info{Name: name}
		if g != nil {
			info.DataRows = len(g.Rows)
			info.Header = g.Header
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *fakeSource) Grid(name string) (*sheet.Grid, error) { return s.grids[name], nil }
func (s *fakeSource) Close() error                          { return nil }

func testGrid(name string, rows int) *sheet.Grid {
	g := &sheet.Grid{SheetName: name, Header: []string{"Name", "Price"}, HeaderRow: 1}
	for i := 0; i < rows; i++ {
		g.Rows = append(g.Rows, sheet.Row{Index: i + 2, Cells: []string{fmt.Sprintf("item %d", i+2), "10.00"}})
	}
	return g
}

func testProduct(name string, row int, path ...string) models.ExtractedProduct {
	return models.ExtractedProduct{
		Name:         name,
		PricePrimary: decimal.RequireFromString("10.00"),
		CategoryPath: path,
		Row:          models.RowRef{SheetName: "Products", RowIndex: row},
	}
}

type harness struct {
	jobs     *memJobStore
	catalog  *memCatalog
	resolver *fakeResolver
	orch     *Orchestrator
}

func newHarness(source SheetSource, ext TableExtractor) *harness {
	h := &harness{
		jobs:     newMemJobStore(),
		catalog:  &memCatalog{},
		resolver: &fakeResolver{},
	}
	h.orch = NewOrchestrator(Deps{
		Jobs:      h.jobs,
		Catalog:   h.catalog,
		Selector:  sheet.NewSelector(nil, nil),
		Extractor: ext,
		Resolver:  h.resolver,
		Stager: func(_ context.Context, path string) (string, func(), error) {
			return path, func() {}, nil
		},
		Opener: func(string) (SheetSource, error) { return source, nil },
	})
	return h
}

func (h *harness) runJob(ctx context.Context) *models.AnalysisJob {
	job := &models.AnalysisJob{JobID: "job-1", SupplierID: 7, FilePath: "/tmp/list.xlsx", Status: models.StatusPending}
	_ = h.jobs.Create(context.Background(), job)
	h.orch.Run(ctx, job)
	final, _ := h.jobs.Get(context.Background(), "job-1")
	return final
}

func allRowsSucceed(table *sheet.SerializedTable) (*extract.TableExtraction, error) {
	out := &extract.TableExtraction{SheetName: table.SheetName, TotalRows: len(table.DataLines)}
	for _, line := range table.DataLines {
		out.Products = append(out.Products, testProduct(fmt.Sprintf("item %d", line.Row), line.Row, "Tools"))
		out.SuccessfulRows++
	}
	return out, nil
}

func TestRunCompleteWhenEveryRowSucceeds(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 4)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		return allRowsSucceed(table)
	}})

	final := h.runJob(context.Background())

	if final.Status != models.StatusComplete {
		t.Fatalf("Status = %s, want complete (message: %s)", final.Status, final.Message)
	}
	if final.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d, want 100", final.ProgressPercent)
	}
	if final.TotalRows != 4 || final.SuccessfulExtractions != 4 || final.FailedExtractions != 0 {
		t.Errorf("counters = %d/%d/%d, want 4/4/0", final.TotalRows, final.SuccessfulExtractions, final.FailedExtractions)
	}
	if len(h.catalog.products) != 4 {
		t.Fatalf("persisted %d products, want 4", len(h.catalog.products))
	}
	for _, p := range h.catalog.products {
		if p.JobID != "job-1" || p.SupplierID != 7 {
			t.Errorf("product %q missing job attribution: %+v", p.Name, p)
		}
		if p.CategoryID != "leaf-tools" {
			t.Errorf("product %q CategoryID = %q, want resolved leaf", p.Name, p.CategoryID)
		}
	}
	if h.resolver.resets != 1 {
		t.Errorf("resolver cache resets = %d, want 1 per run", h.resolver.resets)
	}
	if h.resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1 (identical paths memoized)", h.resolver.calls)
	}

	wantOrder := []models.JobStatus{
		models.StatusSelectingSheets,
		models.StatusSerializing,
		models.StatusExtracting,
		models.StatusNormalizingCategories,
		models.StatusDeduplicating,
		models.StatusPersisting,
		models.StatusComplete,
	}
	if len(h.jobs.statuses) != len(wantOrder) {
		t.Fatalf("statuses = %v, want %v", h.jobs.statuses, wantOrder)
	}
	for i, want := range wantOrder {
		if h.jobs.statuses[i] != want {
			t.Errorf("status[%d] = %s, want %s", i, h.jobs.statuses[i], want)
		}
	}
}

func TestRunCompletedWithErrorsBetweenThresholds(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 10)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		out, _ := allRowsSucceed(table)
		// One row rejected.
		out.Products = out.Products[:9]
		out.SuccessfulRows = 9
		out.FailedRows = 1
		out.Logs = append(out.Logs, models.ParsingLogEntry{
			JobID: "job-1", ErrorKind: models.ErrorKindRejectedField, Message: "row 11 missing price",
		})
		return out, nil
	}})

	final := h.runJob(context.Background())

	if final.Status != models.StatusCompletedWithErrors {
		t.Fatalf("Status = %s, want completed_with_errors", final.Status)
	}
	if len(h.catalog.products) != 9 {
		t.Errorf("persisted %d products, want the 9 successful ones", len(h.catalog.products))
	}
	if len(h.catalog.logs) != 1 {
		t.Errorf("persisted %d log entries, want 1", len(h.catalog.logs))
	}
}

func TestRunFailsBelowThresholdWithoutPersistingProducts(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 10)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		out := &extract.TableExtraction{SheetName: table.SheetName, TotalRows: len(table.DataLines)}
		for _, line := range table.DataLines[:5] {
			out.Products = append(out.Products, testProduct(fmt.Sprintf("item %d", line.Row), line.Row))
			out.SuccessfulRows++
		}
		out.FailedRows = 5
		out.Logs = append(out.Logs, models.ParsingLogEntry{JobID: "job-1", ErrorKind: models.ErrorKindMalformedResponse})
		return out, nil
	}})

	final := h.runJob(context.Background())

	if final.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed at 50%% success", final.Status)
	}
	if len(h.catalog.products) != 0 {
		t.Errorf("persisted %d products on a failed run, want 0", len(h.catalog.products))
	}
	if len(h.catalog.logs) == 0 {
		t.Error("failed run must still persist its parsing log for auditing")
	}
	if h.resolver.calls != 0 {
		t.Errorf("resolver called %d times on a failed run; no categories may be created", h.resolver.calls)
	}
}

func TestRunFailsWhenNoSheetEligible(t *testing.T) {
	source := &fakeSource{order: []string{"Empty"}, grids: map[string]*sheet.Grid{"Empty": {SheetName: "Empty", Header: []string{"A"}}}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		t.Fatal("extractor must not run without a selected sheet")
		return nil, nil
	}})

	final := h.runJob(context.Background())

	if final.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed", final.Status)
	}
	if len(h.catalog.logs) != 1 || h.catalog.logs[0].ErrorKind != models.ErrorKindSheetSelectionFailed {
		t.Errorf("logs = %+v, want one sheet_selection_failed entry", h.catalog.logs)
	}
}

func TestRunEndpointUnreachableFailsRun(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 4)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, _ *sheet.SerializedTable) (*extract.TableExtraction, error) {
		return nil, fmt.Errorf("window 0: %w: connection refused", extract.ErrEndpointUnreachable)
	}})

	final := h.runJob(context.Background())

	if final.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Message, "unreachable") {
		t.Errorf("Message = %q, want unreachable endpoint reason", final.Message)
	}
	if len(h.catalog.products) != 0 {
		t.Errorf("persisted %d products, want 0", len(h.catalog.products))
	}
}

func TestRunCanceledContextFailsWithoutPersisting(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 4)}}
	h := newHarness(source, &fakeExtractor{fn: func(ctx context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		return nil, ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final := h.runJob(ctx)

	if final.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed after cancellation", final.Status)
	}
	if final.Message != "run canceled" {
		t.Errorf("Message = %q, want %q", final.Message, "run canceled")
	}
	if len(h.catalog.products) != 0 {
		t.Errorf("persisted %d products after cancellation, want 0", len(h.catalog.products))
	}
}

func TestRunChunkProgressCarriesRowCounts(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 10)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		out, _ := allRowsSucceed(table)
		out.Products = out.Products[:9]
		out.SuccessfulRows = 9
		out.FailedRows = 1
		return out, nil
	}})

	h.runJob(context.Background())

	var chunkReports []Progress
	for _, p := range h.jobs.progress {
		if p.Phase == string(models.StatusExtracting) && p.Percent > pctExtractStart {
			chunkReports = append(chunkReports, p)
		}
	}
	if len(chunkReports) == 0 {
		t.Fatal("no per-chunk progress writes observed during extraction")
	}
	for _, p := range chunkReports {
		if p.Successful != 9 || p.Failed != 1 {
			t.Errorf("chunk progress = %+v, want successful=9 failed=1 so pollers see N of M rows", p)
		}
		if p.TotalRows != 10 {
			t.Errorf("chunk progress TotalRows = %d, want 10", p.TotalRows)
		}
	}
}

func TestRunReportsDuplicatesRemoved(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 3)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, table *sheet.SerializedTable) (*extract.TableExtraction, error) {
		out := &extract.TableExtraction{SheetName: table.SheetName, TotalRows: 3, SuccessfulRows: 3}
		out.Products = []models.ExtractedProduct{
			testProduct("Bolt M6", 2),
			testProduct("Bolt M6", 3), // same name, same price: duplicate
			testProduct("Nut M6", 4),
		}
		return out, nil
	}})

	final := h.runJob(context.Background())

	if final.Status != models.StatusComplete {
		t.Fatalf("Status = %s, want complete", final.Status)
	}
	if final.DuplicatesRemoved != 1 {
		t.Errorf("DuplicatesRemoved = %d, want 1", final.DuplicatesRemoved)
	}
	if len(h.catalog.products) != 2 {
		t.Errorf("persisted %d products, want 2 after dedup", len(h.catalog.products))
	}
}

func TestRunLeavesEmptyCategoryPathUnresolved(t *testing.T) {
	source := &fakeSource{order: []string{"Products"}, grids: map[string]*sheet.Grid{"Products": testGrid("Products", 2)}}
	h := newHarness(source, &fakeExtractor{fn: func(_ context.Context, _ *sheet.SerializedTable) (*extract.TableExtraction, error) {
		return &extract.TableExtraction{
			SheetName: "Products", TotalRows: 2, SuccessfulRows: 2,
			Products: []models.ExtractedProduct{
				testProduct("Bolt M6", 2, "Fasteners"),
				testProduct("Mystery item", 3),
			},
		}, nil
	}})

	final := h.runJob(context.Background())
	if final.Status != models.StatusComplete {
		t.Fatalf("Status = %s, want complete", final.Status)
	}
	if h.resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1 (no call for an empty path)", h.resolver.calls)
	}
	for _, p := range h.catalog.products {
		if p.Name == "Mystery item" && p.CategoryID != "" {
			t.Errorf("empty-path product got CategoryID %q, want none", p.CategoryID)
		}
	}
}
