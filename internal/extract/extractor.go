package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/Valecer/pricelistflow/internal/gcp"
	"github.com/Valecer/pricelistflow/internal/models"
	"github.com/Valecer/pricelistflow/internal/sheet"
)

// ErrEndpointUnreachable marks the inference endpoint as down after its own
// retries; the whole run fails on it.
var ErrEndpointUnreachable = errors.New("inference endpoint unreachable")

// lowSplitConfidence is the bound below which a composite-field split is
// logged instead of silently trusted.
const lowSplitConfidence = 0.5

// InferenceClient is the unreliable RPC the extractor drives. Implemented by
// gcp.VertexClient in production and by fakes in tests.
type InferenceClient interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// Observer receives extraction telemetry. Implementations must tolerate a nil
// receiver being wrapped; all hooks are optional.
type Observer interface {
	InferenceCall(outcome string, d time.Duration)
	Retry()
}

// Config holds the extractor tunables.
type Config struct {
	WindowSize     int
	WindowOverlap  int
	Workers        int
	MaxRetries     int
	InitialBackoff time.Duration
	CallTimeout    time.Duration
}

// Extractor converts serialized tables into validated product records.
type Extractor struct {
	client   InferenceClient
	cfg      Config
	validate *validator.Validate
	obs      Observer
}

// New builds an extractor. Zero config fields fall back to safe defaults.
func New(client InferenceClient, cfg Config, obs Observer) *Extractor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 250
	}
	if cfg.WindowOverlap < 0 || cfg.WindowOverlap >= cfg.WindowSize {
		cfg.WindowOverlap = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &Extractor{client: client, cfg: cfg, validate: newRecordValidator(), obs: obs}
}

// TableExtraction aggregates one sheet's extraction outcome. Counts are
// row-based so callers can report "N of M rows".
type TableExtraction struct {
	SheetName      string
	Products       []models.ExtractedProduct
	TotalRows      int
	SuccessfulRows int
	FailedRows     int
	Logs           []models.ParsingLogEntry
}

// Progress is a running snapshot reported after every completed window. Row
// counts attribute overlap rows to the earlier window and are provisional
// until the final merge reconciles boundary claims.
type Progress struct {
	DoneWindows  int
	TotalWindows int
	SuccessRows  int
	FailedRows   int
}

type windowResult struct {
	products []models.ExtractedProduct
	logs     []models.ParsingLogEntry
	failed   bool
}

// ExtractTable splits the table into overlapping windows, extracts each via
// the inference model with bounded parallelism, and merges the results in
// window order so boundary duplicates resolve to the earlier window. onChunk
// is invoked after every completed window. Window-level failures are logged
// and the run continues; only an unreachable endpoint or cancellation aborts.
func (e *Extractor) ExtractTable(ctx context.Context, jobID string, table *sheet.SerializedTable, onChunk func(Progress)) (*TableExtraction, error) {
	windows := SplitWindows(table.DataLines, e.cfg.WindowSize, e.cfg.WindowOverlap)
	out := &TableExtraction{SheetName: table.SheetName, TotalRows: len(table.DataLines)}
	if len(windows) == 0 {
		return out, nil
	}

	logCtx := slog.With("jobId", jobID, "sheet", table.SheetName)
	logCtx.Info("Starting chunked extraction.", "windows", len(windows), "rows", out.TotalRows)

	results := make([]windowResult, len(windows))
	var mu sync.Mutex
	running := Progress{TotalWindows: len(windows)}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Workers)
	for _, win := range windows {
		// The cancellation flag is honored between chunks, never mid-call.
		if err := gctx.Err(); err != nil {
			break
		}
		win := win
		eg.Go(func() error {
			res, err := e.extractWindow(gctx, jobID, table, win)
			if err != nil {
				return err
			}
			results[win.Index] = res
			if onChunk != nil {
				mu.Lock()
				running.DoneWindows++
				if res.failed {
					running.FailedRows += win.OwnedRows()
				} else {
					running.SuccessRows += ownedProductRows(res, win)
				}
				snap := running
				mu.Unlock()
				onChunk(snap)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.merge(out, windows, results)
	logCtx.Info("Chunked extraction complete.",
		"successfulRows", out.SuccessfulRows, "failedRows", out.FailedRows, "products", len(out.Products))
	return out, nil
}

// merge combines window results in index order. A row already claimed by an
// earlier window is skipped, which is the same first-in-file-order tie-break
// the dedup stage applies. Failed rows are settled only after every window is
// folded in: a row a failed window owned can still be recovered through the
// next window's overlap, and must then count as successful, not both.
func (e *Extractor) merge(out *TableExtraction, windows []Window, results []windowResult) {
	claimed := make(map[int]int) // row index -> claiming window
	successRows := make(map[int]struct{})
	failedCandidates := make(map[int]struct{})

	for i, res := range results {
		if res.failed {
			for _, line := range windows[i].Lines[windows[i].OverlapWithPrev:] {
				failedCandidates[line.Row] = struct{}{}
			}
			out.Logs = append(out.Logs, res.logs...)
			continue
		}
		sort.SliceStable(res.products, func(a, b int) bool {
			return res.products[a].Row.RowIndex < res.products[b].Row.RowIndex
		})
		for _, p := range res.products {
			owner, seen := claimed[p.Row.RowIndex]
			if seen && owner != i {
				continue // boundary duplicate, earlier window wins
			}
			claimed[p.Row.RowIndex] = i
			successRows[p.Row.RowIndex] = struct{}{}
			out.Products = append(out.Products, p)
		}
		for _, entry := range res.logs {
			if entry.RowReference != nil {
				failedCandidates[entry.RowReference.RowIndex] = struct{}{}
			}
		}
		out.Logs = append(out.Logs, res.logs...)
	}

	out.SuccessfulRows = len(successRows)
	for row := range failedCandidates {
		if _, ok := successRows[row]; !ok {
			out.FailedRows++
		}
	}
}

// ownedProductRows counts distinct extracted rows in the window's owned span
// for running progress, so overlap rows stay attributed to the earlier window.
func ownedProductRows(res windowResult, win Window) int {
	ownedStart := win.Lines[win.OverlapWithPrev].Row
	rows := make(map[int]struct{})
	for _, p := range res.products {
		if p.Row.RowIndex >= ownedStart {
			rows[p.Row.RowIndex] = struct{}{}
		}
	}
	return len(rows)
}

func (e *Extractor) extractWindow(ctx context.Context, jobID string, table *sheet.SerializedTable, win Window) (windowResult, error) {
	prompt := buildPrompt(table, win)
	rawLines := make(map[int]string, len(win.Lines))
	for _, line := range win.Lines {
		rawLines[line.Row] = line.Text
	}

	var records []wireRecord
	var lastKind models.ErrorKind
	var lastPayload string

	operation := func() error {
		// The call context is detached from the run's cancellation: an
		// in-flight inference call completes or times out naturally, and the
		// cancellation flag is honored between attempts and windows instead.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		raw, err := e.client.GenerateJSON(callCtx, prompt)
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				// The run was canceled; do not burn retries.
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				e.observe("timeout", elapsed)
				lastKind = models.ErrorKindTimeout
				lastPayload = err.Error()
				return err
			}
			e.observe("transport_error", elapsed)
			lastKind = ""
			lastPayload = err.Error()
			return err
		}

		if strings.TrimSpace(raw) == "" {
			e.observe("malformed", elapsed)
			lastKind = models.ErrorKindMalformedResponse
			lastPayload = raw
			return fmt.Errorf("model returned an empty response")
		}
		if uerr := json.Unmarshal([]byte(raw), &records); uerr != nil {
			e.observe("malformed", elapsed)
			lastKind = models.ErrorKindMalformedResponse
			lastPayload = raw
			return fmt.Errorf("failed to parse JSON from model: %w", uerr)
		}
		e.observe("success", elapsed)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries)), ctx),
		func(err error, _ time.Duration) {
			if e.obs != nil {
				e.obs.Retry()
			}
			slog.Warn("Retrying window extraction.", "jobId", jobID, "sheet", table.SheetName, "window", win.Index, "error", err)
		})
	if err != nil {
		if ctx.Err() != nil {
			return windowResult{}, ctx.Err()
		}
		if lastKind == "" {
			// Transport failure that outlived every retry: the endpoint is
			// down and the whole run must fail.
			return windowResult{}, fmt.Errorf("window %d: %w: %v", win.Index, ErrEndpointUnreachable, err)
		}
		return windowResult{
			failed: true,
			logs: []models.ParsingLogEntry{{
				JobID:      jobID,
				ChunkIndex: win.Index,
				ErrorKind:  lastKind,
				Message:    fmt.Sprintf("window %d failed after retries: %v", win.Index, err),
				RawPayload: lastPayload,
				CreatedAt:  time.Now(),
			}},
		}, nil
	}

	var res windowResult
	for _, rec := range records {
		product, rejection := e.validateRecord(jobID, table.SheetName, win.Index, rec, rawLines)
		if rejection != nil {
			res.logs = append(res.logs, *rejection)
			continue
		}
		if rec.SplitConfidence != nil && *rec.SplitConfidence < lowSplitConfidence {
			slog.Warn("Low-confidence composite-field split.",
				"jobId", jobID, "sheet", table.SheetName, "row", product.Row.RowIndex,
				"confidence", *rec.SplitConfidence, "raw", rawLines[product.Row.RowIndex])
		}
		res.products = append(res.products, *product)
	}
	return res, nil
}

// buildPrompt assembles the per-window prompt: extraction rules, the header
// for column semantics, and the window's rows tagged with their source row
// numbers so records can point back at their origin.
func buildPrompt(table *sheet.SerializedTable, win Window) string {
	var b strings.Builder
	b.WriteString(gcp.ExtractorUserPrompt)
	b.WriteString(table.HeaderLine)
	b.WriteByte('\n')
	b.WriteString(table.DividerLine)
	b.WriteByte('\n')
	for _, line := range win.Lines {
		fmt.Fprintf(&b, "row%d: %s\n", line.Row, line.Text)
	}
	return b.String()
}

func (e *Extractor) observe(outcome string, d time.Duration) {
	if e.obs != nil {
		e.obs.InferenceCall(outcome, d)
	}
}
