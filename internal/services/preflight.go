package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
)

const (
	defaultSampleWidth  = 612.0
	defaultSampleHeight = 792.0

	// highResolutionArea is the scale-1 page area, in square points, above
	// which a page counts as high resolution.
	highResolutionArea = 4_000_000.0

	reasonNoUsableSamples = "no usable samples"
)

// Preflighter produces a fingerprint for a candidate document.
type Preflighter interface {
	Analyze(ctx context.Context, data []byte, fileSizeBytes int64) (*models.DocumentFingerprint, error)
}

// AnalysisError means preflight could not produce a fingerprint at all.
type AnalysisError struct {
	Reason string
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("analysis failed: %s", e.Reason)
	}
	return fmt.Sprintf("analysis failed: %s: %v", e.Reason, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func (e *AnalysisError) ErrorCode() string { return models.CodeAnalysisError }

func (e *AnalysisError) ErrorDetail() string { return e.Reason }

// Analyzer samples a document cheaply and summarises its structure.
type Analyzer struct {
	parser  document.Parser
	logger  *slog.Logger
	metrics *Metrics
}

// NewAnalyzer returns an analyzer over parser.
func NewAnalyzer(parser document.Parser, logger *slog.Logger, metrics *Metrics) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{parser: parser, logger: logger, metrics: metrics}
}

// SampleIndices picks the zero-based pages preflight inspects: first, quarter,
// half, three quarters and last, deduplicated and ascending. Documents with
// fewer than five pages are sampled in full.
func SampleIndices(pageCount int) []int {
	if pageCount <= 0 {
		return nil
	}
	if pageCount < 5 {
		out := make([]int, pageCount)
		for i := range out {
			out[i] = i
		}
		return out
	}
	candidates := []int{0, pageCount / 4, pageCount / 2, 3 * pageCount / 4, pageCount - 1}
	out := make([]int, 0, len(candidates))
	for _, idx := range candidates {
		if idx < 0 || idx >= pageCount {
			continue
		}
		if len(out) > 0 && out[len(out)-1] >= idx {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// EstimateMemoryMB projects the memory needed to hold a document: a fixed
// base, a per-page overhead and a discounted RGBA buffer per page.
func EstimateMemoryMB(pageCount int, avgWidth, avgHeight float64) float64 {
	perPagePixelMB := avgWidth * avgHeight * 4 / 1_048_576
	n := float64(pageCount)
	return 15 + n*2 + perPagePixelMB*n*0.3
}

// ComplexityScore weighs page count, byte size and image presence into 0..100.
func ComplexityScore(pageCount int, fileSizeBytes int64, hasImages bool) int {
	sizeMB := float64(fileSizeBytes) / 1_048_576
	score := math.Min(float64(pageCount)/300*40, 40) + math.Min(sizeMB/50*40, 40)
	if hasImages {
		score += 20
	}
	return clamp(int(math.Round(score)), 0, 100)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

type pageSample struct {
	width, height float64
	hasImages     bool
	textLength    int
}

// Analyze opens data, samples it and returns its fingerprint. The handle is
// destroyed before Analyze returns on every path.
func (a *Analyzer) Analyze(ctx context.Context, data []byte, fileSizeBytes int64) (fp *models.DocumentFingerprint, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.preflightDone(status, time.Since(start))
	}()

	h, err := a.open(ctx, data)
	if err != nil {
		return nil, err
	}
	defer a.destroy(h)

	pageCount := h.PageCount()
	logCtx := a.logger.With("pageCount", pageCount, "fileSizeBytes", fileSizeBytes)

	fp = &models.DocumentFingerprint{
		PageCount:     pageCount,
		FileSizeBytes: fileSizeBytes,
		SizeClass:     models.ClassifySize(fileSizeBytes),
		IsEncrypted:   h.IsEncrypted(),
		Metadata:      h.Metadata(ctx),
		SampledPages:  []models.PageSample{},
	}

	indices := SampleIndices(pageCount)
	var sumWidth, sumHeight float64
	totalText := 0
	for _, idx := range indices {
		s, err := a.samplePage(ctx, h, idx+1)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logCtx.Warn("Skipping unreadable page.", "page", idx+1, "error", err)
			fp.SkippedPages = append(fp.SkippedPages, idx)
			continue
		}
		fp.SampledPages = append(fp.SampledPages, models.PageSample{PageIndex: idx, Width: s.width, Height: s.height})
		sumWidth += s.width
		sumHeight += s.height
		totalText += s.textLength
		fp.HasImages = fp.HasImages || s.hasImages
		fp.HasHighResolution = fp.HasHighResolution || s.width*s.height > highResolutionArea
	}
	if len(indices) > 0 && len(fp.SampledPages) == 0 {
		logCtx.Error("Every sampled page failed.", "sampled", len(indices))
		return nil, &AnalysisError{Reason: reasonNoUsableSamples}
	}

	fp.AvgPageWidth, fp.AvgPageHeight = defaultSampleWidth, defaultSampleHeight
	if n := len(fp.SampledPages); n > 0 {
		fp.AvgPageWidth = sumWidth / float64(n)
		fp.AvgPageHeight = sumHeight / float64(n)
	}
	if len(indices) > 0 {
		fp.AvgTextLength = float64(totalText) / float64(len(indices))
	}
	fp.EstimatedMemoryMB = EstimateMemoryMB(pageCount, fp.AvgPageWidth, fp.AvgPageHeight)
	fp.ComplexityScore = ComplexityScore(pageCount, fileSizeBytes, fp.HasImages)
	fp.AnalysisDuration = time.Since(start)

	logCtx.Info("Preflight complete.",
		"sampled", len(fp.SampledPages),
		"skipped", len(fp.SkippedPages),
		"hasImages", fp.HasImages,
		"estimatedMemoryMB", fp.EstimatedMemoryMB,
		"complexityScore", fp.ComplexityScore,
	)
	return fp, nil
}

func (a *Analyzer) samplePage(ctx context.Context, h document.Handle, pageNum int) (pageSample, error) {
	page, err := h.Page(ctx, pageNum)
	if err != nil {
		return pageSample{}, err
	}
	vp := page.Viewport(1, 0)
	ops, err := page.OperatorList(ctx)
	if err != nil {
		return pageSample{}, fmt.Errorf("operator list: %w", err)
	}
	items, err := page.TextContent(ctx)
	if err != nil {
		return pageSample{}, fmt.Errorf("text content: %w", err)
	}
	s := pageSample{width: vp.Width, height: vp.Height, hasImages: document.ContainsImagePaint(ops)}
	for _, item := range items {
		s.textLength += utf8.RuneCountInString(item.Text)
	}
	return s, nil
}

// PageCount opens data only to count its pages.
func (a *Analyzer) PageCount(ctx context.Context, data []byte) (int, error) {
	h, err := a.open(ctx, data)
	if err != nil {
		return 0, err
	}
	defer a.destroy(h)
	return h.PageCount(), nil
}

// ExtractMetadata opens data only to read its information dictionary.
func (a *Analyzer) ExtractMetadata(ctx context.Context, data []byte) (models.Metadata, error) {
	h, err := a.open(ctx, data)
	if err != nil {
		return models.Metadata{}, err
	}
	defer a.destroy(h)
	return h.Metadata(ctx), nil
}

// Validate reports whether data opens and, when the parser supports it,
// passes structural validation. An invalid document is a result, not an error.
func (a *Analyzer) Validate(ctx context.Context, data []byte) (models.ValidationResult, error) {
	h, err := a.open(ctx, data)
	if err != nil {
		var aerr *AnalysisError
		if errors.As(err, &aerr) {
			return models.ValidationResult{Valid: false, Reason: aerr.Reason}, nil
		}
		return models.ValidationResult{}, err
	}
	res := models.ValidationResult{Valid: true, Encrypted: h.IsEncrypted(), PageCount: h.PageCount()}
	a.destroy(h)

	if v, ok := a.parser.(document.Validator); ok {
		if err := v.Validate(ctx, data); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return models.ValidationResult{}, ctxErr
			}
			res.Valid = false
			res.Reason = err.Error()
		}
	}
	return res, nil
}

func (a *Analyzer) open(ctx context.Context, data []byte) (document.Handle, error) {
	h, err := a.parser.Open(ctx, data)
	if err == nil {
		return h, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	reason := document.ReasonMalformed
	var perr *document.ParseError
	if errors.As(err, &perr) {
		reason = perr.Reason
	}
	a.logger.Warn("Failed to open document.", "reason", reason, "error", err)
	return nil, &AnalysisError{Reason: reason, Err: err}
}

func (a *Analyzer) destroy(h document.Handle) {
	if err := h.Destroy(); err != nil {
		a.logger.Warn("Failed to destroy document handle.", "error", err)
	}
}

var _ Preflighter = (*Analyzer)(nil)
