package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
)

// Overall status of a page render request.
const (
	RenderStatusSuccess = "SUCCESS"
	RenderStatusPartial = "PARTIAL"
	RenderStatusFailed  = "FAILED"
)

const maxRenderScale = 8

// DocumentSource fetches the bytes behind a document URI.
type DocumentSource interface {
	Load(ctx context.Context, uri string) ([]byte, error)
}

// PageSink stores an encoded page and returns where it went.
type PageSink interface {
	Save(ctx context.Context, object string, png []byte) (string, error)
}

// RequestError marks a request the caller has to fix. Retrying it unchanged
// fails the same way.
type RequestError struct {
	Msg string
	Err error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RequestError) Unwrap() error { return e.Err }

type renderKey struct {
	uri      string
	scale    float64
	rotation int
}

// PageRenderer serves page render requests from a render pool. It keeps one
// document open and the most recently rendered pages of it in a PageCache, so
// repeated requests for the same document on a warm instance skip the
// download and the render.
type PageRenderer struct {
	manager *TaskManager
	cache   *PageCache[*models.RenderedPage]
	source  DocumentSource
	sink    PageSink
	logger  *slog.Logger

	mu        sync.Mutex
	current   renderKey
	pageCount int
}

// NewPageRenderer takes ownership of manager; Close closes it.
func NewPageRenderer(manager *TaskManager, cache *PageCache[*models.RenderedPage], source DocumentSource, sink PageSink, logger *slog.Logger) *PageRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageRenderer{
		manager: manager,
		cache:   cache,
		source:  source,
		sink:    sink,
		logger:  logger,
	}
}

// Process renders the requested pages, stores each completed one as PNG and
// reports a per-page outcome. Requests are served one at a time.
func (r *PageRenderer) Process(ctx context.Context, req *models.PageRenderRequest) (*models.PageRenderResponse, error) {
	if err := normalizeRenderRequest(req); err != nil {
		return nil, err
	}
	logCtx := r.logger.With("documentId", req.DocumentID, "executionId", req.ExecutionID)
	logCtx.Info("Starting page render.", "pages", req.Pages, "scale", req.Scale, "rotation", req.Rotation)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureOpen(ctx, logCtx, req); err != nil {
		return nil, err
	}

	outcomes := make(map[int]models.PageRenderOutcome, len(req.Pages))
	pending := make(map[string]int)
	for _, page := range req.Pages {
		if cached, ok := r.cache.Get(page); ok {
			outcomes[page] = r.store(ctx, req, page, cached, 0)
			continue
		}
		id := r.manager.Submit(page, req.Scale, req.Rotation)
		if id == "" {
			return nil, errors.New("render pool is closed")
		}
		pending[id] = page
	}

	for res := range r.await(ctx, logCtx, pending) {
		outcome := models.PageRenderOutcome{PageNum: res.PageNum, State: string(res.State), Error: res.ErrorMsg}
		if res.State == models.TaskCompleted {
			r.cache.Put(res.PageNum, res.Page)
			outcome = r.store(ctx, req, res.PageNum, res.Page, res.Latency)
		}
		outcomes[res.PageNum] = outcome
	}

	resp := &models.PageRenderResponse{Pages: make([]models.PageRenderOutcome, 0, len(req.Pages))}
	completed := 0
	for _, page := range req.Pages {
		o := outcomes[page]
		if o.State == string(models.TaskCompleted) {
			completed++
		}
		resp.Pages = append(resp.Pages, o)
	}
	switch completed {
	case len(req.Pages):
		resp.Status = RenderStatusSuccess
	case 0:
		resp.Status = RenderStatusFailed
	default:
		resp.Status = RenderStatusPartial
	}

	r.cache.ClearRange(req.Pages[0], req.Pages[len(req.Pages)-1], len(req.Pages))
	logCtx.Info("Page render finished.", "status", resp.Status, "completed", completed, "cache", r.cache.Stats())
	return resp, ctx.Err()
}

// await yields one result per pending task. When ctx ends the remaining tasks
// are cancelled and their results still drained, so nothing is left behind
// for the next request.
func (r *PageRenderer) await(ctx context.Context, logCtx *slog.Logger, pending map[string]int) iter.Seq[models.RenderResult] {
	return func(yield func(models.RenderResult) bool) {
		done := ctx.Done()
		for len(pending) > 0 {
			select {
			case <-done:
				logCtx.Warn("Request ended. Cancelling outstanding renders.", "outstanding", len(pending), "error", ctx.Err())
				for id := range pending {
					r.manager.Cancel(id)
				}
				done = nil
			case res, ok := <-r.manager.Results():
				if !ok {
					return
				}
				if _, mine := pending[res.TaskID]; !mine {
					if res.Page != nil {
						_ = res.Page.Release()
					}
					continue
				}
				delete(pending, res.TaskID)
				if !yield(res) {
					return
				}
			}
		}
	}
}

func (r *PageRenderer) ensureOpen(ctx context.Context, logCtx *slog.Logger, req *models.PageRenderRequest) error {
	key := renderKey{uri: req.GCSUri, scale: req.Scale, rotation: req.Rotation}
	if key == r.current {
		logCtx.Debug("Document already open.", "pageCount", r.pageCount)
		return nil
	}
	if key.uri == r.current.uri {
		// cached pages were rendered with other parameters
		r.cache.ClearAll()
		r.current = key
		return nil
	}
	data, err := r.source.Load(ctx, req.GCSUri)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", req.GCSUri, err)
	}
	r.cache.ClearAll()
	r.current = renderKey{}
	n, err := r.manager.Open(ctx, data)
	if err != nil {
		var perr *document.ParseError
		if errors.As(err, &perr) {
			return &RequestError{Msg: "document cannot be opened", Err: err}
		}
		return err
	}
	r.current, r.pageCount = key, n
	logCtx.Info("Document opened.", "pageCount", n)
	return nil
}

// store encodes page and hands it to the sink.
func (r *PageRenderer) store(ctx context.Context, req *models.PageRenderRequest, pageNum int, page *models.RenderedPage, latency time.Duration) models.PageRenderOutcome {
	outcome := models.PageRenderOutcome{PageNum: pageNum, State: string(models.TaskCompleted), LatencyMs: latency.Milliseconds()}
	if page.Image == nil {
		outcome.State = string(models.TaskFailed)
		outcome.Error = "page was released before it could be stored"
		return outcome
	}
	outcome.Width, outcome.Height = page.Width, page.Height

	var buf bytes.Buffer
	if err := png.Encode(&buf, page.Image); err != nil {
		outcome.State = string(models.TaskFailed)
		outcome.Error = fmt.Sprintf("failed to encode PNG: %v", err)
		return outcome
	}
	uri, err := r.sink.Save(ctx, PageObjectName(req.DocumentID, pageNum, req.Scale, req.Rotation), buf.Bytes())
	if err != nil {
		outcome.State = string(models.TaskFailed)
		outcome.Error = err.Error()
		return outcome
	}
	outcome.OutputGCSUri = uri
	return outcome
}

// Close shuts the render pool down and releases every cached page.
func (r *PageRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.ClearAll()
	r.manager.Close()
}

// PageObjectName is where a rendered page is stored.
func PageObjectName(docID string, pageNum int, scale float64, rotation int) string {
	return fmt.Sprintf("%s/pages/s%g-r%d/%05d.png", docID, scale, rotation, pageNum)
}

// normalizeRenderRequest validates req and puts it in canonical form: scale
// defaulted, rotation folded into [0, 360) and pages sorted without duplicates.
func normalizeRenderRequest(req *models.PageRenderRequest) error {
	if req.DocumentID == "" || req.GCSUri == "" {
		return &RequestError{Msg: "documentId and gcsUri are required"}
	}
	if len(req.Pages) == 0 {
		return &RequestError{Msg: "at least one page is required"}
	}
	if req.Scale == 0 {
		req.Scale = 1
	}
	if req.Scale < 0 || req.Scale > maxRenderScale {
		return &RequestError{Msg: fmt.Sprintf("scale must be in (0, %d]", maxRenderScale)}
	}
	req.Rotation = document.NormalizeRotation(req.Rotation)
	for _, p := range req.Pages {
		if p < 1 {
			return &RequestError{Msg: fmt.Sprintf("page numbers are one-based, got %d", p)}
		}
	}
	req.Pages = slices.Compact(slices.Sorted(slices.Values(req.Pages)))
	return nil
}
