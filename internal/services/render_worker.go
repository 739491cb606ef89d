package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/Lllllllleong/safeviewer/internal/worker"
)

type unknownDocumentError struct {
	documentID string
}

func (e *unknownDocumentError) Error() string {
	return fmt.Sprintf("document %q is not loaded", e.documentID)
}

func (e *unknownDocumentError) ErrorCode() string { return models.CodeUnknownDoc }

// renderSession is the state of one render worker. It is only touched from
// the worker's executor goroutine, so it needs no lock.
type renderSession struct {
	parser document.Parser
	logger *slog.Logger
	docs   map[string]document.Handle
}

// NewRenderWorker returns a worker that renders pages with its own parser.
// The caller starts it; stopping it destroys every document it still holds.
func NewRenderWorker(name string, parser document.Parser, logger *slog.Logger) *worker.Worker {
	w := worker.New(name, logger)
	s := &renderSession{
		parser: parser,
		logger: w.Logger(),
		docs:   make(map[string]document.Handle),
	}
	w.Handle(models.CmdLoadDocument, s.load)
	w.Handle(models.CmdRenderPage, s.render)
	w.Handle(models.CmdGetPageMetadata, s.pageMetadata)
	w.Handle(models.CmdExtractText, s.extractText)
	w.Handle(models.CmdCloseDocument, s.close)
	w.HandleControl(models.CmdCancelRender, func(_ context.Context, req models.WorkerRequest) (any, error) {
		p, err := worker.Payload[models.CancelRenderPayload](req)
		if err != nil {
			return nil, err
		}
		return w.CancelJob(p.CorrelationID), nil
	})
	w.OnStop(s.closeAll)
	return w
}

func (s *renderSession) load(ctx context.Context, req models.WorkerRequest) (any, error) {
	p, err := worker.Payload[models.LoadDocumentPayload](req)
	if err != nil {
		return nil, err
	}
	h, err := s.parser.Open(ctx, p.Data)
	if err != nil {
		return nil, err
	}
	if old, ok := s.docs[p.DocumentID]; ok {
		s.destroy(p.DocumentID, old)
	}
	s.docs[p.DocumentID] = h
	s.logger.Info("Document loaded.", "documentId", p.DocumentID, "pageCount", h.PageCount())
	return models.LoadDocumentResult{DocumentID: p.DocumentID, PageCount: h.PageCount()}, nil
}

// render rasterizes one page. Cancellation is checked before the page is
// fetched, before the render starts and after it finishes; a cancelled
// render answers SUCCESS with Cancelled set and no page.
func (s *renderSession) render(ctx context.Context, req models.WorkerRequest) (any, error) {
	p, err := worker.Payload[models.RenderPagePayload](req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	cancelled := models.RenderPageResult{TaskID: p.TaskID, PageNum: p.PageNum, Cancelled: true}

	if ctx.Err() != nil {
		return cancelled, nil
	}
	h, ok := s.docs[p.DocumentID]
	if !ok {
		return nil, &unknownDocumentError{documentID: p.DocumentID}
	}
	page, err := h.Page(ctx, p.PageNum)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled, nil
		}
		return nil, err
	}

	if ctx.Err() != nil {
		return cancelled, nil
	}
	raster, err := page.Render(ctx, document.RenderParams{Scale: p.Scale, Rotation: p.Rotation})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled, nil
		}
		var paerr *document.PageAccessError
		if !errors.As(err, &paerr) {
			err = &document.PageAccessError{Page: p.PageNum, Err: err}
		}
		return nil, err
	}
	rendered := models.NewRenderedPage(p.PageNum, raster.Image, raster.Release)

	if ctx.Err() != nil {
		_ = rendered.Release()
		return cancelled, nil
	}
	return models.RenderPageResult{
		TaskID:  p.TaskID,
		PageNum: p.PageNum,
		Page:    rendered,
		Width:   rendered.Width,
		Height:  rendered.Height,
		Latency: time.Since(start),
	}, nil
}

func (s *renderSession) pageMetadata(ctx context.Context, req models.WorkerRequest) (any, error) {
	page, err := s.page(ctx, req)
	if err != nil {
		return nil, err
	}
	vp := page.Viewport(1, 0)
	return models.PageMetadata{PageNum: page.Number(), Width: vp.Width, Height: vp.Height}, nil
}

func (s *renderSession) extractText(ctx context.Context, req models.WorkerRequest) (any, error) {
	page, err := s.page(ctx, req)
	if err != nil {
		return nil, err
	}
	items, err := page.TextContent(ctx)
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(items))
	for _, item := range items {
		runs = append(runs, item.Text)
	}
	return models.PageText{PageNum: page.Number(), Text: strings.Join(runs, " "), Runs: len(items)}, nil
}

func (s *renderSession) page(ctx context.Context, req models.WorkerRequest) (document.Page, error) {
	p, err := worker.Payload[models.PagePayload](req)
	if err != nil {
		return nil, err
	}
	h, ok := s.docs[p.DocumentID]
	if !ok {
		return nil, &unknownDocumentError{documentID: p.DocumentID}
	}
	return h.Page(ctx, p.PageNum)
}

func (s *renderSession) close(_ context.Context, req models.WorkerRequest) (any, error) {
	p, err := worker.Payload[models.CloseDocumentPayload](req)
	if err != nil {
		return nil, err
	}
	h, ok := s.docs[p.DocumentID]
	if !ok {
		return false, nil
	}
	s.destroy(p.DocumentID, h)
	return true, nil
}

func (s *renderSession) closeAll() {
	for id, h := range s.docs {
		s.destroy(id, h)
	}
}

func (s *renderSession) destroy(id string, h document.Handle) {
	delete(s.docs, id)
	if err := h.Destroy(); err != nil {
		s.logger.Warn("Failed to destroy document.", "documentId", id, "error", err)
	}
}
