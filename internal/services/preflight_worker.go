package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/Lllllllleong/safeviewer/internal/worker"
)

// NewPreflightWorker returns a worker serving the preflight commands with its
// own analyzer. The caller starts it.
func NewPreflightWorker(analyzer *Analyzer, logger *slog.Logger) *worker.Worker {
	w := worker.New("preflight", logger)
	w.Handle(models.CmdAnalyzeDocument, func(ctx context.Context, req models.WorkerRequest) (any, error) {
		p, err := worker.Payload[models.AnalyzeDocumentPayload](req)
		if err != nil {
			return nil, err
		}
		return analyzer.Analyze(ctx, p.Data, p.FileSizeBytes)
	})
	w.Handle(models.CmdGetPageCount, func(ctx context.Context, req models.WorkerRequest) (any, error) {
		p, err := worker.Payload[models.DocumentBytesPayload](req)
		if err != nil {
			return nil, err
		}
		return analyzer.PageCount(ctx, p.Data)
	})
	w.Handle(models.CmdValidateDocument, func(ctx context.Context, req models.WorkerRequest) (any, error) {
		p, err := worker.Payload[models.DocumentBytesPayload](req)
		if err != nil {
			return nil, err
		}
		return analyzer.Validate(ctx, p.Data)
	})
	w.Handle(models.CmdExtractMetadata, func(ctx context.Context, req models.WorkerRequest) (any, error) {
		p, err := worker.Payload[models.DocumentBytesPayload](req)
		if err != nil {
			return nil, err
		}
		return analyzer.ExtractMetadata(ctx, p.Data)
	})
	return w
}

// PreflightClient runs preflight in an isolated worker.
type PreflightClient struct {
	client *worker.Client
}

// StartPreflightWorker starts a preflight worker for analyzer and returns a
// client for it. Stop the client to stop the worker.
func StartPreflightWorker(ctx context.Context, analyzer *Analyzer, logger *slog.Logger) *PreflightClient {
	w := NewPreflightWorker(analyzer, logger)
	w.Start(ctx)
	return &PreflightClient{client: worker.NewClient(w)}
}

// Stop stops the worker.
func (c *PreflightClient) Stop() {
	c.client.Worker().Stop()
}

// Analyze sends ANALYZE_DOCUMENT. Ownership of data passes to the worker.
func (c *PreflightClient) Analyze(ctx context.Context, data []byte, fileSizeBytes int64) (*models.DocumentFingerprint, error) {
	res, err := c.client.Call(ctx, models.CmdAnalyzeDocument, models.AnalyzeDocumentPayload{Data: data, FileSizeBytes: fileSizeBytes})
	return worker.Result[*models.DocumentFingerprint](res, remoteAnalysisError(err))
}

// PageCount sends GET_PAGE_COUNT.
func (c *PreflightClient) PageCount(ctx context.Context, data []byte) (int, error) {
	res, err := c.client.Call(ctx, models.CmdGetPageCount, models.DocumentBytesPayload{Data: data})
	return worker.Result[int](res, remoteAnalysisError(err))
}

// Validate sends VALIDATE_DOCUMENT.
func (c *PreflightClient) Validate(ctx context.Context, data []byte) (models.ValidationResult, error) {
	res, err := c.client.Call(ctx, models.CmdValidateDocument, models.DocumentBytesPayload{Data: data})
	return worker.Result[models.ValidationResult](res, remoteAnalysisError(err))
}

// ExtractMetadata sends EXTRACT_METADATA.
func (c *PreflightClient) ExtractMetadata(ctx context.Context, data []byte) (models.Metadata, error) {
	res, err := c.client.Call(ctx, models.CmdExtractMetadata, models.DocumentBytesPayload{Data: data})
	return worker.Result[models.Metadata](res, remoteAnalysisError(err))
}

// remoteAnalysisError turns an ANALYSIS_ERROR response back into an *AnalysisError.
func remoteAnalysisError(err error) error {
	var re *worker.RemoteError
	if errors.As(err, &re) && re.Code == models.CodeAnalysisError {
		return &AnalysisError{Reason: re.Detail, Err: re}
	}
	return err
}

var _ Preflighter = (*PreflightClient)(nil)
