package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/gcp"
	"github.com/Lllllllleong/safeviewer/internal/models"
)

type PageRendererConfig struct {
	OutputBucket   string
	RenderWorkers  int
	PageCacheSize  int
	MaxObjectBytes int64
}

// gcsSource reads documents named by gs:// URIs.
type gcsSource struct {
	client *storage.Client
	limit  int64
}

func (s *gcsSource) Load(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := gcp.ParseGCSURI(uri)
	if err != nil {
		return nil, &RequestError{Msg: "bad gcsUri", Err: err}
	}
	return gcp.ReadObject(ctx, s.client, bucket, object, s.limit)
}

// gcsSink writes rendered pages into one bucket without overwriting.
type gcsSink struct {
	bucket *storage.BucketHandle
	name   string
}

func (s *gcsSink) Save(ctx context.Context, object string, png []byte) (string, error) {
	if err := gcp.SaveToGCSAtomically(ctx, s.bucket, object, "image/png", png); err != nil {
		return "", err
	}
	return gcp.GCSURI(s.name, object), nil
}

// PageRendererFunction is the page-renderer host: a PageRenderer backed by
// PDFium WebAssembly instances and GCS.
type PageRendererFunction struct {
	*PageRenderer
	runtime *document.PdfiumRuntime
	config  PageRendererConfig
}

func NewPageRendererFunction(ctx context.Context) (*PageRendererFunction, error) {
	config := PageRendererConfig{
		OutputBucket:   gcp.GetEnv("RENDERED_PAGES_BUCKET", ""),
		RenderWorkers:  gcp.GetEnvInt("RENDER_WORKERS", 2),
		PageCacheSize:  gcp.GetEnvInt("PAGE_CACHE_SIZE", DefaultPageCacheSize),
		MaxObjectBytes: gcp.GetEnvInt64("MAX_OBJECT_BYTES", 200<<20),
	}
	if config.OutputBucket == "" {
		return nil, fmt.Errorf("RENDERED_PAGES_BUCKET environment variable must be set")
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	runtime, err := document.NewPdfiumRuntime(config.RenderWorkers)
	if err != nil {
		return nil, err
	}

	metrics := DefaultMetrics()
	manager, err := NewTaskManager(context.Background(), func() (document.Parser, error) {
		parser, err := runtime.NewParser()
		if err != nil {
			return nil, err
		}
		return parser, nil
	}, TaskManagerConfig{Workers: config.RenderWorkers}, slog.Default(), metrics)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("failed to start render pool: %w", err)
	}

	renderer := NewPageRenderer(
		manager,
		NewPageCache[*models.RenderedPage](config.PageCacheSize, slog.Default(), metrics),
		&gcsSource{client: storageClient, limit: config.MaxObjectBytes},
		&gcsSink{bucket: storageClient.Bucket(config.OutputBucket), name: config.OutputBucket},
		slog.Default(),
	)
	slog.Info("Page renderer initialized.", "workers", config.RenderWorkers, "pageCacheSize", config.PageCacheSize)
	return &PageRendererFunction{PageRenderer: renderer, runtime: runtime, config: config}, nil
}

// Close stops the render pool and the PDFium runtime behind it.
func (f *PageRendererFunction) Close() error {
	f.PageRenderer.Close()
	return f.runtime.Close()
}
