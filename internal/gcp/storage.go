package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrObjectTooLarge is returned by ReadObject when an object exceeds the read limit.
var ErrObjectTooLarge = errors.New("object exceeds read limit")

// ParseGCSURI splits gs://bucket/path/to/object into its bucket and object name.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("GCS URI must name a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}

// GCSURI is the inverse of ParseGCSURI.
func GCSURI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// ReadObject reads a whole GCS object into memory. A positive limit caps the
// number of bytes accepted; larger objects fail with ErrObjectTooLarge.
func ReadObject(ctx context.Context, client *storage.Client, bucket, object string, limit int64) ([]byte, error) {
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", GCSURI(bucket, object), err)
	}
	defer reader.Close()

	var src io.Reader = reader
	if limit > 0 {
		if reader.Attrs.Size > limit {
			return nil, fmt.Errorf("%s is %d bytes: %w", GCSURI(bucket, object), reader.Attrs.Size, ErrObjectTooLarge)
		}
		src = io.LimitReader(reader, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", GCSURI(bucket, object), err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w", GCSURI(bucket, object), ErrObjectTooLarge)
	}
	return data, nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure: every writer in the pipeline is idempotent.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping.", "gcsObject", objectName)
			return nil
		}
		slog.Error("Failed to write content to GCS object.", "gcsObject", objectName, "error", err)
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping.", "gcsObject", objectName)
			return nil
		}
		slog.Error("Failed to close GCS writer.", "gcsObject", objectName, "error", err)
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
