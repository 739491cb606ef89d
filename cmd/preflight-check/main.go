package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/safeviewer/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	preflightInstance *services.PreflightCheckFunction
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("CheckUpload", checkUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// checkUpload runs on every object finalized in the upload bucket.
func checkUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		preflightInstance, initErr = services.NewPreflightCheck(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process.
	return preflightInstance.Process(ctx, gcsEvent)
}
