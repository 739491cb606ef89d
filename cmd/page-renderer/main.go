package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/Lllllllleong/safeviewer/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rendererInstance *services.PageRendererFunction
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleRenderPages", handleRenderPages)
	functions.HTTP("HandleMetrics", promhttp.Handler().ServeHTTP)
}

// main is required by the Go Functions Framework.
func main() {}

// handleRenderPages renders the pages named in the request body.
func handleRenderPages(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		rendererInstance, initErr = services.NewPageRendererFunction(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Page renderer initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.PageRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := rendererInstance.Process(r.Context(), &req)
	if err != nil {
		var rerr *services.RequestError
		if errors.As(err, &rerr) {
			slog.Warn("Rejected render request", "documentId", req.DocumentID, "error", err)
			http.Error(w, "Bad Request: "+rerr.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Render request failed", "documentId", req.DocumentID, "error", err)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
