package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/gcp"
	"github.com/Lllllllleong/safeviewer/internal/models"
)

type PreflightCheckConfig struct {
	ProjectID        string
	ReportBucket     string
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
	MaxObjectBytes   int64
	Profile          models.DeviceProfile
}

// PreflightCheckFunction gates every uploaded document before anything tries
// to render it.
type PreflightCheckFunction struct {
	storageClient    *storage.Client
	firestoreClient  *firestore.Client
	executionsClient *executions.Client
	preflight        *PreflightClient
	metrics          *Metrics
	config           PreflightCheckConfig
}

type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func NewPreflightCheck(ctx context.Context) (*PreflightCheckFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	config := PreflightCheckConfig{
		ProjectID:        projectID,
		ReportBucket:     gcp.GetEnv("REPORT_BUCKET", ""),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "render-pages"),
		MaxObjectBytes:   gcp.GetEnvInt64("MAX_OBJECT_BYTES", 200<<20),
		Profile:          DeviceProfileFromEnv(),
	}
	if config.ReportBucket == "" {
		return nil, fmt.Errorf("REPORT_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	metrics := DefaultMetrics()
	analyzer := NewAnalyzer(document.NewPdfcpuParser(), slog.Default(), metrics)

	f := &PreflightCheckFunction{
		storageClient:    storageClient,
		firestoreClient:  firestoreClient,
		executionsClient: executionsClient,
		preflight:        StartPreflightWorker(context.Background(), analyzer, slog.Default()),
		metrics:          metrics,
		config:           config,
	}
	slog.Info("Preflight check initialized.", "workflowId", config.WorkflowID, "profile", config.Profile)
	return f, nil
}

// Process runs the gate over one finalized GCS object. BLOCKED is a verdict,
// not a failure: only infrastructure problems and analysis errors return an
// error to the runtime.
func (f *PreflightCheckFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	data, err := gcp.ReadObject(ctx, f.storageClient, e.Bucket, e.Name, f.config.MaxObjectBytes)
	if err != nil {
		logCtx.Error("Failed to download candidate document", "error", err)
		return err
	}

	fileHash := hashBytes(data)
	logCtx = logCtx.With("fileHash", fileHash)

	existingID, isDuplicate, err := gcp.FindByField(ctx, f.firestoreClient, f.config.CollectionName, "fileHash", fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}
	if isDuplicate {
		logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", existingID)
		return nil
	}

	docRef, err := f.createInitialDocument(ctx, fileHash, e.Name)
	if err != nil {
		logCtx.Error("Failed to create initial Firestore document", "error", err)
		return err
	}
	logCtx = logCtx.With("documentId", docRef.ID)
	logCtx.Info("Created verdict document in Firestore.")

	gate := NewGate(f.preflight, logCtx, f.metrics)
	gate.Check(ctx, CheckInput{Data: data, FileSizeBytes: int64(len(data)), Profile: f.config.Profile})
	snap, err := gate.Wait(ctx)
	if err != nil {
		gate.Cancel()
		return f.handleError(ctx, logCtx, docRef, "preflight interrupted", err)
	}

	report := NewPreflightReport(docRef.ID, fileHash, snap)
	reportURI, err := f.saveReport(ctx, report)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to store preflight report", err)
	}

	if snap.State == GateError || snap.State == GateCancelled {
		return f.handleError(ctx, logCtx, docRef, "preflight failed", errors.New(report.Error))
	}

	extra := []firestore.Update{
		{Path: "fingerprint", Value: snap.Fingerprint},
		{Path: "assessment", Value: snap.Assessment},
		{Path: "pageCount", Value: snap.Fingerprint.PageCount},
		{Path: "reportGcsUri", Value: reportURI},
	}
	if err := gcp.UpdateStatus(ctx, docRef, report.Status, "", extra...); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to record verdict", err)
	}
	logCtx.Info("Verdict recorded.", "status", report.Status, "risks", snap.Assessment.Risks, "warnings", snap.Assessment.Warnings)

	if snap.State != GateAllowed {
		return nil
	}
	return f.triggerWorkflow(ctx, logCtx, docRef, gcp.GCSURI(e.Bucket, e.Name), snap.Fingerprint.PageCount)
}

// NewPreflightReport turns a finished gate snapshot into the stored report.
func NewPreflightReport(docID, fileHash string, snap GateSnapshot) models.PreflightReport {
	report := models.PreflightReport{
		DocumentID:  docID,
		FileHash:    fileHash,
		Fingerprint: snap.Fingerprint,
		Assessment:  snap.Assessment,
	}
	switch snap.State {
	case GateAllowed:
		report.Status = models.StatusAllowed
	case GateBlocked:
		report.Status = models.StatusBlocked
	default:
		report.Status = models.StatusFailed
		if snap.Err != nil {
			report.Error = snap.Err.Error()
		} else {
			report.Error = fmt.Sprintf("gate ended in state %s", snap.State)
		}
	}
	return report
}

func (f *PreflightCheckFunction) createInitialDocument(ctx context.Context, fileHash, filename string) (*firestore.DocumentRef, error) {
	newDoc := models.Document{
		FileHash:         fileHash,
		OriginalFilename: filename,
		Status:           models.StatusChecking,
		CreatedAt:        time.Now(),
	}
	docRef, _, err := f.firestoreClient.Collection(f.config.CollectionName).Add(ctx, newDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict document: %w", err)
	}
	return docRef, nil
}

func (f *PreflightCheckFunction) saveReport(ctx context.Context, report models.PreflightReport) (string, error) {
	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	object := fmt.Sprintf("%s/preflight.json", report.DocumentID)
	if err := gcp.SaveToGCSAtomically(ctx, f.storageClient.Bucket(f.config.ReportBucket), object, "application/json", content); err != nil {
		return "", err
	}
	return gcp.GCSURI(f.config.ReportBucket, object), nil
}

func (f *PreflightCheckFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, gcsURI string, pageCount int) error {
	logCtx.Info("Triggering render workflow.")
	parent := gcp.WorkflowParent(f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID)
	execution, err := gcp.StartWorkflow(ctx, f.executionsClient, parent, models.RenderWorkflowArgument{
		DocumentID: docRef.ID,
		GCSUri:     gcsURI,
		PageCount:  pageCount,
	})
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to trigger workflow execution", err)
	}
	if _, err := docRef.Update(ctx, []firestore.Update{{Path: "workflowExecutionId", Value: execution}}); err != nil {
		logCtx.Warn("Failed to record workflow execution id.", "execution", execution, "error", err)
	}
	logCtx.Info("Hand-off to workflow complete.", "execution", execution)
	return nil
}

func (f *PreflightCheckFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := gcp.UpdateStatus(ctx, docRef, models.StatusFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to ERROR after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
