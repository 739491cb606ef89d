package models

import "time"

// Gate statuses written to the verdict record.
const (
	StatusChecking = "CHECKING"
	StatusAllowed  = "ALLOWED"
	StatusBlocked  = "BLOCKED"
	StatusFailed   = "ERROR"
)

// Document represents the verdict record for one uploaded file in Firestore.
// It tracks the gate outcome and what preflight learned about the file.
type Document struct {
	FileHash            string               `firestore:"fileHash,omitempty"`
	OriginalFilename    string               `firestore:"originalFilename,omitempty"`
	Status              string               `firestore:"status,omitempty"`
	ErrorDetails        string               `firestore:"errorDetails,omitempty"`
	PageCount           int                  `firestore:"pageCount,omitempty"`
	Fingerprint         *DocumentFingerprint `firestore:"fingerprint,omitempty"`
	Assessment          *RiskAssessment      `firestore:"assessment,omitempty"`
	ReportGCSUri        string               `firestore:"reportGcsUri,omitempty"`
	WorkflowExecutionID string               `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt           time.Time            `firestore:"createdAt,omitempty"`
}
