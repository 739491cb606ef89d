package models

// These structs define the JSON payloads exchanged with the hosts in cmd/.

// PreflightReport is stored next to the verdict record and handed to the render workflow.
type PreflightReport struct {
	DocumentID  string               `json:"documentId"`
	FileHash    string               `json:"fileHash"`
	Status      string               `json:"status"`
	Fingerprint *DocumentFingerprint `json:"fingerprint,omitempty"`
	Assessment  *RiskAssessment      `json:"assessment,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// RenderWorkflowArgument is the execution argument for the render workflow.
type RenderWorkflowArgument struct {
	DocumentID string `json:"documentId"`
	GCSUri     string `json:"gcsUri"`
	PageCount  int    `json:"pageCount"`
}

// PageRenderRequest is the input for the page-renderer function.
type PageRenderRequest struct {
	DocumentID  string  `json:"documentId"`
	GCSUri      string  `json:"gcsUri"`
	Pages       []int   `json:"pages"`
	Scale       float64 `json:"scale"`
	Rotation    int     `json:"rotation"`
	ExecutionID string  `json:"executionId"`
}

// PageRenderOutcome reports what happened to one requested page.
type PageRenderOutcome struct {
	PageNum      int    `json:"pageNum"`
	State        string `json:"state"`
	OutputGCSUri string `json:"outputGcsUri,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	LatencyMs    int64  `json:"latencyMs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PageRenderResponse is the output of the page-renderer function.
type PageRenderResponse struct {
	Status string              `json:"status"`
	Pages  []PageRenderOutcome `json:"pages"`
}
