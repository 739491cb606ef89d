package models

import "time"

// Command names a request understood by an isolated worker.
type Command string

// Preflight side.
const (
	CmdAnalyzeDocument  Command = "ANALYZE_DOCUMENT"
	CmdGetPageCount     Command = "GET_PAGE_COUNT"
	CmdValidateDocument Command = "VALIDATE_DOCUMENT"
	CmdExtractMetadata  Command = "EXTRACT_METADATA"
)

// Render side.
const (
	CmdLoadDocument    Command = "LOAD_DOCUMENT"
	CmdRenderPage      Command = "RENDER_PAGE"
	CmdCancelRender    Command = "CANCEL_RENDER"
	CmdGetPageMetadata Command = "GET_PAGE_METADATA"
	CmdExtractText     Command = "EXTRACT_TEXT"
	CmdCloseDocument   Command = "CLOSE_DOCUMENT"
)

// ResponseStatus is the outcome of a worker request.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "SUCCESS"
	StatusError   ResponseStatus = "ERROR"
)

// Error codes carried in WorkerError.Code.
const (
	CodeParseError     = "PARSE_ERROR"
	CodePageAccess     = "PAGE_ACCESS_ERROR"
	CodeAnalysisError  = "ANALYSIS_ERROR"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeBadPayload     = "BAD_PAYLOAD"
	CodeUnknownDoc     = "UNKNOWN_DOCUMENT"
	CodeCancelled      = "CANCELLED"
	CodeInternal       = "INTERNAL"
)

// WorkerRequest is the only way into an isolated worker.
// Payload ownership passes to the worker on send.
type WorkerRequest struct {
	Command       Command
	Payload       any
	CorrelationID string
}

// WorkerResponse pairs with the request carrying the same CorrelationID.
type WorkerResponse struct {
	CorrelationID string
	Status        ResponseStatus
	Result        any
	Error         *WorkerError
}

// WorkerError is the error half of a WorkerResponse.
type WorkerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// AnalyzeDocumentPayload is the ANALYZE_DOCUMENT request body.
type AnalyzeDocumentPayload struct {
	Data          []byte
	FileSizeBytes int64
}

// DocumentBytesPayload carries raw bytes for GET_PAGE_COUNT, VALIDATE_DOCUMENT and EXTRACT_METADATA.
type DocumentBytesPayload struct {
	Data []byte
}

// ValidationResult is the VALIDATE_DOCUMENT answer.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Encrypted bool   `json:"encrypted"`
	PageCount int    `json:"pageCount"`
	Reason    string `json:"reason,omitempty"`
}

// LoadDocumentPayload opens a document inside a render worker session.
type LoadDocumentPayload struct {
	DocumentID string
	Data       []byte
}

// LoadDocumentResult answers LOAD_DOCUMENT.
type LoadDocumentResult struct {
	DocumentID string
	PageCount  int
}

// CloseDocumentPayload releases a document held by a render worker session.
type CloseDocumentPayload struct {
	DocumentID string
}

// RenderPagePayload is the RENDER_PAGE request body. PageNum is one-based.
type RenderPagePayload struct {
	DocumentID string
	TaskID     string
	PageNum    int
	Scale      float64
	Rotation   int
}

// RenderPageResult answers RENDER_PAGE. When Cancelled is set Page is nil.
type RenderPageResult struct {
	TaskID    string
	PageNum   int
	Cancelled bool
	Page      *RenderedPage
	Width     int
	Height    int
	Latency   time.Duration
}

// CancelRenderPayload names the RENDER_PAGE request to cancel by its correlation id.
type CancelRenderPayload struct {
	CorrelationID string
}

// PagePayload addresses one page of a loaded document.
type PagePayload struct {
	DocumentID string
	PageNum    int
}

// PageMetadata answers GET_PAGE_METADATA with the scale-1 page size in points.
type PageMetadata struct {
	PageNum int     `json:"pageNum"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// PageText answers EXTRACT_TEXT.
type PageText struct {
	PageNum int    `json:"pageNum"`
	Text    string `json:"text"`
	Runs    int    `json:"runs"`
}
