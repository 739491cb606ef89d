package document

import (
	"errors"
	"fmt"
)

// Reasons reported by ParseError.
const (
	ReasonMalformed   = "malformed document"
	ReasonEncrypted   = "unsupported encryption"
	ReasonEmptyInput  = "empty input"
	ReasonUnsupported = "unsupported document"
)

var (
	// ErrRenderUnsupported is returned by backends that only inspect structure.
	ErrRenderUnsupported = errors.New("document: backend cannot rasterize pages")
	// ErrPageOutOfRange is wrapped by PageAccessError for page numbers outside the document.
	ErrPageOutOfRange = errors.New("document: page out of range")
	// ErrDestroyed is returned by handles used after Destroy.
	ErrDestroyed = errors.New("document: handle destroyed")
)

// ParseError means the document could not be opened at all.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PageAccessError is a failure confined to a single page.
type PageAccessError struct {
	Page int
	Err  error
}

func (e *PageAccessError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageAccessError) Unwrap() error { return e.Err }
