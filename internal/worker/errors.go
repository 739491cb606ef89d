package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
)

// ErrStopped is returned to callers whose worker stopped before answering.
var ErrStopped = errors.New("worker: stopped")

// Coder is implemented by errors that carry their own wire code.
type Coder interface {
	ErrorCode() string
}

// Detailer is implemented by errors that put extra context in WorkerError.Detail.
type Detailer interface {
	ErrorDetail() string
}

// UnknownCommandError is returned for a command no handler is registered for.
type UnknownCommandError struct {
	Command models.Command
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Command)
}

func (e *UnknownCommandError) ErrorCode() string { return models.CodeUnknownCommand }

// BadPayloadError is returned when a request carries the wrong payload type.
type BadPayloadError struct {
	Command models.Command
	Got     string
}

func (e *BadPayloadError) Error() string {
	return fmt.Sprintf("bad payload for %s: got %s", e.Command, e.Got)
}

func (e *BadPayloadError) ErrorCode() string { return models.CodeBadPayload }

// Payload extracts the typed payload of req.
func Payload[T any](req models.WorkerRequest) (T, error) {
	p, ok := req.Payload.(T)
	if !ok {
		var zero T
		return zero, &BadPayloadError{Command: req.Command, Got: fmt.Sprintf("%T", req.Payload)}
	}
	return p, nil
}

// ToWorkerError encodes err for the wire. The detail field carries whatever
// the client needs to rebuild the typed error.
func ToWorkerError(err error) *models.WorkerError {
	we := &models.WorkerError{Code: models.CodeInternal, Message: err.Error()}
	var (
		perr     *document.ParseError
		paerr    *document.PageAccessError
		coder    Coder
		detailer Detailer
	)
	switch {
	case errors.Is(err, context.Canceled):
		we.Code = models.CodeCancelled
	case errors.As(err, &coder):
		we.Code = coder.ErrorCode()
		if errors.As(err, &detailer) {
			we.Detail = detailer.ErrorDetail()
		}
	case errors.As(err, &perr):
		we.Code = models.CodeParseError
		we.Detail = perr.Reason
	case errors.As(err, &paerr):
		we.Code = models.CodePageAccess
		we.Detail = strconv.Itoa(paerr.Page)
	}
	return we
}

// RemoteError is an ERROR response surfaced to the caller.
type RemoteError struct {
	Command models.Command
	Code    string
	Message string
	Detail  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Code, e.Message)
}

// Unwrap rebuilds the error category from the wire code so callers can use
// errors.As and errors.Is across the worker boundary.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case models.CodeCancelled:
		return context.Canceled
	case models.CodeUnknownCommand:
		return &UnknownCommandError{Command: e.Command}
	case models.CodeParseError:
		return &document.ParseError{Reason: e.Detail}
	case models.CodePageAccess:
		page, _ := strconv.Atoi(e.Detail)
		return &document.PageAccessError{Page: page, Err: errors.New(e.Message)}
	}
	return nil
}
