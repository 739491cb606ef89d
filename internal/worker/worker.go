// Package worker runs handlers in an isolated execution context that is
// reachable only through models.WorkerRequest and models.WorkerResponse
// messages.
//
// A Worker has two goroutines. The mailbox receives every request, answers
// control commands inline and queues the rest; the executor runs queued jobs
// one at a time. A control command can therefore act on the job that is
// currently running, which is how render cancellation reaches a busy worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/Lllllllleong/safeviewer/internal/models"
)

// HandlerFunc serves one command. ctx is cancelled when the worker stops or
// when CancelJob names the request's correlation id.
type HandlerFunc func(ctx context.Context, req models.WorkerRequest) (any, error)

// cmdAbandon is sent by a Client whose caller stopped waiting. It travels
// through the mailbox behind the request it names and gets no response.
const cmdAbandon models.Command = "_ABANDON"

type job struct {
	req models.WorkerRequest
	ctx context.Context
}

// Worker is an isolated executor. Register handlers, then Start it and talk to
// it through a Client.
type Worker struct {
	name     string
	logger   *slog.Logger
	handlers map[models.Command]HandlerFunc
	control  map[models.Command]HandlerFunc

	inbox  chan models.WorkerRequest
	outbox chan models.WorkerResponse
	jobs   chan job

	mu   sync.Mutex
	live map[string]context.CancelFunc

	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
	onStop  []func()
}

// New returns a worker that is not yet running.
func New(name string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:     name,
		logger:   logger.With("worker", name),
		handlers: make(map[models.Command]HandlerFunc),
		control:  make(map[models.Command]HandlerFunc),
		inbox:    make(chan models.WorkerRequest, 16),
		outbox:   make(chan models.WorkerResponse, 16),
		jobs:     make(chan job),
		live:     make(map[string]context.CancelFunc),
		stopped:  make(chan struct{}),
	}
}

// Name identifies the worker in logs.
func (w *Worker) Name() string { return w.name }

// Logger returns the worker's logger, already tagged with its name.
func (w *Worker) Logger() *slog.Logger { return w.logger }

// Handle registers a queued command. Must be called before Start.
func (w *Worker) Handle(cmd models.Command, h HandlerFunc) {
	w.handlers[cmd] = h
}

// HandleControl registers a command answered by the mailbox without waiting
// for the executor. Control handlers must not block.
func (w *Worker) HandleControl(cmd models.Command, h HandlerFunc) {
	w.control[cmd] = h
}

// OnStop registers fn to run on the executor goroutine after the last job.
func (w *Worker) OnStop(fn func()) {
	w.onStop = append(w.onStop, fn)
}

// Start launches the mailbox and the executor. The worker stops when ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.mailbox(ctx)
	go w.executor(ctx)
	go func() {
		w.wg.Wait()
		close(w.stopped)
	}()
}

// Stop cancels every job and waits for both goroutines to exit.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.stopped
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} { return w.stopped }

// CancelJob cancels the context of the queued or running request with the
// given correlation id. It reports whether such a request was live.
func (w *Worker) CancelJob(correlationID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cancel, ok := w.live[correlationID]
	if ok {
		cancel()
	}
	return ok
}

func (w *Worker) mailbox(ctx context.Context) {
	defer w.wg.Done()
	var queue []job
	for {
		var (
			next chan<- job
			head job
		)
		if len(queue) > 0 {
			next, head = w.jobs, queue[0]
		}
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for _, j := range queue {
				delete(w.live, j.req.CorrelationID)
			}
			w.mu.Unlock()
			return
		case req := <-w.inbox:
			if req.Command == cmdAbandon {
				if w.CancelJob(req.CorrelationID) {
					w.logger.Debug("Cancelled abandoned job.", "correlationId", req.CorrelationID)
				}
				continue
			}
			if h, ok := w.control[req.Command]; ok {
				w.reply(ctx, w.run(ctx, req, h))
				continue
			}
			jctx, cancel := context.WithCancel(ctx)
			w.mu.Lock()
			w.live[req.CorrelationID] = cancel
			w.mu.Unlock()
			queue = append(queue, job{req: req, ctx: jctx})
		case next <- head:
			queue[0] = job{}
			queue = queue[1:]
		}
	}
}

func (w *Worker) executor(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		for _, fn := range w.onStop {
			fn()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			h, ok := w.handlers[j.req.Command]
			var resp models.WorkerResponse
			if ok {
				resp = w.run(j.ctx, j.req, h)
			} else {
				w.logger.Warn("Unknown command.", "command", j.req.Command)
				resp = errorResponse(j.req.CorrelationID, &UnknownCommandError{Command: j.req.Command})
			}
			w.mu.Lock()
			if cancel, ok := w.live[j.req.CorrelationID]; ok {
				cancel()
				delete(w.live, j.req.CorrelationID)
			}
			w.mu.Unlock()
			w.reply(ctx, resp)
		}
	}
}

// run calls h and converts its outcome, including a panic, into a response.
func (w *Worker) run(ctx context.Context, req models.WorkerRequest, h HandlerFunc) (resp models.WorkerResponse) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Handler panicked.", "command", req.Command, "panic", r, "stack", string(debug.Stack()))
			resp = errorResponse(req.CorrelationID, fmt.Errorf("handler panic: %v", r))
		}
	}()
	result, err := h(ctx, req)
	if err != nil {
		w.logger.Debug("Command failed.", "command", req.Command, "correlationId", req.CorrelationID, "error", err)
		return errorResponse(req.CorrelationID, err)
	}
	return models.WorkerResponse{
		CorrelationID: req.CorrelationID,
		Status:        models.StatusSuccess,
		Result:        result,
	}
}

func (w *Worker) reply(ctx context.Context, resp models.WorkerResponse) {
	select {
	case w.outbox <- resp:
	case <-ctx.Done():
	}
}

func errorResponse(correlationID string, err error) models.WorkerResponse {
	return models.WorkerResponse{
		CorrelationID: correlationID,
		Status:        models.StatusError,
		Error:         ToWorkerError(err),
	}
}
