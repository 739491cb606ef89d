package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/Lllllllleong/safeviewer/internal/worker"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultResultBuffer is the capacity of the results channel.
const DefaultResultBuffer = 64

// ParserFactory builds the parser for one render worker. Each call must
// return an independent parser; parsers that implement io.Closer are closed
// when the manager shuts down.
type ParserFactory func() (document.Parser, error)

// TaskManagerConfig sizes a TaskManager.
type TaskManagerConfig struct {
	Workers      int
	ResultBuffer int
}

type renderTask struct {
	models.RenderTask

	// ctx is the cancellation token; Cancel cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	client *worker.Client
	callID string
}

// TaskManager schedules page renders over a pool of isolated render workers.
// Until Close, every submitted task produces exactly one RenderResult on
// Results. Results arrive in completion order, not submission order.
type TaskManager struct {
	logger  *slog.Logger
	metrics *Metrics

	ctx     context.Context
	stop    context.CancelFunc
	clients []*worker.Client
	parsers []document.Parser
	next    atomic.Uint64

	mu      sync.Mutex
	docID   string
	queue   []*renderTask
	live    map[string]*renderTask
	closed  bool
	wake    chan struct{}
	results chan models.RenderResult
	wg      sync.WaitGroup
}

func newTaskManager(ctx context.Context, cfg TaskManagerConfig, logger *slog.Logger, metrics *Metrics) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = DefaultResultBuffer
	}
	ctx, stop := context.WithCancel(ctx)
	return &TaskManager{
		logger:  logger.With("component", "render-manager"),
		metrics: metrics,
		ctx:     ctx,
		stop:    stop,
		live:    make(map[string]*renderTask),
		wake:    make(chan struct{}, 1),
		results: make(chan models.RenderResult, cfg.ResultBuffer),
	}
}

// NewTaskManager starts cfg.Workers render workers (at least one), each with
// a parser from newParser.
func NewTaskManager(ctx context.Context, newParser ParserFactory, cfg TaskManagerConfig, logger *slog.Logger, metrics *Metrics) (*TaskManager, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	m := newTaskManager(ctx, cfg, logger, metrics)
	for i := 0; i < cfg.Workers; i++ {
		parser, err := newParser()
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create parser for render worker %d: %w", i, err)
		}
		m.parsers = append(m.parsers, parser)
		w := NewRenderWorker(fmt.Sprintf("render-%d", i), parser, logger)
		w.Start(m.ctx)
		client := worker.NewClient(w)
		m.clients = append(m.clients, client)

		m.wg.Add(1)
		go m.dispatch(client)
	}
	m.logger.Info("Render pool started.", "workers", cfg.Workers)
	return m, nil
}

// Results delivers one result per task. It is closed by Close.
func (m *TaskManager) Results() <-chan models.RenderResult { return m.results }

// Open loads data into every worker and returns its page count. A previously
// opened document is closed first. Each worker gets its own copy of data.
func (m *TaskManager) Open(ctx context.Context, data []byte) (int, error) {
	m.mu.Lock()
	prev := m.docID
	docID := uuid.NewString()
	m.docID = docID
	m.mu.Unlock()

	if prev != "" {
		m.broadcast(ctx, models.CmdCloseDocument, func() any {
			return models.CloseDocumentPayload{DocumentID: prev}
		})
	}

	counts := make([]int, len(m.clients))
	eg, gctx := errgroup.WithContext(ctx)
	for i, c := range m.clients {
		eg.Go(func() error {
			res, err := worker.Result[models.LoadDocumentResult](c.Call(gctx, models.CmdLoadDocument,
				models.LoadDocumentPayload{DocumentID: docID, Data: bytes.Clone(data)}))
			if err != nil {
				return fmt.Errorf("%s: %w", c.Worker().Name(), err)
			}
			counts[i] = res.PageCount
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, fmt.Errorf("failed to load document into render pool: %w", err)
	}
	m.logger.Info("Document loaded into render pool.", "documentId", docID, "pageCount", counts[0])
	return counts[0], nil
}

// broadcast sends cmd to every worker and logs failures.
func (m *TaskManager) broadcast(ctx context.Context, cmd models.Command, payload func() any) {
	var wg sync.WaitGroup
	for _, c := range m.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Call(ctx, cmd, payload()); err != nil {
				m.logger.Warn("Broadcast failed.", "command", cmd, "worker", c.Worker().Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// Submit queues a render of the one-based pageNum and returns its task id
// without waiting. After Close it returns "".
func (m *TaskManager) Submit(pageNum int, scale float64, rotation int) string {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ""
	}
	ctx, cancel := context.WithCancel(m.ctx)
	t := &renderTask{
		RenderTask: models.RenderTask{
			ID:       uuid.NewString(),
			PageNum:  pageNum,
			Scale:    scale,
			Rotation: rotation,
			State:    models.TaskQueued,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	m.live[t.ID] = t
	m.queue = append(m.queue, t)
	m.mu.Unlock()

	m.signal()
	return t.ID
}

// Cancel requests cancellation of a task. Unknown and finished ids are ignored.
// A queued task is reported Cancelled when a worker would have picked it up;
// a running one is told to stop at its next checkpoint.
func (m *TaskManager) Cancel(taskID string) {
	m.mu.Lock()
	t, ok := m.live[taskID]
	if !ok || t.State.Terminal() {
		m.mu.Unlock()
		return
	}
	t.cancel()
	client, callID := t.client, t.callID
	m.mu.Unlock()

	if callID != "" {
		m.sendCancel(client, callID)
	}
}

// State returns the state of a live task.
func (m *TaskManager) State(taskID string) (models.TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.live[taskID]
	if !ok {
		return "", false
	}
	return t.State, true
}

// Live returns the number of tasks that have not reached a terminal state.
func (m *TaskManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// PageMetadata returns the scale-1 size of a page of the open document.
func (m *TaskManager) PageMetadata(ctx context.Context, pageNum int) (models.PageMetadata, error) {
	return worker.Result[models.PageMetadata](m.pick().Call(ctx, models.CmdGetPageMetadata, m.pagePayload(pageNum)))
}

// ExtractText returns the text of a page of the open document.
func (m *TaskManager) ExtractText(ctx context.Context, pageNum int) (models.PageText, error) {
	return worker.Result[models.PageText](m.pick().Call(ctx, models.CmdExtractText, m.pagePayload(pageNum)))
}

func (m *TaskManager) pagePayload(pageNum int) models.PagePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.PagePayload{DocumentID: m.docID, PageNum: pageNum}
}

func (m *TaskManager) pick() *worker.Client {
	return m.clients[int(m.next.Add(1)-1)%len(m.clients)]
}

// Close stops every worker, which destroys the documents they hold, closes
// their parsers and then closes Results. Tasks still queued produce no result.
func (m *TaskManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
	for _, c := range m.clients {
		c.Worker().Stop()
	}
	for _, p := range m.parsers {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				m.logger.Warn("Failed to close parser.", "error", err)
			}
		}
	}

	m.mu.Lock()
	for id, t := range m.live {
		t.cancel()
		delete(m.live, id)
	}
	m.queue = nil
	m.mu.Unlock()
	close(m.results)
	m.logger.Info("Render pool stopped.")
}

func (m *TaskManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch feeds one worker, one task at a time.
func (m *TaskManager) dispatch(client *worker.Client) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		for {
			t, cancelled := m.dequeue(client)
			for _, c := range cancelled {
				m.post(c)
			}
			if t == nil {
				break
			}
			m.run(client, t)
		}
	}
}

// dequeue pops the next task that is still wanted and marks it Running.
// Tasks cancelled while queued are finished here without reaching a worker.
func (m *TaskManager) dequeue(client *worker.Client) (*renderTask, []models.RenderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cancelled []models.RenderResult
	for len(m.queue) > 0 {
		t := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if t.ctx.Err() != nil {
			cancelled = append(cancelled, m.finishLocked(t, models.RenderResult{
				TaskID:  t.ID,
				PageNum: t.PageNum,
				State:   models.TaskCancelled,
			}))
			continue
		}
		t.State = models.TaskRunning
		t.client = client
		if len(m.queue) > 0 {
			m.signal()
		}
		return t, cancelled
	}
	return nil, cancelled
}

func (m *TaskManager) run(client *worker.Client, t *renderTask) {
	m.mu.Lock()
	docID := m.docID
	m.mu.Unlock()

	call, err := client.Start(t.ctx, models.CmdRenderPage, models.RenderPagePayload{
		DocumentID: docID,
		TaskID:     t.ID,
		PageNum:    t.PageNum,
		Scale:      t.Scale,
		Rotation:   t.Rotation,
	})
	if err != nil {
		m.post(m.complete(t, models.WorkerResponse{}, err))
		return
	}

	m.mu.Lock()
	t.callID = call.ID
	cancelRequested := t.ctx.Err() != nil
	m.mu.Unlock()
	if cancelRequested {
		// Cancel ran between dequeue and delivery and could not name the call.
		m.sendCancel(client, call.ID)
	}

	resp, err := call.Wait(m.ctx)
	m.post(m.complete(t, resp, err))
}

// complete turns a worker response into the task's terminal result and
// removes the task. A cancel that arrived before this point wins over any
// outcome: the result is reported Cancelled and a rendered page is released.
func (m *TaskManager) complete(t *renderTask, resp models.WorkerResponse, callErr error) models.RenderResult {
	res := models.RenderResult{TaskID: t.ID, PageNum: t.PageNum}
	switch {
	case callErr != nil:
		res.State = models.TaskFailed
		res.ErrorMsg = callErr.Error()
	case resp.Status != models.StatusSuccess:
		_, err := worker.Decode(models.CmdRenderPage, resp)
		res.State = models.TaskFailed
		res.ErrorMsg = err.Error()
		if errors.Is(err, context.Canceled) {
			res.State = models.TaskCancelled
			res.ErrorMsg = ""
		}
	default:
		r, ok := resp.Result.(models.RenderPageResult)
		switch {
		case !ok:
			res.State = models.TaskFailed
			res.ErrorMsg = fmt.Sprintf("unexpected render result %T", resp.Result)
		case r.Cancelled:
			res.State = models.TaskCancelled
		default:
			res.State = models.TaskCompleted
			res.Page, res.Width, res.Height, res.Latency = r.Page, r.Width, r.Height, r.Latency
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ctx.Err() != nil && res.State != models.TaskCancelled {
		if res.Page != nil {
			_ = res.Page.Release()
		}
		m.logger.Debug("Discarding result of cancelled task.", "taskId", t.ID, "page", t.PageNum, "state", res.State)
		res = models.RenderResult{TaskID: t.ID, PageNum: t.PageNum, State: models.TaskCancelled}
	}
	return m.finishLocked(t, res)
}

func (m *TaskManager) finishLocked(t *renderTask, res models.RenderResult) models.RenderResult {
	t.State = res.State
	t.cancel()
	delete(m.live, t.ID)
	return res
}

// post delivers res unless the manager is shutting down, in which case a
// rendered page is released instead.
func (m *TaskManager) post(res models.RenderResult) {
	m.metrics.renderDone(string(res.State), res.Latency)
	if res.State == models.TaskFailed {
		m.logger.Warn("Render failed.", "taskId", res.TaskID, "page", res.PageNum, "error", res.ErrorMsg)
	}
	select {
	case m.results <- res:
	case <-m.ctx.Done():
		if res.Page != nil {
			_ = res.Page.Release()
		}
	}
}

func (m *TaskManager) sendCancel(client *worker.Client, callID string) {
	if _, err := client.Start(m.ctx, models.CmdCancelRender, models.CancelRenderPayload{CorrelationID: callID}); err != nil {
		m.logger.Debug("Could not deliver render cancellation.", "correlationId", callID, "error", err)
	}
}
