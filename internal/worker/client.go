package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/google/uuid"
)

// Client sends requests to one worker and routes responses back to callers
// by correlation id.
type Client struct {
	w *Worker

	mu      sync.Mutex
	pending map[string]chan models.WorkerResponse
}

// NewClient starts routing responses from w. w must already be started.
func NewClient(w *Worker) *Client {
	c := &Client{w: w, pending: make(map[string]chan models.WorkerResponse)}
	go c.route()
	return c
}

// Worker returns the worker behind c.
func (c *Client) Worker() *Worker { return c.w }

func (c *Client) route() {
	for {
		select {
		case <-c.w.Done():
			return
		case resp := <-c.w.outbox:
			c.mu.Lock()
			ch, ok := c.pending[resp.CorrelationID]
			delete(c.pending, resp.CorrelationID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

// PendingCall is a request that has been delivered to the worker's mailbox.
type PendingCall struct {
	ID      string
	Command models.Command
	done    chan models.WorkerResponse
	stopped <-chan struct{}
}

// Wait blocks for the response, ctx, or the worker stopping.
func (p *PendingCall) Wait(ctx context.Context) (models.WorkerResponse, error) {
	select {
	case resp := <-p.done:
		return resp, nil
	case <-ctx.Done():
		return models.WorkerResponse{}, ctx.Err()
	case <-p.stopped:
		// a response may have been routed just before the worker stopped
		select {
		case resp := <-p.done:
			return resp, nil
		default:
		}
		return models.WorkerResponse{}, ErrStopped
	}
}

// Start delivers a request and returns without waiting for its response.
func (c *Client) Start(ctx context.Context, cmd models.Command, payload any) (*PendingCall, error) {
	id := uuid.NewString()
	done := make(chan models.WorkerResponse, 1)
	c.mu.Lock()
	c.pending[id] = done
	c.mu.Unlock()

	req := models.WorkerRequest{Command: cmd, Payload: payload, CorrelationID: id}
	select {
	case c.w.inbox <- req:
		return &PendingCall{ID: id, Command: cmd, done: done, stopped: c.w.Done()}, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.w.Done():
		c.forget(id)
		return nil, ErrStopped
	}
}

// Call sends a request and waits for its result. An ERROR response comes
// back as a *RemoteError. When ctx ends first the job is cancelled in the
// worker, so an abandoned call does not hold up the ones queued behind it.
func (c *Client) Call(ctx context.Context, cmd models.Command, payload any) (any, error) {
	call, err := c.Start(ctx, cmd, payload)
	if err != nil {
		return nil, err
	}
	resp, err := call.Wait(ctx)
	if err != nil {
		c.forget(call.ID)
		if ctx.Err() != nil {
			c.abandon(call.ID)
		}
		return nil, err
	}
	return Decode(cmd, resp)
}

// abandon cancels the job behind id. It is queued after the request itself,
// so it also reaches a job the mailbox has not picked up yet.
func (c *Client) abandon(id string) {
	select {
	case c.w.inbox <- models.WorkerRequest{Command: cmdAbandon, CorrelationID: id}:
	case <-c.w.Done():
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Decode returns the result of a response or its error as a *RemoteError.
func Decode(cmd models.Command, resp models.WorkerResponse) (any, error) {
	if resp.Status == models.StatusSuccess {
		return resp.Result, nil
	}
	re := &RemoteError{Command: cmd, Code: models.CodeInternal, Message: "missing error body"}
	if resp.Error != nil {
		re.Code, re.Message, re.Detail = resp.Error.Code, resp.Error.Message, resp.Error.Detail
	}
	return nil, re
}

// Result asserts the type of a decoded result.
func Result[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return t, nil
}
