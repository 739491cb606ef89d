package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cmdEcho  models.Command = "ECHO"
	cmdBlock models.Command = "BLOCK"
	cmdStop  models.Command = "STOP"
	cmdFail  models.Command = "FAIL"
	cmdPanic models.Command = "PANIC"
)

func startWorker(t *testing.T, setup func(w *Worker)) *Client {
	t.Helper()
	w := New("test", nil)
	setup(w)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return NewClient(w)
}

func TestClient_CallRoundTrip(t *testing.T) {
	c := startWorker(t, func(w *Worker) {
		w.Handle(cmdEcho, func(_ context.Context, req models.WorkerRequest) (any, error) {
			s, err := Payload[string](req)
			if err != nil {
				return nil, err
			}
			return "echo:" + s, nil
		})
	})

	got, err := Result[string](c.Call(context.Background(), cmdEcho, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", got)
}

func TestClient_ErrorCodes(t *testing.T) {
	c := startWorker(t, func(w *Worker) {
		w.Handle(cmdEcho, func(_ context.Context, req models.WorkerRequest) (any, error) {
			_, err := Payload[string](req)
			return nil, err
		})
		w.Handle(cmdFail, func(context.Context, models.WorkerRequest) (any, error) {
			return nil, &document.ParseError{Reason: document.ReasonMalformed, Err: errors.New("no header")}
		})
		w.Handle(cmdPanic, func(context.Context, models.WorkerRequest) (any, error) {
			panic("boom")
		})
	})
	ctx := context.Background()

	_, err := c.Call(ctx, "NOPE", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.CodeUnknownCommand, re.Code)
	var uce *UnknownCommandError
	require.ErrorAs(t, err, &uce)
	assert.Equal(t, models.Command("NOPE"), uce.Command)

	_, err = c.Call(ctx, cmdEcho, 42)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.CodeBadPayload, re.Code)

	_, err = c.Call(ctx, cmdFail, nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.CodeParseError, re.Code)
	var perr *document.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, document.ReasonMalformed, perr.Reason)

	_, err = c.Call(ctx, cmdPanic, nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.CodeInternal, re.Code)

	// the worker survives a panicking handler
	_, err = c.Call(ctx, cmdFail, nil)
	require.ErrorAs(t, err, &re)
}

func TestWorker_ControlCommandReachesRunningJob(t *testing.T) {
	started := make(chan struct{})
	c := startWorker(t, func(w *Worker) {
		w.Handle(cmdBlock, func(ctx context.Context, _ models.WorkerRequest) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		w.HandleControl(cmdStop, func(_ context.Context, req models.WorkerRequest) (any, error) {
			id, err := Payload[string](req)
			if err != nil {
				return nil, err
			}
			return w.CancelJob(id), nil
		})
	})
	ctx := context.Background()

	call, err := c.Start(ctx, cmdBlock, nil)
	require.NoError(t, err)
	<-started

	found, err := Result[bool](c.Call(ctx, cmdStop, call.ID))
	require.NoError(t, err)
	assert.True(t, found)

	resp, err := call.Wait(ctx)
	require.NoError(t, err)
	_, err = Decode(cmdBlock, resp)
	assert.ErrorIs(t, err, context.Canceled)

	found, err = Result[bool](c.Call(ctx, cmdStop, call.ID))
	require.NoError(t, err)
	assert.False(t, found, "finished jobs are no longer live")
}

func TestWorker_CancelQueuedJob(t *testing.T) {
	release := make(chan struct{})
	c := startWorker(t, func(w *Worker) {
		w.Handle(cmdBlock, func(ctx context.Context, _ models.WorkerRequest) (any, error) {
			<-release
			return "first", nil
		})
		w.Handle(cmdEcho, func(ctx context.Context, _ models.WorkerRequest) (any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return "second", nil
		})
		w.HandleControl(cmdStop, func(_ context.Context, req models.WorkerRequest) (any, error) {
			return w.CancelJob(req.Payload.(string)), nil
		})
	})
	ctx := context.Background()

	first, err := c.Start(ctx, cmdBlock, nil)
	require.NoError(t, err)
	second, err := c.Start(ctx, cmdEcho, nil)
	require.NoError(t, err)

	found, err := Result[bool](c.Call(ctx, cmdStop, second.ID))
	require.NoError(t, err)
	assert.True(t, found)
	close(release)

	resp, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)

	resp, err = second.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, resp.Status)
	assert.Equal(t, models.CodeCancelled, resp.Error.Code)
}

func TestClient_AbandonedCallCancelsJob(t *testing.T) {
	cancelled := make(chan struct{})
	c := startWorker(t, func(w *Worker) {
		w.Handle(cmdBlock, func(ctx context.Context, _ models.WorkerRequest) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		})
		w.Handle(cmdEcho, func(_ context.Context, req models.WorkerRequest) (any, error) {
			return req.Payload, nil
		})
	})

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err := c.Call(short, cmdBlock, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned job is still running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Result[string](c.Call(ctx, cmdEcho, "next"))
	require.NoError(t, err)
	assert.Equal(t, "next", got)
}

func TestWorker_StopUnblocksCallers(t *testing.T) {
	w := New("stopping", nil)
	stopped := make(chan struct{})
	w.Handle(cmdBlock, func(ctx context.Context, _ models.WorkerRequest) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w.OnStop(func() { close(stopped) })
	w.Start(context.Background())
	c := NewClient(w)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), cmdBlock, nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("caller still blocked after Stop")
	}
	<-stopped

	_, err := c.Call(context.Background(), cmdBlock, nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestToWorkerError(t *testing.T) {
	we := ToWorkerError(&document.PageAccessError{Page: 3, Err: document.ErrPageOutOfRange})
	assert.Equal(t, models.CodePageAccess, we.Code)
	assert.Equal(t, "3", we.Detail)

	re := &RemoteError{Command: "X", Code: we.Code, Message: we.Message, Detail: we.Detail}
	var paerr *document.PageAccessError
	require.ErrorAs(t, re, &paerr)
	assert.Equal(t, 3, paerr.Page)

	assert.Equal(t, models.CodeInternal, ToWorkerError(errors.New("x")).Code)
}
