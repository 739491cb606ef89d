package models

import (
	"image"
	"sync"
	"time"
)

// TaskState is the lifecycle position of a render task. Transitions only move forward.
type TaskState string

const (
	TaskQueued    TaskState = "QUEUED"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskCancelled TaskState = "CANCELLED"
	TaskFailed    TaskState = "FAILED"
)

// Terminal reports whether no further transition can follow s.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// RenderTask is the manager-side record of one page render request.
type RenderTask struct {
	ID       string
	PageNum  int
	Scale    float64
	Rotation int
	State    TaskState
}

// RenderedPage is a rasterized page. It owns its pixel buffer until Release is called.
type RenderedPage struct {
	PageNum int
	Width   int
	Height  int
	Image   *image.RGBA

	once    sync.Once
	release func()
}

// NewRenderedPage wraps img; release, if non-nil, frees whatever backs the pixels.
func NewRenderedPage(pageNum int, img *image.RGBA, release func()) *RenderedPage {
	p := &RenderedPage{PageNum: pageNum, Image: img, release: release}
	if img != nil {
		b := img.Bounds()
		p.Width, p.Height = b.Dx(), b.Dy()
	}
	return p
}

// Release frees the pixel buffer. Calls after the first are no-ops.
func (p *RenderedPage) Release() error {
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
		p.Image = nil
	})
	return nil
}

// RenderResult is posted once per task when it reaches a terminal state.
// Page is set only for TaskCompleted and is owned by the receiver.
type RenderResult struct {
	TaskID   string
	PageNum  int
	State    TaskState
	Page     *RenderedPage
	Width    int
	Height   int
	Latency  time.Duration
	ErrorMsg string
}
