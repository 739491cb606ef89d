// Package document adapts PDF libraries to the small handle/page surface the
// preflight analyzer and the render workers need.
//
// Handles and pages are not safe for concurrent use. Whoever opens a handle
// must Destroy it on every path out of the operation that opened it.
package document

import (
	"context"
	"image"

	"github.com/Lllllllleong/safeviewer/internal/models"
)

// Parser opens documents from raw bytes.
type Parser interface {
	Open(ctx context.Context, data []byte) (Handle, error)
}

// Validator is implemented by parsers that can run a structural validation pass.
type Validator interface {
	Validate(ctx context.Context, data []byte) error
}

// Handle is an open document.
type Handle interface {
	PageCount() int
	IsEncrypted() bool
	// Metadata never fails; missing or unreadable fields come back as defaults.
	Metadata(ctx context.Context) models.Metadata
	// Page returns the one-based page pageNum or a *PageAccessError.
	Page(ctx context.Context, pageNum int) (Page, error)
	// Destroy releases native resources. It is idempotent.
	Destroy() error
}

// Page is a single page of an open document.
type Page interface {
	Number() int
	Viewport(scale float64, rotation int) Viewport
	OperatorList(ctx context.Context) ([]Opcode, error)
	TextContent(ctx context.Context) ([]TextItem, error)
	// Render rasterizes the page. Cancelling ctx abandons the render at the
	// next point the backend can observe it.
	Render(ctx context.Context, params RenderParams) (*Raster, error)
}

// Viewport is the size of a page in points after scale and rotation.
type Viewport struct {
	Width    float64
	Height   float64
	Scale    float64
	Rotation int
}

// NewViewport applies scale and rotation to a scale-1 page size.
func NewViewport(width, height, scale float64, rotation int) Viewport {
	if scale <= 0 {
		scale = 1
	}
	rotation = NormalizeRotation(rotation)
	w, h := width*scale, height*scale
	if rotation == 90 || rotation == 270 {
		w, h = h, w
	}
	return Viewport{Width: w, Height: h, Scale: scale, Rotation: rotation}
}

// NormalizeRotation folds rotation into [0, 360) and snaps it down to a multiple of 90.
func NormalizeRotation(rotation int) int {
	r := ((rotation % 360) + 360) % 360
	return r - r%90
}

// Rect is an axis-aligned box in page space.
type Rect struct {
	X, Y, Width, Height float64
}

// TextItem is one text run and its approximate bounding box.
type TextItem struct {
	Text string
	Box  Rect
}

// RenderParams controls a single raster render.
type RenderParams struct {
	Scale    float64
	Rotation int
}

// Raster is a rendered page. Release, when set, frees backend memory behind Image.
type Raster struct {
	Image   *image.RGBA
	Release func()
}
