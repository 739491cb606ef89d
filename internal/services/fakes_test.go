package services

import (
	"context"
	"image"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
)

// fakePage is a scripted page. A nil render hook produces a blank raster
// sized to the viewport; a non-nil operators hook replaces ops and opsErr.
type fakePage struct {
	width, height float64
	ops           []document.Opcode
	text          []document.TextItem
	opsErr        error
	operators     func(ctx context.Context) ([]document.Opcode, error)
	render        func(ctx context.Context, params document.RenderParams) (*document.Raster, error)
}

// fakeDoc scripts what every handle opened by a fakeParser sees.
type fakeDoc struct {
	pages     []*fakePage
	pageErr   map[int]error
	encrypted bool
	metadata  models.Metadata
}

type fakeParser struct {
	doc         *fakeDoc
	openErr     error
	validateErr error

	mu       sync.Mutex
	handles  []*fakeHandle
	released atomic.Int32
}

func newFakeParser(doc *fakeDoc) *fakeParser {
	return &fakeParser{doc: doc}
}

// uniformDoc returns n pages of the same size with a short text run each.
func uniformDoc(n int, width, height float64) *fakeDoc {
	doc := &fakeDoc{metadata: models.UnknownMetadata()}
	for i := 0; i < n; i++ {
		doc.pages = append(doc.pages, &fakePage{
			width:  width,
			height: height,
			ops:    []document.Opcode{document.OpBeginText, document.OpShowText, document.OpEndText},
			text:   []document.TextItem{{Text: "hello"}},
		})
	}
	return doc
}

func (p *fakeParser) Open(ctx context.Context, data []byte) (document.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	h := &fakeHandle{parser: p, doc: p.doc}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *fakeParser) Validate(ctx context.Context, data []byte) error {
	return p.validateErr
}

// allDestroyed reports whether every handle opened so far was destroyed.
func (p *fakeParser) allDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handles {
		if !h.destroyed.Load() {
			return false
		}
	}
	return true
}

func (p *fakeParser) opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

type fakeHandle struct {
	parser    *fakeParser
	doc       *fakeDoc
	destroyed atomic.Bool
}

func (h *fakeHandle) PageCount() int { return len(h.doc.pages) }

func (h *fakeHandle) IsEncrypted() bool { return h.doc.encrypted }

func (h *fakeHandle) Metadata(context.Context) models.Metadata { return h.doc.metadata }

func (h *fakeHandle) Page(ctx context.Context, pageNum int) (document.Page, error) {
	if h.destroyed.Load() {
		return nil, &document.PageAccessError{Page: pageNum, Err: document.ErrDestroyed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := h.doc.pageErr[pageNum]; ok {
		return nil, &document.PageAccessError{Page: pageNum, Err: err}
	}
	if pageNum < 1 || pageNum > len(h.doc.pages) {
		return nil, &document.PageAccessError{Page: pageNum, Err: document.ErrPageOutOfRange}
	}
	return &fakePageHandle{fakePage: h.doc.pages[pageNum-1], num: pageNum, parser: h.parser}, nil
}

func (h *fakeHandle) Destroy() error {
	h.destroyed.Store(true)
	return nil
}

type fakePageHandle struct {
	*fakePage
	num    int
	parser *fakeParser
}

func (p *fakePageHandle) Number() int { return p.num }

func (p *fakePageHandle) Viewport(scale float64, rotation int) document.Viewport {
	return document.NewViewport(p.width, p.height, scale, rotation)
}

func (p *fakePageHandle) OperatorList(ctx context.Context) ([]document.Opcode, error) {
	if p.operators != nil {
		return p.operators(ctx)
	}
	return p.ops, p.opsErr
}

func (p *fakePageHandle) TextContent(context.Context) ([]document.TextItem, error) {
	return p.text, nil
}

func (p *fakePageHandle) Render(ctx context.Context, params document.RenderParams) (*document.Raster, error) {
	if p.render != nil {
		return p.render(ctx, params)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vp := p.Viewport(params.Scale, params.Rotation)
	img := image.NewRGBA(image.Rect(0, 0, int(math.Round(vp.Width)), int(math.Round(vp.Height))))
	return &document.Raster{Image: img, Release: func() { p.parser.released.Add(1) }}, nil
}
