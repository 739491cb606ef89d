package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// US letter in points, used when a page carries no usable box.
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

var disableConfigDir sync.Once

// PdfcpuParser is the structural backend. It reads the cross reference table
// and page tree without rasterizing anything.
type PdfcpuParser struct {
	conf *model.Configuration
}

// NewPdfcpuParser returns a parser in relaxed validation mode.
func NewPdfcpuParser() *PdfcpuParser {
	// pdfcpu otherwise writes a config directory under $HOME on first use.
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PdfcpuParser{conf: conf}
}

// Open reads data into a pdfcpu context.
func (p *PdfcpuParser) Open(ctx context.Context, data []byte) (Handle, error) {
	pctx, err := p.read(ctx, data)
	if err != nil {
		return nil, err
	}
	return &pdfcpuHandle{ctx: pctx}, nil
}

// Validate runs pdfcpu's validator over data.
func (p *PdfcpuParser) Validate(ctx context.Context, data []byte) error {
	pctx, err := p.read(ctx, data)
	if err != nil {
		return err
	}
	if err := guard(func() error { return api.ValidateContext(pctx) }); err != nil {
		return &ParseError{Reason: ReasonMalformed, Err: err}
	}
	return nil
}

func (p *PdfcpuParser) read(ctx context.Context, data []byte) (*model.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &ParseError{Reason: ReasonEmptyInput}
	}
	var pctx *model.Context
	err := guard(func() error {
		var err error
		pctx, err = api.ReadContext(bytes.NewReader(data), p.conf)
		if err != nil {
			return err
		}
		return pctx.EnsurePageCount()
	})
	if err != nil {
		reason := ReasonMalformed
		if strings.Contains(strings.ToLower(err.Error()), "password") {
			reason = ReasonEncrypted
		}
		return nil, &ParseError{Reason: reason, Err: err}
	}
	return pctx, nil
}

// guard turns a pdfcpu panic on hostile input into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()
	return fn()
}

type pdfcpuHandle struct {
	ctx       *model.Context
	destroyed bool
}

func (h *pdfcpuHandle) PageCount() int { return h.ctx.PageCount }

func (h *pdfcpuHandle) IsEncrypted() bool { return h.ctx.Encrypt != nil }

func (h *pdfcpuHandle) Metadata(ctx context.Context) models.Metadata {
	md := models.UnknownMetadata()
	if h.destroyed || h.ctx.Info == nil {
		return md
	}
	var info types.Dict
	if err := guard(func() error {
		var err error
		info, err = h.ctx.DereferenceDict(*h.ctx.Info)
		return err
	}); err != nil || info == nil {
		return md
	}
	text := func(key string) string {
		o, found := info.Find(key)
		if !found || o == nil {
			return ""
		}
		var s string
		if err := guard(func() error {
			var err error
			s, err = h.ctx.DereferenceText(o)
			return err
		}); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	if s := text("Title"); s != "" {
		md.Title = s
	}
	if s := text("Author"); s != "" {
		md.Author = s
	}
	if s := text("Producer"); s != "" {
		md.Producer = s
	}
	if s := text("CreationDate"); s != "" {
		if t, ok := types.DateTime(s, true); ok {
			md.CreationDate = &t
		}
	}
	return md
}

func (h *pdfcpuHandle) Page(ctx context.Context, pageNum int) (Page, error) {
	if h.destroyed {
		return nil, &PageAccessError{Page: pageNum, Err: ErrDestroyed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageNum < 1 || pageNum > h.ctx.PageCount {
		return nil, &PageAccessError{Page: pageNum, Err: ErrPageOutOfRange}
	}
	var (
		dict types.Dict
		inh  *model.InheritedPageAttrs
	)
	err := guard(func() error {
		var err error
		dict, _, inh, err = h.ctx.PageDict(pageNum, false)
		if err == nil && dict == nil {
			err = fmt.Errorf("missing page dictionary")
		}
		return err
	})
	if err != nil {
		return nil, &PageAccessError{Page: pageNum, Err: err}
	}
	return &pdfcpuPage{doc: h, num: pageNum, dict: dict, inh: inh}, nil
}

// Destroy drops the context. pdfcpu holds no native resources, so this only
// guards against use after release.
func (h *pdfcpuHandle) Destroy() error {
	h.destroyed = true
	return nil
}

// streamBytes returns the decoded bytes of a content stream or an array of them.
func (h *pdfcpuHandle) streamBytes(o types.Object) ([]byte, error) {
	o, err := h.ctx.Dereference(o)
	if err != nil {
		return nil, fmt.Errorf("failed to dereference contents: %w", err)
	}
	switch obj := o.(type) {
	case nil:
		return nil, nil
	case types.StreamDict:
		sd := obj
		if len(sd.Content) == 0 && len(sd.Raw) > 0 {
			if err := sd.Decode(); err != nil {
				return nil, fmt.Errorf("failed to decode stream: %w", err)
			}
		}
		return sd.Content, nil
	case types.Array:
		var buf bytes.Buffer
		for i, item := range obj {
			b, err := h.streamBytes(item)
			if err != nil {
				return nil, fmt.Errorf("contents[%d]: %w", i, err)
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unexpected contents type %T", o)
	}
}

type pdfcpuPage struct {
	doc  *pdfcpuHandle
	num  int
	dict types.Dict
	inh  *model.InheritedPageAttrs

	parsed bool
	codes  []Opcode
	text   []TextItem
	err    error
}

func (pg *pdfcpuPage) Number() int { return pg.num }

func (pg *pdfcpuPage) Viewport(scale float64, rotation int) Viewport {
	w, h := defaultPageWidth, defaultPageHeight
	pageRotation := 0
	if pg.inh != nil {
		box := pg.inh.CropBox
		if box == nil {
			box = pg.inh.MediaBox
		}
		if box != nil && box.Width() > 0 && box.Height() > 0 {
			w, h = box.Width(), box.Height()
		}
		pageRotation = pg.inh.Rotate
	}
	return NewViewport(w, h, scale, pageRotation+rotation)
}

func (pg *pdfcpuPage) OperatorList(ctx context.Context) ([]Opcode, error) {
	if err := pg.parse(ctx); err != nil {
		return nil, err
	}
	return pg.codes, nil
}

func (pg *pdfcpuPage) TextContent(ctx context.Context) ([]TextItem, error) {
	if err := pg.parse(ctx); err != nil {
		return nil, err
	}
	return pg.text, nil
}

func (pg *pdfcpuPage) Render(context.Context, RenderParams) (*Raster, error) {
	return nil, ErrRenderUnsupported
}

func (pg *pdfcpuPage) parse(ctx context.Context) error {
	if pg.parsed {
		return pg.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pg.parsed = true
	pg.err = guard(func() error {
		o, found := pg.dict.Find("Contents")
		if !found || o == nil {
			return nil
		}
		content, err := pg.doc.streamBytes(o)
		if err != nil {
			return err
		}
		ops, err := ParseContent(content)
		if err != nil {
			return err
		}
		pg.codes, pg.text = Interpret(ops, pg.xobjectKinds())
		return nil
	})
	if pg.err != nil {
		pg.err = &PageAccessError{Page: pg.num, Err: pg.err}
	}
	return pg.err
}

// xobjectKinds resolves the page's XObject resources to their subtypes.
func (pg *pdfcpuPage) xobjectKinds() map[string]string {
	var res types.Dict
	if o, found := pg.dict.Find("Resources"); found && o != nil {
		if d, err := pg.doc.ctx.DereferenceDict(o); err == nil {
			res = d
		}
	}
	if res == nil && pg.inh != nil {
		res = pg.inh.Resources
	}
	if res == nil {
		return nil
	}
	o, found := res.Find("XObject")
	if !found || o == nil {
		return nil
	}
	xobjects, err := pg.doc.ctx.DereferenceDict(o)
	if err != nil || xobjects == nil {
		return nil
	}
	kinds := make(map[string]string, len(xobjects))
	for name, ref := range xobjects {
		obj, err := pg.doc.ctx.Dereference(ref)
		if err != nil {
			continue
		}
		sd, ok := obj.(types.StreamDict)
		if !ok {
			continue
		}
		subtype := sd.Dict.NameEntry("Subtype")
		if subtype == nil {
			continue
		}
		kind := *subtype
		if kind == XObjectImage {
			if mask := sd.Dict.BooleanEntry("ImageMask"); mask != nil && *mask {
				kind = XObjectImageMask
			}
		}
		kinds[name] = kind
	}
	return kinds
}

var (
	_ Parser    = (*PdfcpuParser)(nil)
	_ Validator = (*PdfcpuParser)(nil)
)
