package document

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/enums"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const pointsPerInch = 72

// PdfiumRuntime owns a pool of PDFium WebAssembly instances. Every instance
// has its own linear memory, so each render worker gets an isolated one.
type PdfiumRuntime struct {
	pool    pdfium.Pool
	timeout time.Duration
}

// NewPdfiumRuntime starts a pool sized for the given number of workers.
func NewPdfiumRuntime(instances int) (*PdfiumRuntime, error) {
	if instances < 1 {
		instances = 1
	}
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  instances,
		MaxTotal: instances,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}
	return &PdfiumRuntime{pool: pool, timeout: 30 * time.Second}, nil
}

// NewParser checks an instance out of the pool. Close the parser to return it.
func (r *PdfiumRuntime) NewParser() (*PdfiumParser, error) {
	instance, err := r.pool.GetInstance(r.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to get PDFium instance: %w", err)
	}
	return &PdfiumParser{instance: instance}, nil
}

// Close shuts the pool down.
func (r *PdfiumRuntime) Close() error {
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	return nil
}

// PdfiumParser opens documents inside one PDFium instance.
type PdfiumParser struct {
	instance pdfium.Pdfium
}

// Open loads data into the instance.
func (p *PdfiumParser) Open(ctx context.Context, data []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &ParseError{Reason: ReasonEmptyInput}
	}
	doc, err := p.instance.OpenDocument(&requests.OpenDocument{File: &data})
	if err != nil {
		reason := ReasonMalformed
		if strings.Contains(strings.ToLower(err.Error()), "password") {
			reason = ReasonEncrypted
		}
		return nil, &ParseError{Reason: reason, Err: err}
	}
	h := &pdfiumHandle{instance: p.instance, doc: doc.Document}
	count, err := p.instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{Document: doc.Document})
	if err != nil {
		_ = h.Destroy()
		return nil, &ParseError{Reason: ReasonMalformed, Err: err}
	}
	h.pages = count.PageCount
	if rev, err := p.instance.FPDF_GetSecurityHandlerRevision(&requests.FPDF_GetSecurityHandlerRevision{Document: doc.Document}); err == nil {
		h.encrypted = rev.SecurityHandlerRevision >= 0
	}
	return h, nil
}

// Close returns the instance to its pool.
func (p *PdfiumParser) Close() error {
	if p.instance == nil {
		return nil
	}
	err := p.instance.Close()
	p.instance = nil
	return err
}

type pdfiumHandle struct {
	instance  pdfium.Pdfium
	doc       references.FPDF_DOCUMENT
	pages     int
	encrypted bool
	destroyed bool
}

func (h *pdfiumHandle) PageCount() int { return h.pages }

func (h *pdfiumHandle) IsEncrypted() bool { return h.encrypted }

func (h *pdfiumHandle) Metadata(ctx context.Context) models.Metadata {
	md := models.UnknownMetadata()
	if h.destroyed {
		return md
	}
	tag := func(name string) string {
		res, err := h.instance.FPDF_GetMetaText(&requests.FPDF_GetMetaText{Document: h.doc, Tag: name})
		if err != nil {
			return ""
		}
		return strings.TrimSpace(res.Value)
	}
	if s := tag("Title"); s != "" {
		md.Title = s
	}
	if s := tag("Author"); s != "" {
		md.Author = s
	}
	if s := tag("Producer"); s != "" {
		md.Producer = s
	}
	if t, ok := parsePDFDate(tag("CreationDate")); ok {
		md.CreationDate = &t
	}
	return md
}

func (h *pdfiumHandle) Page(ctx context.Context, pageNum int) (Page, error) {
	if h.destroyed {
		return nil, &PageAccessError{Page: pageNum, Err: ErrDestroyed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageNum < 1 || pageNum > h.pages {
		return nil, &PageAccessError{Page: pageNum, Err: ErrPageOutOfRange}
	}
	pg := &pdfiumPage{doc: h, num: pageNum}
	size, err := h.instance.GetPageSize(&requests.GetPageSize{Page: pg.ref()})
	if err != nil {
		return nil, &PageAccessError{Page: pageNum, Err: err}
	}
	pg.width, pg.height = size.Width, size.Height
	return pg, nil
}

func (h *pdfiumHandle) Destroy() error {
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	if _, err := h.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: h.doc}); err != nil {
		return fmt.Errorf("failed to close PDFium document: %w", err)
	}
	return nil
}

type pdfiumPage struct {
	doc           *pdfiumHandle
	num           int
	width, height float64
}

func (pg *pdfiumPage) ref() requests.Page {
	return requests.Page{
		ByIndex: &requests.PageByIndex{
			Document: pg.doc.doc,
			Index:    pg.num - 1,
		},
	}
}

func (pg *pdfiumPage) Number() int { return pg.num }

func (pg *pdfiumPage) Viewport(scale float64, rotation int) Viewport {
	return NewViewport(pg.width, pg.height, scale, rotation)
}

// OperatorList reports one opcode per page object; PDFium does not expose the raw operator stream.
func (pg *pdfiumPage) OperatorList(ctx context.Context) ([]Opcode, error) {
	inst := pg.doc.instance
	count, err := inst.FPDFPage_CountObjects(&requests.FPDFPage_CountObjects{Page: pg.ref()})
	if err != nil {
		return nil, &PageAccessError{Page: pg.num, Err: err}
	}
	codes := make([]Opcode, 0, count.Count)
	for i := 0; i < count.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj, err := inst.FPDFPage_GetObject(&requests.FPDFPage_GetObject{Page: pg.ref(), Index: i})
		if err != nil {
			return nil, &PageAccessError{Page: pg.num, Err: err}
		}
		typ, err := inst.FPDFPageObj_GetType(&requests.FPDFPageObj_GetType{PageObject: obj.PageObject})
		if err != nil {
			return nil, &PageAccessError{Page: pg.num, Err: err}
		}
		switch typ.Type {
		case enums.FPDF_PAGEOBJ_IMAGE:
			codes = append(codes, OpPaintImageXObject)
		case enums.FPDF_PAGEOBJ_SHADING:
			codes = append(codes, OpShadingFill)
		case enums.FPDF_PAGEOBJ_TEXT:
			codes = append(codes, OpShowText)
		case enums.FPDF_PAGEOBJ_PATH:
			codes = append(codes, OpFill)
		case enums.FPDF_PAGEOBJ_FORM:
			codes = append(codes, OpPaintFormXObject)
		default:
			codes = append(codes, OpOther)
		}
	}
	return codes, nil
}

// TextContent returns the page text as a single run covering the page.
func (pg *pdfiumPage) TextContent(ctx context.Context) ([]TextItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := pg.doc.instance.GetPageText(&requests.GetPageText{Page: pg.ref()})
	if err != nil {
		return nil, &PageAccessError{Page: pg.num, Err: err}
	}
	if res.Text == "" {
		return nil, nil
	}
	return []TextItem{{
		Text: res.Text,
		Box:  Rect{Width: pg.width, Height: pg.height},
	}}, nil
}

func (pg *pdfiumPage) Render(ctx context.Context, params RenderParams) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scale := params.Scale
	if scale <= 0 {
		scale = 1
	}
	dpi := int(math.Round(pointsPerInch * scale))
	if dpi < 1 {
		dpi = 1
	}
	res, err := pg.doc.instance.RenderPageInDPI(&requests.RenderPageInDPI{
		DPI:  dpi,
		Page: pg.ref(),
	})
	if err != nil {
		return nil, &PageAccessError{Page: pg.num, Err: fmt.Errorf("render: %w", err)}
	}
	rotation := NormalizeRotation(params.Rotation)
	if rotation == 0 {
		return &Raster{Image: res.Result.Image, Release: res.Cleanup}, nil
	}
	rotated := RotateRGBA(res.Result.Image, rotation)
	res.Cleanup()
	return &Raster{Image: rotated}, nil
}

// RotateRGBA returns a copy of src rotated clockwise by a multiple of 90 degrees.
func RotateRGBA(src *image.RGBA, rotation int) *image.RGBA {
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	var (
		dst *image.RGBA
		m   f64.Aff3
	)
	switch NormalizeRotation(rotation) {
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
		m = f64.Aff3{0, -1, h, 1, 0, 0}
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		m = f64.Aff3{-1, 0, w, 0, -1, h}
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
		m = f64.Aff3{0, 1, 0, -1, 0, w}
	default:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		m = f64.Aff3{1, 0, 0, 0, 1, 0}
	}
	// translate src to the origin so the matrices above hold for any bounds
	m[2] -= m[0]*float64(b.Min.X) + m[1]*float64(b.Min.Y)
	m[5] -= m[3]*float64(b.Min.X) + m[4]*float64(b.Min.Y)
	draw.NearestNeighbor.Transform(dst, m, src, b, draw.Src, nil)
	return dst
}

// parsePDFDate reads the D:YYYYMMDDHHmmSS prefix of a PDF date string.
func parsePDFDate(s string) (time.Time, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	if len(s) < 4 {
		return time.Time{}, false
	}
	layouts := []string{"20060102150405", "200601021504", "2006010215", "20060102", "200601", "2006"}
	for _, layout := range layouts {
		if len(s) >= len(layout) {
			if t, err := time.Parse(layout, s[:len(layout)]); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

var _ Parser = (*PdfiumParser)(nil)
