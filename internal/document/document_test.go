package document

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRotation(t *testing.T) {
	tests := map[int]int{
		0:    0,
		90:   90,
		100:  90,
		180:  180,
		270:  270,
		360:  0,
		450:  90,
		-90:  270,
		-180: 180,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeRotation(in), "rotation %d", in)
	}
}

func TestNewViewport(t *testing.T) {
	vp := NewViewport(612, 792, 1, 0)
	assert.Equal(t, Viewport{Width: 612, Height: 792, Scale: 1, Rotation: 0}, vp)

	vp = NewViewport(612, 792, 2, 90)
	assert.Equal(t, 1584.0, vp.Width)
	assert.Equal(t, 1224.0, vp.Height)
	assert.Equal(t, 90, vp.Rotation)

	vp = NewViewport(100, 200, 0, -540)
	assert.Equal(t, 1.0, vp.Scale)
	assert.Equal(t, 180, vp.Rotation)
	assert.Equal(t, 100.0, vp.Width)
}

func TestRotateRGBA(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, red)
	src.SetRGBA(1, 0, blue)

	tests := []struct {
		rotation int
		size     image.Point
		redAt    image.Point
		blueAt   image.Point
	}{
		{0, image.Pt(2, 1), image.Pt(0, 0), image.Pt(1, 0)},
		{90, image.Pt(1, 2), image.Pt(0, 0), image.Pt(0, 1)},
		{180, image.Pt(2, 1), image.Pt(1, 0), image.Pt(0, 0)},
		{270, image.Pt(1, 2), image.Pt(0, 1), image.Pt(0, 0)},
	}
	for _, tt := range tests {
		dst := RotateRGBA(src, tt.rotation)
		assert.Equal(t, tt.size, dst.Bounds().Size(), "rotation %d", tt.rotation)
		assert.Equal(t, red, dst.RGBAAt(tt.redAt.X, tt.redAt.Y), "rotation %d", tt.rotation)
		assert.Equal(t, blue, dst.RGBAAt(tt.blueAt.X, tt.blueAt.Y), "rotation %d", tt.rotation)
	}
}

func TestParsePDFDate(t *testing.T) {
	got, ok := parsePDFDate("D:20230415103000+02'00'")
	require.True(t, ok)
	assert.Equal(t, time.Date(2023, 4, 15, 10, 30, 0, 0, time.UTC), got)

	got, ok = parsePDFDate("D:2021")
	require.True(t, ok)
	assert.Equal(t, 2021, got.Year())

	_, ok = parsePDFDate("")
	assert.False(t, ok)
	_, ok = parsePDFDate("yesterday")
	assert.False(t, ok)
}

func TestPdfcpuParser_RejectsBadInput(t *testing.T) {
	p := NewPdfcpuParser()
	ctx := context.Background()

	_, err := p.Open(ctx, nil)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ReasonEmptyInput, perr.Reason)

	_, err = p.Open(ctx, []byte("definitely not a pdf"))
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ReasonMalformed, perr.Reason)

	err = p.Validate(ctx, []byte("%PDF-1.7\ngarbage"))
	require.True(t, errors.As(err, &perr))
}

func TestPdfcpuParser_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPdfcpuParser().Open(ctx, []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrors(t *testing.T) {
	err := &PageAccessError{Page: 7, Err: ErrPageOutOfRange}
	assert.EqualError(t, err, "page 7: document: page out of range")
	assert.ErrorIs(t, err, ErrPageOutOfRange)

	inner := errors.New("bad xref")
	perr := &ParseError{Reason: ReasonMalformed, Err: inner}
	assert.EqualError(t, perr, "parse error: malformed document: bad xref")
	assert.ErrorIs(t, perr, inner)
}
