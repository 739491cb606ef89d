package document

import (
	"bytes"
	"errors"
	"io"
	"strconv"
)

// Name is a PDF name operand without its leading slash.
type Name string

// Operator is one content-stream operator with the operands that precede it.
// Operands are float64, bool, nil, Name, []byte (strings), []any or map[Name]any.
type Operator struct {
	Name     string
	Operands []any
}

// XObject subtypes as resolved from page resources.
const (
	XObjectImage     = "Image"
	XObjectImageMask = "ImageMask"
	XObjectForm      = "Form"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokName
	tokString
	tokBool
	tokNull
	tokArrayStart
	tokArrayEnd
	tokDictStart
	tokDictEnd
	tokKeyword
)

type token struct {
	kind  tokenKind
	value any
}

var errUnterminated = errors.New("content: unterminated construct")

// ParseContent splits a decoded content stream into operators.
// Inline images are reported as a single "BI" operator with no operands.
func ParseContent(data []byte) ([]Operator, error) {
	lx := &lexer{data: data}
	var ops []Operator
	var operands []any
	for {
		tok, err := lx.next()
		if errors.Is(err, io.EOF) {
			return ops, nil
		}
		if err != nil {
			return ops, err
		}
		if tok.kind != tokKeyword {
			v, err := lx.value(tok)
			if err != nil {
				return ops, err
			}
			operands = append(operands, v)
			continue
		}
		kw := tok.value.(string)
		if kw == "BI" {
			if err := lx.skipInlineImage(); err != nil {
				return ops, err
			}
			ops = append(ops, Operator{Name: "BI"})
			operands = nil
			continue
		}
		ops = append(ops, Operator{Name: kw, Operands: operands})
		operands = nil
	}
}

type lexer struct {
	data []byte
	pos  int
}

func (lx *lexer) value(tok token) (any, error) {
	switch tok.kind {
	case tokArrayStart:
		var arr []any
		for {
			t, err := lx.next()
			if err != nil {
				return arr, errUnterminated
			}
			if t.kind == tokArrayEnd {
				return arr, nil
			}
			v, err := lx.value(t)
			if err != nil {
				return arr, err
			}
			arr = append(arr, v)
		}
	case tokDictStart:
		d := map[Name]any{}
		for {
			t, err := lx.next()
			if err != nil {
				return d, errUnterminated
			}
			if t.kind == tokDictEnd {
				return d, nil
			}
			key, ok := t.value.(Name)
			if !ok {
				return d, errors.New("content: dictionary key is not a name")
			}
			vt, err := lx.next()
			if err != nil {
				return d, errUnterminated
			}
			v, err := lx.value(vt)
			if err != nil {
				return d, err
			}
			d[key] = v
		}
	case tokArrayEnd, tokDictEnd:
		return nil, errors.New("content: unbalanced delimiter")
	default:
		return tok.value, nil
	}
}

func (lx *lexer) next() (token, error) {
	lx.skipSpace()
	if lx.pos >= len(lx.data) {
		return token{}, io.EOF
	}
	c := lx.data[lx.pos]
	switch c {
	case '[':
		lx.pos++
		return token{kind: tokArrayStart}, nil
	case ']':
		lx.pos++
		return token{kind: tokArrayEnd}, nil
	case '<':
		if lx.peek(1) == '<' {
			lx.pos += 2
			return token{kind: tokDictStart}, nil
		}
		return lx.hexString()
	case '>':
		if lx.peek(1) == '>' {
			lx.pos += 2
			return token{kind: tokDictEnd}, nil
		}
		lx.pos++
		return token{kind: tokKeyword, value: ">"}, nil
	case '(':
		return lx.literalString()
	case '/':
		return lx.name(), nil
	}
	if isNumberStart(c) {
		return lx.number(), nil
	}
	start := lx.pos
	for lx.pos < len(lx.data) && !isDelimiter(lx.data[lx.pos]) {
		lx.pos++
	}
	if lx.pos == start {
		// stray delimiter such as ')' or '{'
		lx.pos++
	}
	kw := string(lx.data[start:lx.pos])
	switch kw {
	case "true":
		return token{kind: tokBool, value: true}, nil
	case "false":
		return token{kind: tokBool, value: false}, nil
	case "null":
		return token{kind: tokNull}, nil
	}
	return token{kind: tokKeyword, value: kw}, nil
}

func (lx *lexer) skipSpace() {
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		if c == '%' {
			for lx.pos < len(lx.data) && !isEOL(lx.data[lx.pos]) {
				lx.pos++
			}
			continue
		}
		if !isWhitespace(c) {
			return
		}
		lx.pos++
	}
}

func (lx *lexer) peek(n int) byte {
	if lx.pos+n >= len(lx.data) {
		return 0
	}
	return lx.data[lx.pos+n]
}

func (lx *lexer) name() token {
	lx.pos++ // '/'
	var buf bytes.Buffer
	for lx.pos < len(lx.data) && !isDelimiter(lx.data[lx.pos]) {
		c := lx.data[lx.pos]
		if c == '#' && lx.pos+2 < len(lx.data) {
			if v, err := strconv.ParseUint(string(lx.data[lx.pos+1:lx.pos+3]), 16, 8); err == nil {
				buf.WriteByte(byte(v))
				lx.pos += 3
				continue
			}
		}
		buf.WriteByte(c)
		lx.pos++
	}
	return token{kind: tokName, value: Name(buf.String())}
}

func (lx *lexer) number() token {
	start := lx.pos
	lx.pos++
	for lx.pos < len(lx.data) && isNumberByte(lx.data[lx.pos]) {
		lx.pos++
	}
	f, err := strconv.ParseFloat(string(lx.data[start:lx.pos]), 64)
	if err != nil {
		f = 0
	}
	return token{kind: tokNumber, value: f}
}

func (lx *lexer) literalString() (token, error) {
	lx.pos++ // '('
	var buf bytes.Buffer
	depth := 1
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		switch {
		case c == '\\':
			lx.pos++
			if lx.pos >= len(lx.data) {
				return token{}, errUnterminated
			}
			esc := lx.data[lx.pos]
			switch {
			case esc == '\r':
				lx.pos++
				if lx.pos < len(lx.data) && lx.data[lx.pos] == '\n' {
					lx.pos++
				}
			case esc == '\n':
				lx.pos++
			case esc >= '0' && esc <= '7':
				val := int(esc - '0')
				lx.pos++
				for k := 0; k < 2 && lx.pos < len(lx.data); k++ {
					d := lx.data[lx.pos]
					if d < '0' || d > '7' {
						break
					}
					val = val<<3 + int(d-'0')
					lx.pos++
				}
				buf.WriteByte(byte(val))
			default:
				buf.WriteByte(translateEscape(esc))
				lx.pos++
			}
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				lx.pos++
				return token{kind: tokString, value: buf.Bytes()}, nil
			}
		}
		buf.WriteByte(c)
		lx.pos++
	}
	return token{}, errUnterminated
}

func (lx *lexer) hexString() (token, error) {
	lx.pos++ // '<'
	var digits []byte
	for lx.pos < len(lx.data) {
		c := lx.data[lx.pos]
		lx.pos++
		if c == '>' {
			if len(digits)%2 == 1 {
				digits = append(digits, '0')
			}
			out := make([]byte, len(digits)/2)
			for i := range out {
				out[i] = fromHex(digits[2*i])<<4 | fromHex(digits[2*i+1])
			}
			return token{kind: tokString, value: out}, nil
		}
		if isWhitespace(c) {
			continue
		}
		digits = append(digits, c)
	}
	return token{}, errUnterminated
}

// skipInlineImage consumes the BI dictionary, the ID keyword and the image
// data up to an EI preceded by whitespace and followed by a delimiter or EOF.
func (lx *lexer) skipInlineImage() error {
	for {
		tok, err := lx.next()
		if err != nil {
			return errUnterminated
		}
		if tok.kind == tokKeyword && tok.value == "ID" {
			break
		}
		if tok.kind == tokArrayStart || tok.kind == tokDictStart {
			if _, err := lx.value(tok); err != nil {
				return err
			}
		}
	}
	if lx.pos < len(lx.data) && isWhitespace(lx.data[lx.pos]) {
		lx.pos++
	}
	dataStart := lx.pos
	for lx.pos+1 < len(lx.data) {
		if lx.data[lx.pos] == 'E' && lx.data[lx.pos+1] == 'I' &&
			lx.pos > dataStart && isWhitespace(lx.data[lx.pos-1]) &&
			(lx.pos+2 >= len(lx.data) || isDelimiter(lx.data[lx.pos+2])) {
			lx.pos += 2
			return nil
		}
		lx.pos++
	}
	return errUnterminated
}

// textState tracks the text position closely enough to box text runs.
type textState struct {
	x, y       float64
	lineX      float64
	lineY      float64
	fontSize   float64
	leading    float64
	horizScale float64
}

// Interpret maps operators to opcodes and collects text runs. xobjects maps
// XObject resource names to their subtype (XObjectImage, XObjectImageMask, XObjectForm).
func Interpret(ops []Operator, xobjects map[string]string) ([]Opcode, []TextItem) {
	codes := make([]Opcode, 0, len(ops))
	var items []TextItem
	ts := textState{fontSize: 1, horizScale: 1}
	show := func(s []byte) {
		if len(s) == 0 {
			return
		}
		width := float64(len(s)) * ts.fontSize * 0.5 * ts.horizScale
		items = append(items, TextItem{
			Text: string(s),
			Box:  Rect{X: ts.x, Y: ts.y, Width: width, Height: ts.fontSize},
		})
		ts.x += width
	}
	newline := func(tx, ty float64) {
		ts.lineX += tx
		ts.lineY += ty
		ts.x, ts.y = ts.lineX, ts.lineY
	}
	for _, op := range ops {
		args := op.Operands
		switch op.Name {
		case "BT":
			ts.x, ts.y, ts.lineX, ts.lineY = 0, 0, 0, 0
			codes = append(codes, OpBeginText)
		case "ET":
			codes = append(codes, OpEndText)
		case "Tf":
			if v, ok := floatAt(args, 1); ok {
				ts.fontSize = v
			}
			codes = append(codes, OpOther)
		case "Tz":
			if v, ok := floatAt(args, 0); ok {
				ts.horizScale = v / 100
			}
			codes = append(codes, OpOther)
		case "TL":
			if v, ok := floatAt(args, 0); ok {
				ts.leading = v
			}
			codes = append(codes, OpOther)
		case "Td", "TD":
			tx, _ := floatAt(args, 0)
			ty, _ := floatAt(args, 1)
			if op.Name == "TD" {
				ts.leading = -ty
			}
			newline(tx, ty)
			codes = append(codes, OpOther)
		case "Tm":
			e, _ := floatAt(args, 4)
			f, _ := floatAt(args, 5)
			ts.lineX, ts.lineY = e, f
			ts.x, ts.y = e, f
			codes = append(codes, OpOther)
		case "T*":
			newline(0, -ts.leading)
			codes = append(codes, OpOther)
		case "Tj":
			show(bytesAt(args, 0))
			codes = append(codes, OpShowText)
		case "'":
			newline(0, -ts.leading)
			show(bytesAt(args, 0))
			codes = append(codes, OpShowText)
		case "\"":
			newline(0, -ts.leading)
			show(bytesAt(args, 2))
			codes = append(codes, OpShowText)
		case "TJ":
			var run []byte
			if len(args) > 0 {
				if arr, ok := args[0].([]any); ok {
					for _, el := range arr {
						if b, ok := el.([]byte); ok {
							run = append(run, b...)
						}
					}
				}
			}
			show(run)
			codes = append(codes, OpShowText)
		case "Do":
			codes = append(codes, xobjectOpcode(args, xobjects))
		case "BI":
			codes = append(codes, OpPaintInlineImage)
		case "sh":
			codes = append(codes, OpShadingFill)
		case "f", "F", "f*", "B", "B*", "b", "b*":
			codes = append(codes, OpFill)
		case "S", "s":
			codes = append(codes, OpStroke)
		default:
			codes = append(codes, OpOther)
		}
	}
	return codes, items
}

func xobjectOpcode(args []any, xobjects map[string]string) Opcode {
	if len(args) == 0 {
		return OpOther
	}
	name, ok := args[0].(Name)
	if !ok {
		return OpOther
	}
	switch xobjects[string(name)] {
	case XObjectImage:
		return OpPaintImageXObject
	case XObjectImageMask:
		return OpPaintImageMask
	case XObjectForm:
		return OpPaintFormXObject
	default:
		return OpOther
	}
}

func floatAt(args []any, i int) (float64, bool) {
	if i >= len(args) {
		return 0, false
	}
	f, ok := args[i].(float64)
	return f, ok
}

func bytesAt(args []any, i int) []byte {
	if i >= len(args) {
		return nil
	}
	b, _ := args[i].([]byte)
	return b
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func isEOL(c byte) bool { return c == '\r' || c == '\n' }

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func isNumberStart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
}

func isNumberByte(c byte) bool {
	return c == '.' || (c >= '0' && c <= '9')
}

func translateEscape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
