package document

// Opcode is a drawing operation in the order a page issues it.
type Opcode int

const (
	OpOther Opcode = iota
	OpBeginText
	OpEndText
	OpShowText
	OpFill
	OpStroke
	OpPaintFormXObject
	OpPaintImageXObject
	OpPaintInlineImage
	OpPaintImageMask
	OpShadingFill
)

var opcodeNames = map[Opcode]string{
	OpOther:             "other",
	OpBeginText:         "beginText",
	OpEndText:           "endText",
	OpShowText:          "showText",
	OpFill:              "fill",
	OpStroke:            "stroke",
	OpPaintFormXObject:  "paintFormXObject",
	OpPaintImageXObject: "paintImageXObject",
	OpPaintInlineImage:  "paintInlineImage",
	OpPaintImageMask:    "paintImageMask",
	OpShadingFill:       "shadingFill",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "unknown"
}

// imagePaintOps are the operations that paint an image or a shading pattern.
var imagePaintOps = map[Opcode]struct{}{
	OpPaintImageXObject: {},
	OpPaintInlineImage:  {},
	OpPaintImageMask:    {},
	OpShadingFill:       {},
}

// IsImagePaint reports whether o paints an image or a shading pattern.
func (o Opcode) IsImagePaint() bool {
	_, ok := imagePaintOps[o]
	return ok
}

// ContainsImagePaint reports whether any operation in ops paints an image or shading.
func ContainsImagePaint(ops []Opcode) bool {
	for _, op := range ops {
		if op.IsImagePaint() {
			return true
		}
	}
	return false
}
