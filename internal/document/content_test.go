package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opNames(ops []Operator) []string {
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.Name
	}
	return names
}

func TestParseContent_TextObject(t *testing.T) {
	ops, err := ParseContent([]byte("BT /F1 12 Tf 72 712 Td (Hello) Tj ET"))
	require.NoError(t, err)
	require.Equal(t, []string{"BT", "Tf", "Td", "Tj", "ET"}, opNames(ops))

	assert.Equal(t, []any{Name("F1"), 12.0}, ops[1].Operands)
	assert.Equal(t, []any{72.0, 712.0}, ops[2].Operands)
	assert.Equal(t, []any{[]byte("Hello")}, ops[3].Operands)
}

func TestParseContent_Operands(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"literal escapes", `(a\(b\)\101) Tj`, []byte("a(b)A")},
		{"nested parens", `(a(b)c) Tj`, []byte("a(b)c")},
		{"hex string", `<48656C6C6F> Tj`, []byte("Hello")},
		{"odd hex string", `<4> Tj`, []byte{0x40}},
		{"name escape", `/A#20B Do`, Name("A B")},
		{"negative number", `-3.5 Tz`, -3.5},
		{"boolean", `true op`, true},
		{"array", `[1 (x) /N] op`, []any{1.0, []byte("x"), Name("N")}},
		{"dict", `<</K 1>> op`, map[Name]any{"K": 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := ParseContent([]byte(tt.input))
			require.NoError(t, err)
			require.Len(t, ops, 1)
			require.Len(t, ops[0].Operands, 1)
			assert.Equal(t, tt.want, ops[0].Operands[0])
		})
	}
}

func TestParseContent_CommentsAreSkipped(t *testing.T) {
	ops, err := ParseContent([]byte("% header\nq % save\n1 0 0 1 0 0 cm\nQ"))
	require.NoError(t, err)
	assert.Equal(t, []string{"q", "cm", "Q"}, opNames(ops))
}

func TestParseContent_InlineImage(t *testing.T) {
	ops, err := ParseContent([]byte("q BI /W 1 /H 1 /BPC 8 /CS /G ID \x00 EI Q"))
	require.NoError(t, err)
	assert.Equal(t, []string{"q", "BI", "Q"}, opNames(ops))
}

func TestParseContent_Unterminated(t *testing.T) {
	for _, input := range []string{"(abc", "<4142", "[1 2", "BI /W 1 ID xxxx"} {
		_, err := ParseContent([]byte(input))
		assert.ErrorIs(t, err, errUnterminated, input)
	}
}

func TestInterpret_TextRuns(t *testing.T) {
	ops, err := ParseContent([]byte("BT /F1 12 Tf 14 TL 72 712 Td (Hello) Tj T* [(Wo) -20 (rld)] TJ ET"))
	require.NoError(t, err)

	codes, items := Interpret(ops, nil)
	assert.Equal(t, []Opcode{
		OpBeginText, OpOther, OpOther, OpOther, OpShowText, OpOther, OpShowText, OpEndText,
	}, codes)
	require.Len(t, items, 2)

	assert.Equal(t, "Hello", items[0].Text)
	assert.Equal(t, Rect{X: 72, Y: 712, Width: 30, Height: 12}, items[0].Box)

	assert.Equal(t, "World", items[1].Text)
	assert.Equal(t, 72.0, items[1].Box.X)
	assert.Equal(t, 698.0, items[1].Box.Y)
}

func TestInterpret_XObjects(t *testing.T) {
	ops, err := ParseContent([]byte("/Im1 Do /Fm1 Do /M1 Do /Missing Do /Sh0 sh 0 0 m 10 10 l f S"))
	require.NoError(t, err)

	codes, _ := Interpret(ops, map[string]string{
		"Im1": XObjectImage,
		"Fm1": XObjectForm,
		"M1":  XObjectImageMask,
	})
	assert.Equal(t, []Opcode{
		OpPaintImageXObject, OpPaintFormXObject, OpPaintImageMask, OpOther,
		OpShadingFill, OpOther, OpOther, OpFill, OpStroke,
	}, codes)
	assert.True(t, ContainsImagePaint(codes))
}

func TestContainsImagePaint(t *testing.T) {
	assert.False(t, ContainsImagePaint(nil))
	assert.False(t, ContainsImagePaint([]Opcode{OpShowText, OpFill, OpPaintFormXObject}))
	assert.True(t, ContainsImagePaint([]Opcode{OpShowText, OpPaintInlineImage}))
	assert.True(t, ContainsImagePaint([]Opcode{OpShadingFill}))
	assert.Equal(t, "paintImageMask", OpPaintImageMask.String())
}
