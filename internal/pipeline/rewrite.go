package pipeline

import (
	"bytes"
	"encoding/json"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// Rewriter assembles new contents out of ranges of an original text plus
// inserted text, remembering where every copied byte came from so that a
// source map of the original can be carried over to the result.
type Rewriter struct {
	src    []byte
	out    bytes.Buffer
	copies []copied
}

type copied struct {
	srcStart, srcEnd int
	outStart         int
}

// NewRewriter starts an empty rewrite of src.
func NewRewriter(src []byte) *Rewriter {
	return &Rewriter{src: src}
}

// Copy appends src[start:end]. Copied ranges must not overlap.
func (r *Rewriter) Copy(start, end int) {
	if start >= end {
		return
	}
	r.copies = append(r.copies, copied{srcStart: start, srcEnd: end, outStart: r.out.Len()})
	r.out.Write(r.src[start:end])
}

// Insert appends text that has no origin in src.
func (r *Rewriter) Insert(text string) {
	r.out.WriteString(text)
}

// Bytes returns the rewritten contents.
func (r *Rewriter) Bytes() []byte {
	return r.out.Bytes()
}

// EndsWith reports whether the output so far ends with b.
func (r *Rewriter) EndsWith(b byte) bool {
	out := r.out.Bytes()
	return len(out) > 0 && out[len(out)-1] == b
}

// RemapSourceMap moves the generated positions of a v3 source map of src to
// the positions the same bytes have in the output. Mappings into text that
// was dropped are removed; inserted text is left unmapped.
func (r *Rewriter) RemapSourceMap(sourceMap []byte) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(sourceMap, &m); err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeInternalError, "invalid source map", err)
	}
	encoded, _ := m["mappings"].(string)
	lines, err := decodeMappings(encoded)
	if err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeInternalError, "invalid source map mappings", err)
	}

	copies := append([]copied(nil), r.copies...)
	sort.Slice(copies, func(i, j int) bool { return copies[i].srcStart < copies[j].srcStart })

	in := newLineIndex(r.src)
	out := newLineIndex(r.out.Bytes())
	remapped := make([][]mapping, out.lines())

	for genLine, segs := range lines {
		for _, seg := range segs {
			off, ok := in.offset(genLine, seg.genCol)
			if !ok {
				continue
			}
			i := sort.Search(len(copies), func(i int) bool { return copies[i].srcEnd > off })
			if i == len(copies) || copies[i].srcStart > off {
				continue
			}
			line, col := out.position(copies[i].outStart + off - copies[i].srcStart)
			seg.genCol = col
			remapped[line] = append(remapped[line], seg)
		}
	}
	for _, segs := range remapped {
		sort.SliceStable(segs, func(i, j int) bool { return segs[i].genCol < segs[j].genCol })
	}

	m["mappings"] = encodeMappings(remapped)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, kerrors.NewInternalError(kerrors.ErrCodeInternalError, "failed to encode source map", err)
	}
	return data, nil
}

// lineIndex converts between byte offsets and source map positions, whose
// columns count UTF-16 code units.
type lineIndex struct {
	text   []byte
	starts []int
}

func newLineIndex(text []byte) lineIndex {
	starts := []int{0}
	for i, c := range text {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{text: text, starts: starts}
}

func (x lineIndex) lines() int {
	return len(x.starts)
}

func (x lineIndex) lineEnd(line int) int {
	if line+1 < len(x.starts) {
		return x.starts[line+1] - 1
	}
	return len(x.text)
}

func (x lineIndex) offset(line, col int) (int, bool) {
	if line < 0 || line >= len(x.starts) || col < 0 {
		return 0, false
	}
	off, end := x.starts[line], x.lineEnd(line)
	for units := 0; units < col; {
		if off >= end {
			return 0, false
		}
		r, size := utf8.DecodeRune(x.text[off:])
		off += size
		units += utf16Len(r)
	}
	return off, true
}

func (x lineIndex) position(off int) (line, col int) {
	line = sort.Search(len(x.starts), func(i int) bool { return x.starts[i] > off }) - 1
	for i := x.starts[line]; i < off; {
		r, size := utf8.DecodeRune(x.text[i:])
		i += size
		col += utf16Len(r)
	}
	return line, col
}

func utf16Len(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
