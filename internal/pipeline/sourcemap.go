package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// WriteSourceMaps emits a "<name>.map" file next to every file carrying a
// source map, points the map's "file" field at the output name and appends
// a sourceMappingURL comment to the output. Files without a map pass through.
func WriteSourceMaps() Transform {
	return Func("sourcemaps", func(ctx context.Context, in Batch) (Batch, error) {
		out := make(Batch, 0, len(in)*2)
		for _, f := range in {
			if len(f.SourceMap) == 0 {
				out = append(out, f)
				continue
			}

			var m map[string]interface{}
			if err := json.Unmarshal(f.SourceMap, &m); err != nil {
				return nil, kerrors.NewTransformError(kerrors.ErrCodeInternalError, "invalid source map", err).
					WithLocation(f.Path, 0, 0)
			}
			name := path.Base(f.Path)
			m["file"] = name
			data, err := json.Marshal(m)
			if err != nil {
				return nil, kerrors.NewInternalError(kerrors.ErrCodeInternalError, "failed to encode source map", err)
			}

			contents := append([]byte{}, f.Contents...)
			contents = append(contents, mappingComment(f.Path, name+".map")...)

			out = append(out,
				&File{Path: f.Path, Base: f.Base, Contents: contents},
				&File{Path: f.Path + ".map", Base: f.Base, Contents: data},
			)
		}
		return out, nil
	})
}

func mappingComment(p, mapName string) string {
	if path.Ext(p) == ".js" {
		return "\n//# sourceMappingURL=" + mapName + "\n"
	}
	return "\n/*# sourceMappingURL=" + mapName + " */\n"
}

// mapping is one decoded segment of a source map's "mappings" field. fields
// is 1, 4 or 5; source positions are absolute.
type mapping struct {
	genCol  int
	fields  int
	source  int
	srcLine int
	srcCol  int
	name    int
}

const vlqDigits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func decodeMappings(s string) ([][]mapping, error) {
	var (
		lines                         [][]mapping
		line                          []mapping
		source, srcLine, srcCol, name int
		genCol                        int
	)

	for i := 0; i <= len(s); {
		if i == len(s) || s[i] == ';' {
			lines = append(lines, line)
			line = nil
			genCol = 0
			i++
			continue
		}
		if s[i] == ',' {
			i++
			continue
		}

		var values [5]int
		n := 0
		for i < len(s) && s[i] != ',' && s[i] != ';' {
			if n == len(values) {
				return nil, fmt.Errorf("segment with more than %d fields", len(values))
			}
			v, next, err := decodeVLQ(s, i)
			if err != nil {
				return nil, err
			}
			values[n] = v
			n++
			i = next
		}
		if n != 1 && n != 4 && n != 5 {
			return nil, fmt.Errorf("segment with %d fields", n)
		}

		genCol += values[0]
		seg := mapping{genCol: genCol, fields: n}
		if n >= 4 {
			source += values[1]
			srcLine += values[2]
			srcCol += values[3]
			seg.source, seg.srcLine, seg.srcCol = source, srcLine, srcCol
		}
		if n == 5 {
			name += values[4]
			seg.name = name
		}
		line = append(line, seg)
	}
	return lines, nil
}

func encodeMappings(lines [][]mapping) string {
	var (
		sb                            strings.Builder
		source, srcLine, srcCol, name int
	)
	for i, line := range lines {
		if i > 0 {
			sb.WriteByte(';')
		}
		genCol := 0
		for j, seg := range line {
			if j > 0 {
				sb.WriteByte(',')
			}
			encodeVLQ(&sb, seg.genCol-genCol)
			genCol = seg.genCol
			if seg.fields >= 4 {
				encodeVLQ(&sb, seg.source-source)
				encodeVLQ(&sb, seg.srcLine-srcLine)
				encodeVLQ(&sb, seg.srcCol-srcCol)
				source, srcLine, srcCol = seg.source, seg.srcLine, seg.srcCol
			}
			if seg.fields == 5 {
				encodeVLQ(&sb, seg.name-name)
				name = seg.name
			}
		}
	}
	return sb.String()
}

func decodeVLQ(s string, i int) (value, next int, err error) {
	shift := 0
	for {
		if i >= len(s) {
			return 0, 0, fmt.Errorf("truncated vlq value")
		}
		digit := strings.IndexByte(vlqDigits, s[i])
		if digit < 0 {
			return 0, 0, fmt.Errorf("invalid vlq digit %q", s[i])
		}
		i++
		value += (digit & 31) << shift
		if digit&32 == 0 {
			break
		}
		shift += 5
	}
	if value&1 == 1 {
		return -(value >> 1), i, nil
	}
	return value >> 1, i, nil
}

func encodeVLQ(sb *strings.Builder, v int) {
	n := v << 1
	if v < 0 {
		n = (-v)<<1 | 1
	}
	for {
		digit := n & 31
		n >>= 5
		if n > 0 {
			digit |= 32
		}
		sb.WriteByte(vlqDigits[digit])
		if n == 0 {
			return
		}
	}
}
