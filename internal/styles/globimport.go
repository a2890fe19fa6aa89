package styles

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// globImportPattern matches an @import, @use or @forward whose target
// contains a wildcard:
//
//	@import "components/**/*.scss";
var globImportPattern = regexp.MustCompile(`(?m)^([ \t]*)@(?:import|use|forward)\s+(["'])([^"']*[*?{\[][^"']*)(["'])\s*;`)

var styleExtensions = map[string]bool{".scss": true, ".sass": true, ".css": true}

// ExpandGlobImports rewrites every wildcard @import in src into one @import
// per matching stylesheet, resolved relative to dir and sorted. A glob that
// matches nothing is removed.
func ExpandGlobImports(src []byte, dir string) ([]byte, error) {
	var firstErr error
	fsys := os.DirFS(dir)

	out := globImportPattern.ReplaceAllFunc(src, func(m []byte) []byte {
		parts := globImportPattern.FindSubmatch(m)
		indent, quote, pattern := string(parts[1]), string(parts[2]), string(parts[3])

		matches, err := doublestar.Glob(fsys, path.Clean(pattern), doublestar.WithFilesOnly())
		if err != nil {
			if firstErr == nil {
				firstErr = kerrors.NewTransformError(kerrors.ErrCodeStyleCompile, "invalid import glob "+pattern, err).
					WithLocation(filepath.Join(dir, filepath.FromSlash(pattern)), 0, 0)
			}
			return m
		}

		kept := matches[:0]
		for _, match := range matches {
			if styleExtensions[path.Ext(match)] {
				kept = append(kept, match)
			}
		}
		sort.Strings(kept)

		lines := make([]string, 0, len(kept))
		for _, match := range kept {
			lines = append(lines, indent+"@import "+quote+match+quote+";")
		}
		return []byte(strings.Join(lines, "\n"))
	})

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
