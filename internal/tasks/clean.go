package tasks

import (
	"os"
	"path/filepath"
	"strings"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// Clean removes every root with its contents. Missing roots are fine.
// Nothing is removed unless all roots pass checkCleanTarget.
func Clean(roots []string, src string) error {
	for _, root := range roots {
		if err := checkCleanTarget(root, src); err != nil {
			return err
		}
	}

	for _, root := range roots {
		if err := os.RemoveAll(root); err != nil {
			return kerrors.NewCleanError("failed to remove output root", err).WithLocation(root, 0, 0)
		}
	}
	return nil
}

// checkCleanTarget refuses roots whose removal would take the working
// directory, the file-system root or the sources with it.
func checkCleanTarget(root, src string) error {
	if strings.TrimSpace(root) == "" {
		return kerrors.NewCleanError("refusing to remove an empty path", nil)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return kerrors.NewCleanError("cannot resolve output root", err).WithLocation(root, 0, 0)
	}

	if abs == filepath.Dir(abs) {
		return kerrors.NewCleanError("refusing to remove the file-system root", nil).WithLocation(root, 0, 0)
	}

	if cwd, err := os.Getwd(); err == nil && within(abs, cwd) {
		return kerrors.NewCleanError("refusing to remove the working directory", nil).WithLocation(root, 0, 0)
	}

	if src != "" {
		if srcAbs, err := filepath.Abs(src); err == nil && within(abs, srcAbs) {
			return kerrors.NewCleanError("refusing to remove the source tree", nil).WithLocation(root, 0, 0)
		}
	}
	return nil
}

// within reports whether child is parent or lies below it.
func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
