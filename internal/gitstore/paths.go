package gitstore

import (
	"errors"
	"strings"
)

// ErrInvalidPath marks a path that is not repository-relative.
var ErrInvalidPath = errors.New("path must be repository-relative")

// ValidatePath rejects absolute paths, backslash-rooted paths, and any path
// containing a ".." segment. Cleaning is deliberately not attempted; a
// suspicious path is refused, not repaired.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrInvalidPath
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return ErrInvalidPath
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}
