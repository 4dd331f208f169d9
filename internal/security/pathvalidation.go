// Package security validates paths the CLI writes to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathNotAllowed is returned when a path resolves outside every allowed
// directory.
var ErrPathNotAllowed = errors.New("path is outside the allowed directories")

// maxFilenameLen bounds SanitizeFilename output.
const maxFilenameLen = 128

// canonicalPath returns the absolute, symlink-resolved form of p. When p does
// not exist yet, the nearest existing ancestor is resolved and the remainder
// re-joined, so a symlinked parent cannot smuggle a new file elsewhere.
func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, err := filepath.Rel(dir, abs)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rest), nil
		}
		if filepath.Dir(dir) == dir {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory reports an error unless filePath, after
// resolving ".." and symlinks, lies inside dir.
func ValidatePathWithinDirectory(filePath, dir string) error {
	target, err := canonicalPath(filePath)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s escapes %s", ErrPathNotAllowed, filePath, dir)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts filePath if it lies inside any of
// allowedDirs.
func ValidatePathWithinAllowedDirs(filePath string, allowedDirs []string) error {
	if len(allowedDirs) == 0 {
		return errors.New("no allowed directories specified")
	}
	for _, dir := range allowedDirs {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (allowed: %v)", ErrPathNotAllowed, filePath, allowedDirs)
}

// ValidateOutputPath accepts paths under the temp directory or the current
// working directory. Used for CSV exports and PNG plots.
func ValidateOutputPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidatePathWithinAllowedDirs(filePath, []string{os.TempDir(), cwd})
}

// SanitizeFilename maps s to a safe file name: anything other than ASCII
// letters, digits, '.', '_' and '-' becomes a single underscore, leading and
// trailing dots and underscores are trimmed, and the result is capped at
// maxFilenameLen bytes. An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		safe := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		switch {
		case safe:
			b.WriteRune(r)
			prevUnderscore = r == '_'
		case !prevUnderscore:
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}
