// Package filex holds filesystem helpers used by the ingestion paths:
// preparing storage directories, sanitising client-supplied filenames and
// materialising stable, human-recognisable references to transferred bytes.
package filex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates dir (and parents) if needed and returns its absolute
// path. Relative paths are resolved against the working directory.
func EnsureDir(dir string) (string, error) {
	if !filepath.IsAbs(dir) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		dir = filepath.Join(cwd, dir)
	}

	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// SanitizeName reduces a client-supplied filename to a single safe path
// element. Path separators and control characters are replaced; an empty
// result becomes "file".
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return "file"
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case r == '/' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		}
		return r
	}, name)
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return "file"
	}
	return cleaned
}

// StableLinkName is the name of the reference created for an upload.
func StableLinkName(uploadID, filename string) string {
	return SanitizeName(uploadID) + "_" + SanitizeName(filename)
}

// ErrTargetMissing is returned by LinkStable when the referenced bytes do not
// exist; the reference is not created in that case.
var ErrTargetMissing = errors.New("link target missing")

// LinkStable creates (or replaces) a symbolic link in dir, named after the
// upload id and original filename, pointing at target. It returns the link
// path even when the target is missing so callers can still record it.
func LinkStable(dir, uploadID, filename, target string) (string, error) {
	linkPath := filepath.Join(dir, StableLinkName(uploadID, filename))

	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return linkPath, ErrTargetMissing
		}
		return linkPath, fmt.Errorf("stat %s: %w", target, err)
	}

	if existing, err := os.Readlink(linkPath); err == nil && existing == target {
		return linkPath, nil
	}
	if err := os.Remove(linkPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return linkPath, fmt.Errorf("replace %s: %w", linkPath, err)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return linkPath, fmt.Errorf("symlink %s: %w", linkPath, err)
	}
	return linkPath, nil
}

// MoveFile renames src to dst, falling back to copy+remove when the rename
// crosses filesystems.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o660)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := out.ReadFrom(in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return os.Remove(src)
}
