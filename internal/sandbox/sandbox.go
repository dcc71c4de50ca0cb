// Package sandbox confines client-supplied paths to a home directory.
//
// All paths returned by Root are canonical: absolute, cleaned and with
// symlinks resolved, so containment is a plain component-wise prefix test
// against the canonical home directory.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrOutsideRoot is returned when a path resolves outside the home directory.
	ErrOutsideRoot = errors.New("path escapes home directory")

	// ErrNotFound is returned when a path, or the parent of a new path, does not exist.
	ErrNotFound = errors.New("no such file or directory")

	// ErrNotDirectory is returned when a directory was expected.
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotRegular is returned when a regular file was expected.
	ErrNotRegular = errors.New("not a regular file")

	// ErrExists is returned when creating a path that already exists.
	ErrExists = errors.New("already exists")

	// ErrInvalidName is returned for names that do not denote a child entry.
	ErrInvalidName = errors.New("invalid name")
)

// Root is a canonical home directory.
type Root struct {
	home string
}

// New canonicalizes home and checks that it is an existing directory.
func New(home string) (*Root, error) {
	canonical, err := Canonical(home)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory %q: %w", home, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat home directory %q: %w", canonical, mapNotExist(err))
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("home directory %q: %w", canonical, ErrNotDirectory)
	}

	return &Root{home: canonical}, nil
}

// Home returns the canonical home directory.
func (r *Root) Home() string {
	return r.home
}

// Contains reports whether canonical path p is the home directory or below it.
func (r *Root) Contains(p string) bool {
	rel, err := filepath.Rel(r.home, filepath.Clean(p))
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// Display renders canonical path p relative to home: "~/" for home itself,
// "~/a/b/" below it. Paths outside home render as "~/".
func (r *Root) Display(p string) string {
	rel, err := filepath.Rel(r.home, p)
	if err != nil || rel == "." || !r.Contains(p) {
		return "~/"
	}
	return "~/" + filepath.ToSlash(rel) + "/"
}

// Join resolves a client-supplied name against cwd.
//
// Leading separators are stripped so every name is relative to cwd. The
// result is lexically cleaned but not canonical.
func (r *Root) Join(cwd, name string) string {
	name = strings.TrimLeft(name, `/\`)
	return filepath.Join(cwd, filepath.FromSlash(name))
}

// Dir resolves name to an existing directory inside home.
func (r *Root) Dir(cwd, name string) (string, error) {
	p, info, err := r.existing(cwd, name)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", name, ErrNotDirectory)
	}
	return p, nil
}

// File resolves name to an existing regular file inside home.
func (r *Root) File(cwd, name string) (string, error) {
	p, info, err := r.existing(cwd, name)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, ErrNotRegular)
	}
	return p, nil
}

// Child resolves name to an entry whose parent is an existing directory
// inside home. The entry itself may or may not exist; if it exists its
// canonical path must also be inside home.
//
// Returns the canonical path and the entry's FileInfo (nil if absent).
func (r *Root) Child(cwd, name string) (string, fs.FileInfo, error) {
	joined := r.Join(cwd, name)
	base := filepath.Base(joined)
	if base == "." || base == ".." || base == string(filepath.Separator) || strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(joined))
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", name, mapNotExist(err))
	}
	if !r.Contains(parent) {
		return "", nil, fmt.Errorf("%s: %w", name, ErrOutsideRoot)
	}
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", name, mapNotExist(err))
	}
	if !parentInfo.IsDir() {
		return "", nil, fmt.Errorf("%s: %w", name, ErrNotDirectory)
	}

	p := filepath.Join(parent, base)
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", name, err)
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(p)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", name, mapNotExist(err))
		}
		if !r.Contains(target) {
			return "", nil, fmt.Errorf("%s: %w", name, ErrOutsideRoot)
		}
		if info, err = os.Stat(target); err != nil {
			return "", nil, fmt.Errorf("%s: %w", name, mapNotExist(err))
		}
		p = target
	}

	return p, info, nil
}

func (r *Root) existing(cwd, name string) (string, fs.FileInfo, error) {
	p, err := filepath.EvalSymlinks(r.Join(cwd, name))
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", name, mapNotExist(err))
	}
	if !r.Contains(p) {
		return "", nil, fmt.Errorf("%s: %w", name, ErrOutsideRoot)
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", name, mapNotExist(err))
	}
	return p, info, nil
}

// Canonical returns the absolute, symlink-free form of p.
//
// When p does not exist its parent is resolved instead and the final
// element joined back, so a file about to be created canonicalizes to
// the same key it will have once it exists.
func Canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", mapNotExist(err)
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

func mapNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if errors.Is(err, syscall.ENOTDIR) {
		return ErrNotDirectory
	}
	return err
}
