package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("invalid script path")
	// ErrNotFound is returned when the path is not an existing regular file.
	ErrNotFound = errors.New("script not found")
	// ErrExtension is returned when the file extension is not allowed.
	ErrExtension = errors.New("script extension not allowed")
)

// Resolver turns caller-supplied relative paths into absolute paths of
// approved scripts inside a sandbox directory.
type Resolver struct {
	root       string
	extensions map[string]bool
}

// NewResolver creates a resolver for scripts under root with one of the
// given extensions (e.g. ".py").
func NewResolver(root string, extensions []string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts dir: %w", err)
	}
	// Evaluate symlinks once so containment checks compare real paths.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("scripts directory does not exist: %s", root)
	}
	info, err := os.Stat(real)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root)
	}

	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	if len(exts) == 0 {
		return nil, fmt.Errorf("no script extensions configured")
	}

	return &Resolver{root: real, extensions: exts}, nil
}

// Root returns the absolute sandbox directory.
func (r *Resolver) Root() string {
	return r.root
}

// Allowed reports whether name carries an approved extension.
func (r *Resolver) Allowed(name string) bool {
	return r.extensions[strings.ToLower(filepath.Ext(name))]
}

// Resolve validates rel and returns the absolute path of the script it names.
func (r *Resolver) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, rel)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the scripts directory", ErrInvalidPath, rel)
	}
	if !r.Allowed(clean) {
		return "", fmt.Errorf("%w: %q", ErrExtension, rel)
	}

	real, err := filepath.EvalSymlinks(filepath.Join(r.root, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, rel)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	// A symlink inside the sandbox may still point outside of it.
	if !r.contains(real) {
		return "", fmt.Errorf("%w: %q escapes the scripts directory", ErrInvalidPath, rel)
	}
	if !r.Allowed(real) {
		return "", fmt.Errorf("%w: %q", ErrExtension, rel)
	}

	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q", ErrNotFound, rel)
	}

	return real, nil
}

func (r *Resolver) contains(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
