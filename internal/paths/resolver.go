// Package paths anchors file locations named in configuration.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves configured paths against a base directory, usually
// the directory holding the config file. It is nil-safe: a nil
// *Resolver only expands the home directory.
type Resolver struct {
	base string
}

// New returns a Resolver anchored at base. A relative base is made
// absolute against the working directory.
func New(base string) *Resolver {
	base = ExpandHome(base)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	return &Resolver{base: base}
}

// Base returns the anchor directory.
func (r *Resolver) Base() string {
	if r == nil {
		return ""
	}
	return r.base
}

// Resolve expands a leading ~ and joins relative paths onto the base.
// Absolute paths and the empty string are returned unchanged.
func (r *Resolver) Resolve(path string) string {
	if path == "" {
		return ""
	}
	path = ExpandHome(path)
	if r == nil || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.base, path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
