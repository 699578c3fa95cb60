package blob

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("invalid artifact path")

// LocalFS stores job artifacts under Root. Relative paths never escape Root.
type LocalFS struct {
	Root string
}

// Sub returns the store rooted at relDir, creating the directory.
func (l LocalFS) Sub(relDir string) (LocalFS, error) {
	abs, err := l.Path(relDir)
	if err != nil {
		return LocalFS{}, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return LocalFS{}, err
	}
	return LocalFS{Root: abs}, nil
}

// Path resolves relPath to a file system path under Root.
func (l LocalFS) Path(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(l.Root, clean), nil
}

// Put writes r to relPath and returns the absolute path written.
func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.Path(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return abs, f.Close()
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.Path(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	abs, err := l.Path(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}
