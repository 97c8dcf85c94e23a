package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes objects below a directory that the API serves under /media.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("local artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir is the root directory objects are written to.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	clean := filepath.Clean("/" + key)
	target := filepath.Join(s.dir, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create artifact parent: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return s.baseURL + filepath.ToSlash(clean), nil
}

func (s *LocalStore) Close() error { return nil }
