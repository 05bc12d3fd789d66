package audit

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

const blobExt = ".cbor.zst"

// FileSink stores one file per key under a root directory. Directories are
// created with 0700 and files with 0600.
type FileSink struct {
	root string
}

// DefaultDir returns the platform-appropriate default audit directory.
func DefaultDir() string {
	if runtime.GOOS == "darwin" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".tb-terminal", "audit")
	}
	return "/var/log/tb-terminal/audit"
}

// NewFileSink creates the root directory if needed.
func NewFileSink(root string) (*FileSink, error) {
	if root == "" {
		root = DefaultDir()
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", root, err)
	}
	return &FileSink{root: root}, nil
}

func (s *FileSink) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("audit: invalid key %q", key)
	}
	return filepath.Join(s.root, clean) + blobExt, nil
}

// Write stores blob atomically: a temp file is written then renamed.
func (s *FileSink) Write(key string, blob []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return fmt.Errorf("audit: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("audit: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("audit: chmod: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("audit: rename: %w", err)
	}
	return nil
}

func (s *FileSink) ReadAll() (map[string][]byte, error) {
	keys, err := s.ListKeys("")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		p, _ := s.path(k)
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("audit: read %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

func (s *FileSink) ListKeys(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, blobExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, blobExt))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", s.root, err)
	}
	sort.Strings(keys)
	return keys, nil
}
