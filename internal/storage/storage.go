// Package storage publishes rendered artifacts to durable storage and returns
// a public URL for each.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store publishes a local file under key.
type Store interface {
	Put(ctx context.Context, localPath, key, contentType string) (string, error)
}

// ContentTypeFor guesses a content type from the artifact extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".json":
		return "application/json"
	case ".edl":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// CleanKey normalises an object key and rejects traversal.
func CleanKey(key string) (string, error) {
	k := strings.TrimLeft(path.Clean("/"+filepath.ToSlash(key)), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("empty artifact key")
	}
	for _, part := range strings.Split(filepath.ToSlash(key), "/") {
		if part == ".." {
			return "", fmt.Errorf("artifact key %q contains path traversal", key)
		}
	}
	return k, nil
}

// LocalStore copies artifacts into a directory served by the API under
// /artifacts/.
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore creates root if needed. baseURL is the public prefix that
// maps to root; when empty, file:// URLs are returned.
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) Put(ctx context.Context, localPath, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", err
	}
	if s.baseURL == "" {
		return "file://" + dst, nil
	}
	return s.baseURL + "/" + k, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close artifact: %w", err)
	}
	return os.Rename(tmp, dst)
}
