// Package localfs stores uploaded comprobante files on the local
// filesystem, keyed under the batch that received them.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/uploads"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Save writes one uploaded file under <base>/<batchID>/<sanitized name> and
// returns the stored path. The batch directory is created on first use.
func (s *Storage) Save(_ context.Context, batchID uuid.UUID, filename string, data io.Reader) (string, error) {
	dir := filepath.Join(s.basePath, batchID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}

	path := filepath.Join(dir, SanitizeFilename(filename))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func (s *Storage) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

var (
	unsafeChars   = regexp.MustCompile(`[^\w.\-]`)
	repeatedScore = regexp.MustCompile(`_+`)
)

// SanitizeFilename flattens an arbitrary client filename into a safe,
// lowercase storage key. Path separators, spaces and shell metacharacters
// all collapse to underscores.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = repeatedScore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "archivo"
	}
	return strings.ToLower(name)
}
