// Package local stores run reports on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	crawlstorage "github.com/JakeFAU/streamcrawler/internal/storage"
)

// ReportStore writes run reports under a base directory.
type ReportStore struct {
	baseDir string
}

// New creates a report store rooted at baseDir, creating it if needed.
func New(baseDir string) (*ReportStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &ReportStore{baseDir: filepath.Clean(baseDir)}, nil
}

// PutReport writes report as indented JSON and returns a file:// URI.
func (s *ReportStore) PutReport(_ context.Context, report crawlstorage.RunReport) (string, error) {
	name, err := crawlstorage.ObjectName("", report)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(name))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run report: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write run report: %w", err)
	}
	return "file://" + fullPath, nil
}
