package casestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dossier/internal/fileutil"
)

// Persistence stores manifests and the active case marker.
type Persistence interface {
	WriteManifest(ctx context.Context, manifest Manifest) error
	ReadManifest(ctx context.Context, caseID string) (Manifest, bool, error)
	SetActive(ctx context.Context, caseID string) error
	Active(ctx context.Context) (string, bool, error)
}

// FileManifests writes <root>/<case>/manifest.json and <root>/active.
type FileManifests struct {
	root string
}

// NewFileManifests returns a file-backed persistence rooted at dir.
func NewFileManifests(dir string) *FileManifests {
	return &FileManifests{root: dir}
}

// ManifestPath returns the manifest location for caseID.
func (f *FileManifests) ManifestPath(caseID string) string {
	return filepath.Join(f.root, caseID, "manifest.json")
}

func (f *FileManifests) activePath() string {
	return filepath.Join(f.root, "active")
}

func (f *FileManifests) WriteManifest(_ context.Context, manifest Manifest) error {
	if err := fileutil.WriteJSONAtomic(f.ManifestPath(manifest.CaseID), manifest); err != nil {
		return fmt.Errorf("write manifest %s: %w", manifest.CaseID, err)
	}
	return nil
}

func (f *FileManifests) ReadManifest(_ context.Context, caseID string) (Manifest, bool, error) {
	data, err := os.ReadFile(f.ManifestPath(caseID))
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, fmt.Errorf("read manifest %s: %w", caseID, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, false, fmt.Errorf("decode manifest %s: %w", caseID, err)
	}
	return manifest, true, nil
}

func (f *FileManifests) SetActive(_ context.Context, caseID string) error {
	if err := fileutil.WriteFileAtomic(f.activePath(), []byte(caseID+"\n"), 0o644); err != nil {
		return fmt.Errorf("record active case: %w", err)
	}
	return nil
}

func (f *FileManifests) Active(_ context.Context) (string, bool, error) {
	data, err := os.ReadFile(f.activePath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read active case: %w", err)
	}
	id := strings.TrimSpace(string(data))
	return id, id != "", nil
}
