package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/enricoaquilina/ss-automation/metrics"
)

// FileStore persists artifacts on the local filesystem. Each
// generation gets a YYYYMMDD_HHMMSS directory under the base dir; all
// writes go to a temp file first and are renamed into place.
type FileStore struct {
	Base string

	mu   sync.Mutex
	dirs map[string]string // grid message id -> generation dir
	now  func() time.Time

	log zerolog.Logger
}

// NewFileStore creates a store rooted at base, creating it if needed.
func NewFileStore(base string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{
		Base: base,
		dirs: make(map[string]string),
		now:  time.Now,
		log:  log,
	}, nil
}

// writeAtomic writes data to path via a temp file and rename, so a
// crash never leaves a partial artifact behind.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// SaveGrid persists the grid, its metadata sidecar, the plaintext
// prompt and the initial consolidated record.
func (s *FileStore) SaveGrid(_ context.Context, data []byte, meta Metadata) (string, error) {
	if meta.MessageID == "" {
		return "", fmt.Errorf("grid metadata missing message id")
	}

	now := s.now()
	ts := timestampDir(now)
	dir := filepath.Join(s.Base, ts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.dirs[meta.MessageID] = dir
	s.mu.Unlock()

	meta.Kind = KindGrid
	if meta.GridMessageID == "" {
		meta.GridMessageID = meta.MessageID
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now
	}

	gridPath := filepath.Join(dir, "grid_"+ts+".png")
	if err := writeAtomic(gridPath, data); err != nil {
		return "", err
	}
	if err := writeJSONAtomic(gridPath+".meta.json", meta); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, "prompt_"+ts+".txt"), []byte(meta.Prompt)); err != nil {
		return "", err
	}

	record := GenerationRecord{
		GridMessageID: meta.GridMessageID,
		Prompt:        meta.Prompt,
		Fingerprint:   meta.Fingerprint,
		GridStorageID: gridPath,
		ImageURL:      meta.ImageURL,
		CreatedAt:     now,
		Variants:      []VariantEntry{},
	}
	if err := writeJSONAtomic(filepath.Join(dir, "generation_"+ts+".json"), record); err != nil {
		return "", err
	}

	metrics.ArtifactStored(KindGrid)
	s.log.Info().Str("path", gridPath).Str("grid", meta.GridMessageID).Msg("saved grid image")
	return gridPath, nil
}

// SaveUpscale persists one variant next to its grid. The grid must have
// been saved first so the generation directory exists.
func (s *FileStore) SaveUpscale(_ context.Context, data []byte, meta Metadata) (string, error) {
	if meta.GridMessageID == "" {
		return "", fmt.Errorf("upscale metadata missing grid message id")
	}

	dir, ts, err := s.generationDir(meta.GridMessageID)
	if err != nil {
		return "", err
	}

	meta.Kind = KindUpscale
	if meta.Timestamp.IsZero() {
		meta.Timestamp = s.now()
	}

	name := fmt.Sprintf("variant_%d_%s.png", meta.VariantIndex, ts)
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	if err := writeJSONAtomic(path+".meta.json", meta); err != nil {
		return "", err
	}

	metrics.ArtifactStored(KindUpscale)
	s.log.Info().Str("path", path).Int("variant", meta.VariantIndex).Str("grid", meta.GridMessageID).Msg("saved upscale image")
	return path, nil
}

// AppendMetadata rewrites the consolidated record with the new variant
// entry. The record is rewritten whole, so concurrent variant appends
// must serialize or they overwrite each other.
func (s *FileStore) AppendMetadata(_ context.Context, generationID string, entry VariantEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, ok := s.dirs[generationID]
	if !ok {
		return fmt.Errorf("no generation directory for grid %s", generationID)
	}
	ts := filepath.Base(dir)

	path := filepath.Join(dir, "generation_"+ts+".json")
	record, err := s.loadRecord(path)
	if err != nil {
		return err
	}

	entry.GridMessageID = generationID
	record.Variants = append(record.Variants, entry)
	return writeJSONAtomic(path, record)
}

// LoadRecord reads a consolidated record back, primarily for
// verification.
func (s *FileStore) LoadRecord(generationID string) (*GenerationRecord, error) {
	dir, ts, err := s.generationDir(generationID)
	if err != nil {
		return nil, err
	}
	return s.loadRecord(filepath.Join(dir, "generation_"+ts+".json"))
}

func (s *FileStore) loadRecord(path string) (*GenerationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record GenerationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// generationDir resolves the directory and timestamp suffix for a grid
// message id.
func (s *FileStore) generationDir(gridMessageID string) (dir, ts string, err error) {
	s.mu.Lock()
	dir, ok := s.dirs[gridMessageID]
	s.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("no generation directory for grid %s", gridMessageID)
	}
	return dir, filepath.Base(dir), nil
}

// Close is a no-op for the filesystem store.
func (s *FileStore) Close() error { return nil }
