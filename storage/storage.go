// Package storage persists generation artifacts under a strict naming
// discipline: one timestamp directory per generation holding the grid,
// the upscaled variants, the plaintext prompt and a consolidated
// record. Every upscale record carries the grid message id it belongs
// to; that back-reference is the durable proof of correlation.
package storage

import (
	"context"
	"time"
)

// Artifact kinds.
const (
	KindGrid    = "grid"
	KindUpscale = "upscale"
)

// Metadata accompanies artifact bytes into the store.
type Metadata struct {
	MessageID     string    `json:"message_id"`
	GridMessageID string    `json:"grid_message_id"`
	Prompt        string    `json:"prompt"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	ImageURL      string    `json:"image_url"`
	Mime          string    `json:"mime,omitempty"`
	VariantIndex  int       `json:"variant_idx"`
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
}

// VariantEntry is one upscale's line in the consolidated generation
// record.
type VariantEntry struct {
	VariantIndex  int       `json:"variant_idx"`
	MessageID     string    `json:"message_id"`
	GridMessageID string    `json:"grid_message_id"`
	ImageURL      string    `json:"image_url"`
	StorageID     string    `json:"storage_id"`
	SavedAt       time.Time `json:"saved_at"`
}

// GenerationRecord is the consolidated per-generation document.
type GenerationRecord struct {
	GridMessageID string         `json:"grid_message_id"`
	Prompt        string         `json:"prompt"`
	Fingerprint   string         `json:"fingerprint,omitempty"`
	GridStorageID string         `json:"grid_storage_id"`
	ImageURL      string         `json:"image_url"`
	CreatedAt     time.Time      `json:"created_at"`
	Variants      []VariantEntry `json:"variants"`
}

// Store is the contract both concrete adapters satisfy.
type Store interface {
	// SaveGrid persists grid bytes and metadata, creating the
	// generation's directory. Returns the storage id of the grid.
	SaveGrid(ctx context.Context, data []byte, meta Metadata) (string, error)

	// SaveUpscale persists one upscaled variant. The metadata must
	// carry the grid message id.
	SaveUpscale(ctx context.Context, data []byte, meta Metadata) (string, error)

	// AppendMetadata adds a variant entry to the consolidated record
	// of generationID (a grid message id).
	AppendMetadata(ctx context.Context, generationID string, entry VariantEntry) error

	// Close releases underlying resources.
	Close() error
}

// timestampDir formats the per-generation directory name.
func timestampDir(t time.Time) string {
	return t.Format("20060102_150405")
}
