package storage

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Index mirrors generation records into redis so other tooling can
// query them without touching the artifact store. Best effort: index
// failures are logged, never fatal to a generation.
type Index struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewIndex connects to redis and verifies the connection.
func NewIndex(ctx context.Context, address, password string, db int, prefix string, log zerolog.Logger) (*Index, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Index{client: client, prefix: prefix, log: log}, nil
}

func (i *Index) key(gridMessageID string) string {
	return i.prefix + ":generation:" + gridMessageID
}

// RecordGeneration stores the grid-level fields of a generation.
func (i *Index) RecordGeneration(ctx context.Context, record GenerationRecord) error {
	err := i.client.HSet(ctx, i.key(record.GridMessageID),
		"prompt", record.Prompt,
		"fingerprint", record.Fingerprint,
		"grid_storage_id", record.GridStorageID,
		"image_url", record.ImageURL,
		"created_at", record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	).Err()
	if err != nil {
		i.log.Warn().Err(err).Str("grid", record.GridMessageID).Msg("failed to index generation")
	}
	return err
}

// RecordVariant appends one variant entry to the generation's hash.
func (i *Index) RecordVariant(ctx context.Context, gridMessageID string, entry VariantEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	field := "variant_" + strconv.Itoa(entry.VariantIndex)
	err = i.client.HSet(ctx, i.key(gridMessageID), field, string(data)).Err()
	if err != nil {
		i.log.Warn().Err(err).Str("grid", gridMessageID).Int("variant", entry.VariantIndex).Msg("failed to index variant")
	}
	return err
}

// Generation reads a generation's hash back.
func (i *Index) Generation(ctx context.Context, gridMessageID string) (map[string]string, error) {
	return i.client.HGetAll(ctx, i.key(gridMessageID)).Result()
}

// Close releases the redis connection.
func (i *Index) Close() error {
	return i.client.Close()
}
