package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/enricoaquilina/ss-automation/metrics"
)

// ObjectStore persists artifacts to an S3-compatible bucket using the
// same key layout the filesystem store uses for paths.
type ObjectStore struct {
	client *minio.Client
	bucket string

	mu   sync.Mutex
	dirs map[string]string // grid message id -> key prefix
	now  func() time.Time

	log zerolog.Logger
}

// ObjectConfig holds the S3 connection parameters.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewObjectStore connects to the S3 endpoint and ensures the bucket
// exists.
func NewObjectStore(ctx context.Context, cfg ObjectConfig, log zerolog.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		dirs:   make(map[string]string),
		now:    time.Now,
		log:    log,
	}, nil
}

func (s *ObjectStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *ObjectStore) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.put(ctx, key, data, "application/json")
}

// SaveGrid uploads the grid, its sidecar, the prompt and the initial
// consolidated record under a fresh timestamp prefix.
func (s *ObjectStore) SaveGrid(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if meta.MessageID == "" {
		return "", fmt.Errorf("grid metadata missing message id")
	}

	now := s.now()
	ts := timestampDir(now)

	s.mu.Lock()
	s.dirs[meta.MessageID] = ts
	s.mu.Unlock()

	meta.Kind = KindGrid
	if meta.GridMessageID == "" {
		meta.GridMessageID = meta.MessageID
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now
	}

	mime := meta.Mime
	if mime == "" {
		mime = "image/png"
	}

	gridKey := ts + "/grid_" + ts + ".png"
	if err := s.put(ctx, gridKey, data, mime); err != nil {
		return "", err
	}
	if err := s.putJSON(ctx, gridKey+".meta.json", meta); err != nil {
		return "", err
	}
	if err := s.put(ctx, ts+"/prompt_"+ts+".txt", []byte(meta.Prompt), "text/plain"); err != nil {
		return "", err
	}

	record := GenerationRecord{
		GridMessageID: meta.GridMessageID,
		Prompt:        meta.Prompt,
		Fingerprint:   meta.Fingerprint,
		GridStorageID: gridKey,
		ImageURL:      meta.ImageURL,
		CreatedAt:     now,
		Variants:      []VariantEntry{},
	}
	if err := s.putJSON(ctx, ts+"/generation_"+ts+".json", record); err != nil {
		return "", err
	}

	metrics.ArtifactStored(KindGrid)
	s.log.Info().Str("key", gridKey).Str("grid", meta.GridMessageID).Msg("uploaded grid image")
	return gridKey, nil
}

// SaveUpscale uploads one variant under the grid's prefix.
func (s *ObjectStore) SaveUpscale(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if meta.GridMessageID == "" {
		return "", fmt.Errorf("upscale metadata missing grid message id")
	}

	ts, err := s.prefix(meta.GridMessageID)
	if err != nil {
		return "", err
	}

	meta.Kind = KindUpscale
	if meta.Timestamp.IsZero() {
		meta.Timestamp = s.now()
	}

	mime := meta.Mime
	if mime == "" {
		mime = "image/png"
	}

	key := fmt.Sprintf("%s/variant_%d_%s.png", ts, meta.VariantIndex, ts)
	if err := s.put(ctx, key, data, mime); err != nil {
		return "", err
	}
	if err := s.putJSON(ctx, key+".meta.json", meta); err != nil {
		return "", err
	}

	metrics.ArtifactStored(KindUpscale)
	s.log.Info().Str("key", key).Int("variant", meta.VariantIndex).Str("grid", meta.GridMessageID).Msg("uploaded upscale image")
	return key, nil
}

// AppendMetadata reads, extends and rewrites the consolidated record.
// The lock covers the whole read-modify-write so concurrent variant
// appends cannot overwrite each other.
func (s *ObjectStore) AppendMetadata(ctx context.Context, generationID string, entry VariantEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.dirs[generationID]
	if !ok {
		return fmt.Errorf("no generation prefix for grid %s", generationID)
	}

	key := ts + "/generation_" + ts + ".json"
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	var record GenerationRecord
	if err := json.NewDecoder(obj).Decode(&record); err != nil {
		return err
	}

	entry.GridMessageID = generationID
	record.Variants = append(record.Variants, entry)
	return s.putJSON(ctx, key, record)
}

func (s *ObjectStore) prefix(gridMessageID string) (string, error) {
	s.mu.Lock()
	ts, ok := s.dirs[gridMessageID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no generation prefix for grid %s", gridMessageID)
	}
	return ts, nil
}

// Close is a no-op; the S3 client holds no persistent connection.
func (s *ObjectStore) Close() error { return nil }
