package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EmbeddingCache stores vectors for one embedding model keyed by content
// hash.
type EmbeddingCache struct {
	db    *sql.DB
	model string
}

// EmbeddingCache returns the cache for vectors produced by model.
func (s *SQLiteStorage) EmbeddingCache(model string) *EmbeddingCache {
	return &EmbeddingCache{db: s.db, model: model}
}

// Get returns the cached vector for key.
func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, false, err
	}

	var (
		dims int
		blob []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT dims, vector FROM embeddings WHERE content_hash = ? AND model = ?`,
		key, c.model).Scan(&dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding: %w", err)
	}

	vec, err := decodeVector(blob, dims)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Put stores vec under key, replacing any previous vector.
func (c *EmbeddingCache) Put(ctx context.Context, key string, vec []float32) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(key, "key"); err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidVector)
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, model, dims, vector)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			dims = excluded.dims,
			vector = excluded.vector,
			created_at = CURRENT_TIMESTAMP`,
		key, c.model, len(vec), encodeVector(vec))
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// Len returns the number of cached vectors for the model.
func (c *EmbeddingCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE model = ?`, c.model).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if dims <= 0 || len(blob) != 4*dims {
		return nil, fmt.Errorf("%w: %d bytes for %d dimensions", ErrInvalidVector, len(blob), dims)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec, nil
}
