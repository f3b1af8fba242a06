// Package cache stores extraction results so reruns over unchanged flyer
// pages do not call the vision model again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// CacheKey generates a cache key from components.
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// ExtractionKey is the key of one vision result: llm:<model>:<sha256(image)>.
func ExtractionKey(model string, image []byte) string {
	sum := sha256.Sum256(image)
	return CacheKey("llm", model, hex.EncodeToString(sum[:]))
}
