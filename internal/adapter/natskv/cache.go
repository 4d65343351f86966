// Package natskv implements the cache port on a NATS JetStream KeyValue
// bucket, used as the shared L2 for task records.
package natskv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache stores values in a KV bucket. Expiry is the bucket's TTL.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps kv.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// keyReplacer maps characters KV keys reject onto allowed ones.
var keyReplacer = strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_")

// Key converts a cache key into a valid KV key.
func Key(key string) string {
	return keyReplacer.Replace(key)
}

// Get returns the stored value or a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, Key(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores value. The per-entry ttl is ignored.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, Key(key), value)
	return err
}

// Delete removes key; a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, Key(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
