package payment

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// VerificationResult is the memoized outcome of verifying a claim against
// the settlement service, keyed by (channel_id, nonce).
type VerificationResult struct {
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
	VerifiedAt int64  `json:"verified_at"`
}

var cacheBucket = []byte("claim_verifications")

// Cache memoizes settlement verification results. Lookups hit an in-memory
// sync.Map first; misses fall through to the durable bbolt store so results
// survive a restart without re-hitting the settlement service for a claim
// already adjudicated.
type Cache struct {
	db  *bbolt.DB
	hot sync.Map // key -> VerificationResult
}

// OpenCache opens (creating if absent) a bbolt database at path for claim
// verification memoization.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func cacheKey(channelID string, nonce int64) string {
	return channelID + "|" + strconv.FormatInt(nonce, 10)
}

// Get returns a previously memoized result for (channelID, nonce), if any.
func (c *Cache) Get(channelID string, nonce int64) (VerificationResult, bool) {
	key := cacheKey(channelID, nonce)
	if v, ok := c.hot.Load(key); ok {
		return v.(VerificationResult), true
	}

	var result VerificationResult
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if found {
		c.hot.Store(key, result)
	}
	return result, found
}

// Put memoizes result for (channelID, nonce), writing through to bbolt.
func (c *Cache) Put(channelID string, nonce int64, result VerificationResult) error {
	key := cacheKey(channelID, nonce)
	c.hot.Store(key, result)

	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		return b.Put([]byte(key), raw)
	})
}
