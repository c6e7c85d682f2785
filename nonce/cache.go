package nonce

import (
	"fmt"
	"sync"
)

// DefaultWindow is the default number of trailing blocks the cache tracks,
// matching NonceCheck::maxblocksize.
const DefaultWindow = 1000

// Cache is a sliding-window set of transaction keys seen within the last
// Window blocks, used to reject duplicate/replayed transactions.
type Cache struct {
	mu     sync.RWMutex
	cache  map[string]struct{}
	window uint64
	start  uint64
	end    uint64
}

// NewCache constructs an empty cache with the given trailing-block window.
// A non-positive window falls back to DefaultWindow.
func NewCache(window uint64) *Cache {
	if window == 0 {
		window = DefaultWindow
	}
	return &Cache{cache: make(map[string]struct{}), window: window}
}

func generateKey(tx Transaction) string {
	return fmt.Sprintf("%x_%s", tx.From(), tx.RandomID().String())
}

// Ok reports whether tx's key is absent from the cache. If needInsert is
// true and the key was absent, it is inserted as a side effect, so a
// second call with the same transaction and needInsert=true returns false.
func (c *Cache) Ok(tx Transaction, needInsert bool) bool {
	key := generateKey(tx)
	if needInsert {
		c.mu.Lock()
		defer c.mu.Unlock()
	} else {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	if _, exists := c.cache[key]; exists {
		return false
	}
	if needInsert {
		c.cache[key] = struct{}{}
	}
	return true
}

// Del removes the keys for txs from the cache.
func (c *Cache) Del(txs []Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range txs {
		delete(c.cache, generateKey(tx))
	}
}

// Len reports the current cache size, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Window reports the configured trailing-block window.
func (c *Cache) Window() uint64 { return c.window }

// Update resynchronizes the cache with the rolling window [max(0, H-W), H]
// where H is chain's current height. On rebuild, the cache is cleared and
// rebuilt from scratch; otherwise only the slid-off prefix is deleted and
// the newly entered suffix is inserted, preserving
// cache = ⋃{keys(block i) : max(1, start') ≤ i ≤ end'} across incremental
// calls. Inserts begin at height prevEnd+1 (prevEnd is reset to 0 on
// rebuild), so block 0's keys are never inserted.
//
// Update stages every mutation in a local copy and commits the new window
// only if every read and every key computation succeeds; a failure at any
// step leaves the previous window and cache untouched.
func (c *Cache) Update(chain BlockChain, rebuild bool) error {
	height, err := chain.Number()
	if err != nil {
		return fmt.Errorf("nonce: read chain height: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prevStart, prevEnd := c.start, c.end
	newEnd := height
	var newStart uint64
	if height > c.window {
		newStart = height - c.window
	}

	staged := make(map[string]struct{}, len(c.cache))
	if rebuild {
		prevEnd = 0
	} else {
		for k := range c.cache {
			staged[k] = struct{}{}
		}
		for i := prevStart; i < newStart; i++ {
			keys, err := c.blockKeys(chain, i)
			if err != nil {
				return err
			}
			for _, key := range keys {
				delete(staged, key)
			}
		}
	}

	from := newStart
	if prevEnd+1 > from {
		from = prevEnd + 1
	}
	for i := from; i <= newEnd; i++ {
		keys, err := c.blockKeys(chain, i)
		if err != nil {
			return err
		}
		for _, key := range keys {
			staged[key] = struct{}{}
		}
	}

	c.cache = staged
	c.start = newStart
	c.end = newEnd
	return nil
}

func (c *Cache) blockKeys(chain BlockChain, height uint64) ([]string, error) {
	hash, err := chain.NumberHash(height)
	if err != nil {
		return nil, fmt.Errorf("nonce: block hash at height %d: %w", height, err)
	}
	txs, err := chain.Transactions(hash)
	if err != nil {
		return nil, fmt.Errorf("nonce: transactions at height %d: %w", height, err)
	}
	keys := make([]string, 0, len(txs))
	for _, tx := range txs {
		keys = append(keys, generateKey(tx))
	}
	return keys, nil
}
