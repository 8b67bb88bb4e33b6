package lendapi

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
)

const (
	// MetaStoreCacheMB is the LevelDB block cache size in MB.
	// Small value (16 MB) since metadata access is infrequent after warmup.
	MetaStoreCacheMB = 16

	// MetaStoreHandles is the maximum number of open file handles for LevelDB.
	// Small value (16) sufficient for low-frequency metadata lookups.
	MetaStoreHandles = 16
)

// MetaStore provides persistent storage for market metadata.
// Metadata (token addresses, decimals) is immutable after market deployment,
// so it is safe to cache permanently.
type MetaStore struct {
	db     ethdb.Database
	mu     sync.RWMutex
	closed bool
}

// NewMetaStore creates a new persistent metadata store.
// If path is empty or storage fails, falls back to in-memory storage.
func NewMetaStore(path string) (*MetaStore, error) {
	var db ethdb.Database

	if path != "" {
		// Ensure directory exists
		if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
			log.Printf("[MetaStore] Failed to create directory %s: %v, using in-memory", path, mkErr)
			db = rawdb.NewMemoryDatabase()
		} else {
			// Try to open LevelDB
			ldb, ldbErr := leveldb.New(path, MetaStoreCacheMB, MetaStoreHandles, "", false)
			if ldbErr != nil {
				log.Printf("[MetaStore] Failed to open LevelDB at %s: %v, using in-memory", path, ldbErr)
				db = rawdb.NewMemoryDatabase()
			} else {
				db = rawdb.NewDatabase(ldb)
				log.Printf("[MetaStore] Opened persistent storage at %s", path)
			}
		}
	} else {
		db = rawdb.NewMemoryDatabase()
	}

	return &MetaStore{
		db:     db,
		closed: false,
	}, nil
}

// metaKey returns the database key for a market
func metaKey(marketID string) []byte {
	return append([]byte("meta:"), []byte(marketID)...)
}

// Get retrieves metadata for a market, returns nil if not found
func (ms *MetaStore) Get(marketID string) []byte {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return nil
	}

	data, err := ms.db.Get(metaKey(marketID))
	if err != nil {
		return nil // Not found or error
	}

	// Return a copy to avoid aliasing
	if len(data) == 0 {
		return nil
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// Put stores metadata for a market
func (ms *MetaStore) Put(marketID string, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return fmt.Errorf("meta store is closed")
	}

	if len(data) == 0 {
		return nil // Don't store empty metadata
	}

	return ms.db.Put(metaKey(marketID), data)
}

// Has checks if metadata exists for a market
func (ms *MetaStore) Has(marketID string) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return false
	}

	ok, _ := ms.db.Has(metaKey(marketID))
	return ok
}

// Close gracefully closes the underlying database
func (ms *MetaStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil
	}

	ms.closed = true
	return ms.db.Close()
}
