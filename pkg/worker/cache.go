package worker

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"javelin/pkg/protocol"
)

// shardCache is the on-disk form of a worker's index, written after every
// reindex so a restarted worker can announce usable state immediately.
type shardCache struct {
	ShardID         protocol.ShardID  `json:"shard_id"`
	Revision        protocol.Revision `json:"revision"`
	IndexGeneration uint64            `json:"index_generation"`
	Files           map[string]string `json:"files"`
	Symbols         []protocol.Symbol `json:"symbols"`
}

func (st *state) cachePath() string {
	return filepath.Join(st.cacheDir, fmt.Sprintf("shard-%d.json", st.shard))
}

// loadCache restores a previous run's index. A missing, unreadable, or
// mislabeled cache is simply a cold start.
func (st *state) loadCache() (protocol.ShardIndexInfo, bool) {
	var zero protocol.ShardIndexInfo
	if st.cacheDir == "" {
		return zero, false
	}
	data, err := os.ReadFile(st.cachePath())
	if err != nil {
		return zero, false
	}
	var cache shardCache
	if err := json.Unmarshal(data, &cache); err != nil || cache.ShardID != st.shard {
		return zero, false
	}

	st.mu.Lock()
	st.revision = cache.Revision
	st.generation = cache.IndexGeneration
	st.files = cache.Files
	if st.files == nil {
		st.files = make(map[string]string)
	}
	st.symbols = cache.Symbols
	st.mu.Unlock()

	n := len(cache.Symbols)
	count := uint32(n)
	if uint64(n) > uint64(^uint32(0)) {
		count = ^uint32(0)
	}
	return protocol.ShardIndexInfo{
		ShardID:         cache.ShardID,
		Revision:        cache.Revision,
		IndexGeneration: cache.IndexGeneration,
		SymbolCount:     count,
	}, true
}

// saveCacheLocked persists the index; callers hold st.mu. Cache write
// failures are logged, not fatal, since the in-memory index stays correct.
func (st *state) saveCacheLocked() {
	if st.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(st.cacheDir, 0o700); err != nil {
		log.Printf("worker: create cache dir: %v", err)
		return
	}
	cache := shardCache{
		ShardID:         st.shard,
		Revision:        st.revision,
		IndexGeneration: st.generation,
		Files:           st.files,
		Symbols:         st.symbols,
	}
	data, err := json.Marshal(cache)
	if err != nil {
		log.Printf("worker: marshal cache: %v", err)
		return
	}
	tmp := st.cachePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Printf("worker: write cache: %v", err)
		return
	}
	if err := os.Rename(tmp, st.cachePath()); err != nil {
		log.Printf("worker: install cache: %v", err)
	}
}
