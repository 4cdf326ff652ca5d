package world

import (
	"sort"
	"sync"

	"github.com/annel0/worldsave/internal/vec"
)

// ChunkCache набор загруженных чанков
type ChunkCache struct {
	mu     sync.RWMutex
	chunks map[vec.Vec3]*Chunk
}

func NewChunkCache() *ChunkCache {
	return &ChunkCache{chunks: make(map[vec.Vec3]*Chunk)}
}

// Add добавляет или заменяет чанк
func (cc *ChunkCache) Add(c *Chunk) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.chunks[c.Position()] = c
}

// Remove удаляет чанк из кэша и возвращает его
func (cc *ChunkCache) Remove(pos vec.Vec3) (*Chunk, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	c, ok := cc.chunks[pos]
	delete(cc.chunks, pos)
	return c, ok
}

func (cc *ChunkCache) Get(pos vec.Vec3) (*Chunk, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	c, ok := cc.chunks[pos]
	return c, ok
}

func (cc *ChunkCache) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.chunks)
}

// AllChunks возвращает загруженные чанки в детерминированном порядке
func (cc *ChunkCache) AllChunks() []*Chunk {
	cc.mu.RLock()
	out := make([]*Chunk, 0, len(cc.chunks))
	for _, c := range cc.chunks {
		out = append(out, c)
	}
	cc.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Position().Less(out[j].Position()) })
	return out
}
