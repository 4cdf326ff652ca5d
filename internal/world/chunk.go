package world

import (
	"sync"
	"sync/atomic"

	"github.com/annel0/worldsave/internal/vec"
)

// Размеры чанка в блоках
const (
	ChunkSizeX  = 16
	ChunkSizeY  = 16
	ChunkSizeZ  = 16
	ChunkVolume = ChunkSizeX * ChunkSizeY * ChunkSizeZ
	ChunkArea   = ChunkSizeX * ChunkSizeZ
)

// BlockID компактный идентификатор блока, см. BlockTable
type BlockID uint16

// BiomeID компактный идентификатор биома, см. BiomeTable
type BiomeID uint8

// AirID пустой блок
const AirID BlockID = 0

type chunkData struct {
	blocks [ChunkVolume]BlockID
	biomes [ChunkArea]BiomeID
}

// Chunk кубический участок мира 16x16x16.
//
// Снимки (Snapshot) разделяют данные с чанком до первой записи:
// запись при активных снимках сначала копирует данные (copy-on-write).
type Chunk struct {
	mu        sync.RWMutex
	pos       vec.Vec3
	data      *chunkData
	snapshots int
	ready     bool
}

// NewChunk создаёт пустой чанк
func NewChunk(pos vec.Vec3) *Chunk {
	return &Chunk{pos: pos, data: &chunkData{}}
}

// Position координаты чанка в сетке чанков
func (c *Chunk) Position() vec.Vec3 { return c.pos }

// WorldMin мировые координаты нижнего угла чанка
func (c *Chunk) WorldMin() vec.Vec3 {
	return vec.Vec3{X: c.pos.X * ChunkSizeX, Y: c.pos.Y * ChunkSizeY, Z: c.pos.Z * ChunkSizeZ}
}

// Contains проверяет, лежит ли мировая точка внутри чанка
func (c *Chunk) Contains(p vec.Vec3Float) bool {
	return ChunkPosOf(p) == c.pos
}

// MarkReady помечает чанк как полностью сгенерированный/загруженный.
// Сохраняются только готовые чанки.
func (c *Chunk) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
}

func (c *Chunk) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func blockIndex(x, y, z int) int {
	return x + ChunkSizeX*(z+ChunkSizeZ*y)
}

func inBounds(x, y, z int) bool {
	return x >= 0 && x < ChunkSizeX && y >= 0 && y < ChunkSizeY && z >= 0 && z < ChunkSizeZ
}

// Block возвращает блок по локальным координатам; вне чанка это воздух
func (c *Chunk) Block(x, y, z int) BlockID {
	if !inBounds(x, y, z) {
		return AirID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.blocks[blockIndex(x, y, z)]
}

// SetBlock устанавливает блок по локальным координатам
func (c *Chunk) SetBlock(x, y, z int, id BlockID) {
	if !inBounds(x, y, z) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepareWriteLocked()
	c.data.blocks[blockIndex(x, y, z)] = id
}

// Biome возвращает биом колонки
func (c *Chunk) Biome(x, z int) BiomeID {
	if x < 0 || x >= ChunkSizeX || z < 0 || z >= ChunkSizeZ {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.biomes[x+ChunkSizeX*z]
}

// SetBiome устанавливает биом колонки
func (c *Chunk) SetBiome(x, z int, id BiomeID) {
	if x < 0 || x >= ChunkSizeX || z < 0 || z >= ChunkSizeZ {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepareWriteLocked()
	c.data.biomes[x+ChunkSizeX*z] = id
}

func (c *Chunk) prepareWriteLocked() {
	if c.snapshots == 0 {
		return
	}
	cp := *c.data
	c.data = &cp
	c.snapshots = 0
}

// Snapshot создает неизменяемый снимок данных чанка.
// Снимок нужно освободить через Release.
func (c *Chunk) Snapshot() *ChunkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots++
	return &ChunkSnapshot{chunk: c, pos: c.pos, data: c.data}
}

// SharedSnapshots количество неосвобожденных снимков текущих данных
func (c *Chunk) SharedSnapshots() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots
}

// ChunkSnapshot неизменяемое представление чанка на момент снятия
type ChunkSnapshot struct {
	chunk    *Chunk
	pos      vec.Vec3
	data     *chunkData
	released atomic.Bool
}

func (s *ChunkSnapshot) Position() vec.Vec3 { return s.pos }

// Block возвращает блок снимка по локальным координатам
func (s *ChunkSnapshot) Block(x, y, z int) BlockID {
	if !inBounds(x, y, z) {
		return AirID
	}
	return s.data.blocks[blockIndex(x, y, z)]
}

// Biome возвращает биом колонки снимка
func (s *ChunkSnapshot) Biome(x, z int) BiomeID {
	if x < 0 || x >= ChunkSizeX || z < 0 || z >= ChunkSizeZ {
		return 0
	}
	return s.data.biomes[x+ChunkSizeX*z]
}

// Release освобождает снимок. Повторный вызов ничего не делает.
func (s *ChunkSnapshot) Release() {
	if !s.released.CompareAndSwap(false, true) || s.chunk == nil {
		return
	}
	c := s.chunk
	c.mu.Lock()
	defer c.mu.Unlock()
	// Если чанк уже скопировал данные, снимок больше ничего не разделяет
	if c.data == s.data && c.snapshots > 0 {
		c.snapshots--
	}
}

// ChunkPosOf переводит мировую точку в координаты чанка
func ChunkPosOf(p vec.Vec3Float) vec.Vec3 {
	b := p.Floor()
	return vec.Vec3{
		X: vec.FloorDiv(b.X, ChunkSizeX),
		Y: vec.FloorDiv(b.Y, ChunkSizeY),
		Z: vec.FloorDiv(b.Z, ChunkSizeZ),
	}
}
