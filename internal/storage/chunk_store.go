package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

// ChunkEncoder кодирует снимок чанка
type ChunkEncoder func(*world.ChunkSnapshot) []byte

// CompressedChunkBuilder готовит сжатое хранилище чанка.
//
// Сущности сериализуются сразу в конструкторе (на потоке симуляции), а
// кодирование блоков и gzip откладываются до первого BuildEncodedChunk,
// который обычно вызывается из фонового сохранения. Результат кэшируется.
type CompressedChunkBuilder struct {
	mu             sync.Mutex
	pos            vec.Vec3
	snapshot       *world.ChunkSnapshot
	entityStore    *EntityStore
	storedEntities []ecs.EntityID
	encodeChunk    ChunkEncoder

	encoded []byte
	err     error
	built   bool
}

// NewCompressedChunkBuilder снимает снимок чанка и сохраняет сущности
func NewCompressedChunkBuilder(em *ecs.EntityManager, chunk *world.Chunk, entities []*ecs.Entity, deactivate bool) (*CompressedChunkBuilder, error) {
	return NewCompressedChunkBuilderFromSnapshot(em, chunk.Snapshot(), entities, deactivate)
}

// NewCompressedChunkBuilderFromSnapshot как NewCompressedChunkBuilder для уже снятого снимка.
// Построитель становится владельцем снимка.
func NewCompressedChunkBuilderFromSnapshot(em *ecs.EntityManager, snapshot *world.ChunkSnapshot, entities []*ecs.Entity, deactivate bool) (*CompressedChunkBuilder, error) {
	storer := NewEntityStorer(em)
	for _, e := range entities {
		if err := storer.Store(e, deactivate); err != nil {
			snapshot.Release()
			return nil, fmt.Errorf("ошибка сохранения сущностей чанка %v: %w", snapshot.Position(), err)
		}
	}
	return &CompressedChunkBuilder{
		pos:            snapshot.Position(),
		snapshot:       snapshot,
		entityStore:    storer.Finalize(),
		storedEntities: storer.StoredEntities(),
		encodeChunk:    world.EncodeSnapshot,
	}, nil
}

func (b *CompressedChunkBuilder) Position() vec.Vec3 { return b.pos }

// StoredEntities сущности, попавшие в хранилище чанка
func (b *CompressedChunkBuilder) StoredEntities() []ecs.EntityID {
	return b.storedEntities
}

// BuildEncodedChunk возвращает gzip хранилища чанка. Повторные вызовы
// возвращают закэшированный результат без повторного кодирования.
func (b *CompressedChunkBuilder) BuildEncodedChunk() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return b.encoded, b.err
	}
	b.built = true

	store := &ChunkStore{
		Position:  b.pos,
		ChunkData: b.encodeChunk(b.snapshot),
		Store:     b.entityStore,
	}
	b.snapshot.Release()
	b.snapshot = nil

	b.encoded, b.err = gzipBytes(MarshalChunkStore(store))
	if b.err != nil {
		b.err = fmt.Errorf("ошибка сжатия чанка %v: %w", b.pos, b.err)
	}
	return b.encoded, b.err
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// DecodeCompressedChunk разбирает сжатое хранилище чанка
func DecodeCompressedChunk(data []byte) (*ChunkStore, error) {
	raw, err := gunzipBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrStoreCorrupt, err)
	}
	return UnmarshalChunkStore(raw)
}

// Chunk декодирует данные блоков
func (c *ChunkStore) Chunk() (*world.Chunk, error) {
	chunk, err := world.DecodeChunk(c.ChunkData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return chunk, nil
}

// RestoreEntities восстанавливает сущности чанка в менеджер, из которого
// хранилище было загружено
func (c *ChunkStore) RestoreEntities() ([]*ecs.Entity, error) {
	if c.manager == nil {
		return nil, fmt.Errorf("хранилище чанка %v не привязано к менеджеру сущностей", c.Position)
	}
	_, restored, err := NewEntityRestorer(c.manager).Restore(c.Store)
	return restored, err
}
