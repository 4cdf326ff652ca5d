package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

func TestCompressedChunkBuilderEncodesOnce(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	pos := vec.Vec3{X: 1, Y: 0, Z: -1}
	chunk := world.NewChunk(pos)
	chunk.SetBlock(1, 2, 3, 7)

	b, err := NewCompressedChunkBuilder(em, chunk, nil, false)
	require.NoError(t, err)

	calls := 0
	b.encodeChunk = func(s *world.ChunkSnapshot) []byte {
		calls++
		return world.EncodeSnapshot(s)
	}

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = b.BuildEncodedChunk()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls, "чанк кодируется ровно один раз")
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 0, chunk.SharedSnapshots(), "снимок освобождается после кодирования")
}

func TestCompressedChunkBuilderSnapshotIsolation(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	chunk := world.NewChunk(vec.Vec3{})
	chunk.SetBlock(0, 0, 0, 5)

	b, err := NewCompressedChunkBuilder(em, chunk, nil, false)
	require.NoError(t, err)
	chunk.SetBlock(0, 0, 0, 6)

	data, err := b.BuildEncodedChunk()
	require.NoError(t, err)
	cs, err := DecodeCompressedChunk(data)
	require.NoError(t, err)
	restored, err := cs.Chunk()
	require.NoError(t, err)

	assert.Equal(t, world.BlockID(5), restored.Block(0, 0, 0), "сохраняется состояние на момент снимка")
	assert.Equal(t, world.BlockID(6), chunk.Block(0, 0, 0))
}

func TestCompressedChunkBuilderStoresEntitiesEagerly(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	pos := vec.Vec3{X: 2, Y: 0, Z: 0}
	chunk := world.NewChunk(pos)
	e := em.Create(locationIn(pos), &healthComponent{Value: 4})

	b, err := NewCompressedChunkBuilder(em, chunk, []*ecs.Entity{e}, true)
	require.NoError(t, err)
	assert.Equal(t, []ecs.EntityID{e.ID()}, b.StoredEntities())
	assert.True(t, em.IsDeactivated(e.ID()), "сущности выгружаются сразу")

	data, err := b.BuildEncodedChunk()
	require.NoError(t, err)
	cs, err := DecodeCompressedChunk(data)
	require.NoError(t, err)
	assert.Equal(t, pos, cs.Position)

	cs.manager = em
	restored, err := cs.RestoreEntities()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	h, ok := ecs.Get[*healthComponent](restored[0])
	require.True(t, ok)
	assert.Equal(t, 4, h.Value)
}
