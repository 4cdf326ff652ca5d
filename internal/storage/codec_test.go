package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
)

func sampleEntityStore() *EntityStore {
	return &EntityStore{
		ComponentTypes: []string{healthType, linkType},
		Entities: []EntityRecord{
			{ID: 3, Components: []ComponentRecord{{TypeIndex: 0, Data: []byte(`{"value":7}`)}}},
			{ID: 4, Components: []ComponentRecord{{TypeIndex: 1, Data: []byte(`{"target":9}`)}}},
		},
		Named:        map[string]ecs.EntityID{characterName: 3},
		ExternalRefs: []ecs.EntityID{9},
	}
}

func TestPlayerStoreCodec(t *testing.T) {
	in := &PlayerStore{
		ID:                "alice",
		Store:             sampleEntityStore(),
		CharacterID:       3,
		HasCharacter:      true,
		RelevanceLocation: vec.Vec3Float{X: 1.5, Y: -2, Z: 100.25},
	}

	out, err := UnmarshalPlayerStore(MarshalPlayerStore(in))
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.CharacterID, out.CharacterID)
	assert.True(t, out.HasCharacter)
	assert.Equal(t, in.RelevanceLocation, out.RelevanceLocation)
	assert.Equal(t, in.Store.ComponentTypes, out.Store.ComponentTypes)
	assert.Equal(t, in.Store.Entities, out.Store.Entities)
	assert.Equal(t, in.Store.Named, out.Store.Named)
	assert.Equal(t, in.Store.ExternalRefs, out.Store.ExternalRefs)
}

func TestChunkStoreCodecNegativePosition(t *testing.T) {
	in := &ChunkStore{
		Position:  vec.Vec3{X: -5, Y: 0, Z: 12},
		ChunkData: []byte{1, 2, 3},
		Store:     sampleEntityStore(),
	}
	out, err := UnmarshalChunkStore(MarshalChunkStore(in))
	require.NoError(t, err)
	assert.Equal(t, in.Position, out.Position)
	assert.Equal(t, in.ChunkData, out.ChunkData)
	assert.Len(t, out.Store.Entities, 2)
}

func TestGlobalStoreCodec(t *testing.T) {
	in := &GlobalStore{
		Store: sampleEntityStore(),
		Prefabs: []PrefabRecord{{
			Name:           "engine:chest",
			Persistent:     true,
			AlwaysRelevant: false,
			Components:     []ComponentRecord{{TypeIndex: 0, Data: []byte(`{"value":1}`)}},
		}},
		NextEntityID: 42,
	}
	out, err := UnmarshalGlobalStore(MarshalGlobalStore(in))
	require.NoError(t, err)
	assert.Equal(t, ecs.EntityID(42), out.NextEntityID)
	require.Len(t, out.Prefabs, 1)
	assert.Equal(t, in.Prefabs[0], out.Prefabs[0])
}

func TestCorruptStoreIsReported(t *testing.T) {
	data := MarshalPlayerStore(&PlayerStore{ID: "bob", Store: sampleEntityStore()})
	_, err := UnmarshalPlayerStore(data[:len(data)/2])
	assert.ErrorIs(t, err, ErrStoreCorrupt)

	_, err = DecodeCompressedChunk([]byte("не gzip"))
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}
