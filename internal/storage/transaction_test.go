package storage

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

type transactionFixture struct {
	paths    *PathProvider
	helper   *SaveTransactionHelper
	live     *ecs.EntityManager
	private  *ecs.EntityManager
	recorder *DeltaRecorder
}

func newTransactionFixture(t *testing.T) *transactionFixture {
	t.Helper()
	paths := newTestPaths(t)
	f := &transactionFixture{
		paths:   paths,
		helper:  NewSaveTransactionHelper(paths, time.Millisecond),
		live:    ecs.NewEntityManager(newTestLibrary()),
		private: ecs.NewEntityManager(newTestLibrary()),
	}
	f.swapRecorder()
	return f
}

// swapRecorder начинает новый интервал записи изменений и возвращает прежний
func (f *transactionFixture) swapRecorder() *DeltaRecorder {
	old := f.recorder
	if old != nil {
		f.live.Unsubscribe(old)
		f.live.UnsubscribeDestroy(old)
	}
	f.recorder = NewDeltaRecorder(f.live.Library())
	f.live.Subscribe(f.recorder)
	f.live.SubscribeDestroy(f.recorder)
	return old
}

func (f *transactionFixture) builder(t *testing.T, cfg TransactionConfig) *SaveTransactionBuilder {
	t.Helper()
	cfg.PrivateManager = f.private
	cfg.Delta = f.swapRecorder()
	cfg.Paths = f.paths
	cfg.Helper = f.helper
	b := NewSaveTransactionBuilder(cfg)
	gb, err := NewGlobalStoreBuilder(f.live)
	require.NoError(t, err)
	b.SetGlobalStoreBuilder(gb)
	return b
}

func (f *transactionFixture) run(t *testing.T, b *SaveTransactionBuilder) *TransactionResult {
	t.Helper()
	tx, err := b.Build()
	require.NoError(t, err)
	tx.Run(context.Background())
	res := tx.Result()
	require.NotNil(t, res)
	return res
}

func readZipEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = data
	}
	return out
}

func TestBuilderIsOneShot(t *testing.T) {
	f := newTransactionFixture(t)
	b := f.builder(t, TransactionConfig{})
	_, err := b.Build()
	require.NoError(t, err)
	_, err = b.Build()
	assert.ErrorIs(t, err, ErrTransactionBuilt)
}

func TestTransactionWritesStores(t *testing.T) {
	f := newTransactionFixture(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	journal, err := OpenJournal("")
	require.NoError(t, err)
	defer journal.Close()

	pos := vec.Vec3{X: 0, Y: 0, Z: 0}
	chunk := world.NewChunk(pos)
	chunk.SetBlock(3, 3, 3, 9)
	character := f.live.Create(locationIn(pos), &world.ClientInfo{Name: "alice"}, &healthComponent{Value: 42})
	global := f.live.Create(&healthComponent{Value: 1})

	b := f.builder(t, TransactionConfig{Journal: journal, Metrics: metrics})
	b.AddLoadedPlayer("alice", NewPlayerStoreBuilder(f.live, character.ID()))
	b.AddLoadedChunk(pos, chunk)
	b.SetGameManifest(&GameManifest{Title: "test", Seed: 7})

	res := f.run(t, b)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Players)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 0, chunk.SharedSnapshots(), "снимки загруженных чанков освобождаются")

	assert.FileExists(t, f.paths.PlayerFilePath("alice"))
	assert.FileExists(t, f.paths.ChunkPath(pos))
	assert.FileExists(t, f.paths.ManifestPath())
	assert.NoDirExists(t, f.paths.UnfinishedSaveTransactionPath())
	assert.NoDirExists(t, f.paths.UnmergedChangesPath())

	data, err := os.ReadFile(f.paths.GlobalStorePath())
	require.NoError(t, err)
	gs, err := UnmarshalGlobalStore(data)
	require.NoError(t, err)
	assert.Equal(t, []ecs.EntityID{global.ID()}, gs.Store.EntityIDs(), "персонаж не попадает в глобальное хранилище")

	manifest, err := LoadManifest(f.paths.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, int64(7), manifest.Seed)
	assert.False(t, manifest.SavedAt.IsZero())

	last, ok, err := journal.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.ID.String(), last.TransactionID)
	assert.True(t, last.Succeeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.saves.WithLabelValues("succeeded")))
}

func TestTransactionRefusesStaleUnmergedChanges(t *testing.T) {
	f := newTransactionFixture(t)
	require.NoError(t, os.MkdirAll(f.paths.UnmergedChangesPath(), 0o755))

	tx, err := f.builder(t, TransactionConfig{}).Build()
	require.NoError(t, err)
	tx.Run(context.Background())

	<-tx.Done()
	res := tx.Result()
	assert.ErrorIs(t, res.Err, ErrUnmergedChanges)
	assert.Equal(t, TransactionFailed, tx.State())
}

func TestTransactionRunsOnce(t *testing.T) {
	f := newTransactionFixture(t)
	tx, err := f.builder(t, TransactionConfig{}).Build()
	require.NoError(t, err)

	tx.Run(context.Background())
	first := tx.Result()
	tx.Run(context.Background())
	assert.Same(t, first, tx.Result())
	assert.Equal(t, TransactionSucceeded, tx.State())
}

func TestChunkZipKeepsUntouchedEntries(t *testing.T) {
	f := newTransactionFixture(t)
	a := vec.Vec3{X: 0, Y: 0, Z: 0}
	b := vec.Vec3{X: 31, Y: 0, Z: 5}
	other := vec.Vec3{X: -1, Y: 0, Z: 0}
	require.Equal(t, ChunkZipPosition(a), ChunkZipPosition(b))

	chunkA := world.NewChunk(a)
	chunkA.SetBlock(0, 0, 0, 1)
	builder := f.builder(t, TransactionConfig{StoreChunksInZips: true})
	builder.AddLoadedChunk(a, chunkA)
	builder.AddLoadedChunk(other, world.NewChunk(other))
	require.NoError(t, f.run(t, builder).Err)

	zipPath := f.paths.ChunkZipPath(ChunkZipPosition(a))
	before := readZipEntries(t, zipPath)
	require.Contains(t, before, f.paths.ChunkFilename(a))
	assert.FileExists(t, f.paths.ChunkZipPath(ChunkZipPosition(other)), "чанк из другого региона пишется в свой архив")

	chunkB := world.NewChunk(b)
	chunkB.SetBlock(1, 1, 1, 2)
	builder = f.builder(t, TransactionConfig{StoreChunksInZips: true})
	builder.AddLoadedChunk(b, chunkB)
	require.NoError(t, f.run(t, builder).Err)

	after := readZipEntries(t, zipPath)
	assert.Len(t, after, 2)
	assert.Equal(t, before[f.paths.ChunkFilename(a)], after[f.paths.ChunkFilename(a)], "нетронутая запись копируется без изменений")

	cs, err := DecodeCompressedChunk(after[f.paths.ChunkFilename(b)])
	require.NoError(t, err)
	restored, err := cs.Chunk()
	require.NoError(t, err)
	assert.Equal(t, world.BlockID(2), restored.Block(1, 1, 1))
}
