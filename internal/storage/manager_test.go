package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/eventbus"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

func saveAndWait(t *testing.T, m *StorageManager) {
	t.Helper()
	require.NoError(t, m.WaitForCompletionOfPreviousSaveAndStartSaving())
	require.NoError(t, m.waitForCurrent())
}

func TestNewWorldHasNothingStored(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(false))
	defer m.FinishSavingAndShutdown()

	require.NoError(t, m.LoadGlobalStore(), "отсутствие глобального хранилища означает новый мир")

	ps := m.LoadPlayerStore("nobody")
	require.NotNil(t, ps)
	assert.False(t, ps.HasCharacter)
	require.NoError(t, ps.RestoreEntities())
	assert.Nil(t, ps.Character())

	assert.Nil(t, m.LoadChunkStore(vec.Vec3{X: 4, Y: 0, Z: 4}))
}

func TestPlayerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	pos := vec.Vec3{X: 0, Y: 1, Z: 0}

	w := newTestWorld(t, dir)
	m := w.open(t, w.options(false))
	global := w.em.Create(&healthComponent{Value: 5})
	char := w.em.Create(locationIn(pos), &world.ClientInfo{Name: "alice"},
		&healthComponent{Value: 42}, &linkComponent{Target: ecs.RefTo(global)})
	item := w.em.Create(ownedBy(char, true), &healthComponent{Value: 7})

	client := testClient{id: "alice", character: char.ID()}
	require.NoError(t, m.DeactivatePlayer(client))
	assert.False(t, char.Exists(), "персонаж выгружается при отключении")
	assert.False(t, item.Exists())
	require.NoError(t, m.FinishSavingAndShutdown())

	w2 := newTestWorld(t, dir)
	m2 := w2.open(t, w2.options(false))
	defer m2.FinishSavingAndShutdown()
	require.NoError(t, m2.LoadGlobalStore())

	ps := m2.LoadPlayerStore("alice")
	require.True(t, ps.HasCharacter)
	assert.Equal(t, locationIn(pos).Position, ps.RelevanceLocation)
	require.NoError(t, ps.RestoreEntities())

	restored := ps.Character()
	require.NotNil(t, restored)
	assert.Equal(t, char.ID(), restored.ID())
	h, ok := ecs.Get[*healthComponent](restored)
	require.True(t, ok)
	assert.Equal(t, 42, h.Value)

	link, ok := ecs.Get[*linkComponent](restored)
	require.True(t, ok)
	target, ok := link.Target.Entity()
	require.True(t, ok, "ссылка на глобальную сущность разрешается после загрузки")
	th, _ := ecs.Get[*healthComponent](target)
	assert.Equal(t, 5, th.Value)

	owned := w2.em.OwnedBy(restored.ID())
	require.Len(t, owned, 1)
	assert.Equal(t, item.ID(), owned[0].ID())
	assert.GreaterOrEqual(t, w2.em.NextID(), w.em.NextID(), "идентификаторы не переиспользуются")
}

func TestUnloadedPlayerLoadsBeforeSave(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(false))
	defer m.FinishSavingAndShutdown()

	char := w.em.Create(&world.ClientInfo{Name: "bob"}, &healthComponent{Value: 3})
	require.NoError(t, m.DeactivatePlayer(testClient{id: "bob", character: char.ID()}))

	ps := m.LoadPlayerStore("bob")
	require.True(t, ps.HasCharacter)
	require.NoError(t, ps.RestoreEntities())
	require.NotNil(t, ps.Character())
	assert.True(t, w.em.IsActive(char.ID()))
}

func TestSaveWithoutUnloadingKeepsEntitiesActive(t *testing.T) {
	dir := t.TempDir()
	pos := vec.Vec3{X: 2, Y: 0, Z: 2}

	w := newTestWorld(t, dir)
	m := w.open(t, w.options(false))
	chunk := w.loadChunk(pos)
	chunk.SetBlock(5, 5, 5, 11)
	char := w.em.Create(locationIn(pos), &world.ClientInfo{Name: "carol"}, &healthComponent{Value: 8})
	w.players.connect(testClient{id: "carol", character: char.ID()})

	saveAndWait(t, m)
	assert.True(t, char.Exists(), "сохранение подключенного игрока не выгружает персонажа")
	assert.Equal(t, 0, chunk.SharedSnapshots())
	assert.FileExists(t, m.Paths().PlayerFilePath("carol"))
	assert.FileExists(t, m.Paths().ChunkPath(pos))

	require.NoError(t, w.em.AddComponent(char, &healthComponent{Value: 9}))
	require.NoError(t, m.FinishSavingAndShutdown())

	w2 := newTestWorld(t, dir)
	m2 := w2.open(t, w2.options(false))
	defer m2.FinishSavingAndShutdown()
	ps := m2.LoadPlayerStore("carol")
	require.NoError(t, ps.RestoreEntities())
	h, _ := ecs.Get[*healthComponent](ps.Character())
	assert.Equal(t, 9, h.Value, "сохраняется последнее изменение")
}

func TestChunkSurvivesRestart(t *testing.T) {
	for _, zips := range []bool{false, true} {
		zips := zips
		name := "files"
		if zips {
			name = "zips"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			pos := vec.Vec3{X: -3, Y: 0, Z: 40}

			w := newTestWorld(t, dir)
			m := w.open(t, w.options(zips))
			chunk := w.loadChunk(pos)
			chunk.SetBlock(1, 2, 3, 17)
			chunk.SetBiome(1, 3, 4)
			npc := w.em.Create(locationIn(pos), &healthComponent{Value: 12})
			drop := w.em.Create(&ecs.EntityInfo{Persistent: false}, locationIn(pos))

			w.chunks.Remove(pos)
			require.NoError(t, m.DeactivateChunk(chunk))
			assert.True(t, w.em.IsDeactivated(npc.ID()))
			assert.False(t, drop.Exists(), "несохраняемые сущности чанка уничтожаются")
			require.NoError(t, m.FinishSavingAndShutdown())

			if zips {
				assert.FileExists(t, m.Paths().ChunkZipPath(ChunkZipPosition(pos)))
			} else {
				assert.FileExists(t, m.Paths().ChunkPath(pos))
			}

			w2 := newTestWorld(t, dir)
			m2 := w2.open(t, w2.options(zips))
			defer m2.FinishSavingAndShutdown()
			cs := m2.LoadChunkStore(pos)
			require.NotNil(t, cs)
			restored, err := cs.Chunk()
			require.NoError(t, err)
			assert.Equal(t, world.BlockID(17), restored.Block(1, 2, 3))
			assert.Equal(t, world.BiomeID(4), restored.Biome(1, 3))
			assert.True(t, restored.IsReady())

			entities, err := cs.RestoreEntities()
			require.NoError(t, err)
			require.Len(t, entities, 1)
			assert.Equal(t, npc.ID(), entities[0].ID())
			assert.Nil(t, m2.LoadChunkStore(vec.Vec3{X: -3, Y: 0, Z: 41}))
		})
	}
}

func TestGlobalEntitiesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	w := newTestWorld(t, dir)
	m := w.open(t, w.options(false))
	global := w.em.Create(&healthComponent{Value: 5})
	w.em.Create(&ecs.EntityInfo{Persistent: false}, &healthComponent{Value: 6})
	w.em.RegisterPrefab(&ecs.Prefab{Name: "test:chest", Persistent: true, Components: []ecs.Component{&healthComponent{Value: 100}}})
	require.NoError(t, m.FinishSavingAndShutdown())

	w2 := newTestWorld(t, dir)
	m2 := w2.open(t, w2.options(false))
	defer m2.FinishSavingAndShutdown()
	require.NoError(t, m2.LoadGlobalStore())

	assert.Equal(t, 1, w2.em.Count())
	e, ok := w2.em.Entity(global.ID())
	require.True(t, ok)
	h, _ := ecs.Get[*healthComponent](e)
	assert.Equal(t, 5, h.Value)

	chest, err := w2.em.CreateFromPrefab("test:chest")
	require.NoError(t, err)
	ch, _ := ecs.Get[*healthComponent](chest)
	assert.Equal(t, 100, ch.Value)
	assert.Greater(t, chest.ID(), global.ID())
}

func TestEntityMadePersistentSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	w := newTestWorld(t, dir)
	m := w.open(t, w.options(false))
	e := w.em.Create(&ecs.EntityInfo{Persistent: false}, &healthComponent{Value: 77})
	require.NoError(t, w.em.AddComponent(e, &ecs.EntityInfo{Persistent: true}))
	require.NoError(t, m.FinishSavingAndShutdown())

	w2 := newTestWorld(t, dir)
	m2 := w2.open(t, w2.options(false))
	defer m2.FinishSavingAndShutdown()
	require.NoError(t, m2.LoadGlobalStore())

	restored, ok := w2.em.Entity(e.ID())
	require.True(t, ok)
	h, ok := ecs.Get[*healthComponent](restored)
	require.True(t, ok, "компонент сущности, ставшей сохраняемой, потерян")
	assert.Equal(t, 77, h.Value)
}

func TestEntityMadeTransientAndDestroyedStaysDeleted(t *testing.T) {
	dir := t.TempDir()
	w := newTestWorld(t, dir)
	m := w.open(t, w.options(false))
	e := w.em.Create(&healthComponent{Value: 1})
	saveAndWait(t, m)

	require.NoError(t, w.em.AddComponent(e, &ecs.EntityInfo{Persistent: false}))
	w.em.Destroy(e)
	saveAndWait(t, m)
	require.NoError(t, m.FinishSavingAndShutdown())

	w2 := newTestWorld(t, dir)
	m2 := w2.open(t, w2.options(false))
	defer m2.FinishSavingAndShutdown()
	require.NoError(t, m2.LoadGlobalStore())

	_, ok := w2.em.Entity(e.ID())
	assert.False(t, ok, "уничтоженная сущность не восстанавливается")
	assert.Equal(t, 0, w2.em.Count())
}

func TestUnloadedChunkPercentageTriggersSave(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	opts := w.options(false)
	opts.MaxUnloadedChunksPercentage = 50
	m := w.open(t, opts)
	defer m.FinishSavingAndShutdown()

	w.loadChunk(vec.Vec3{X: 0, Y: 0, Z: 0})
	require.NoError(t, m.Update())
	assert.False(t, m.IsSaving())

	require.NoError(t, m.DeactivateChunk(world.NewChunk(vec.Vec3{X: 9, Y: 0, Z: 9})))
	require.NoError(t, m.Update())
	assert.True(t, m.IsSaving(), "половина чанков выгружена, нужно сохранение")
	require.NoError(t, m.waitForCurrent())
}

func TestAutoSaveInterval(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	var now atomic.Int64
	now.Store(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	opts := w.options(false)
	opts.AutoSaveInterval = time.Minute
	m, err := NewStorageManager(opts, Dependencies{EntityManager: w.em, Chunks: w.chunks, Players: w.players, Clock: clock})
	require.NoError(t, err)
	defer m.FinishSavingAndShutdown()

	require.NoError(t, m.Update())
	assert.False(t, m.IsSaving())

	now.Add(int64(time.Minute))
	require.NoError(t, m.Update())
	assert.True(t, m.IsSaving())
	require.NoError(t, m.waitForCurrent())

	require.NoError(t, m.Update())
	assert.False(t, m.IsSaving(), "следующее автосохранение через интервал")
}

func TestRequestSavingStartsOnUpdate(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(false))
	defer m.FinishSavingAndShutdown()

	m.RequestSaving()
	require.NoError(t, m.Update())
	require.True(t, m.IsSaving())

	deadline := time.Now().Add(5 * time.Second)
	for m.IsSaving() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, m.Update())
	}
	require.False(t, m.IsSaving(), "сохранение не завершилось")
	assert.FileExists(t, m.Paths().GlobalStorePath())
	assert.FileExists(t, m.Paths().ManifestPath())
}

func TestFailedSaveIsFatal(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(false))
	defer m.FinishSavingAndShutdown()

	char := w.em.Create(&world.ClientInfo{Name: "dave"}, &healthComponent{Value: 1})
	require.NoError(t, m.DeactivatePlayer(testClient{id: "dave", character: char.ID()}))
	require.NoError(t, os.MkdirAll(m.Paths().UnmergedChangesPath(), 0o755))

	m.RequestSaving()
	require.NoError(t, m.Update())
	<-m.current.Done()

	err := m.Update()
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.ErrorIs(t, err, ErrUnmergedChanges)
	assert.ErrorIs(t, m.Update(), ErrSaveFailed, "после ошибки сохранение не повторяется молча")
	assert.Equal(t, 1, m.unsavedPlayers.Len(), "несохраненный игрок остается в памяти")

	ps := m.LoadPlayerStore("dave")
	assert.True(t, ps.HasCharacter)
}

func TestInterruptedSaveIsRecovered(t *testing.T) {
	dir := t.TempDir()
	loadedPos := vec.Vec3{X: 2, Y: 0, Z: 2}
	unloadedPos := vec.Vec3{X: 3, Y: 0, Z: 2}

	w := newTestWorld(t, dir)
	m := w.open(t, w.options(true))
	global := w.em.Create(&healthComponent{Value: 5})
	char := w.em.Create(locationIn(loadedPos), &world.ClientInfo{Name: "erin"}, &healthComponent{Value: 42})
	w.players.connect(testClient{id: "erin", character: char.ID()})

	loaded := w.loadChunk(loadedPos)
	loaded.SetBlock(0, 0, 0, 9)
	npc := w.em.Create(locationIn(loadedPos), &healthComponent{Value: 12})
	unloaded := w.loadChunk(unloadedPos)
	unloaded.SetBlock(1, 1, 1, 11)
	w.chunks.Remove(unloadedPos)
	require.NoError(t, m.DeactivateChunk(unloaded))

	// Сохранение доходит до точки фиксации, слияния не происходит
	tx, err := m.createSaveTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.stage(context.Background()))
	tx.releaseLoadedSnapshots()
	m.worker.stop()

	paths := m.Paths()
	require.DirExists(t, paths.UnmergedChangesPath())
	require.NoFileExists(t, paths.GlobalStorePath())
	// Следующая транзакция успела начать запись
	writeTestFile(t, paths.PlayerFileTempPath("zed"), "garbage")

	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()
	recovered := make(chan struct{}, 1)
	_, err = bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.EventSaveRecovered}},
		func(context.Context, *eventbus.Envelope) { recovered <- struct{}{} })
	require.NoError(t, err)

	w2 := newTestWorld(t, dir)
	m2, err := NewStorageManager(w2.options(true), Dependencies{EntityManager: w2.em, Chunks: w2.chunks, Players: w2.players, Bus: bus})
	require.NoError(t, err)
	defer m2.FinishSavingAndShutdown()

	assert.NoDirExists(t, paths.UnmergedChangesPath())
	assert.NoDirExists(t, paths.UnfinishedSaveTransactionPath())
	assert.NoFileExists(t, paths.PlayerFilePath("zed"), "данные незавершенной транзакции не сливаются")
	assert.FileExists(t, paths.ChunkZipPath(ChunkZipPosition(loadedPos)))

	require.NoError(t, m2.LoadGlobalStore())
	g, ok := w2.em.Entity(global.ID())
	require.True(t, ok)
	gh, _ := ecs.Get[*healthComponent](g)
	assert.Equal(t, 5, gh.Value)

	ps := m2.LoadPlayerStore("erin")
	require.True(t, ps.HasCharacter)
	require.NoError(t, ps.RestoreEntities())
	require.NotNil(t, ps.Character())
	ch, _ := ecs.Get[*healthComponent](ps.Character())
	assert.Equal(t, 42, ch.Value)

	cs := m2.LoadChunkStore(loadedPos)
	require.NotNil(t, cs)
	restored, err := cs.Chunk()
	require.NoError(t, err)
	assert.Equal(t, world.BlockID(9), restored.Block(0, 0, 0))
	entities, err := cs.RestoreEntities()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, npc.ID(), entities[0].ID())

	cs = m2.LoadChunkStore(unloadedPos)
	require.NotNil(t, cs)
	restored, err = cs.Chunk()
	require.NoError(t, err)
	assert.Equal(t, world.BlockID(11), restored.Block(1, 1, 1))

	select {
	case <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("событие восстановления не получено")
	}
}

func TestSaveEventsArePublished(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var types []string
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{}, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.EventType)
	})
	require.NoError(t, err)

	w := newTestWorld(t, t.TempDir())
	m, err := NewStorageManager(w.options(false), Dependencies{EntityManager: w.em, Bus: bus})
	require.NoError(t, err)
	saveAndWait(t, m)
	require.NoError(t, m.FinishSavingAndShutdown())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 4
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		eventbus.EventSaveStarted, eventbus.EventSaveCompleted,
		eventbus.EventSaveStarted, eventbus.EventSaveCompleted,
	}, types)
}

func TestChunkLoadableDuringSave(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(true))
	defer m.FinishSavingAndShutdown()

	positions := []vec.Vec3{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 40, Y: 0, Z: 0}}
	for _, pos := range positions {
		c := world.NewChunk(pos)
		c.SetBlock(0, 0, 0, 1)
		require.NoError(t, m.DeactivateChunk(c))
	}

	stop := make(chan struct{})
	var missing atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, pos := range positions {
					if m.LoadChunkStore(pos) == nil {
						missing.Add(1)
					}
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		saveAndWait(t, m)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, missing.Load(), "выгруженный чанк доступен на всех этапах сохранения")
}

func TestDeleteWorld(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(false))
	defer m.FinishSavingAndShutdown()

	saved := vec.Vec3{X: 1, Y: 0, Z: 1}
	pending := vec.Vec3{X: 2, Y: 0, Z: 1}
	require.NoError(t, m.DeactivateChunk(world.NewChunk(saved)))
	saveAndWait(t, m)
	require.FileExists(t, m.Paths().ChunkPath(saved))
	require.NoError(t, m.DeactivateChunk(world.NewChunk(pending)))

	require.NoError(t, m.DeleteWorld())
	assert.NoDirExists(t, m.Paths().WorldPath())
	assert.Nil(t, m.LoadChunkStore(saved))
	assert.Nil(t, m.LoadChunkStore(pending), "несохраненные чанки тоже забываются")
	assert.FileExists(t, m.Paths().GlobalStorePath(), "глобальное хранилище не удаляется")
}

func TestShutdownIsIdempotent(t *testing.T) {
	w := newTestWorld(t, t.TempDir())
	m := w.open(t, w.options(false))
	require.NoError(t, m.FinishSavingAndShutdown())
	assert.NoError(t, m.FinishSavingAndShutdown())
	assert.NoError(t, m.Update())
	assert.ErrorIs(t, m.WaitForCompletionOfPreviousSaveAndStartSaving(), ErrClosed)

	// Живой мир больше не отслеживается
	w.em.Create(&healthComponent{Value: 1})
	assert.True(t, m.recorder.Load().IsEmpty())
}
