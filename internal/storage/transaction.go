package storage

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/logging"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

const tracerName = "github.com/annel0/worldsave/internal/storage"

// TransactionState состояние транзакции сохранения
type TransactionState int32

const (
	TransactionBuilding TransactionState = iota
	TransactionBuilt
	TransactionRunning
	TransactionSucceeded
	TransactionFailed
)

func (s TransactionState) String() string {
	switch s {
	case TransactionBuilding:
		return "building"
	case TransactionBuilt:
		return "built"
	case TransactionRunning:
		return "running"
	case TransactionSucceeded:
		return "succeeded"
	case TransactionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransactionResult итог транзакции. Публикуется один раз, после чего
// транзакция неизменна.
type TransactionResult struct {
	ID       uuid.UUID
	Auto     bool
	Started  time.Time
	Finished time.Time
	Players  int
	Chunks   int
	Err      error
}

func (r *TransactionResult) Succeeded() bool { return r.Err == nil }

// TransactionConfig окружение транзакции
type TransactionConfig struct {
	// PrivateManager приватная копия мира, принадлежащая фоновому сохранению
	PrivateManager *ecs.EntityManager
	// Delta изменения живого мира с прошлого сохранения
	Delta             *DeltaRecorder
	Paths             *PathProvider
	Helper            *SaveTransactionHelper
	WriteLock         sync.Locker
	StoreChunksInZips bool
	Auto              bool
	Journal           *Journal
	Metrics           *Metrics
	MinFreeBytes      uint64
}

// SaveTransactionBuilder собирает неизменяемую транзакцию на потоке симуляции
type SaveTransactionBuilder struct {
	cfg             TransactionConfig
	unloadedPlayers map[string]*PlayerStore
	loadedPlayers   map[string]*PlayerStoreBuilder
	unloadedChunks  map[vec.Vec3]*CompressedChunkBuilder
	loadedChunks    map[vec.Vec3]*world.ChunkSnapshot
	globalBuilder   *GlobalStoreBuilder
	manifest        *GameManifest
	built           bool
}

// NewSaveTransactionBuilder создает построитель транзакции
func NewSaveTransactionBuilder(cfg TransactionConfig) *SaveTransactionBuilder {
	return &SaveTransactionBuilder{
		cfg:             cfg,
		unloadedPlayers: make(map[string]*PlayerStore),
		loadedPlayers:   make(map[string]*PlayerStoreBuilder),
		unloadedChunks:  make(map[vec.Vec3]*CompressedChunkBuilder),
		loadedChunks:    make(map[vec.Vec3]*world.ChunkSnapshot),
	}
}

// AddUnloadedPlayer готовое хранилище отключившегося игрока
func (b *SaveTransactionBuilder) AddUnloadedPlayer(id string, store *PlayerStore) {
	b.unloadedPlayers[id] = store
}

// AddLoadedPlayer подключенный игрок; хранилище будет построено в фоне
func (b *SaveTransactionBuilder) AddLoadedPlayer(id string, builder *PlayerStoreBuilder) {
	b.loadedPlayers[id] = builder
}

// AddUnloadedChunk выгруженный чанк
func (b *SaveTransactionBuilder) AddUnloadedChunk(pos vec.Vec3, builder *CompressedChunkBuilder) {
	b.unloadedChunks[pos] = builder
}

// AddLoadedChunk загруженный чанк; снимок снимается сразу
func (b *SaveTransactionBuilder) AddLoadedChunk(pos vec.Vec3, chunk *world.Chunk) {
	if old, ok := b.loadedChunks[pos]; ok {
		old.Release()
	}
	b.loadedChunks[pos] = chunk.Snapshot()
}

func (b *SaveTransactionBuilder) SetGlobalStoreBuilder(g *GlobalStoreBuilder) {
	b.globalBuilder = g
}

func (b *SaveTransactionBuilder) SetGameManifest(m *GameManifest) {
	b.manifest = m
}

// Build фиксирует содержимое транзакции. Построитель одноразовый.
func (b *SaveTransactionBuilder) Build() (*SaveTransaction, error) {
	if b.built {
		return nil, ErrTransactionBuilt
	}
	switch {
	case b.cfg.PrivateManager == nil:
		return nil, fmt.Errorf("не задан приватный менеджер сущностей")
	case b.cfg.Delta == nil:
		return nil, fmt.Errorf("не задан регистратор изменений")
	case b.cfg.Paths == nil || b.cfg.Helper == nil:
		return nil, fmt.Errorf("не заданы пути сохранения")
	case b.globalBuilder == nil:
		return nil, fmt.Errorf("не задан построитель глобального хранилища")
	}
	b.built = true

	lock := b.cfg.WriteLock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	t := &SaveTransaction{
		id:              uuid.New(),
		cfg:             b.cfg,
		writeLock:       lock,
		unloadedPlayers: b.unloadedPlayers,
		loadedPlayers:   b.loadedPlayers,
		unloadedChunks:  b.unloadedChunks,
		loadedChunks:    b.loadedChunks,
		globalBuilder:   b.globalBuilder,
		manifest:        b.manifest,
		done:            make(chan struct{}),
		log:             logging.GetStorageLogger(),
		tracer:          otel.Tracer(tracerName),
	}
	t.state.Store(int32(TransactionBuilt))
	return t, nil
}

// SaveTransaction фоновое сохранение мира.
//
// Все данные пишутся в каталог незавершенной транзакции, затем он атомарно
// переименовывается в каталог неслитых изменений (точка фиксации) и
// сливается с корнем сохранения под блокировкой записи.
type SaveTransaction struct {
	id        uuid.UUID
	cfg       TransactionConfig
	writeLock sync.Locker

	unloadedPlayers map[string]*PlayerStore
	loadedPlayers   map[string]*PlayerStoreBuilder
	unloadedChunks  map[vec.Vec3]*CompressedChunkBuilder
	loadedChunks    map[vec.Vec3]*world.ChunkSnapshot
	globalBuilder   *GlobalStoreBuilder
	manifest        *GameManifest

	allPlayers  map[string]*PlayerStore
	allChunks   map[vec.Vec3]*CompressedChunkBuilder
	globalStore *GlobalStore

	state  atomic.Int32
	result atomic.Pointer[TransactionResult]
	done   chan struct{}

	log    *logging.Logger
	tracer trace.Tracer
}

func (t *SaveTransaction) ID() uuid.UUID { return t.id }

func (t *SaveTransaction) State() TransactionState {
	return TransactionState(t.state.Load())
}

// Result итог транзакции или nil, пока она не завершена. Безопасен для
// вызова с любого потока.
func (t *SaveTransaction) Result() *TransactionResult {
	return t.result.Load()
}

// Done закрывается после публикации результата
func (t *SaveTransaction) Done() <-chan struct{} { return t.done }

// Wait блокируется до завершения транзакции
func (t *SaveTransaction) Wait() *TransactionResult {
	<-t.done
	return t.Result()
}

// Run выполняет транзакцию. Ошибки не возвращаются, а фиксируются в Result.
func (t *SaveTransaction) Run(ctx context.Context) {
	if !t.state.CompareAndSwap(int32(TransactionBuilt), int32(TransactionRunning)) {
		return
	}
	res := &TransactionResult{ID: t.id, Auto: t.cfg.Auto, Started: time.Now()}

	err := t.safeRun(ctx)

	res.Finished = time.Now()
	res.Err = err
	res.Players = len(t.allPlayers)
	res.Chunks = len(t.allChunks)

	if err != nil {
		t.state.Store(int32(TransactionFailed))
		t.log.Error("❌ транзакция сохранения %s не удалась: %v", t.id, err)
	} else {
		t.state.Store(int32(TransactionSucceeded))
		t.log.Info("💾 транзакция сохранения %s завершена за %v: игроков %d, чанков %d",
			t.id, res.Finished.Sub(res.Started), res.Players, res.Chunks)
	}

	t.recordJournal(res)
	t.cfg.Metrics.observeResult(res)
	t.result.Store(res)
	close(t.done)
}

func (t *SaveTransaction) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в транзакции сохранения: %v", r)
		}
	}()
	defer t.releaseLoadedSnapshots()

	ctx, span := t.tracer.Start(ctx, "SaveTransaction.Run",
		trace.WithAttributes(attribute.String("transaction.id", t.id.String())))
	defer span.End()

	if err := t.stage(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := t.merge(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// stage выполняет все шаги до точки фиксации включительно
func (t *SaveTransaction) stage(ctx context.Context) error {
	paths := t.cfg.Paths
	if exists(paths.UnmergedChangesPath()) {
		return fmt.Errorf("%w: %s", ErrUnmergedChanges, paths.UnmergedChangesPath())
	}

	if err := t.cfg.Helper.CleanupSaveTransactionDirectory(); err != nil {
		return err
	}
	if err := os.MkdirAll(paths.UnfinishedSaveTransactionPath(), 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога транзакции: %w", err)
	}
	checkFreeSpace(paths.StoragePath(), t.cfg.MinFreeBytes, t.log)

	if err := t.prepareStores(ctx); err != nil {
		return err
	}
	if err := t.writePlayerStores(ctx); err != nil {
		return err
	}
	if err := t.writeGlobalStore(ctx); err != nil {
		return err
	}
	if err := t.writeChunkStores(ctx); err != nil {
		return err
	}
	if t.manifest != nil {
		m := *t.manifest
		m.SavedAt = time.Now().UTC()
		if err := WriteManifest(paths.ManifestTempPath(), &m); err != nil {
			return err
		}
	}
	return t.cfg.Helper.PrepareChangesForMerge()
}

func (t *SaveTransaction) merge(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "SaveTransaction.merge")
	defer span.End()

	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	return t.cfg.Helper.MergeChanges()
}

// prepareStores применяет дельту к приватному миру и строит хранилища
func (t *SaveTransaction) prepareStores(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "SaveTransaction.prepareStores")
	defer span.End()

	pm := t.cfg.PrivateManager
	if err := t.cfg.Delta.ApplyTo(pm); err != nil {
		return err
	}

	stored := make(map[ecs.EntityID]struct{})
	markStored := func(ids []ecs.EntityID) {
		for _, id := range ids {
			stored[id] = struct{}{}
		}
	}

	t.allPlayers = make(map[string]*PlayerStore, len(t.unloadedPlayers)+len(t.loadedPlayers))
	for id, ps := range t.unloadedPlayers {
		t.allPlayers[id] = ps
		markStored(ps.Store.EntityIDs())
	}
	for _, id := range sortedKeys(t.loadedPlayers) {
		builder := t.loadedPlayers[id]
		ps, err := builder.Build(pm, id, false)
		if err != nil {
			return err
		}
		t.allPlayers[id] = ps
		markStored(builder.StoredEntities())
	}

	t.allChunks = make(map[vec.Vec3]*CompressedChunkBuilder, len(t.unloadedChunks)+len(t.loadedChunks))
	for pos, b := range t.unloadedChunks {
		t.allChunks[pos] = b
		markStored(b.StoredEntities())
	}
	if len(t.loadedChunks) > 0 {
		byChunk := entitiesByChunk(pm)
		for _, pos := range sortedPositions(t.loadedChunks) {
			snap := t.loadedChunks[pos]
			delete(t.loadedChunks, pos)
			b, err := NewCompressedChunkBuilderFromSnapshot(pm, snap, excludeStored(byChunk[pos], stored), false)
			if err != nil {
				return err
			}
			t.allChunks[pos] = b
			markStored(b.StoredEntities())
		}
	}

	gs, err := t.globalBuilder.Build(pm, stored)
	if err != nil {
		return fmt.Errorf("ошибка построения глобального хранилища: %w", err)
	}
	t.globalStore = gs
	span.SetAttributes(attribute.Int("players", len(t.allPlayers)), attribute.Int("chunks", len(t.allChunks)))
	return nil
}

func (t *SaveTransaction) releaseLoadedSnapshots() {
	for pos, snap := range t.loadedChunks {
		snap.Release()
		delete(t.loadedChunks, pos)
	}
}

func (t *SaveTransaction) writePlayerStores(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "SaveTransaction.writePlayerStores")
	defer span.End()

	if len(t.allPlayers) == 0 {
		return nil
	}
	if err := os.MkdirAll(t.cfg.Paths.PlayersTempPath(), 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога игроков: %w", err)
	}
	for _, id := range sortedKeys(t.allPlayers) {
		data := MarshalPlayerStore(t.allPlayers[id])
		if err := writeFileSync(t.cfg.Paths.PlayerFileTempPath(id), data); err != nil {
			return err
		}
		t.cfg.Metrics.addBytes(len(data))
	}
	return nil
}

func (t *SaveTransaction) writeGlobalStore(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "SaveTransaction.writeGlobalStore")
	defer span.End()

	data := MarshalGlobalStore(t.globalStore)
	if err := writeFileSync(t.cfg.Paths.GlobalStoreTempPath(), data); err != nil {
		return err
	}
	t.cfg.Metrics.addBytes(len(data))
	return nil
}

// writeChunkStores сжимает чанки параллельно и пишет их файлами или zip-регионами
func (t *SaveTransaction) writeChunkStores(ctx context.Context) error {
	ctx, span := t.tracer.Start(ctx, "SaveTransaction.writeChunkStores",
		trace.WithAttributes(attribute.Int("chunks", len(t.allChunks)), attribute.Bool("zips", t.cfg.StoreChunksInZips)))
	defer span.End()

	if len(t.allChunks) == 0 {
		return nil
	}
	if err := os.MkdirAll(t.cfg.Paths.WorldTempPath(), 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога мира: %w", err)
	}

	var mu sync.Mutex
	encoded := make(map[vec.Vec3][]byte, len(t.allChunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for pos, b := range t.allChunks {
		pos, b := pos, b
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := b.BuildEncodedChunk()
			if err != nil {
				return err
			}
			mu.Lock()
			encoded[pos] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !t.cfg.StoreChunksInZips {
		for _, pos := range sortedPositions(encoded) {
			if err := writeFileSync(t.cfg.Paths.ChunkTempPath(pos), encoded[pos]); err != nil {
				return err
			}
			t.cfg.Metrics.addBytes(len(encoded[pos]))
		}
		return nil
	}

	regions := make(map[vec.Vec3]map[vec.Vec3][]byte)
	for pos, data := range encoded {
		zipPos := ChunkZipPosition(pos)
		if regions[zipPos] == nil {
			regions[zipPos] = make(map[vec.Vec3][]byte)
		}
		regions[zipPos][pos] = data
	}
	for _, zipPos := range sortedPositions(regions) {
		if err := t.writeChunkZip(zipPos, regions[zipPos]); err != nil {
			return err
		}
	}
	return nil
}

// writeChunkZip пишет новый архив региона: сначала новые чанки, затем
// нетронутые записи из существующего архива
func (t *SaveTransaction) writeChunkZip(zipPos vec.Vec3, chunks map[vec.Vec3][]byte) error {
	target := t.cfg.Paths.ChunkZipTempPath(zipPos)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("ошибка создания архива %s: %w", target, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	written := make(map[string]struct{}, len(chunks))
	now := time.Now()
	for _, pos := range sortedPositions(chunks) {
		name := t.cfg.Paths.ChunkFilename(pos)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: now})
		if err != nil {
			return fmt.Errorf("ошибка записи %s в архив: %w", name, err)
		}
		if _, err := w.Write(chunks[pos]); err != nil {
			return fmt.Errorf("ошибка записи %s в архив: %w", name, err)
		}
		written[name] = struct{}{}
		t.cfg.Metrics.addBytes(len(chunks[pos]))
	}

	if old := t.cfg.Paths.ChunkZipPath(zipPos); exists(old) {
		zr, err := zip.OpenReader(old)
		if err != nil {
			return fmt.Errorf("ошибка чтения архива %s: %w", old, err)
		}
		defer zr.Close()
		for _, zf := range zr.File {
			if _, ok := written[zf.Name]; ok {
				continue
			}
			if err := zw.Copy(zf); err != nil {
				return fmt.Errorf("ошибка копирования %s из архива %s: %w", zf.Name, old, err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия архива %s: %w", target, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync архива %s: %w", target, err)
	}
	return nil
}

func (t *SaveTransaction) recordJournal(res *TransactionResult) {
	if t.cfg.Journal == nil {
		return
	}
	rec := SaveRecord{
		TransactionID: res.ID.String(),
		Auto:          res.Auto,
		Started:       res.Started,
		Finished:      res.Finished,
		Players:       res.Players,
		Chunks:        res.Chunks,
		Succeeded:     res.Succeeded(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := t.cfg.Journal.Record(rec); err != nil {
		t.log.Warn("⚠️ не удалось записать журнал сохранения: %v", err)
	}
}

// entitiesByChunk группирует сущности, которые сохраняются вместе с чанком:
// с Location, без владельца, не клиентские и не AlwaysRelevant
func entitiesByChunk(em *ecs.EntityManager) map[vec.Vec3][]*ecs.Entity {
	out := make(map[vec.Vec3][]*ecs.Entity)
	for _, e := range em.EntitiesWith(world.LocationType) {
		if !isChunkEntity(e) || !e.IsPersistent() {
			continue
		}
		loc, _ := ecs.Get[*world.Location](e)
		pos := loc.ChunkPos()
		out[pos] = append(out[pos], e)
	}
	return out
}

// excludeStored отбрасывает сущности, уже сохраненные с игроками или выгруженными чанками
func excludeStored(entities []*ecs.Entity, stored map[ecs.EntityID]struct{}) []*ecs.Entity {
	out := entities[:0:0]
	for _, e := range entities {
		if _, ok := stored[e.ID()]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func isChunkEntity(e *ecs.Entity) bool {
	return e.Owner() == ecs.NullID && !e.Has(world.ClientInfoType) && !e.IsAlwaysRelevant()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPositions[V any](m map[vec.Vec3]V) []vec.Vec3 {
	keys := make([]vec.Vec3, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
