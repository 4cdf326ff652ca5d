package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/annel0/worldsave/internal/config"
	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/eventbus"
	"github.com/annel0/worldsave/internal/logging"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

// ChunkProvider источник загруженных чанков
type ChunkProvider interface {
	AllChunks() []*world.Chunk
}

// PlayerProvider источник подключенных игроков
type PlayerProvider interface {
	Clients() []Client
}

// SaveParticipant система, которой нужно синхронизировать состояние
// с сущностями до и после построения транзакции
type SaveParticipant interface {
	PreSave()
	PostSave()
}

// ManifestSource возвращает актуальный манифест игры
type ManifestSource func() *GameManifest

// Options параметры менеджера хранилища
type Options struct {
	SavePath                    string
	WorldName                   string
	StoreChunksInZips           bool
	AutoSaveInterval            time.Duration // <= 0 отключает сохранение по времени
	MaxUnloadedChunksPercentage float64       // <= 0 отключает сохранение по доле выгруженных чанков
	RetryDelay                  time.Duration
	MinFreeDiskBytes            uint64
}

// OptionsFromConfig переводит конфигурацию в параметры менеджера
func OptionsFromConfig(cfg config.StorageConfig) Options {
	return Options{
		SavePath:                    cfg.GetSavePath(),
		WorldName:                   cfg.WorldName,
		StoreChunksInZips:           cfg.StoreChunksInZips,
		AutoSaveInterval:            cfg.GetAutoSaveInterval(),
		MaxUnloadedChunksPercentage: cfg.MaxUnloadedChunksPercentageTillSave,
		RetryDelay:                  cfg.RetryDelay,
		MinFreeDiskBytes:            cfg.GetMinFreeDiskBytes(),
	}
}

// Dependencies внешние зависимости менеджера. Обязателен только EntityManager.
type Dependencies struct {
	EntityManager *ecs.EntityManager
	Chunks        ChunkProvider
	Players       PlayerProvider
	Participants  []SaveParticipant
	Manifest      ManifestSource
	Journal       *Journal
	Metrics       *Metrics
	Bus           eventbus.EventBus
	Clock         func() time.Time
}

// StorageManager фасад подсистемы сохранения.
//
// Все методы, кроме Load*, предназначены для потока симуляции.
// Load* можно вызывать с любого потока: они читают диск под блокировкой
// чтения каталога, а слияние транзакции берет блокировку записи.
type StorageManager struct {
	opts    Options
	paths   *PathProvider
	helper  *SaveTransactionHelper
	live    *ecs.EntityManager
	private *ecs.EntityManager

	recorder atomic.Pointer[DeltaRecorder]
	proxy    *recorderProxy

	chunks       ChunkProvider
	players      PlayerProvider
	participants []SaveParticipant
	manifest     ManifestSource
	journal      *Journal
	metrics      *Metrics
	bus          eventbus.EventBus
	clock        func() time.Time
	log          *logging.Logger

	dirLock sync.RWMutex
	worker  *saveWorker

	unsavedChunks  concurrentMap[vec.Vec3, *CompressedChunkBuilder]
	savingChunks   concurrentMap[vec.Vec3, *CompressedChunkBuilder]
	unsavedPlayers concurrentMap[string, *PlayerStore]
	savingPlayers  concurrentMap[string, *PlayerStore]

	current       *SaveTransaction
	saveRequested bool
	nextAutoSave  time.Time
	failed        error
	closed        bool
}

// NewStorageManager создает менеджер, при необходимости довершает слияние
// прерванного сохранения и начинает записывать изменения живого мира
func NewStorageManager(opts Options, deps Dependencies) (*StorageManager, error) {
	if deps.EntityManager == nil {
		return nil, fmt.Errorf("менеджер хранилища требует менеджер сущностей")
	}
	if opts.SavePath == "" {
		return nil, fmt.Errorf("не задан каталог сохранения")
	}
	if opts.WorldName == "" {
		opts.WorldName = "main"
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if err := os.MkdirAll(opts.SavePath, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога сохранения: %w", err)
	}

	paths := NewPathProvider(opts.SavePath, opts.WorldName)
	m := &StorageManager{
		opts:         opts,
		paths:        paths,
		helper:       NewSaveTransactionHelper(paths, opts.RetryDelay),
		live:         deps.EntityManager,
		chunks:       deps.Chunks,
		players:      deps.Players,
		participants: deps.Participants,
		manifest:     deps.Manifest,
		journal:      deps.Journal,
		metrics:      deps.Metrics,
		bus:          deps.Bus,
		clock:        deps.Clock,
		log:          logging.GetStorageLogger(),
	}
	if m.clock == nil {
		m.clock = time.Now
	}

	if err := m.CheckAndRepairSaveIfNecessary(); err != nil {
		return nil, err
	}

	lib := m.live.Library()
	m.private = ecs.NewEntityManager(lib)
	recorder := NewDeltaRecorder(lib)
	recorder.RecordExisting(m.live)
	m.recorder.Store(recorder)

	m.proxy = &recorderProxy{m: m}
	m.live.Subscribe(m.proxy)
	m.live.SubscribeDestroy(m.proxy)

	m.scheduleNextAutoSave()
	m.worker = newSaveWorker()

	m.log.Info("📂 хранилище мира %s открыто: %s (zip=%v)", opts.WorldName, opts.SavePath, opts.StoreChunksInZips)
	return m, nil
}

func (m *StorageManager) Paths() *PathProvider { return m.paths }

func (m *StorageManager) IsStoreChunksInZips() bool { return m.opts.StoreChunksInZips }

// CheckAndRepairSaveIfNecessary удаляет остатки незавершенной транзакции и
// довершает слияние, если прерванное сохранение успело зафиксироваться
func (m *StorageManager) CheckAndRepairSaveIfNecessary() error {
	m.dirLock.Lock()
	defer m.dirLock.Unlock()

	merged, err := m.helper.RepairIfNecessary()
	if err != nil {
		return err
	}
	if merged {
		m.publish(eventbus.EventSaveRecovered, eventbus.SaveEvent{})
	}
	return nil
}

// ReadGlobalStore читает глобальное хранилище с диска
func (m *StorageManager) ReadGlobalStore() (*GlobalStore, error) {
	data, err := m.readFile(m.paths.GlobalStorePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoGlobalStore
		}
		return nil, fmt.Errorf("ошибка чтения глобального хранилища: %w", err)
	}
	return UnmarshalGlobalStore(data)
}

// LoadGlobalStore восстанавливает глобальные сущности и шаблоны в живой мир.
// Отсутствие хранилища означает новый мир; повреждение возвращается как ошибка.
func (m *StorageManager) LoadGlobalStore() error {
	gs, err := m.ReadGlobalStore()
	if errors.Is(err, ErrNoGlobalStore) {
		m.log.Info("🌱 глобальное хранилище не найдено, мир новый")
		return nil
	}
	if err != nil {
		return err
	}
	return gs.Restore(m.live)
}

// LoadPlayerStore возвращает хранилище игрока. Сначала проверяются
// выгруженные, но еще не записанные игроки, затем диск. Если сохранения нет
// или оно не читается, возвращается пустое хранилище.
func (m *StorageManager) LoadPlayerStore(playerID string) *PlayerStore {
	if ps, ok := m.unsavedPlayers.Load(playerID); ok {
		return m.attachPlayer(ps)
	}
	if ps, ok := m.savingPlayers.Load(playerID); ok {
		return m.attachPlayer(ps)
	}

	data, err := m.readFile(m.paths.PlayerFilePath(playerID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Error("❌ ошибка чтения игрока %s: %v", playerID, err)
		}
		return newEmptyPlayerStore(playerID, m.live)
	}
	ps, err := UnmarshalPlayerStore(data)
	if err != nil {
		m.log.Error("❌ хранилище игрока %s повреждено: %v", playerID, err)
		return newEmptyPlayerStore(playerID, m.live)
	}
	ps.ID = playerID
	return m.attachPlayer(ps)
}

func (m *StorageManager) attachPlayer(ps *PlayerStore) *PlayerStore {
	cp := *ps
	cp.manager = m.live
	cp.character = nil
	return &cp
}

// LoadChunkStore возвращает хранилище чанка или nil, если чанк не сохранялся
func (m *StorageManager) LoadChunkStore(pos vec.Vec3) *ChunkStore {
	var data []byte
	var err error

	if b, ok := m.unsavedChunks.Load(pos); ok {
		data, err = b.BuildEncodedChunk()
	} else if b, ok := m.savingChunks.Load(pos); ok {
		data, err = b.BuildEncodedChunk()
	} else {
		data, err = m.readChunkData(pos)
	}
	if err != nil {
		m.log.Error("❌ ошибка чтения чанка %v: %v", pos, err)
		return nil
	}
	if data == nil {
		return nil
	}

	cs, err := DecodeCompressedChunk(data)
	if err != nil {
		m.log.Error("❌ хранилище чанка %v повреждено: %v", pos, err)
		return nil
	}
	cs.manager = m.live
	return cs
}

func (m *StorageManager) readFile(path string) ([]byte, error) {
	m.dirLock.RLock()
	defer m.dirLock.RUnlock()
	return os.ReadFile(path)
}

// readChunkData читает сжатое хранилище чанка; (nil, nil) если его нет
func (m *StorageManager) readChunkData(pos vec.Vec3) ([]byte, error) {
	m.dirLock.RLock()
	defer m.dirLock.RUnlock()

	if !m.opts.StoreChunksInZips {
		data, err := os.ReadFile(m.paths.ChunkPath(pos))
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return data, err
	}

	zr, err := zip.OpenReader(m.paths.ChunkZipPath(ChunkZipPosition(pos)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer zr.Close()

	name := m.paths.ChunkFilename(pos)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, nil
}

// DeactivateChunk сохраняет выгружаемый чанк в памяти до следующего
// сохранения. Сущности чанка выгружаются, несохраняемые уничтожаются.
func (m *StorageManager) DeactivateChunk(chunk *world.Chunk) error {
	pos := chunk.Position()
	var entities []*ecs.Entity
	for _, e := range m.live.EntitiesWith(world.LocationType) {
		if !isChunkEntity(e) {
			continue
		}
		loc, _ := ecs.Get[*world.Location](e)
		if loc.ChunkPos() != pos {
			continue
		}
		if !e.IsPersistent() {
			m.live.Destroy(e)
			continue
		}
		entities = append(entities, e)
	}

	b, err := NewCompressedChunkBuilder(m.live, chunk, entities, true)
	if err != nil {
		return err
	}
	m.unsavedChunks.Store(pos, b)
	m.metrics.setUnsaved(m.unsavedChunks.Len(), m.unsavedPlayers.Len())
	return nil
}

// DeactivatePlayer сохраняет отключившегося игрока в памяти до следующего
// сохранения и выгружает его персонажа
func (m *StorageManager) DeactivatePlayer(client Client) error {
	b := NewPlayerStoreBuilder(m.live, client.Character())
	ps, err := b.Build(m.live, client.ID(), true)
	if err != nil {
		return err
	}
	m.unsavedPlayers.Store(client.ID(), ps)
	m.metrics.setUnsaved(m.unsavedChunks.Len(), m.unsavedPlayers.Len())
	return nil
}

// RequestSaving запрашивает сохранение на ближайшем Update
func (m *StorageManager) RequestSaving() {
	m.saveRequested = true
}

// IsSaving выполняется ли сохранение
func (m *StorageManager) IsSaving() bool {
	return m.current != nil
}

// Update вызывается каждый тик. Обрабатывает итог фонового сохранения и
// запускает новое по запросу, по таймеру или при большом числе выгруженных
// чанков. Неудачное сохранение возвращается как ошибка, оборачивающая ErrSaveFailed.
func (m *StorageManager) Update() error {
	if m.closed {
		return nil
	}
	if m.failed != nil {
		return m.failed
	}
	if m.current != nil {
		res := m.current.Result()
		if res == nil {
			return nil
		}
		if err := m.saveComplete(res); err != nil {
			return err
		}
	}

	if m.saveRequested {
		return m.startSaving(false)
	}
	if m.isSavingNecessary() {
		return m.startSaving(true)
	}
	return nil
}

// WaitForCompletionOfPreviousSaveAndStartSaving дожидается текущего
// сохранения и сразу запускает новое
func (m *StorageManager) WaitForCompletionOfPreviousSaveAndStartSaving() error {
	if m.closed {
		return ErrClosed
	}
	if err := m.waitForCurrent(); err != nil {
		return err
	}
	return m.startSaving(false)
}

// FinishSavingAndShutdown выполняет финальное сохранение, дожидается фонового
// исполнителя и отключается от живого мира. Ошибка сохранения возвращается.
func (m *StorageManager) FinishSavingAndShutdown() error {
	if m.closed {
		return nil
	}

	err := m.waitForCurrent()
	if err == nil {
		err = m.startSaving(false)
		if err == nil {
			err = m.waitForCurrent()
		}
	}

	m.closed = true
	m.worker.stop()
	m.live.Unsubscribe(m.proxy)
	m.live.UnsubscribeDestroy(m.proxy)

	if err != nil {
		m.log.Error("❌ финальное сохранение не удалось: %v", err)
		return err
	}
	m.log.Info("💾 хранилище мира %s закрыто", m.opts.WorldName)
	return nil
}

// DeleteWorld дожидается текущего сохранения, забывает выгруженные чанки и
// игроков и удаляет каталог чанков мира
func (m *StorageManager) DeleteWorld() error {
	if err := m.waitForCurrent(); err != nil {
		return err
	}

	m.dirLock.Lock()
	defer m.dirLock.Unlock()

	m.unsavedChunks.Clear()
	m.savingChunks.Clear()
	m.unsavedPlayers.Clear()
	m.savingPlayers.Clear()
	m.metrics.setUnsaved(0, 0)

	if err := os.RemoveAll(m.paths.WorldPath()); err != nil {
		return fmt.Errorf("ошибка удаления мира %s: %w", m.opts.WorldName, err)
	}
	m.log.Warn("🗑️ чанки мира %s удалены", m.opts.WorldName)
	return nil
}

func (m *StorageManager) waitForCurrent() error {
	if m.failed != nil {
		return m.failed
	}
	if m.current == nil {
		return nil
	}
	return m.saveComplete(m.current.Wait())
}

// saveComplete обрабатывает итог транзакции на потоке симуляции
func (m *StorageManager) saveComplete(res *TransactionResult) error {
	m.current = nil

	event := eventbus.SaveEvent{
		TransactionID: res.ID.String(),
		Auto:          res.Auto,
		Players:       res.Players,
		Chunks:        res.Chunks,
		Duration:      res.Finished.Sub(res.Started),
	}

	if res.Succeeded() {
		m.savingChunks.Clear()
		m.savingPlayers.Clear()
		m.metrics.setUnsaved(m.unsavedChunks.Len(), m.unsavedPlayers.Len())
		m.publish(eventbus.EventSaveCompleted, event)
		return nil
	}

	// Не записанные данные возвращаются в очередь, если их не вытеснила более новая версия
	m.savingChunks.Range(func(pos vec.Vec3, b *CompressedChunkBuilder) bool {
		if _, ok := m.unsavedChunks.Load(pos); !ok {
			m.unsavedChunks.Store(pos, b)
		}
		return true
	})
	m.savingPlayers.Range(func(id string, ps *PlayerStore) bool {
		if _, ok := m.unsavedPlayers.Load(id); !ok {
			m.unsavedPlayers.Store(id, ps)
		}
		return true
	})
	m.savingChunks.Clear()
	m.savingPlayers.Clear()

	event.Error = res.Err.Error()
	m.publish(eventbus.EventSaveFailed, event)
	m.failed = fmt.Errorf("%w: %w", ErrSaveFailed, res.Err)
	return m.failed
}

func (m *StorageManager) scheduleNextAutoSave() {
	if m.opts.AutoSaveInterval <= 0 {
		m.nextAutoSave = time.Time{}
		return
	}
	m.nextAutoSave = m.clock().Add(m.opts.AutoSaveInterval)
}

// isSavingNecessary сохранение по доле выгруженных чанков или по таймеру.
// Доля считается как выгруженные / (выгруженные + загруженные).
func (m *StorageManager) isSavingNecessary() bool {
	if m.opts.MaxUnloadedChunksPercentage > 0 {
		unloaded := m.unsavedChunks.Len()
		loaded := 0
		if m.chunks != nil {
			loaded = len(m.chunks.AllChunks())
		}
		if total := unloaded + loaded; total > 0 {
			percentage := float64(unloaded) * 100 / float64(total)
			if percentage >= m.opts.MaxUnloadedChunksPercentage {
				return true
			}
		}
	}
	return !m.nextAutoSave.IsZero() && !m.clock().Before(m.nextAutoSave)
}

func (m *StorageManager) startSaving(auto bool) error {
	if m.failed != nil {
		return m.failed
	}
	if m.current != nil {
		return ErrSaveInProgress
	}

	for _, p := range m.participants {
		p.PreSave()
	}
	tx, err := m.createSaveTransaction(auto)
	for _, p := range m.participants {
		p.PostSave()
	}
	if err != nil {
		return fmt.Errorf("ошибка подготовки сохранения: %w", err)
	}

	m.current = tx
	m.saveRequested = false
	if auto {
		m.scheduleNextAutoSave()
	}
	m.worker.submit(tx)

	m.publish(eventbus.EventSaveStarted, eventbus.SaveEvent{TransactionID: tx.ID().String(), Auto: auto})
	m.log.Debug("💾 запущено сохранение %s (auto=%v)", tx.ID(), auto)
	return nil
}

func (m *StorageManager) createSaveTransaction(auto bool) (*SaveTransaction, error) {
	globalBuilder, err := NewGlobalStoreBuilder(m.live)
	if err != nil {
		return nil, err
	}

	recorder := m.recorder.Swap(NewDeltaRecorder(m.live.Library()))
	b := NewSaveTransactionBuilder(TransactionConfig{
		PrivateManager:    m.private,
		Delta:             recorder,
		Paths:             m.paths,
		Helper:            m.helper,
		WriteLock:         &m.dirLock,
		StoreChunksInZips: m.opts.StoreChunksInZips,
		Auto:              auto,
		Journal:           m.journal,
		Metrics:           m.metrics,
		MinFreeBytes:      m.opts.MinFreeDiskBytes,
	})
	m.addChunksToSaveTransaction(b)
	m.addPlayersToSaveTransaction(b)
	b.SetGlobalStoreBuilder(globalBuilder)
	b.SetGameManifest(m.currentManifest())
	return b.Build()
}

func (m *StorageManager) addChunksToSaveTransaction(b *SaveTransactionBuilder) {
	m.unsavedChunks.drainInto(&m.savingChunks)
	if m.chunks != nil {
		for _, c := range m.chunks.AllChunks() {
			if !c.IsReady() {
				continue
			}
			// Загруженная версия новее выгруженной
			m.savingChunks.Delete(c.Position())
			b.AddLoadedChunk(c.Position(), c)
		}
	}
	m.savingChunks.Range(func(pos vec.Vec3, cb *CompressedChunkBuilder) bool {
		b.AddUnloadedChunk(pos, cb)
		return true
	})
}

func (m *StorageManager) addPlayersToSaveTransaction(b *SaveTransactionBuilder) {
	m.unsavedPlayers.drainInto(&m.savingPlayers)
	if m.players != nil {
		for _, c := range m.players.Clients() {
			m.savingPlayers.Delete(c.ID())
			b.AddLoadedPlayer(c.ID(), NewPlayerStoreBuilder(m.live, c.Character()))
		}
	}
	m.savingPlayers.Range(func(id string, ps *PlayerStore) bool {
		b.AddUnloadedPlayer(id, ps)
		return true
	})
}

func (m *StorageManager) currentManifest() *GameManifest {
	if m.manifest != nil {
		if gm := m.manifest(); gm != nil {
			return gm
		}
	}
	return &GameManifest{
		Title:  m.opts.WorldName,
		Time:   m.clock().UnixMilli(),
		Worlds: []WorldInfo{{Name: m.opts.WorldName}},
	}
}

func (m *StorageManager) publish(eventType string, payload eventbus.SaveEvent) {
	if m.bus == nil {
		return
	}
	priority := 5
	if eventType == eventbus.EventSaveFailed {
		priority = 9
	}
	ev, err := eventbus.NewEnvelope("storage", eventType, priority, payload)
	if err != nil {
		m.log.Warn("⚠️ %v", err)
		return
	}
	if err := m.bus.Publish(context.Background(), ev); err != nil {
		m.log.Warn("⚠️ не удалось опубликовать событие %s: %v", eventType, err)
	}
}

// recorderProxy пересылает события живого мира текущему регистратору изменений
type recorderProxy struct {
	m *StorageManager
}

func (p *recorderProxy) OnComponentAdded(e *ecs.Entity, c ecs.Component) {
	p.m.recorder.Load().OnComponentAdded(e, c)
}

func (p *recorderProxy) OnComponentChanged(e *ecs.Entity, c ecs.Component) {
	p.m.recorder.Load().OnComponentChanged(e, c)
}

func (p *recorderProxy) OnComponentRemoved(e *ecs.Entity, typeName string) {
	p.m.recorder.Load().OnComponentRemoved(e, typeName)
}

func (p *recorderProxy) OnReactivation(e *ecs.Entity, components []ecs.Component) {
	p.m.recorder.Load().OnReactivation(e, components)
}

func (p *recorderProxy) OnBeforeDeactivation(e *ecs.Entity, components []ecs.Component) {
	p.m.recorder.Load().OnBeforeDeactivation(e, components)
}

func (p *recorderProxy) OnEntityDestroyed(e *ecs.Entity) {
	p.m.recorder.Load().OnEntityDestroyed(e)
}
