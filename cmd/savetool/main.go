package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/worldsave/internal/config"
	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/eventbus"
	"github.com/annel0/worldsave/internal/logging"
	"github.com/annel0/worldsave/internal/observability"
	"github.com/annel0/worldsave/internal/storage"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (default: GAME_CONFIG or built-in defaults)")
		command    = flag.String("cmd", "inspect", "Command: generate, inspect, recover, verify")
		chunks     = flag.Int("chunks", 4, "Number of chunks per side for generate")
		seed       = flag.Int64("seed", 42, "World seed for generate")
		limit      = flag.Int("limit", 10, "Journal records to show for inspect")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	ctx := context.Background()
	shutdown, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации OpenTelemetry: %v", err)
	}
	defer shutdown(ctx)

	switch *command {
	case "generate":
		err = generate(cfg, *chunks, *seed)
	case "inspect":
		err = inspect(cfg, *limit)
	case "recover":
		err = recoverSave(cfg)
	case "verify":
		err = verify(cfg)
	default:
		err = fmt.Errorf("неизвестная команда %q", *command)
	}
	if err != nil {
		logging.Error("❌ Команда %s завершилась ошибкой: %v", *command, err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
}

type demoClient struct {
	id        string
	character ecs.EntityID
}

func (c demoClient) ID() string              { return c.id }
func (c demoClient) Character() ecs.EntityID { return c.character }

type demoPlayers struct {
	clients []storage.Client
}

func (p *demoPlayers) Clients() []storage.Client { return p.clients }

func openJournal(cfg *config.Config) (*storage.Journal, error) {
	if cfg.Storage.JournalPath == "" {
		return nil, nil
	}
	return storage.OpenJournal(cfg.Storage.JournalPath)
}

// generate строит демонстрационный мир, часть чанков и одного игрока
// выгружает и сохраняет все
func generate(cfg *config.Config, side int, seed int64) error {
	if side <= 0 {
		return fmt.Errorf("число чанков должно быть положительным")
	}

	blocks := world.NewBlockTable()
	biomes := world.NewBiomeTable()
	gen := world.NewTerrainGenerator(seed, blocks, biomes)

	lib := ecs.NewComponentLibrary()
	world.RegisterComponents(lib)
	em := ecs.NewEntityManager(lib)
	em.RegisterPrefab(&ecs.Prefab{Name: "demo:marker", Persistent: true})

	cache := world.NewChunkCache()
	players := &demoPlayers{}

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()
	sub, err := eventbus.StartLoggingListener(bus)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	manifest := func() *storage.GameManifest {
		return &storage.GameManifest{
			Title:    cfg.Storage.WorldName,
			Seed:     seed,
			Time:     time.Now().UnixMilli(),
			Modules:  []storage.ModuleInfo{{ID: "core", Version: "1.0.0"}},
			BlockIDs: blocks.Map(),
			BiomeIDs: biomes.Map(),
			Worlds:   []storage.WorldInfo{{Name: cfg.Storage.WorldName, Generator: "perlin", Seed: seed}},
		}
	}

	registry := prometheus.NewRegistry()
	manager, err := storage.NewStorageManager(storage.OptionsFromConfig(cfg.Storage), storage.Dependencies{
		EntityManager: em,
		Chunks:        cache,
		Players:       players,
		Manifest:      manifest,
		Journal:       journal,
		Metrics:       storage.NewMetrics(registry),
		Bus:           bus,
	})
	if err != nil {
		return err
	}
	if err := manager.LoadGlobalStore(); err != nil {
		return err
	}

	for x := 0; x < side; x++ {
		for z := 0; z < side; z++ {
			pos := vec.Vec3{X: x, Y: 0, Z: z}
			chunk := gen.GenerateChunk(pos)
			cache.Add(chunk)

			wx := x*world.ChunkSizeX + world.ChunkSizeX/2
			wz := z*world.ChunkSizeZ + world.ChunkSizeZ/2
			wy := min(max(gen.SurfaceHeight(wx, wz)+1, 0), world.ChunkSizeY-1)
			if _, err := em.CreateFromPrefab("demo:marker", &world.Location{
				Position: vec.Vec3Float{X: float64(wx) + 0.5, Y: float64(wy), Z: float64(wz) + 0.5},
			}); err != nil {
				return err
			}
		}
	}
	em.Create(&world.ClientInfo{Name: "server"})

	for _, name := range []string{"alice", "bob"} {
		character := em.Create(&world.ClientInfo{Name: name}, &world.Location{
			Position: vec.Vec3Float{X: 8, Y: float64(world.ChunkSizeY - 1), Z: 8},
		})
		players.clients = append(players.clients, demoClient{id: name, character: character.ID()})
	}

	// bob отключается, половина чанков выгружается
	bob := players.clients[1]
	players.clients = players.clients[:1]
	if err := manager.DeactivatePlayer(bob); err != nil {
		return err
	}
	unloaded := 0
	for _, chunk := range cache.AllChunks() {
		if (chunk.Position().X+chunk.Position().Z)%2 == 0 {
			continue
		}
		cache.Remove(chunk.Position())
		if err := manager.DeactivateChunk(chunk); err != nil {
			return err
		}
		unloaded++
	}

	if err := manager.FinishSavingAndShutdown(); err != nil {
		return err
	}
	logging.Info("🌍 мир %s сохранен в %s: загружено чанков %d, выгружено %d, сущностей %d",
		cfg.Storage.WorldName, manager.Paths().StoragePath(), cache.Len(), unloaded, em.Count())
	return printMetrics(registry)
}

// printMetrics выводит сводку метрик сохранения за время работы команды
func printMetrics(g prometheus.Gatherer) error {
	summary, err := storage.GatherSummary(g)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("📊 метрики сохранения:")
	for _, name := range names {
		fmt.Printf("  %s = %g\n", name, summary[name])
	}
	return nil
}

func inspect(cfg *config.Config, limit int) error {
	paths := storage.NewPathProvider(cfg.Storage.GetSavePath(), cfg.Storage.WorldName)

	manifest, err := storage.LoadManifest(paths.ManifestPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("Манифест не найден")
	case err != nil:
		return err
	default:
		fmt.Printf("Мир: %s (seed %d), сохранен %s\n", manifest.Title, manifest.Seed, manifest.SavedAt.Format(time.RFC3339))
		for _, m := range manifest.Modules {
			fmt.Printf("  модуль %s %s\n", m.ID, m.Version)
		}
		for _, w := range manifest.Worlds {
			fmt.Printf("  мир %s, генератор %s\n", w.Name, w.Generator)
		}
		names := make([]string, 0, len(manifest.BlockIDs))
		for name := range manifest.BlockIDs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  блок %-16s %d\n", name, manifest.BlockIDs[name])
		}
	}

	data, err := os.ReadFile(paths.GlobalStorePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("Глобальное хранилище не найдено")
	case err != nil:
		return err
	default:
		gs, err := storage.UnmarshalGlobalStore(data)
		if err != nil {
			return err
		}
		fmt.Printf("Глобальных сущностей: %d, шаблонов: %d, следующий id: %d\n",
			len(gs.Store.Entities), len(gs.Prefabs), gs.NextEntityID)
	}

	journal, err := openJournal(cfg)
	if err != nil || journal == nil {
		return err
	}
	defer journal.Close()
	records, err := journal.List(limit)
	if err != nil {
		return err
	}
	fmt.Printf("Последние сохранения (%d):\n", len(records))
	for _, r := range records {
		status := "ok"
		if !r.Succeeded {
			status = "ошибка: " + r.Error
		}
		fmt.Printf("  %s %s auto=%v игроков=%d чанков=%d за %v %s\n",
			r.Finished.Format(time.RFC3339), r.TransactionID, r.Auto, r.Players, r.Chunks,
			r.Finished.Sub(r.Started).Round(time.Millisecond), status)
	}
	return nil
}

func recoverSave(cfg *config.Config) error {
	paths := storage.NewPathProvider(cfg.Storage.GetSavePath(), cfg.Storage.WorldName)
	helper := storage.NewSaveTransactionHelper(paths, cfg.Storage.RetryDelay)
	merged, err := helper.RepairIfNecessary()
	if err != nil {
		return err
	}
	if merged {
		fmt.Println("Прерванное сохранение восстановлено")
	} else {
		fmt.Println("Восстановление не требуется")
	}
	return nil
}

func verify(cfg *config.Config) error {
	report, err := storage.VerifySave(cfg.Storage.GetSavePath())
	if err != nil {
		return err
	}
	fmt.Printf("Миры: %v\nГлобальных сущностей: %d, шаблонов: %d\nИгроков: %d\nЧанков: %d\n",
		report.Worlds, report.GlobalEntities, report.Prefabs, report.Players, report.Chunks)
	if report.OK() {
		fmt.Println("✅ Повреждений не найдено")
		return nil
	}
	for _, p := range report.Problems {
		fmt.Println("  ❌", p)
	}
	return fmt.Errorf("найдено проблем: %d", len(report.Problems))
}
