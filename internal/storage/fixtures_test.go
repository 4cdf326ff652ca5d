package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

const (
	healthType = "test:health"
	linkType   = "test:link"
)

type healthComponent struct {
	Value int `json:"value"`
}

func (*healthComponent) ComponentType() string { return healthType }

type linkComponent struct {
	Target ecs.Ref `json:"target"`
}

func (*linkComponent) ComponentType() string { return linkType }

func (l *linkComponent) EntityRefs() []*ecs.Ref { return []*ecs.Ref{&l.Target} }

func newTestLibrary() *ecs.ComponentLibrary {
	lib := ecs.NewComponentLibrary()
	world.RegisterComponents(lib)
	lib.Register(func() ecs.Component { return &healthComponent{} })
	lib.Register(func() ecs.Component { return &linkComponent{} })
	return lib
}

type testClient struct {
	id        string
	character ecs.EntityID
}

func (c testClient) ID() string              { return c.id }
func (c testClient) Character() ecs.EntityID { return c.character }

type testPlayers struct {
	mu      sync.Mutex
	clients []Client
}

func (p *testPlayers) Clients() []Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Client(nil), p.clients...)
}

func (p *testPlayers) connect(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = append(p.clients, c)
}

func (p *testPlayers) disconnect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.clients {
		if c.ID() == id {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			return
		}
	}
}

// testWorld живой мир для сценариев менеджера
type testWorld struct {
	dir     string
	em      *ecs.EntityManager
	chunks  *world.ChunkCache
	players *testPlayers
}

func newTestWorld(t *testing.T, dir string) *testWorld {
	t.Helper()
	return &testWorld{
		dir:     dir,
		em:      ecs.NewEntityManager(newTestLibrary()),
		chunks:  world.NewChunkCache(),
		players: &testPlayers{},
	}
}

func (w *testWorld) options(zips bool) Options {
	return Options{
		SavePath:          w.dir,
		WorldName:         "main",
		StoreChunksInZips: zips,
		RetryDelay:        time.Millisecond,
	}
}

func (w *testWorld) open(t *testing.T, opts Options) *StorageManager {
	t.Helper()
	m, err := NewStorageManager(opts, Dependencies{
		EntityManager: w.em,
		Chunks:        w.chunks,
		Players:       w.players,
	})
	require.NoError(t, err)
	return m
}

func (w *testWorld) loadChunk(pos vec.Vec3) *world.Chunk {
	c := world.NewChunk(pos)
	c.MarkReady()
	w.chunks.Add(c)
	return c
}

func locationIn(pos vec.Vec3) *world.Location {
	min := pos.Mul(world.ChunkSizeX)
	return &world.Location{Position: vec.Vec3Float{
		X: float64(min.X) + 1.5,
		Y: float64(min.Y) + 1.5,
		Z: float64(min.Z) + 1.5,
	}}
}

func newTestPaths(t *testing.T) *PathProvider {
	t.Helper()
	return NewPathProvider(t.TempDir(), "main")
}
