package world

import (
	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
)

const (
	LocationType   = "engine:location"
	ClientInfoType = "engine:client"
)

// Location положение сущности в мире. По нему сущность относится к чанку.
type Location struct {
	Position vec.Vec3Float `json:"position"`
	Yaw      float64       `json:"yaw,omitempty"`
}

func (*Location) ComponentType() string { return LocationType }

// ChunkPos чанк, в котором находится сущность
func (l *Location) ChunkPos() vec.Vec3 {
	return ChunkPosOf(l.Position)
}

// ClientInfo метка сущности подключенного клиента. Такие сущности
// не сохраняются вместе с чанками.
type ClientInfo struct {
	Name string `json:"name"`
}

func (*ClientInfo) ComponentType() string { return ClientInfoType }

// RegisterComponents регистрирует компоненты мира в библиотеке
func RegisterComponents(lib *ecs.ComponentLibrary) {
	lib.Register(func() ecs.Component { return &Location{} })
	lib.Register(func() ecs.Component { return &ClientInfo{} })
}
