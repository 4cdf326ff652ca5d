package storage

import (
	"sort"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
)

// ComponentRecord сериализованный компонент; TypeIndex указывает в таблицу
// типов хранилища
type ComponentRecord struct {
	TypeIndex uint32
	Data      []byte
}

// EntityRecord сериализованная сущность
type EntityRecord struct {
	ID         ecs.EntityID
	Components []ComponentRecord
}

// EntityStore набор сериализованных сущностей.
//
// ExternalRefs содержит идентификаторы, на которые ссылаются сущности
// хранилища, но которые сами в нем не сохранены.
type EntityStore struct {
	ComponentTypes []string
	Entities       []EntityRecord
	Named          map[string]ecs.EntityID
	ExternalRefs   []ecs.EntityID
}

// EntityIDs идентификаторы сохраненных сущностей
func (s *EntityStore) EntityIDs() []ecs.EntityID {
	if s == nil {
		return nil
	}
	ids := make([]ecs.EntityID, len(s.Entities))
	for i, e := range s.Entities {
		ids[i] = e.ID
	}
	return ids
}

// componentTable таблица имен типов компонентов хранилища
type componentTable struct {
	ids   map[string]uint32
	names []string
}

func newComponentTable() *componentTable {
	return &componentTable{ids: make(map[string]uint32)}
}

func (t *componentTable) indexOf(typeName string) uint32 {
	if id, ok := t.ids[typeName]; ok {
		return id
	}
	id := uint32(len(t.names))
	t.ids[typeName] = id
	t.names = append(t.names, typeName)
	return id
}

// PlayerStore сохраненное состояние игрока
type PlayerStore struct {
	ID                string
	Store             *EntityStore
	CharacterID       ecs.EntityID
	HasCharacter      bool
	RelevanceLocation vec.Vec3Float

	manager   *ecs.EntityManager
	character *ecs.Entity
}

// ChunkStore сохраненный чанк вместе с его сущностями
type ChunkStore struct {
	Position  vec.Vec3
	ChunkData []byte
	Store     *EntityStore

	manager *ecs.EntityManager
}

// PrefabRecord сериализованный шаблон сущности
type PrefabRecord struct {
	Name           string
	Persistent     bool
	AlwaysRelevant bool
	Components     []ComponentRecord
}

// GlobalStore сущности, не принадлежащие ни чанку, ни игроку, плюс шаблоны
// и счетчик идентификаторов
type GlobalStore struct {
	Store        *EntityStore
	Prefabs      []PrefabRecord
	NextEntityID ecs.EntityID
}

func sortedIDs(set map[ecs.EntityID]struct{}) []ecs.EntityID {
	out := make([]ecs.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
