package storage

import (
	"fmt"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
	"github.com/annel0/worldsave/internal/world"
)

// characterName имя персонажа в хранилище игрока
const characterName = "character"

// Client подключенный игрок
type Client interface {
	ID() string
	// Character сущность персонажа или ecs.NullID
	Character() ecs.EntityID
}

// PlayerStoreBuilder сохраняет персонажа игрока. Позиция релевантности
// снимается при создании, сама сериализация выполняется в Build.
type PlayerStoreBuilder struct {
	characterID       ecs.EntityID
	relevanceLocation vec.Vec3Float
	storedEntities    []ecs.EntityID
}

// NewPlayerStoreBuilder создает построитель; позиция берется из Location персонажа
func NewPlayerStoreBuilder(em *ecs.EntityManager, characterID ecs.EntityID) *PlayerStoreBuilder {
	b := &PlayerStoreBuilder{characterID: characterID}
	if e, ok := em.Entity(characterID); ok {
		if loc, ok := ecs.Get[*world.Location](e); ok {
			b.relevanceLocation = loc.Position
		}
	}
	return b
}

// Build сериализует персонажа (если он существует) со всеми потомками
func (b *PlayerStoreBuilder) Build(em *ecs.EntityManager, playerID string, deactivate bool) (*PlayerStore, error) {
	storer := NewEntityStorer(em)
	if character, ok := em.Entity(b.characterID); ok {
		if err := storer.StoreNamed(character, characterName, deactivate); err != nil {
			return nil, fmt.Errorf("ошибка сохранения персонажа игрока %s: %w", playerID, err)
		}
	}
	store := storer.Finalize()
	b.storedEntities = storer.StoredEntities()

	characterID, hasCharacter := store.Named[characterName]
	return &PlayerStore{
		ID:                playerID,
		Store:             store,
		CharacterID:       characterID,
		HasCharacter:      hasCharacter,
		RelevanceLocation: b.relevanceLocation,
	}, nil
}

// StoredEntities сущности, сохраненные последним Build
func (b *PlayerStoreBuilder) StoredEntities() []ecs.EntityID {
	return b.storedEntities
}

// newEmptyPlayerStore хранилище игрока, который еще не сохранялся
func newEmptyPlayerStore(id string, em *ecs.EntityManager) *PlayerStore {
	return &PlayerStore{
		ID:      id,
		Store:   &EntityStore{Named: map[string]ecs.EntityID{}},
		manager: em,
	}
}

// RestoreEntities восстанавливает персонажа и его потомков в менеджер,
// из которого хранилище было загружено
func (p *PlayerStore) RestoreEntities() error {
	if p.manager == nil {
		return fmt.Errorf("хранилище игрока %s не привязано к менеджеру сущностей", p.ID)
	}
	named, _, err := NewEntityRestorer(p.manager).Restore(p.Store)
	if err != nil {
		return fmt.Errorf("ошибка восстановления игрока %s: %w", p.ID, err)
	}
	p.character = named[characterName]
	return nil
}

// Character восстановленный персонаж; nil до RestoreEntities или если его нет
func (p *PlayerStore) Character() *ecs.Entity {
	return p.character
}
