package storage

import (
	"fmt"
	"sort"

	"github.com/annel0/worldsave/internal/ecs"
)

// EntityStorer собирает сущности в EntityStore.
//
// Сущность сохраняется вместе со всеми, кем она владеет (рекурсивно).
// Несохраняемые потомки пропускаются, а при выгрузке уничтожаются.
// Потомки с флагом AlwaysRelevant остаются активными и не сохраняются.
type EntityStorer struct {
	manager    *ecs.EntityManager
	table      *componentTable
	store      *EntityStore
	stored     map[ecs.EntityID]struct{}
	referenced map[ecs.EntityID]struct{}
}

// NewEntityStorer создает сборщик поверх менеджера сущностей
func NewEntityStorer(em *ecs.EntityManager) *EntityStorer {
	return &EntityStorer{
		manager:    em,
		table:      newComponentTable(),
		store:      &EntityStore{Named: make(map[string]ecs.EntityID)},
		stored:     make(map[ecs.EntityID]struct{}),
		referenced: make(map[ecs.EntityID]struct{}),
	}
}

// Store сохраняет сущность и ее потомков. При deactivate они выгружаются
// из менеджера после сериализации.
func (s *EntityStorer) Store(e *ecs.Entity, deactivate bool) error {
	return s.storeEntity(e, deactivate)
}

// StoreNamed как Store, но дополнительно запоминает сущность под именем
func (s *EntityStorer) StoreNamed(e *ecs.Entity, name string, deactivate bool) error {
	if err := s.storeEntity(e, deactivate); err != nil {
		return err
	}
	s.store.Named[name] = e.ID()
	return nil
}

func (s *EntityStorer) storeEntity(e *ecs.Entity, deactivate bool) error {
	if _, done := s.stored[e.ID()]; done {
		return nil
	}
	if !e.Exists() {
		return fmt.Errorf("%w: %d", ecs.ErrEntityNotFound, e.ID())
	}
	// Помечаем заранее, чтобы циклы владения не зацикливали обход
	s.stored[e.ID()] = struct{}{}

	for _, owned := range s.manager.OwnedBy(e.ID()) {
		if owned.IsAlwaysRelevant() {
			continue
		}
		if !owned.IsPersistent() {
			if deactivate {
				s.manager.Destroy(owned)
			}
			continue
		}
		if err := s.storeEntity(owned, deactivate); err != nil {
			return err
		}
	}

	rec := EntityRecord{ID: e.ID()}
	comps, err := s.encodeComponents(e.Components())
	if err != nil {
		return fmt.Errorf("ошибка сериализации сущности %d: %w", e.ID(), err)
	}
	rec.Components = comps
	s.store.Entities = append(s.store.Entities, rec)

	if deactivate {
		s.manager.DeactivateForStorage(e)
	}
	return nil
}

// encodeComponents сериализует компоненты и собирает ссылки на другие сущности.
// nil-компоненты пропускаются.
func (s *EntityStorer) encodeComponents(components []ecs.Component) ([]ComponentRecord, error) {
	out := make([]ComponentRecord, 0, len(components))
	lib := s.manager.Library()
	for _, c := range components {
		if c == nil {
			continue
		}
		data, err := lib.Marshal(c)
		if err != nil {
			return nil, err
		}
		if holder, ok := c.(ecs.RefHolder); ok {
			for _, ref := range holder.EntityRefs() {
				if !ref.IsNull() {
					s.referenced[ref.ID()] = struct{}{}
				}
			}
		}
		out = append(out, ComponentRecord{TypeIndex: s.table.indexOf(c.ComponentType()), Data: data})
	}
	return out, nil
}

// StoredEntities идентификаторы уже сохраненных сущностей
func (s *EntityStorer) StoredEntities() []ecs.EntityID {
	return sortedIDs(s.stored)
}

// Finalize завершает сборку. Внешние ссылки вычисляются как все ссылки
// минус сохраненные сущности.
func (s *EntityStorer) Finalize() *EntityStore {
	external := make([]ecs.EntityID, 0)
	for id := range s.referenced {
		if _, ok := s.stored[id]; !ok {
			external = append(external, id)
		}
	}
	sort.Slice(external, func(i, j int) bool { return external[i] < external[j] })

	s.store.ComponentTypes = append([]string(nil), s.table.names...)
	s.store.ExternalRefs = external
	return s.store
}
