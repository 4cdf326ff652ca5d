package storage

import (
	"fmt"

	"github.com/annel0/worldsave/internal/ecs"
)

// GlobalStoreBuilder собирает глобальное хранилище. Счетчик идентификаторов
// и шаблоны снимаются с живого менеджера при создании (на потоке симуляции).
type GlobalStoreBuilder struct {
	nextEntityID ecs.EntityID
	prefabs      []*ecs.Prefab
}

// NewGlobalStoreBuilder снимает состояние живого менеджера
func NewGlobalStoreBuilder(live *ecs.EntityManager) (*GlobalStoreBuilder, error) {
	b := &GlobalStoreBuilder{nextEntityID: live.NextID()}
	lib := live.Library()
	for _, p := range live.Prefabs() {
		cp := &ecs.Prefab{Name: p.Name, Persistent: p.Persistent, AlwaysRelevant: p.AlwaysRelevant}
		for _, c := range p.Components {
			cc, err := lib.Copy(c)
			if err != nil {
				return nil, fmt.Errorf("ошибка копирования шаблона %s: %w", p.Name, err)
			}
			cp.Components = append(cp.Components, cc)
		}
		b.prefabs = append(b.prefabs, cp)
	}
	return b, nil
}

// Build сохраняет все сущности менеджера верхнего уровня, которые не вошли
// ни в один чанк или игрока (alreadyStored)
func (b *GlobalStoreBuilder) Build(em *ecs.EntityManager, alreadyStored map[ecs.EntityID]struct{}) (*GlobalStore, error) {
	storer := NewEntityStorer(em)
	for _, e := range em.Entities() {
		if _, ok := alreadyStored[e.ID()]; ok {
			continue
		}
		if !e.IsPersistent() || e.Owner() != ecs.NullID {
			continue
		}
		if err := storer.Store(e, false); err != nil {
			return nil, err
		}
	}

	prefabs := make([]PrefabRecord, 0, len(b.prefabs))
	for _, p := range b.prefabs {
		comps, err := storer.encodeComponents(p.Components)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации шаблона %s: %w", p.Name, err)
		}
		prefabs = append(prefabs, PrefabRecord{
			Name:           p.Name,
			Persistent:     p.Persistent,
			AlwaysRelevant: p.AlwaysRelevant,
			Components:     comps,
		})
	}

	next := b.nextEntityID
	if n := em.NextID(); n > next {
		next = n
	}
	return &GlobalStore{
		Store:        storer.Finalize(),
		Prefabs:      prefabs,
		NextEntityID: next,
	}, nil
}

// Restore регистрирует шаблоны, поднимает счетчик идентификаторов и
// восстанавливает глобальные сущности
func (g *GlobalStore) Restore(em *ecs.EntityManager) error {
	lib := em.Library()
	for _, p := range g.Prefabs {
		prefab := &ecs.Prefab{Name: p.Name, Persistent: p.Persistent, AlwaysRelevant: p.AlwaysRelevant}
		for _, cr := range p.Components {
			if int(cr.TypeIndex) >= len(g.Store.ComponentTypes) {
				return fmt.Errorf("%w: шаблон %s ссылается на тип %d", ErrStoreCorrupt, p.Name, cr.TypeIndex)
			}
			c, err := lib.Unmarshal(g.Store.ComponentTypes[cr.TypeIndex], cr.Data)
			if err != nil {
				return fmt.Errorf("ошибка восстановления шаблона %s: %w", p.Name, err)
			}
			prefab.Components = append(prefab.Components, c)
		}
		em.RegisterPrefab(prefab)
	}

	em.SetNextID(g.NextEntityID)
	if _, _, err := NewEntityRestorer(em).Restore(g.Store); err != nil {
		return fmt.Errorf("ошибка восстановления глобальных сущностей: %w", err)
	}
	return nil
}
