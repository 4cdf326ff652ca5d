package storage

import (
	"errors"
	"fmt"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/logging"
)

// EntityRestorer восстанавливает сущности из EntityStore в менеджер
type EntityRestorer struct {
	manager *ecs.EntityManager
	log     *logging.Logger
}

func NewEntityRestorer(em *ecs.EntityManager) *EntityRestorer {
	return &EntityRestorer{manager: em, log: logging.GetStorageLogger()}
}

// Restore восстанавливает все сущности хранилища и возвращает именованные.
//
// Допустимые цели ссылок: сущности самого хранилища, его внешние ссылки и
// сущности, известные менеджеру (активные или выгруженные). Ссылки на
// прочие идентификаторы обнуляются. Уже активные сущности не пересоздаются.
func (r *EntityRestorer) Restore(store *EntityStore) (map[string]*ecs.Entity, []*ecs.Entity, error) {
	if store == nil {
		return map[string]*ecs.Entity{}, nil, nil
	}
	valid := make(map[ecs.EntityID]struct{}, len(store.Entities)+len(store.ExternalRefs))
	for _, e := range store.Entities {
		valid[e.ID] = struct{}{}
	}
	for _, id := range store.ExternalRefs {
		valid[id] = struct{}{}
	}
	return r.RestoreWithValidIDs(store, valid)
}

// RestoreWithValidIDs как Restore, но с явным набором допустимых целей ссылок
func (r *EntityRestorer) RestoreWithValidIDs(store *EntityStore, valid map[ecs.EntityID]struct{}) (map[string]*ecs.Entity, []*ecs.Entity, error) {
	lib := r.manager.Library()
	restored := make([]*ecs.Entity, 0, len(store.Entities))
	byID := make(map[ecs.EntityID]*ecs.Entity, len(store.Entities))

	for _, rec := range store.Entities {
		if existing, ok := r.manager.Entity(rec.ID); ok {
			r.log.Debug("сущность %d уже активна, восстановление пропущено", rec.ID)
			restored = append(restored, existing)
			byID[rec.ID] = existing
			continue
		}

		comps := make([]ecs.Component, 0, len(rec.Components))
		for _, cr := range rec.Components {
			typeName := store.ComponentTypes[cr.TypeIndex]
			c, err := lib.Unmarshal(typeName, cr.Data)
			if err != nil {
				if errors.Is(err, ecs.ErrUnknownComponent) {
					r.log.Warn("⚠️ сущность %d: неизвестный тип компонента %s пропущен", rec.ID, typeName)
					continue
				}
				return nil, nil, fmt.Errorf("ошибка восстановления сущности %d: %w", rec.ID, err)
			}
			r.sanitizeRefs(c, valid)
			comps = append(comps, c)
		}

		e, err := r.manager.CreateWithID(rec.ID, comps...)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка восстановления сущности %d: %w", rec.ID, err)
		}
		restored = append(restored, e)
		byID[rec.ID] = e
	}

	named := make(map[string]*ecs.Entity, len(store.Named))
	for name, id := range store.Named {
		if e, ok := byID[id]; ok {
			named[name] = e
		}
	}
	return named, restored, nil
}

func (r *EntityRestorer) sanitizeRefs(c ecs.Component, valid map[ecs.EntityID]struct{}) {
	holder, ok := c.(ecs.RefHolder)
	if !ok {
		return
	}
	for _, ref := range holder.EntityRefs() {
		if ref.IsNull() {
			continue
		}
		if _, ok := valid[ref.ID()]; ok {
			continue
		}
		if r.manager.IsActive(ref.ID()) || r.manager.IsDeactivated(ref.ID()) {
			continue
		}
		r.log.Debug("ссылка на неизвестную сущность %d обнулена", ref.ID())
		ref.Invalidate()
	}
}
