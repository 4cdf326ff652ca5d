package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/logging"
)

// EntityDelta накопленные изменения одной сущности: последние версии
// измененных компонентов и множество удаленных типов. Тип не бывает
// одновременно в обоих множествах. Полная дельта содержит все компоненты
// сущности, остальные типы приватной копии при применении удаляются.
type EntityDelta struct {
	changed map[string]ecs.Component
	removed map[string]struct{}
	full    bool
}

func newEntityDelta() *EntityDelta {
	return &EntityDelta{
		changed: make(map[string]ecs.Component),
		removed: make(map[string]struct{}),
	}
}

// SetChanged запоминает новую версию компонента
func (d *EntityDelta) SetChanged(c ecs.Component) {
	t := c.ComponentType()
	delete(d.removed, t)
	d.changed[t] = c
}

// SetRemoved запоминает удаление типа компонента
func (d *EntityDelta) SetRemoved(typeName string) {
	delete(d.changed, typeName)
	d.removed[typeName] = struct{}{}
}

func (d *EntityDelta) Changed(typeName string) (ecs.Component, bool) {
	c, ok := d.changed[typeName]
	return c, ok
}

func (d *EntityDelta) IsRemoved(typeName string) bool {
	_, ok := d.removed[typeName]
	return ok
}

// ChangedComponents измененные компоненты в порядке имен типов
func (d *EntityDelta) ChangedComponents() []ecs.Component {
	out := make([]ecs.Component, 0, len(d.changed))
	for _, c := range d.changed {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentType() < out[j].ComponentType() })
	return out
}

// RemovedComponents удаленные типы в порядке имен
func (d *EntityDelta) RemovedComponents() []string {
	out := make([]string, 0, len(d.removed))
	for t := range d.removed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsFull дельта описывает сущность целиком
func (d *EntityDelta) IsFull() bool { return d.full }

// Merge накладывает более позднюю дельту; побеждает последняя запись
func (d *EntityDelta) Merge(later *EntityDelta) {
	if later.full {
		d.changed = make(map[string]ecs.Component, len(later.changed))
		d.removed = make(map[string]struct{})
		d.full = true
	}
	for t := range later.removed {
		d.SetRemoved(t)
	}
	for _, c := range later.changed {
		d.SetChanged(c)
	}
}

// DeltaRecorder подписчик менеджера сущностей, копящий изменения
// сохраняемых сущностей между сохранениями.
//
// Все компоненты копируются в момент события: дальнейшие изменения живого
// менеджера не влияют на записанное. Ссылки в копиях не привязаны, их
// привязывает BindDelayedRefs к приватному менеджеру транзакции.
type DeltaRecorder struct {
	mu          sync.Mutex
	library     *ecs.ComponentLibrary
	deltas      map[ecs.EntityID]*EntityDelta
	destroyed   map[ecs.EntityID]struct{}
	deactivated map[ecs.EntityID]struct{}
	delayedRefs []*ecs.Ref
	log         *logging.Logger
}

// NewDeltaRecorder создает пустой регистратор
func NewDeltaRecorder(lib *ecs.ComponentLibrary) *DeltaRecorder {
	return &DeltaRecorder{
		library:     lib,
		deltas:      make(map[ecs.EntityID]*EntityDelta),
		destroyed:   make(map[ecs.EntityID]struct{}),
		deactivated: make(map[ecs.EntityID]struct{}),
		log:         logging.GetStorageLogger(),
	}
}

func (r *DeltaRecorder) deltaFor(id ecs.EntityID) *EntityDelta {
	d, ok := r.deltas[id]
	if !ok {
		d = newEntityDelta()
		r.deltas[id] = d
	}
	return d
}

func (r *DeltaRecorder) copyComponent(c ecs.Component) (ecs.Component, bool) {
	cp, err := r.library.Copy(c)
	if err != nil {
		r.log.Error("❌ не удалось скопировать компонент %s для дельты: %v", c.ComponentType(), err)
		return nil, false
	}
	if holder, ok := cp.(ecs.RefHolder); ok {
		r.delayedRefs = append(r.delayedRefs, holder.EntityRefs()...)
	}
	return cp, true
}

func (r *DeltaRecorder) recordChanged(e *ecs.Entity, c ecs.Component) {
	if !e.IsPersistent() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp, ok := r.copyComponent(c); ok {
		r.deltaFor(e.ID()).SetChanged(cp)
	}
}

// recordFull заменяет дельту сущности полным набором ее компонентов
func (r *DeltaRecorder) recordFull(id ecs.EntityID, components []ecs.Component) {
	d := newEntityDelta()
	d.full = true
	for _, c := range components {
		if cp, ok := r.copyComponent(c); ok {
			d.SetChanged(cp)
		}
	}
	r.deltas[id] = d
}

func (r *DeltaRecorder) OnComponentAdded(e *ecs.Entity, c ecs.Component) {
	r.recordChanged(e, c)
}

// OnComponentChanged замена EntityInfo может перевести сущность между
// сохраняемыми и временными. Ставшая сохраняемой записывается целиком,
// ставшая временной передает в приватную копию только новый EntityInfo.
func (r *DeltaRecorder) OnComponentChanged(e *ecs.Entity, c ecs.Component) {
	info, ok := c.(*ecs.EntityInfo)
	if !ok {
		r.recordChanged(e, c)
		return
	}
	if info.Persistent {
		components := e.Components()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.recordFull(e.ID(), components)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp, ok := r.copyComponent(info); ok {
		d := newEntityDelta()
		d.SetChanged(cp)
		r.deltas[e.ID()] = d
	}
}

func (r *DeltaRecorder) OnComponentRemoved(e *ecs.Entity, typeName string) {
	if !e.IsPersistent() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltaFor(e.ID()).SetRemoved(typeName)
}

// OnReactivation сущность снова активна: запоминаем все ее компоненты,
// отменяя ранее записанную выгрузку
func (r *DeltaRecorder) OnReactivation(e *ecs.Entity, components []ecs.Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deactivated, e.ID())
	if !e.IsPersistent() {
		return
	}
	d := r.deltaFor(e.ID())
	for _, c := range components {
		if cp, ok := r.copyComponent(c); ok {
			d.SetChanged(cp)
		}
	}
}

// OnBeforeDeactivation и OnEntityDestroyed записываются для любой сущности:
// приватная копия могла остаться с тех пор, когда сущность была сохраняемой.
func (r *DeltaRecorder) OnBeforeDeactivation(e *ecs.Entity, _ []ecs.Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated[e.ID()] = struct{}{}
}

func (r *DeltaRecorder) OnEntityDestroyed(e *ecs.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deltas, e.ID())
	delete(r.deactivated, e.ID())
	r.destroyed[e.ID()] = struct{}{}
}

// RecordExisting записывает текущие сохраняемые сущности менеджера целиком.
// Используется при подключении к менеджеру, в котором уже есть сущности.
func (r *DeltaRecorder) RecordExisting(em *ecs.EntityManager) {
	for _, e := range em.Entities() {
		r.OnReactivation(e, e.Components())
	}
}

// EntityDelta дельта сущности
func (r *DeltaRecorder) EntityDelta(id ecs.EntityID) (*EntityDelta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deltas[id]
	return d, ok
}

// ChangedEntities идентификаторы сущностей с дельтами, по возрастанию
func (r *DeltaRecorder) ChangedEntities() []ecs.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ecs.EntityID, 0, len(r.deltas))
	for id := range r.deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *DeltaRecorder) DestroyedEntities() []ecs.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.destroyed)
}

func (r *DeltaRecorder) DeactivatedEntities() []ecs.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.deactivated)
}

// IsEmpty нет ни одного записанного изменения
func (r *DeltaRecorder) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas) == 0 && len(r.destroyed) == 0 && len(r.deactivated) == 0
}

// BindDelayedRefs привязывает все ссылки записанных копий к менеджеру
func (r *DeltaRecorder) BindDelayedRefs(em *ecs.EntityManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range r.delayedRefs {
		if !ref.IsBound() {
			ref.Bind(em)
		}
	}
	r.delayedRefs = nil
}

// ApplyTo применяет записанные изменения к менеджеру (приватной копии мира).
// Порядок: поднять счетчик идентификаторов, привязать ссылки, применить
// дельты, уничтожить и выгрузить сущности.
func (r *DeltaRecorder) ApplyTo(em *ecs.EntityManager) error {
	changed := r.ChangedEntities()
	destroyed := r.DestroyedEntities()
	deactivated := r.DeactivatedEntities()

	maxID := ecs.NullID
	for _, ids := range [][]ecs.EntityID{changed, destroyed, deactivated} {
		if n := len(ids); n > 0 && ids[n-1] > maxID {
			maxID = ids[n-1]
		}
	}
	if maxID != ecs.NullID {
		em.SetNextID(maxID + 1)
	}

	r.BindDelayedRefs(em)

	for _, id := range changed {
		delta, _ := r.EntityDelta(id)
		if e, ok := em.Entity(id); ok {
			if delta.IsFull() {
				for _, c := range e.Components() {
					if _, keep := delta.Changed(c.ComponentType()); keep || c.ComponentType() == ecs.EntityInfoType {
						continue
					}
					if err := em.RemoveComponent(e, c.ComponentType()); err != nil {
						return fmt.Errorf("ошибка применения дельты сущности %d: %w", id, err)
					}
				}
			}
			for _, c := range delta.ChangedComponents() {
				if err := em.AddComponent(e, c); err != nil {
					return fmt.Errorf("ошибка применения дельты сущности %d: %w", id, err)
				}
			}
			for _, t := range delta.RemovedComponents() {
				if err := em.RemoveComponent(e, t); err != nil {
					return fmt.Errorf("ошибка применения дельты сущности %d: %w", id, err)
				}
			}
			continue
		}
		if info, ok := delta.Changed(ecs.EntityInfoType); ok && !info.(*ecs.EntityInfo).Persistent {
			continue
		}
		if _, err := em.CreateWithID(id, delta.ChangedComponents()...); err != nil {
			return fmt.Errorf("ошибка создания сущности %d из дельты: %w", id, err)
		}
	}

	for _, id := range destroyed {
		if e, ok := em.Entity(id); ok {
			em.Destroy(e)
		}
	}
	for _, id := range deactivated {
		if e, ok := em.Entity(id); ok {
			em.DeactivateForStorage(e)
		}
	}
	return nil
}
