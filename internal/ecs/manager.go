package ecs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrRefAlreadyBound  = errors.New("ссылка на сущность уже привязана")
	ErrForeignRef       = errors.New("ссылка привязана к другому менеджеру сущностей")
	ErrUnknownComponent = errors.New("неизвестный тип компонента")
	ErrEntityNotFound   = errors.New("сущность не найдена")
	ErrEntityExists     = errors.New("сущность с таким идентификатором уже активна")
)

// ChangeSubscriber получает уведомления об изменениях компонентов.
// Вызовы синхронные и происходят после снятия блокировки менеджера.
type ChangeSubscriber interface {
	OnComponentAdded(e *Entity, c Component)
	OnComponentChanged(e *Entity, c Component)
	OnComponentRemoved(e *Entity, typeName string)
	// OnReactivation сущность, ранее выгруженная на диск, снова активна
	OnReactivation(e *Entity, components []Component)
	// OnBeforeDeactivation сущность сейчас будет выгружена
	OnBeforeDeactivation(e *Entity, components []Component)
}

// DestroySubscriber получает уведомления об уничтожении сущностей
type DestroySubscriber interface {
	OnEntityDestroyed(e *Entity)
}

// EntityManager хранит активные сущности и их компоненты
type EntityManager struct {
	mu          sync.RWMutex
	library     *ComponentLibrary
	entities    map[EntityID]*Entity
	deactivated map[EntityID]struct{}
	nextID      EntityID
	prefabs     map[string]*Prefab

	subMu       sync.RWMutex
	changeSubs  []ChangeSubscriber
	destroySubs []DestroySubscriber
}

// NewEntityManager создает менеджер поверх библиотеки компонентов
func NewEntityManager(library *ComponentLibrary) *EntityManager {
	if library == nil {
		library = NewComponentLibrary()
	}
	return &EntityManager{
		library:     library,
		entities:    make(map[EntityID]*Entity),
		deactivated: make(map[EntityID]struct{}),
		nextID:      1,
		prefabs:     make(map[string]*Prefab),
	}
}

func (em *EntityManager) Library() *ComponentLibrary { return em.library }

// Subscribe подписывает на изменения компонентов
func (em *EntityManager) Subscribe(sub ChangeSubscriber) {
	em.subMu.Lock()
	defer em.subMu.Unlock()
	em.changeSubs = append(em.changeSubs, sub)
}

// Unsubscribe отписывает от изменений компонентов
func (em *EntityManager) Unsubscribe(sub ChangeSubscriber) {
	em.subMu.Lock()
	defer em.subMu.Unlock()
	for i, s := range em.changeSubs {
		if s == sub {
			em.changeSubs = append(em.changeSubs[:i], em.changeSubs[i+1:]...)
			return
		}
	}
}

// SubscribeDestroy подписывает на уничтожение сущностей
func (em *EntityManager) SubscribeDestroy(sub DestroySubscriber) {
	em.subMu.Lock()
	defer em.subMu.Unlock()
	em.destroySubs = append(em.destroySubs, sub)
}

// UnsubscribeDestroy отписывает от уничтожения сущностей
func (em *EntityManager) UnsubscribeDestroy(sub DestroySubscriber) {
	em.subMu.Lock()
	defer em.subMu.Unlock()
	for i, s := range em.destroySubs {
		if s == sub {
			em.destroySubs = append(em.destroySubs[:i], em.destroySubs[i+1:]...)
			return
		}
	}
}

func (em *EntityManager) subscribers() []ChangeSubscriber {
	em.subMu.RLock()
	defer em.subMu.RUnlock()
	return append([]ChangeSubscriber(nil), em.changeSubs...)
}

func (em *EntityManager) destroySubscribers() []DestroySubscriber {
	em.subMu.RLock()
	defer em.subMu.RUnlock()
	return append([]DestroySubscriber(nil), em.destroySubs...)
}

// Create создает сущность с новым идентификатором. Если EntityInfo не передан,
// сущность получает EntityInfo{Persistent: true}.
func (em *EntityManager) Create(components ...Component) *Entity {
	em.mu.Lock()
	id := em.nextID
	em.nextID++
	e := em.insertLocked(id, components)
	comps := e.componentsLocked()
	em.mu.Unlock()

	for _, sub := range em.subscribers() {
		for _, c := range comps {
			sub.OnComponentAdded(e, c)
		}
	}
	return e
}

// CreateFromPrefab создает сущность по шаблону. Компоненты шаблона копируются,
// extra заменяют одноименные компоненты шаблона.
func (em *EntityManager) CreateFromPrefab(name string, extra ...Component) (*Entity, error) {
	prefab, ok := em.Prefab(name)
	if !ok {
		return nil, fmt.Errorf("шаблон %q не зарегистрирован", name)
	}
	byType := make(map[string]Component, len(prefab.Components)+len(extra)+1)
	for _, c := range prefab.Components {
		cp, err := em.library.Copy(c)
		if err != nil {
			return nil, err
		}
		byType[cp.ComponentType()] = cp
	}
	for _, c := range extra {
		byType[c.ComponentType()] = c
	}
	if _, ok := byType[EntityInfoType]; !ok {
		byType[EntityInfoType] = &EntityInfo{
			Persistent:     prefab.Persistent,
			AlwaysRelevant: prefab.AlwaysRelevant,
			ParentPrefab:   prefab.Name,
		}
	}
	comps := make([]Component, 0, len(byType))
	for _, c := range byType {
		comps = append(comps, c)
	}
	return em.Create(comps...), nil
}

// CreateWithID создает сущность с заданным идентификатором. Если сущность
// была выгружена этим менеджером, подписчики получают OnReactivation,
// иначе OnComponentAdded для каждого компонента.
func (em *EntityManager) CreateWithID(id EntityID, components ...Component) (*Entity, error) {
	if id == NullID {
		return nil, fmt.Errorf("нельзя создать сущность с нулевым идентификатором")
	}
	em.mu.Lock()
	if _, exists := em.entities[id]; exists {
		em.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrEntityExists, id)
	}
	_, reactivated := em.deactivated[id]
	delete(em.deactivated, id)
	if id >= em.nextID {
		em.nextID = id + 1
	}
	e := em.insertLocked(id, components)
	comps := e.componentsLocked()
	em.mu.Unlock()

	for _, sub := range em.subscribers() {
		if reactivated {
			sub.OnReactivation(e, comps)
			continue
		}
		for _, c := range comps {
			sub.OnComponentAdded(e, c)
		}
	}
	return e, nil
}

func (em *EntityManager) insertLocked(id EntityID, components []Component) *Entity {
	e := &Entity{id: id, manager: em, components: make(map[string]Component, len(components)+1)}
	for _, c := range components {
		if c == nil {
			continue
		}
		em.bindRefs(c)
		e.components[c.ComponentType()] = c
	}
	if _, ok := e.components[EntityInfoType]; !ok {
		e.components[EntityInfoType] = &EntityInfo{Persistent: true}
	}
	em.entities[id] = e
	return e
}

func (em *EntityManager) bindRefs(c Component) {
	holder, ok := c.(RefHolder)
	if !ok {
		return
	}
	for _, ref := range holder.EntityRefs() {
		ref.bindTo(em)
	}
}

// Entity возвращает активную сущность
func (em *EntityManager) Entity(id EntityID) (*Entity, bool) {
	em.mu.RLock()
	defer em.mu.RUnlock()
	e, ok := em.entities[id]
	return e, ok
}

// IsActive проверяет, что сущность активна
func (em *EntityManager) IsActive(id EntityID) bool {
	_, ok := em.Entity(id)
	return ok
}

// IsDeactivated проверяет, что сущность выгружена для хранения
func (em *EntityManager) IsDeactivated(id EntityID) bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	_, ok := em.deactivated[id]
	return ok
}

// Count количество активных сущностей
func (em *EntityManager) Count() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return len(em.entities)
}

// Entities возвращает активные сущности в порядке возрастания id
func (em *EntityManager) Entities() []*Entity {
	return em.filter(func(*Entity) bool { return true })
}

// EntitiesWith возвращает сущности, у которых есть все перечисленные компоненты
func (em *EntityManager) EntitiesWith(typeNames ...string) []*Entity {
	return em.filter(func(e *Entity) bool { return e.hasLocked(typeNames...) })
}

// OwnedBy возвращает сущности, чей владелец owner
func (em *EntityManager) OwnedBy(owner EntityID) []*Entity {
	if owner == NullID {
		return nil
	}
	return em.filter(func(e *Entity) bool {
		info, ok := e.components[EntityInfoType].(*EntityInfo)
		return ok && info.Owner.ID() == owner
	})
}

func (em *EntityManager) filter(keep func(*Entity) bool) []*Entity {
	em.mu.RLock()
	out := make([]*Entity, 0)
	for _, e := range em.entities {
		if keep(e) {
			out = append(out, e)
		}
	}
	em.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// NextID следующий выдаваемый идентификатор
func (em *EntityManager) NextID() EntityID {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.nextID
}

// SetNextID поднимает счетчик идентификаторов. Уменьшить счетчик нельзя.
func (em *EntityManager) SetNextID(id EntityID) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if id > em.nextID {
		em.nextID = id
	}
}

// AddComponent добавляет компонент. Если компонент такого типа уже есть,
// он заменяется и подписчики получают OnComponentChanged.
func (em *EntityManager) AddComponent(e *Entity, c Component) error {
	if c == nil {
		return nil
	}
	em.mu.Lock()
	if _, ok := em.entities[e.id]; !ok {
		em.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrEntityNotFound, e.id)
	}
	em.bindRefs(c)
	_, replaced := e.components[c.ComponentType()]
	e.components[c.ComponentType()] = c
	em.mu.Unlock()

	for _, sub := range em.subscribers() {
		if replaced {
			sub.OnComponentChanged(e, c)
		} else {
			sub.OnComponentAdded(e, c)
		}
	}
	return nil
}

// SaveComponent фиксирует изменения компонента сущности
func (em *EntityManager) SaveComponent(e *Entity, c Component) error {
	em.mu.Lock()
	if _, ok := em.entities[e.id]; !ok {
		em.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrEntityNotFound, e.id)
	}
	if _, ok := e.components[c.ComponentType()]; !ok {
		em.mu.Unlock()
		return fmt.Errorf("у сущности %d нет компонента %s", e.id, c.ComponentType())
	}
	em.bindRefs(c)
	e.components[c.ComponentType()] = c
	em.mu.Unlock()

	for _, sub := range em.subscribers() {
		sub.OnComponentChanged(e, c)
	}
	return nil
}

// RemoveComponent удаляет компонент. EntityInfo удалить нельзя.
func (em *EntityManager) RemoveComponent(e *Entity, typeName string) error {
	if typeName == EntityInfoType {
		return fmt.Errorf("компонент %s нельзя удалить", EntityInfoType)
	}
	em.mu.Lock()
	if _, ok := e.components[typeName]; !ok {
		em.mu.Unlock()
		return nil
	}
	delete(e.components, typeName)
	em.mu.Unlock()

	for _, sub := range em.subscribers() {
		sub.OnComponentRemoved(e, typeName)
	}
	return nil
}

// Destroy уничтожает сущность вместе со всеми сущностями, которыми она владеет
func (em *EntityManager) Destroy(e *Entity) {
	if !e.Exists() {
		return
	}
	for _, owned := range em.OwnedBy(e.id) {
		em.Destroy(owned)
	}

	em.mu.Lock()
	if cur, ok := em.entities[e.id]; !ok || cur != e {
		em.mu.Unlock()
		return
	}
	delete(em.entities, e.id)
	em.mu.Unlock()

	for _, sub := range em.destroySubscribers() {
		sub.OnEntityDestroyed(e)
	}
}

// DeactivateForStorage выгружает сущность: она перестает быть активной,
// но ее идентификатор остается занятым. Сущности-потомки не затрагиваются.
func (em *EntityManager) DeactivateForStorage(e *Entity) {
	em.mu.RLock()
	cur, ok := em.entities[e.id]
	var comps []Component
	if ok && cur == e {
		comps = e.componentsLocked()
	}
	em.mu.RUnlock()
	if !ok || cur != e {
		return
	}

	for _, sub := range em.subscribers() {
		sub.OnBeforeDeactivation(e, comps)
	}

	em.mu.Lock()
	delete(em.entities, e.id)
	em.deactivated[e.id] = struct{}{}
	em.mu.Unlock()
}

// RegisterPrefab регистрирует шаблон
func (em *EntityManager) RegisterPrefab(p *Prefab) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.prefabs[p.Name] = p
}

// Prefab возвращает шаблон по имени
func (em *EntityManager) Prefab(name string) (*Prefab, bool) {
	em.mu.RLock()
	defer em.mu.RUnlock()
	p, ok := em.prefabs[name]
	return p, ok
}

// Prefabs возвращает шаблоны в порядке имен
func (em *EntityManager) Prefabs() []*Prefab {
	em.mu.RLock()
	out := make([]*Prefab, 0, len(em.prefabs))
	for _, p := range em.prefabs {
		out = append(out, p)
	}
	em.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
