package ecs

import "sort"

// EntityID идентификатор сущности. Идентификаторы монотонны и не переиспользуются.
type EntityID uint64

// NullID отсутствующая сущность
const NullID EntityID = 0

// Entity дескриптор сущности. Компоненты меняются только через EntityManager.
type Entity struct {
	id         EntityID
	manager    *EntityManager
	components map[string]Component
}

func (e *Entity) ID() EntityID { return e.id }

// Manager возвращает менеджер, которому принадлежит сущность
func (e *Entity) Manager() *EntityManager { return e.manager }

// Exists проверяет, что сущность активна в своем менеджере
func (e *Entity) Exists() bool {
	if e == nil || e.manager == nil {
		return false
	}
	cur, ok := e.manager.Entity(e.id)
	return ok && cur == e
}

// Component возвращает компонент по имени типа
func (e *Entity) Component(typeName string) (Component, bool) {
	e.manager.mu.RLock()
	defer e.manager.mu.RUnlock()
	c, ok := e.components[typeName]
	return c, ok
}

// Has проверяет наличие всех перечисленных компонентов
func (e *Entity) Has(typeNames ...string) bool {
	e.manager.mu.RLock()
	defer e.manager.mu.RUnlock()
	return e.hasLocked(typeNames...)
}

func (e *Entity) hasLocked(typeNames ...string) bool {
	for _, t := range typeNames {
		if _, ok := e.components[t]; !ok {
			return false
		}
	}
	return true
}

// Components возвращает компоненты, отсортированные по имени типа
func (e *Entity) Components() []Component {
	e.manager.mu.RLock()
	defer e.manager.mu.RUnlock()
	return e.componentsLocked()
}

func (e *Entity) componentsLocked() []Component {
	out := make([]Component, 0, len(e.components))
	for _, c := range e.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ComponentType() < out[j].ComponentType()
	})
	return out
}

// Info возвращает служебный компонент сущности
func (e *Entity) Info() *EntityInfo {
	info, ok := Get[*EntityInfo](e)
	if !ok {
		return &EntityInfo{Persistent: true}
	}
	return info
}

func (e *Entity) IsPersistent() bool     { return e.Info().Persistent }
func (e *Entity) IsAlwaysRelevant() bool { return e.Info().AlwaysRelevant }

// Owner возвращает идентификатор владельца или NullID
func (e *Entity) Owner() EntityID { return e.Info().Owner.ID() }
