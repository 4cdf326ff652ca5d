package ecs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// ComponentLibrary реестр типов компонентов. Умеет создавать, копировать
// и сериализовать компоненты по имени типа.
type ComponentLibrary struct {
	mu        sync.RWMutex
	factories map[string]func() Component
}

// NewComponentLibrary создает библиотеку с зарегистрированным EntityInfo
func NewComponentLibrary() *ComponentLibrary {
	l := &ComponentLibrary{factories: make(map[string]func() Component)}
	l.Register(func() Component { return &EntityInfo{} })
	return l
}

// Register регистрирует фабрику. Имя типа берется из созданного экземпляра.
func (l *ComponentLibrary) Register(factory func() Component) {
	typeName := factory().ComponentType()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[typeName] = factory
}

// Has проверяет, зарегистрирован ли тип
func (l *ComponentLibrary) Has(typeName string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.factories[typeName]
	return ok
}

// Types возвращает отсортированный список зарегистрированных типов
func (l *ComponentLibrary) Types() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	types := make([]string, 0, len(l.factories))
	for t := range l.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New создает пустой компонент по имени типа
func (l *ComponentLibrary) New(typeName string) (Component, error) {
	l.mu.RLock()
	factory, ok := l.factories[typeName]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, typeName)
	}
	return factory(), nil
}

// Marshal сериализует компонент в JSON
func (l *ComponentLibrary) Marshal(c Component) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации компонента %s: %w", c.ComponentType(), err)
	}
	return data, nil
}

// Unmarshal восстанавливает компонент. Ссылки в результате не привязаны.
func (l *ComponentLibrary) Unmarshal(typeName string, data []byte) (Component, error) {
	c, err := l.New(typeName)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("ошибка десериализации компонента %s: %w", typeName, err)
	}
	return c, nil
}

// Copy делает глубокую копию компонента. Ссылки в копии не привязаны.
func (l *ComponentLibrary) Copy(c Component) (Component, error) {
	data, err := l.Marshal(c)
	if err != nil {
		return nil, err
	}
	return l.Unmarshal(c.ComponentType(), data)
}
