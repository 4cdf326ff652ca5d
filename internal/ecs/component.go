package ecs

// Component данные, прикрепленные к сущности. ComponentType возвращает
// стабильное имя типа ("engine:location"); метод не должен обращаться к полям,
// чтобы его можно было вызывать на nil-указателе.
type Component interface {
	ComponentType() string
}

// RefHolder реализуют компоненты, хранящие ссылки на другие сущности.
// Возвращаемые указатели должны указывать на поля самого компонента.
type RefHolder interface {
	EntityRefs() []*Ref
}

const EntityInfoType = "engine:entityInfo"

// EntityInfo служебный компонент, который есть у каждой сущности.
// Через него в дельты попадают флаги и владелец.
type EntityInfo struct {
	Owner          Ref    `json:"owner"`
	Persistent     bool   `json:"persistent"`
	AlwaysRelevant bool   `json:"alwaysRelevant,omitempty"`
	ParentPrefab   string `json:"parentPrefab,omitempty"`
}

func (*EntityInfo) ComponentType() string { return EntityInfoType }

func (i *EntityInfo) EntityRefs() []*Ref { return []*Ref{&i.Owner} }

// Get возвращает компонент типа T
func Get[T Component](e *Entity) (T, bool) {
	var zero T
	c, ok := e.Component(zero.ComponentType())
	if !ok {
		return zero, false
	}
	typed, ok := c.(T)
	return typed, ok
}
