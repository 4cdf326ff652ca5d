package ecs

// Prefab именованный шаблон сущности
type Prefab struct {
	Name           string
	Persistent     bool
	AlwaysRelevant bool
	Components     []Component
}
