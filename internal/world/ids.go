package world

import (
	"fmt"
	"sort"
	"sync"
)

// IDTable двусторонняя таблица имя <-> компактный id.
// Таблица попадает в манифест мира, чтобы id в чанках оставались осмысленными.
type IDTable[T ~uint8 | ~uint16] struct {
	mu     sync.RWMutex
	byName map[string]T
	names  map[T]string
	next   T
	max    T
}

// BlockTable таблица блоков; id 0 всегда "engine:air"
type BlockTable = IDTable[BlockID]

// BiomeTable таблица биомов; id 0 всегда "engine:void"
type BiomeTable = IDTable[BiomeID]

func newIDTable[T ~uint8 | ~uint16](zeroName string, max T) *IDTable[T] {
	t := &IDTable[T]{
		byName: map[string]T{zeroName: 0},
		names:  map[T]string{0: zeroName},
		next:   1,
		max:    max,
	}
	return t
}

// NewBlockTable создает таблицу блоков
func NewBlockTable() *BlockTable {
	return newIDTable[BlockID]("engine:air", ^BlockID(0))
}

// NewBiomeTable создает таблицу биомов
func NewBiomeTable() *BiomeTable {
	return newIDTable[BiomeID]("engine:void", ^BiomeID(0))
}

// Register возвращает id имени, выделяя новый при необходимости
func (t *IDTable[T]) Register(name string) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byName[name]; ok {
		return id, nil
	}
	if t.next == t.max {
		return 0, fmt.Errorf("таблица идентификаторов переполнена при регистрации %q", name)
	}
	id := t.next
	t.next++
	t.byName[name] = id
	t.names[id] = name
	return id, nil
}

// MustRegister как Register, но паникует при переполнении
func (t *IDTable[T]) MustRegister(name string) T {
	id, err := t.Register(name)
	if err != nil {
		panic(err)
	}
	return id
}

func (t *IDTable[T]) ID(name string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	return id, ok
}

func (t *IDTable[T]) Name(id T) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.names[id]
	return name, ok
}

// Map копия таблицы для манифеста
func (t *IDTable[T]) Map() map[string]T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]T, len(t.byName))
	for k, v := range t.byName {
		out[k] = v
	}
	return out
}

// Names имена в порядке id
func (t *IDTable[T]) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]T, 0, len(t.names))
	for id := range t.names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.names[id]
	}
	return out
}

// Load восстанавливает таблицу из манифеста
func (t *IDTable[T]) Load(m map[string]T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, id := range m {
		t.byName[name] = id
		t.names[id] = name
		if id >= t.next && id < t.max {
			t.next = id + 1
		}
	}
}
