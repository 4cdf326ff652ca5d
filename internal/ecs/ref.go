package ecs

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Ref ссылка на сущность по идентификатору.
//
// Ссылка проходит две фазы: непривязанная (известен только id, например после
// десериализации или копирования) и привязанная к менеджеру. Привязка
// выполняется ровно один раз; повторная привязка считается ошибкой программы.
type Ref struct {
	id      EntityID
	manager *EntityManager
}

// NullRef пустая ссылка
var NullRef = Ref{}

// NewRef создает непривязанную ссылку
func NewRef(id EntityID) Ref {
	return Ref{id: id}
}

// RefTo создает ссылку, сразу привязанную к менеджеру сущности
func RefTo(e *Entity) Ref {
	if e == nil {
		return NullRef
	}
	return Ref{id: e.id, manager: e.manager}
}

func (r Ref) ID() EntityID  { return r.id }
func (r Ref) IsNull() bool  { return r.id == NullID }
func (r Ref) IsBound() bool { return r.manager != nil }

// Bind привязывает ссылку к менеджеру. Паникует при повторной привязке.
func (r *Ref) Bind(em *EntityManager) {
	if r.manager != nil {
		panic(ErrRefAlreadyBound)
	}
	r.manager = em
}

// bindTo привязывает непривязанную ссылку и проверяет, что уже привязанная
// указывает на тот же менеджер
func (r *Ref) bindTo(em *EntityManager) {
	switch {
	case r.manager == nil:
		r.manager = em
	case r.manager != em:
		panic(ErrForeignRef)
	}
}

// Exists сообщает, существует ли активная сущность по ссылке.
// Непривязанная ссылка никогда не существует.
func (r Ref) Exists() bool {
	if r.manager == nil || r.id == NullID {
		return false
	}
	return r.manager.IsActive(r.id)
}

// Entity разрешает ссылку
func (r Ref) Entity() (*Entity, bool) {
	if r.manager == nil || r.id == NullID {
		return nil, false
	}
	return r.manager.Entity(r.id)
}

// Invalidate обнуляет ссылку, сохраняя привязку
func (r *Ref) Invalidate() {
	r.id = NullID
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(r.id))
}

// UnmarshalJSON всегда дает непривязанную ссылку
func (r *Ref) UnmarshalJSON(data []byte) error {
	var id uint64
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*r = Ref{id: EntityID(id)}
	return nil
}

func (r Ref) String() string {
	if r.id == NullID {
		return "Ref(null)"
	}
	return "Ref(" + strconv.FormatUint(uint64(r.id), 10) + ")"
}
