package storage

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/worldsave/internal/ecs"
	"github.com/annel0/worldsave/internal/vec"
)

// Бинарный формат хранилищ: сообщения protobuf, собранные вручную через protowire.
// Номера полей менять нельзя, только добавлять новые.

// EntityStore
const (
	fieldStoreComponentType protowire.Number = 1
	fieldStoreEntity        protowire.Number = 2
	fieldStoreNamed         protowire.Number = 3
	fieldStoreExternalRef   protowire.Number = 4
)

// EntityRecord
const (
	fieldEntityID        protowire.Number = 1
	fieldEntityComponent protowire.Number = 2
)

// ComponentRecord
const (
	fieldComponentType protowire.Number = 1
	fieldComponentData protowire.Number = 2
)

// NamedRef
const (
	fieldNamedName protowire.Number = 1
	fieldNamedID   protowire.Number = 2
)

// PlayerStore
const (
	fieldPlayerID           protowire.Number = 1
	fieldPlayerStore        protowire.Number = 2
	fieldPlayerCharacterID  protowire.Number = 3
	fieldPlayerHasCharacter protowire.Number = 4
	fieldPlayerLocationX    protowire.Number = 5
	fieldPlayerLocationY    protowire.Number = 6
	fieldPlayerLocationZ    protowire.Number = 7
)

// ChunkStore
const (
	fieldChunkX     protowire.Number = 1
	fieldChunkY     protowire.Number = 2
	fieldChunkZ     protowire.Number = 3
	fieldChunkData  protowire.Number = 4
	fieldChunkStore protowire.Number = 5
)

// GlobalStore
const (
	fieldGlobalStore  protowire.Number = 1
	fieldGlobalPrefab protowire.Number = 2
	fieldGlobalNextID protowire.Number = 3
)

// PrefabRecord
const (
	fieldPrefabName           protowire.Number = 1
	fieldPrefabPersistent     protowire.Number = 2
	fieldPrefabAlwaysRelevant protowire.Number = 3
	fieldPrefabComponent      protowire.Number = 4
)

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSintField(b []byte, num protowire.Number, v int) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(int64(v)))
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

// fieldReader разбирает одно сообщение и раздает значения полей
type fieldReader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *fieldReader) fail(n int) {
	if r.err == nil {
		r.err = protowire.ParseError(n)
	}
}

func (r *fieldReader) expect(t protowire.Type) bool {
	if r.typ != t {
		r.err = fmt.Errorf("поле %d: тип %d вместо %d", r.num, r.typ, t)
		return false
	}
	return true
}

func (r *fieldReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) sint() int {
	return int(protowire.DecodeZigZag(r.varint()))
}

func (r *fieldReader) boolean() bool {
	return protowire.DecodeBool(r.varint())
}

func (r *fieldReader) double() float64 {
	if !r.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.b = r.b[n:]
	return math.Float64frombits(v)
}

func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.fail(n)
		return
	}
	r.b = r.b[n:]
}

func (r *fieldReader) error(what string) error {
	if r.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, what, r.err)
}

// MarshalEntityStore кодирует хранилище сущностей
func MarshalEntityStore(s *EntityStore) []byte {
	var b []byte
	if s == nil {
		return b
	}
	for _, name := range s.ComponentTypes {
		b = appendStringField(b, fieldStoreComponentType, name)
	}
	for _, e := range s.Entities {
		b = appendBytesField(b, fieldStoreEntity, marshalEntityRecord(e))
	}
	names := make([]string, 0, len(s.Named))
	for name := range s.Named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var nb []byte
		nb = appendStringField(nb, fieldNamedName, name)
		nb = appendVarintField(nb, fieldNamedID, uint64(s.Named[name]))
		b = appendBytesField(b, fieldStoreNamed, nb)
	}
	for _, id := range s.ExternalRefs {
		b = appendVarintField(b, fieldStoreExternalRef, uint64(id))
	}
	return b
}

func marshalEntityRecord(e EntityRecord) []byte {
	var b []byte
	b = appendVarintField(b, fieldEntityID, uint64(e.ID))
	for _, c := range e.Components {
		b = appendBytesField(b, fieldEntityComponent, marshalComponentRecord(c))
	}
	return b
}

func marshalComponentRecord(c ComponentRecord) []byte {
	var b []byte
	b = appendVarintField(b, fieldComponentType, uint64(c.TypeIndex))
	b = appendBytesField(b, fieldComponentData, c.Data)
	return b
}

// UnmarshalEntityStore разбирает хранилище сущностей
func UnmarshalEntityStore(b []byte) (*EntityStore, error) {
	s := &EntityStore{Named: make(map[string]ecs.EntityID)}
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldStoreComponentType:
			s.ComponentTypes = append(s.ComponentTypes, string(r.bytes()))
		case fieldStoreEntity:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			e, err := unmarshalEntityRecord(raw)
			if err != nil {
				return nil, err
			}
			s.Entities = append(s.Entities, e)
		case fieldStoreNamed:
			raw := r.bytes()
			nr := &fieldReader{b: raw}
			var name string
			var id uint64
			for nr.next() {
				switch nr.num {
				case fieldNamedName:
					name = string(nr.bytes())
				case fieldNamedID:
					id = nr.varint()
				default:
					nr.skip()
				}
			}
			if err := nr.error("именованная ссылка"); err != nil {
				return nil, err
			}
			s.Named[name] = ecs.EntityID(id)
		case fieldStoreExternalRef:
			s.ExternalRefs = append(s.ExternalRefs, ecs.EntityID(r.varint()))
		default:
			r.skip()
		}
	}
	if err := r.error("хранилище сущностей"); err != nil {
		return nil, err
	}
	for _, e := range s.Entities {
		for _, c := range e.Components {
			if int(c.TypeIndex) >= len(s.ComponentTypes) {
				return nil, fmt.Errorf("%w: индекс типа %d вне таблицы из %d", ErrStoreCorrupt, c.TypeIndex, len(s.ComponentTypes))
			}
		}
	}
	return s, nil
}

func unmarshalEntityRecord(b []byte) (EntityRecord, error) {
	var e EntityRecord
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldEntityID:
			e.ID = ecs.EntityID(r.varint())
		case fieldEntityComponent:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			c, err := unmarshalComponentRecord(raw)
			if err != nil {
				return e, err
			}
			e.Components = append(e.Components, c)
		default:
			r.skip()
		}
	}
	return e, r.error("сущность")
}

func unmarshalComponentRecord(b []byte) (ComponentRecord, error) {
	var c ComponentRecord
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldComponentType:
			c.TypeIndex = uint32(r.varint())
		case fieldComponentData:
			c.Data = append([]byte(nil), r.bytes()...)
		default:
			r.skip()
		}
	}
	return c, r.error("компонент")
}

// MarshalPlayerStore кодирует хранилище игрока
func MarshalPlayerStore(p *PlayerStore) []byte {
	var b []byte
	b = appendStringField(b, fieldPlayerID, p.ID)
	b = appendBytesField(b, fieldPlayerStore, MarshalEntityStore(p.Store))
	b = appendVarintField(b, fieldPlayerCharacterID, uint64(p.CharacterID))
	b = appendBoolField(b, fieldPlayerHasCharacter, p.HasCharacter)
	b = appendDoubleField(b, fieldPlayerLocationX, p.RelevanceLocation.X)
	b = appendDoubleField(b, fieldPlayerLocationY, p.RelevanceLocation.Y)
	b = appendDoubleField(b, fieldPlayerLocationZ, p.RelevanceLocation.Z)
	return b
}

// UnmarshalPlayerStore разбирает хранилище игрока
func UnmarshalPlayerStore(b []byte) (*PlayerStore, error) {
	p := &PlayerStore{Store: &EntityStore{Named: map[string]ecs.EntityID{}}}
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldPlayerID:
			p.ID = string(r.bytes())
		case fieldPlayerStore:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			store, err := UnmarshalEntityStore(raw)
			if err != nil {
				return nil, err
			}
			p.Store = store
		case fieldPlayerCharacterID:
			p.CharacterID = ecs.EntityID(r.varint())
		case fieldPlayerHasCharacter:
			p.HasCharacter = r.boolean()
		case fieldPlayerLocationX:
			p.RelevanceLocation.X = r.double()
		case fieldPlayerLocationY:
			p.RelevanceLocation.Y = r.double()
		case fieldPlayerLocationZ:
			p.RelevanceLocation.Z = r.double()
		default:
			r.skip()
		}
	}
	if err := r.error("хранилище игрока"); err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalChunkStore кодирует хранилище чанка
func MarshalChunkStore(c *ChunkStore) []byte {
	var b []byte
	b = appendSintField(b, fieldChunkX, c.Position.X)
	b = appendSintField(b, fieldChunkY, c.Position.Y)
	b = appendSintField(b, fieldChunkZ, c.Position.Z)
	b = appendBytesField(b, fieldChunkData, c.ChunkData)
	b = appendBytesField(b, fieldChunkStore, MarshalEntityStore(c.Store))
	return b
}

// UnmarshalChunkStore разбирает хранилище чанка
func UnmarshalChunkStore(b []byte) (*ChunkStore, error) {
	c := &ChunkStore{Store: &EntityStore{Named: map[string]ecs.EntityID{}}}
	var pos vec.Vec3
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldChunkX:
			pos.X = r.sint()
		case fieldChunkY:
			pos.Y = r.sint()
		case fieldChunkZ:
			pos.Z = r.sint()
		case fieldChunkData:
			c.ChunkData = append([]byte(nil), r.bytes()...)
		case fieldChunkStore:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			store, err := UnmarshalEntityStore(raw)
			if err != nil {
				return nil, err
			}
			c.Store = store
		default:
			r.skip()
		}
	}
	if err := r.error("хранилище чанка"); err != nil {
		return nil, err
	}
	c.Position = pos
	return c, nil
}

// MarshalGlobalStore кодирует глобальное хранилище
func MarshalGlobalStore(g *GlobalStore) []byte {
	var b []byte
	b = appendBytesField(b, fieldGlobalStore, MarshalEntityStore(g.Store))
	for _, p := range g.Prefabs {
		var pb []byte
		pb = appendStringField(pb, fieldPrefabName, p.Name)
		pb = appendBoolField(pb, fieldPrefabPersistent, p.Persistent)
		pb = appendBoolField(pb, fieldPrefabAlwaysRelevant, p.AlwaysRelevant)
		for _, c := range p.Components {
			pb = appendBytesField(pb, fieldPrefabComponent, marshalComponentRecord(c))
		}
		b = appendBytesField(b, fieldGlobalPrefab, pb)
	}
	b = appendVarintField(b, fieldGlobalNextID, uint64(g.NextEntityID))
	return b
}

// UnmarshalGlobalStore разбирает глобальное хранилище
func UnmarshalGlobalStore(b []byte) (*GlobalStore, error) {
	g := &GlobalStore{Store: &EntityStore{Named: map[string]ecs.EntityID{}}}
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldGlobalStore:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			store, err := UnmarshalEntityStore(raw)
			if err != nil {
				return nil, err
			}
			g.Store = store
		case fieldGlobalPrefab:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			p, err := unmarshalPrefabRecord(raw)
			if err != nil {
				return nil, err
			}
			g.Prefabs = append(g.Prefabs, p)
		case fieldGlobalNextID:
			g.NextEntityID = ecs.EntityID(r.varint())
		default:
			r.skip()
		}
	}
	if err := r.error("глобальное хранилище"); err != nil {
		return nil, err
	}
	return g, nil
}

func unmarshalPrefabRecord(b []byte) (PrefabRecord, error) {
	var p PrefabRecord
	r := &fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldPrefabName:
			p.Name = string(r.bytes())
		case fieldPrefabPersistent:
			p.Persistent = r.boolean()
		case fieldPrefabAlwaysRelevant:
			p.AlwaysRelevant = r.boolean()
		case fieldPrefabComponent:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			c, err := unmarshalComponentRecord(raw)
			if err != nil {
				return p, err
			}
			p.Components = append(p.Components, c)
		default:
			r.skip()
		}
	}
	return p, r.error("шаблон")
}
