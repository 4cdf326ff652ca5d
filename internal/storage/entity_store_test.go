package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/ecs"
)

func ownedBy(owner *ecs.Entity, persistent bool) *ecs.EntityInfo {
	return &ecs.EntityInfo{Owner: ecs.RefTo(owner), Persistent: persistent}
}

func TestStorerStoresOwnedEntities(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	parent := em.Create(&healthComponent{Value: 10})
	child := em.Create(ownedBy(parent, true), &healthComponent{Value: 5})
	grandchild := em.Create(ownedBy(child, true))
	temp := em.Create(ownedBy(parent, false))
	relevant := em.Create(&ecs.EntityInfo{Owner: ecs.RefTo(parent), Persistent: true, AlwaysRelevant: true})

	storer := NewEntityStorer(em)
	require.NoError(t, storer.StoreNamed(parent, "root", true))
	store := storer.Finalize()

	ids := store.EntityIDs()
	assert.ElementsMatch(t, []ecs.EntityID{parent.ID(), child.ID(), grandchild.ID()}, ids)
	assert.NotContains(t, ids, temp.ID(), "несохраняемый потомок не должен сохраняться")
	assert.NotContains(t, ids, relevant.ID(), "AlwaysRelevant потомок не должен сохраняться")
	assert.Equal(t, parent.ID(), store.Named["root"])

	assert.True(t, em.IsDeactivated(parent.ID()))
	assert.True(t, em.IsDeactivated(grandchild.ID()))
	assert.False(t, temp.Exists(), "несохраняемый потомок уничтожается при выгрузке")
	assert.False(t, em.IsDeactivated(temp.ID()))
	assert.True(t, relevant.Exists(), "AlwaysRelevant потомок остается активным")
}

func TestStorerWithoutDeactivateKeepsEntities(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	parent := em.Create(&healthComponent{Value: 1})
	temp := em.Create(ownedBy(parent, false))

	storer := NewEntityStorer(em)
	require.NoError(t, storer.Store(parent, false))

	assert.True(t, parent.Exists())
	assert.True(t, temp.Exists())
}

func TestStorerCollectsExternalRefs(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	target := em.Create(&healthComponent{Value: 3})
	a := em.Create(&linkComponent{Target: ecs.RefTo(target)})

	storer := NewEntityStorer(em)
	require.NoError(t, storer.Store(a, false))
	store := storer.Finalize()

	assert.Equal(t, []ecs.EntityID{target.ID()}, store.ExternalRefs)
}

func TestRestoreKeepsExternalReferences(t *testing.T) {
	lib := newTestLibrary()
	em := ecs.NewEntityManager(lib)
	b := em.Create(&healthComponent{Value: 3})
	a := em.Create(&linkComponent{Target: ecs.RefTo(b)})

	storer := NewEntityStorer(em)
	require.NoError(t, storer.Store(a, true))
	store := storer.Finalize()

	// B уничтожен, пока A был выгружен
	em.Destroy(b)

	_, restored, err := NewEntityRestorer(em).Restore(store)
	require.NoError(t, err)
	require.Len(t, restored, 1)

	link, ok := ecs.Get[*linkComponent](restored[0])
	require.True(t, ok)
	assert.Equal(t, b.ID(), link.Target.ID(), "внешняя ссылка сохраняет идентификатор")
	assert.False(t, link.Target.Exists(), "ссылка на уничтоженную сущность не разрешается")
}

func TestRestoreInvalidatesUnknownReferences(t *testing.T) {
	lib := newTestLibrary()
	em := ecs.NewEntityManager(lib)
	store := &EntityStore{
		ComponentTypes: []string{linkType},
		Entities: []EntityRecord{
			{ID: 5, Components: []ComponentRecord{{TypeIndex: 0, Data: []byte(`{"target":777}`)}}},
		},
	}

	_, restored, err := NewEntityRestorer(em).Restore(store)
	require.NoError(t, err)
	require.Len(t, restored, 1)

	link, ok := ecs.Get[*linkComponent](restored[0])
	require.True(t, ok)
	assert.True(t, link.Target.IsNull(), "ссылка на неизвестную сущность обнуляется")
	assert.Equal(t, ecs.EntityID(6), em.NextID(), "счетчик идентификаторов поднимается выше восстановленных")
}

func TestRestoreSkipsUnknownComponentTypes(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	store := &EntityStore{
		ComponentTypes: []string{"mod:removed", healthType},
		Entities: []EntityRecord{{ID: 2, Components: []ComponentRecord{
			{TypeIndex: 0, Data: []byte(`{}`)},
			{TypeIndex: 1, Data: []byte(`{"value":9}`)},
		}}},
	}

	_, restored, err := NewEntityRestorer(em).Restore(store)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	h, ok := ecs.Get[*healthComponent](restored[0])
	require.True(t, ok)
	assert.Equal(t, 9, h.Value)
	assert.False(t, restored[0].Has("mod:removed"))
}

func TestRestoreReusesActiveEntities(t *testing.T) {
	em := ecs.NewEntityManager(newTestLibrary())
	e := em.Create(&healthComponent{Value: 1})

	storer := NewEntityStorer(em)
	require.NoError(t, storer.StoreNamed(e, "main", false))
	store := storer.Finalize()

	named, restored, err := NewEntityRestorer(em).Restore(store)
	require.NoError(t, err)
	assert.Same(t, e, restored[0])
	assert.Same(t, e, named["main"])
}
