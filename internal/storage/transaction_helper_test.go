package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/vec"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, writeFileSync(path, []byte(content)))
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCleanupSaveTransactionDirectory(t *testing.T) {
	paths := newTestPaths(t)
	h := NewSaveTransactionHelper(paths, time.Millisecond)

	assert.NoError(t, h.CleanupSaveTransactionDirectory(), "отсутствие каталога не ошибка")

	writeTestFile(t, paths.PlayerFileTempPath("alice"), "half written")
	require.NoError(t, h.CleanupSaveTransactionDirectory())
	assert.NoDirExists(t, paths.UnfinishedSaveTransactionPath())
}

func TestPrepareChangesForMergeFailureLeavesStateIntact(t *testing.T) {
	paths := newTestPaths(t)
	h := NewSaveTransactionHelper(paths, time.Millisecond)

	writeTestFile(t, paths.GlobalStoreTempPath(), "new global")
	// Каталог неслитых изменений занят, переименование невозможно
	blocker := filepath.Join(paths.UnmergedChangesPath(), "previous.dat")
	writeTestFile(t, blocker, "previous")

	require.Error(t, h.PrepareChangesForMerge())
	assert.Equal(t, "new global", readTestFile(t, paths.GlobalStoreTempPath()), "транзакция не тронута")
	assert.Equal(t, "previous", readTestFile(t, blocker))
	assert.NoFileExists(t, filepath.Join(paths.UnmergedChangesPath(), globalStoreFile),
		"в каталог неслитых изменений ничего не скопировано")
}

func TestPrepareAndMergeChanges(t *testing.T) {
	paths := newTestPaths(t)
	h := NewSaveTransactionHelper(paths, time.Millisecond)
	pos := vec.Vec3{X: 1, Y: 2, Z: 3}

	writeTestFile(t, paths.GlobalStorePath(), "old global")
	writeTestFile(t, paths.PlayerFilePath("bob"), "old bob")

	writeTestFile(t, paths.GlobalStoreTempPath(), "new global")
	writeTestFile(t, paths.PlayerFileTempPath("alice"), "new alice")
	writeTestFile(t, paths.ChunkTempPath(pos), "new chunk")

	require.NoError(t, h.PrepareChangesForMerge())
	assert.NoDirExists(t, paths.UnfinishedSaveTransactionPath())
	assert.DirExists(t, paths.UnmergedChangesPath())

	require.NoError(t, h.MergeChanges())
	assert.NoDirExists(t, paths.UnmergedChangesPath(), "каталог изменений удаляется после слияния")

	assert.Equal(t, "new global", readTestFile(t, paths.GlobalStorePath()))
	assert.Equal(t, "new alice", readTestFile(t, paths.PlayerFilePath("alice")))
	assert.Equal(t, "old bob", readTestFile(t, paths.PlayerFilePath("bob")), "нетронутые файлы сохраняются")
	assert.Equal(t, "new chunk", readTestFile(t, paths.ChunkPath(pos)))
}

func TestMergeChangesIsRepeatable(t *testing.T) {
	paths := newTestPaths(t)
	h := NewSaveTransactionHelper(paths, time.Millisecond)

	// Слияние прервано: часть файлов уже перенесена
	writeTestFile(t, paths.GlobalStorePath(), "new global")
	writeTestFile(t, filepath.Join(paths.UnmergedChangesPath(), "players", "alice.player"), "new alice")

	require.NoError(t, h.MergeChanges())
	assert.Equal(t, "new global", readTestFile(t, paths.GlobalStorePath()))
	assert.Equal(t, "new alice", readTestFile(t, paths.PlayerFilePath("alice")))
	assert.NoDirExists(t, paths.UnmergedChangesPath())
}

func TestMoveReplacingOverwritesTarget(t *testing.T) {
	dir := t.TempDir()
	h := NewSaveTransactionHelper(NewPathProvider(dir, "main"), 0)
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeTestFile(t, src, "new")
	writeTestFile(t, dst, "old")

	warned := false
	require.NoError(t, h.moveReplacing(src, dst, &warned))
	assert.Equal(t, "new", readTestFile(t, dst))
	assert.NoFileExists(t, src)
	assert.False(t, warned, "на одном устройстве копирование не требуется")
}
