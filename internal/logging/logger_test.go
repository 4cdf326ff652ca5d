package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestComponentLoggerWritesComponentField(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetBase(zap.New(core))
	defer SetBase(zap.NewNop())

	GetLoggerManager().Reset()
	l := GetComponentLogger("storage")
	l.Info("сохранено %d чанков", 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "сохранено 3 чанков", entries[0].Message)
	assert.Equal(t, "storage", entries[0].ContextMap()["component"])
}

func TestManagerCachesLoggers(t *testing.T) {
	lm := GetLoggerManager()
	lm.Reset()

	a := lm.MustGetLogger("world")
	b := lm.MustGetLogger("world")
	assert.Same(t, a, b, "логгер компонента должен кэшироваться")
	assert.Equal(t, []string{"world"}, lm.ListComponents())
}

func TestNewLoggerRejectsEmptyComponent(t *testing.T) {
	_, err := NewLogger("  ")
	assert.Error(t, err)
}

func TestSetLogLevel(t *testing.T) {
	assert.NoError(t, SetLogLevel("debug"))
	assert.Error(t, SetLogLevel("loud"))
	assert.NoError(t, SetLogLevel("info"))
}
