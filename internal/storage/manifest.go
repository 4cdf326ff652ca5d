package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/annel0/worldsave/internal/world"
)

// ModuleInfo модуль, активный при сохранении
type ModuleInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// WorldInfo описание мира в манифесте
type WorldInfo struct {
	Name      string `json:"name"`
	Generator string `json:"generator"`
	Seed      int64  `json:"seed"`
}

// GameManifest описание сохранения: название, время, модули и таблицы
// идентификаторов блоков и биомов
type GameManifest struct {
	Title    string                   `json:"title"`
	Seed     int64                    `json:"seed"`
	Time     int64                    `json:"time"`
	SavedAt  time.Time                `json:"savedAt"`
	Modules  []ModuleInfo             `json:"modules,omitempty"`
	BlockIDs map[string]world.BlockID `json:"blockIdTable"`
	BiomeIDs map[string]world.BiomeID `json:"biomeIdTable"`
	Worlds   []WorldInfo              `json:"worlds"`
}

// WriteManifest записывает манифест с fsync
func WriteManifest(path string, m *GameManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации манифеста: %w", err)
	}
	return writeFileSync(path, data)
}

// LoadManifest читает манифест сохранения
func LoadManifest(path string) (*GameManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("манифест %s не найден: %w", path, err)
		}
		return nil, fmt.Errorf("ошибка чтения манифеста %s: %w", path, err)
	}
	var m GameManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: манифест %s: %v", ErrStoreCorrupt, path, err)
	}
	return &m, nil
}
