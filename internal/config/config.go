package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации.
// Отсутствующие в YAML ключи сохраняют значения из Default().
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StorageConfig настройки подсистемы сохранения мира
type StorageConfig struct {
	SavePath                            string        `yaml:"save_path"`
	WorldName                           string        `yaml:"world_name"`
	StoreChunksInZips                   bool          `yaml:"store_chunks_in_zips"`
	MaxSecondsBetweenSaves              int           `yaml:"max_seconds_between_saves"`
	MaxUnloadedChunksPercentageTillSave float64       `yaml:"max_unloaded_chunks_percentage_till_save"`
	RetryDelay                          time.Duration `yaml:"retry_delay"`
	JournalPath                         string        `yaml:"journal_path"`
	MinFreeDiskMB                       uint64        `yaml:"min_free_disk_mb"`
}

// LoggingConfig уровень и формат логов (console | json)
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig экспорт трейсов через OTLP/HTTP. Пустой Endpoint отключает экспорт.
type TelemetryConfig struct {
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			SavePath:                            "saves/default",
			WorldName:                           "main",
			StoreChunksInZips:                   true,
			MaxSecondsBetweenSaves:              60,
			MaxUnloadedChunksPercentageTillSave: 40,
			RetryDelay:                          time.Second,
			MinFreeDiskMB:                       64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "worldsave",
			SampleRatio: 1.0,
		},
	}
}

// GetSavePath возвращает путь сохранения с приоритетом: config -> env -> default
func (s *StorageConfig) GetSavePath() string {
	return getStringWithEnvFallback(s.SavePath, "GAME_SAVE_PATH", "saves/default")
}

// GetAutoSaveInterval интервал между автосохранениями
func (s *StorageConfig) GetAutoSaveInterval() time.Duration {
	seconds := getIntWithEnvFallback(s.MaxSecondsBetweenSaves, "GAME_SAVE_INTERVAL", 60)
	return time.Duration(seconds) * time.Second
}

// GetMinFreeDiskBytes порог свободного места для предупреждения
func (s *StorageConfig) GetMinFreeDiskBytes() uint64 {
	return s.MinFreeDiskMB * 1024 * 1024
}

func getStringWithEnvFallback(value, envVar, defaultValue string) string {
	if value != "" {
		return value
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultValue
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(value int, envVar string, defaultValue int) int {
	if value > 0 {
		return value
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}

// Load читает YAML файл конфигурации поверх Default().
// Если path == "", пытается прочитать путь из ENV GAME_CONFIG, иначе возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("GAME_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	if c.Storage.WorldName == "" {
		return fmt.Errorf("storage.world_name не может быть пустым")
	}
	if c.Storage.MaxUnloadedChunksPercentageTillSave < 0 || c.Storage.MaxUnloadedChunksPercentageTillSave > 100 {
		return fmt.Errorf("storage.max_unloaded_chunks_percentage_till_save вне диапазона 0..100: %v",
			c.Storage.MaxUnloadedChunksPercentageTillSave)
	}
	if c.Storage.RetryDelay < 0 {
		return fmt.Errorf("storage.retry_delay не может быть отрицательным")
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format должен быть console или json, получено %q", c.Logging.Format)
	}
	return nil
}
