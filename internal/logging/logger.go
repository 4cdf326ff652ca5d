package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/annel0/worldsave/internal/config"
)

// Logger компонентный логгер поверх zap с printf-подобным API
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

var (
	baseMu    sync.RWMutex
	base      = zap.NewNop()
	baseLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	defaultLogger = &Logger{component: "default", sugar: zap.NewNop().Sugar()}
)

// Init настраивает базовый zap логгер по конфигурации
func Init(cfg config.LoggingConfig) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	baseLevel.SetLevel(level)
	zapCfg.Level = baseLevel

	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("ошибка создания zap логгера: %w", err)
	}
	SetBase(logger)
	return nil
}

// InitDefaultLogger настраивает логгер по умолчанию для компонента приложения
func InitDefaultLogger(component string) error {
	if err := Init(config.Default().Logging); err != nil {
		return err
	}
	l, err := NewLogger(component)
	if err != nil {
		return err
	}
	baseMu.Lock()
	defaultLogger = l
	baseMu.Unlock()
	return nil
}

// SetBase подменяет базовый zap логгер (используется в тестах с zaptest/observer)
func SetBase(logger *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = logger
	defaultLogger = &Logger{component: defaultLogger.component, sugar: logger.Sugar().With("component", defaultLogger.component)}
}

// CloseDefaultLogger сбрасывает буферы базового логгера
func CloseDefaultLogger() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

// NewLogger создает логгер компонента
func NewLogger(component string) (*Logger, error) {
	if strings.TrimSpace(component) == "" {
		return nil, fmt.Errorf("пустое имя компонента")
	}
	baseMu.RLock()
	defer baseMu.RUnlock()
	return &Logger{
		component: component,
		sugar:     base.Sugar().With("component", component),
	}, nil
}

// Component возвращает имя компонента
func (l *Logger) Component() string {
	return l.component
}

// With возвращает логгер с дополнительными полями
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{component: l.component, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Close сбрасывает буферы логгера
func (l *Logger) Close() error {
	err := l.sugar.Sync()
	// stdout/stderr на linux не поддерживают fsync
	if err != nil && strings.Contains(err.Error(), "invalid argument") {
		return nil
	}
	return err
}

func current() *Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return defaultLogger
}

// Debug логирует через логгер по умолчанию
func Debug(format string, args ...interface{}) {
	current().Debug(format, args...)
}

// Info логирует через логгер по умолчанию
func Info(format string, args ...interface{}) {
	current().Info(format, args...)
}

// Warn логирует через логгер по умолчанию
func Warn(format string, args ...interface{}) {
	current().Warn(format, args...)
}

// Error логирует через логгер по умолчанию
func Error(format string, args ...interface{}) {
	current().Error(format, args...)
}
