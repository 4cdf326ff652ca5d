package storage

import "errors"

var (
	// ErrUnmergedChanges при старте транзакции обнаружен неслитый каталог изменений
	ErrUnmergedChanges = errors.New("обнаружены неслитые изменения предыдущего сохранения")
	// ErrSaveFailed сохранение завершилось ошибкой
	ErrSaveFailed = errors.New("сохранение мира не удалось")
	// ErrSaveInProgress операция недоступна во время сохранения
	ErrSaveInProgress = errors.New("сохранение уже выполняется")
	// ErrNoGlobalStore глобальное хранилище отсутствует на диске
	ErrNoGlobalStore = errors.New("глобальное хранилище не найдено")
	// ErrStoreCorrupt данные хранилища не удалось разобрать
	ErrStoreCorrupt = errors.New("поврежденные данные хранилища")
	// ErrTransactionBuilt построитель транзакции уже использован
	ErrTransactionBuilt = errors.New("транзакция сохранения уже построена")
	// ErrClosed менеджер хранилища остановлен
	ErrClosed = errors.New("менеджер хранилища остановлен")
)
