package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/worldsave/internal/logging"
)

// SaveTransactionHelper файловые операции транзакции сохранения:
// очистка каталога незавершенной транзакции, его переименование в каталог
// неслитых изменений и слияние изменений с корнем сохранения.
type SaveTransactionHelper struct {
	paths      *PathProvider
	retryDelay time.Duration
	log        *logging.Logger
}

// NewSaveTransactionHelper создает помощника. retryDelay пауза перед
// единственной повторной попыткой файловой операции.
func NewSaveTransactionHelper(paths *PathProvider, retryDelay time.Duration) *SaveTransactionHelper {
	return &SaveTransactionHelper{
		paths:      paths,
		retryDelay: retryDelay,
		log:        logging.GetStorageLogger(),
	}
}

// CleanupSaveTransactionDirectory удаляет каталог незавершенной транзакции.
// Отсутствие каталога не ошибка.
func (h *SaveTransactionHelper) CleanupSaveTransactionDirectory() error {
	dir := h.paths.UnfinishedSaveTransactionPath()
	err := os.RemoveAll(dir)
	if err == nil {
		return nil
	}
	// Файл мог быть ненадолго занят сторонним процессом
	h.log.Warn("⚠️ не удалось удалить %s, повтор через %v: %v", dir, h.retryDelay, err)
	time.Sleep(h.retryDelay)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("ошибка удаления каталога незавершенной транзакции: %w", err)
	}
	return nil
}

// PrepareChangesForMerge атомарно переименовывает каталог транзакции в каталог
// неслитых изменений. С этого момента сохранение считается зафиксированным.
// Каталог неслитых изменений появляется только целиком.
func (h *SaveTransactionHelper) PrepareChangesForMerge() error {
	src := h.paths.UnfinishedSaveTransactionPath()
	dst := h.paths.UnmergedChangesPath()

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if isCrossDevice(err) {
		return fmt.Errorf("ошибка фиксации транзакции, %s и %s на разных устройствах: %w", src, dst, err)
	}

	h.log.Warn("⚠️ не удалось переименовать %s, повтор через %v: %v", src, h.retryDelay, err)
	time.Sleep(h.retryDelay)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("ошибка переименования каталога транзакции: %w", err)
	}
	return nil
}

// MergeChanges переносит каждый файл из каталога неслитых изменений в корень
// сохранения, заменяя существующие, затем удаляет пустые исходные каталоги.
func (h *SaveTransactionHelper) MergeChanges() error {
	src := h.paths.UnmergedChangesPath()
	dst := h.paths.StoragePath()

	var dirs []string
	warnedCopy := false

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			dirs = append(dirs, path)
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("ошибка создания каталога %s: %w", target, err)
			}
			return nil
		}
		return h.moveReplacing(path, target, &warnedCopy)
	})
	if err != nil {
		return fmt.Errorf("ошибка слияния изменений: %w", err)
	}

	// Сначала самые глубокие каталоги
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		if err := h.removeDirectory(dir); err != nil {
			return err
		}
	}
	return nil
}

// RepairIfNecessary удаляет каталог незавершенной транзакции и довершает
// слияние, если прерванное сохранение успело зафиксироваться. Возвращает
// true, если выполнялось слияние. Вызывающий держит блокировку записи каталога.
func (h *SaveTransactionHelper) RepairIfNecessary() (bool, error) {
	if err := h.CleanupSaveTransactionDirectory(); err != nil {
		return false, err
	}
	if !exists(h.paths.UnmergedChangesPath()) {
		return false, nil
	}

	h.log.Warn("⚠️ найдены неслитые изменения прерванного сохранения, завершаю слияние")
	if err := h.MergeChanges(); err != nil {
		return false, fmt.Errorf("ошибка восстановления прерванного сохранения: %w", err)
	}
	h.log.Info("✅ прерванное сохранение восстановлено")
	return true, nil
}

// moveReplacing заменяет target файлом path. Если атомарная замена
// невозможна (другое устройство), target удаляется и файл копируется;
// предупреждение об этом выводится один раз за слияние.
func (h *SaveTransactionHelper) moveReplacing(path, target string, warnedCopy *bool) error {
	err := os.Rename(path, target)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("ошибка перемещения %s: %w", path, err)
	}
	if !*warnedCopy {
		h.log.Warn("⚠️ атомарное перемещение недоступно, файлы сохранения будут скопированы")
		*warnedCopy = true
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления %s: %w", target, err)
	}
	if err := copyFile(path, target); err != nil {
		return fmt.Errorf("ошибка копирования %s: %w", path, err)
	}
	return os.Remove(path)
}

// removeDirectory удаляет пустой каталог; если он еще не пуст
// (файловая система не успела отразить удаление), повторяет один раз
func (h *SaveTransactionHelper) removeDirectory(dir string) error {
	err := os.Remove(dir)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("ошибка удаления каталога %s: %w", dir, err)
	}
	time.Sleep(h.retryDelay)
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления каталога %s: %w", dir, err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
