package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
)

const journalPrefix = "save/"

// SaveRecord запись журнала о завершенной транзакции сохранения
type SaveRecord struct {
	TransactionID string    `json:"transactionId"`
	Auto          bool      `json:"auto"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	Players       int       `json:"players"`
	Chunks        int       `json:"chunks"`
	Succeeded     bool      `json:"succeeded"`
	Error         string    `json:"error,omitempty"`
}

// Journal журнал сохранений в BadgerDB. Нужен для диагностики:
// сами данные мира в журнал не попадают.
type Journal struct {
	db      *badger.DB
	mutex   sync.RWMutex
	isReady bool
}

// OpenJournal открывает журнал. Пустой путь означает журнал в памяти.
func OpenJournal(path string) (*Journal, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть журнал сохранений: %w", err)
	}
	return &Journal{db: db, isReady: true}, nil
}

// Close закрывает журнал
func (j *Journal) Close() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if !j.isReady {
		return nil
	}
	j.isReady = false
	return j.db.Close()
}

func journalKey(rec SaveRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", journalPrefix, rec.Finished.UnixNano(), rec.TransactionID))
}

// Record добавляет запись
func (j *Journal) Record(rec SaveRecord) error {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	if !j.isReady {
		return fmt.Errorf("журнал сохранений закрыт")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи журнала: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(rec), data)
	})
}

// List возвращает до limit последних записей, новые первыми.
// limit <= 0 означает все записи.
func (j *Journal) List(limit int) ([]SaveRecord, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	if !j.isReady {
		return nil, fmt.Errorf("журнал сохранений закрыт")
	}

	var out []SaveRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(journalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(journalPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec SaveRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("ошибка разбора записи журнала: %w", err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Last последняя запись журнала
func (j *Journal) Last() (SaveRecord, bool, error) {
	recs, err := j.List(1)
	if err != nil || len(recs) == 0 {
		return SaveRecord{}, false, err
	}
	return recs[0], true, nil
}
