package storage

import (
	"context"
	"sync"
)

// saveWorker единственный фоновый исполнитель транзакций.
// Менеджер не отправляет новую транзакцию, пока предыдущая не завершена,
// поэтому очереди на один элемент достаточно.
type saveWorker struct {
	queue  chan *SaveTransaction
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func newSaveWorker() *saveWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &saveWorker{
		queue:  make(chan *SaveTransaction, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *saveWorker) loop() {
	defer w.wg.Done()
	for tx := range w.queue {
		tx.Run(w.ctx)
	}
}

// submit ставит транзакцию в очередь
func (w *saveWorker) submit(tx *SaveTransaction) {
	w.queue <- tx
}

// stop дожидается завершения поставленных транзакций и останавливает исполнителя
func (w *saveWorker) stop() {
	w.once.Do(func() {
		close(w.queue)
		w.wg.Wait()
		w.cancel()
	})
}
