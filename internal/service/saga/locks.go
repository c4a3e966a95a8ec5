package saga

import "sync"

// paymentLocks сериализует операции над одной заявкой внутри процесса.
// Запись удаляется, когда её больше никто не держит.
type paymentLocks struct {
	mu    sync.Mutex
	locks map[string]*paymentLock
}

type paymentLock struct {
	mu   sync.Mutex
	refs int
}

func newPaymentLocks() *paymentLocks {
	return &paymentLocks{locks: make(map[string]*paymentLock)}
}

// lock захватывает блокировку заявки и возвращает функцию освобождения.
func (l *paymentLocks) lock(paymentID string) func() {
	l.mu.Lock()
	pl, ok := l.locks[paymentID]
	if !ok {
		pl = &paymentLock{}
		l.locks[paymentID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()

		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, paymentID)
		}
		l.mu.Unlock()
	}
}

func (l *paymentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
