package server

import "sync"

// transferLimit bounds the number of transfers running at once.
type transferLimit struct {
	mu     sync.Mutex
	active int
	max    int
}

func newTransferLimit(limit int) *transferLimit {
	return &transferLimit{max: limit}
}

func (l *transferLimit) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return ErrServerBusy
	}
	l.active++
	return nil
}

func (l *transferLimit) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == 0 {
		logger.Error("transfer limit released more often than acquired")
		return
	}
	l.active--
}

func (l *transferLimit) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
