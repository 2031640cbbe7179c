package dispatcher

import (
	"sync"

	"github.com/jthickma/ytbatch/internal/domain"
)

// Limiter bounds the number of jobs running at once. Unlike a fixed
// semaphore its limit can change while slots are held: lowering it only
// affects future acquisitions.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	active  int
	changed chan struct{}
}

// NewLimiter creates a limiter with n slots.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{limit: n, changed: make(chan struct{})}
}

// TryAcquire takes a slot if one is free.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.limit {
		return false
	}
	l.active++
	return true
}

// Release returns a slot.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
	l.notify()
}

// SetLimit changes the number of slots.
func (l *Limiter) SetLimit(n int) error {
	if n < 1 {
		return domain.ErrInvalidConcurrency
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = n
	l.notify()
	return nil
}

// Limit returns the current number of slots.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Active returns the number of held slots.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Changed returns a channel that is closed the next time a slot is released
// or the limit changes.
func (l *Limiter) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *Limiter) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}
