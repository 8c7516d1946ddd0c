package memory

import (
	"errors"
	"sync"
)

var (
	// ErrUnreachable is returned while a client is cut off from the backend.
	ErrUnreachable = errors.New("memory: platform unreachable")

	errSlowConsumer = errors.New("memory: subscriber queue overflow")
)

const queueSize = 256

// subscription delivers events to one subscriber in publish order on its own
// goroutine.
type subscription struct {
	id      uint64
	userID  string
	queue   chan func()
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

func newSubscription(id uint64, userID string, onClose func()) *subscription {
	s := &subscription{
		id:      id,
		userID:  userID,
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.run()
	return s
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *subscription) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// deliver queues fn without blocking. It returns false when the queue is
// full; the caller drops the subscriber.
func (s *subscription) deliver(fn func()) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- fn:
		return true
	default:
		return false
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}
