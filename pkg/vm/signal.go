package vm

import (
	"sync"
)

// shutdownSignal is a one-shot broadcast. It can be requested any number
// of times from any goroutine, latches on the first request and never
// resets; waiters observe it through the Done channel.
type shutdownSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newShutdownSignal() *shutdownSignal {
	return &shutdownSignal{ch: make(chan struct{})}
}

func (s *shutdownSignal) Request() {
	s.once.Do(func() { close(s.ch) })
}

func (s *shutdownSignal) Done() <-chan struct{} {
	return s.ch
}

func (s *shutdownSignal) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
