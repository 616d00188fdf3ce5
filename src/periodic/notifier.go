// Package periodic runs a callback at a fixed interval on a dedicated goroutine.
package periodic

import (
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrAlreadyStarted is returned when StartPeriodic is called twice
	ErrAlreadyStarted = errors.New("notifier already started")
	// ErrStopped is returned when starting a notifier that has been stopped
	ErrStopped = errors.New("notifier stopped")
	// ErrInvalidPeriod is returned for a zero or negative period
	ErrInvalidPeriod = errors.New("period must be positive")
)

// Notifier invokes a callback every period until stopped.
// Invocations never overlap: the next call starts only after the previous one returned.
type Notifier struct {
	name string
	fn   func()

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Notifier for fn. The name is used in log messages.
func New(name string, fn func()) *Notifier {
	return &Notifier{
		name: name,
		fn:   fn,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// StartPeriodic starts calling fn every period
func (n *Notifier) StartPeriodic(period time.Duration) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true

	go n.run(period)
	return nil
}

// Stop stops the schedule and waits for an in-flight call to finish.
// Safe to call more than once and before StartPeriodic.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		<-n.waitChan()
		return
	}
	n.stopped = true
	close(n.stop)
	n.mu.Unlock()

	<-n.waitChan()
}

// waitChan returns the channel to wait on for the worker to exit.
// A notifier that was never started has nothing to wait for.
func (n *Notifier) waitChan() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return n.done
}

func (n *Notifier) run(period time.Duration) {
	defer close(n.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Stop may race with a ready tick; prefer stopping
			select {
			case <-n.stop:
				return
			default:
			}
			n.invoke()

		case <-n.stop:
			return
		}
	}
}

// invoke runs fn, logging and swallowing a panic so the schedule keeps going
func (n *Notifier) invoke() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in %s notifier: %v\n", n.name, r)
		}
	}()
	n.fn()
}
