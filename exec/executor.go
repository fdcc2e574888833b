// Package exec supplies the execution contexts of the configuration manager:
// a single serial executor (the "NCM thread") that owns all state machine
// transitions, and a pool of workers that receive configuration fan-out.
package exec

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("executor stopped")

const (
	postRetryAttempts = 10
	postRetryDelay    = 10 * time.Millisecond
)

// SerialExecutor runs posted tasks one at a time on a dedicated goroutine.
// Tasks posted from any thread execute strictly in post order; the state
// machine relies on this for its "no two transitions concurrently"
// invariants. Do not emulate this with a lock.
type SerialExecutor struct {
	name    string
	tasks   chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
}

// NewSerialExecutor creates an executor with the given mailbox depth.
func NewSerialExecutor(name string, depth int) *SerialExecutor {
	return &SerialExecutor{
		name:   name,
		tasks:  make(chan func(), depth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the executor goroutine.
func (e *SerialExecutor) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

func (e *SerialExecutor) run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// Post enqueues a task, retrying briefly when the mailbox is full.
func (e *SerialExecutor) Post(task func()) error {
	for attempt := 0; attempt < postRetryAttempts; attempt++ {
		// Check stop first: a select with both cases ready picks at random.
		select {
		case <-e.stopCh:
			return ErrStopped
		default:
		}
		select {
		case <-e.stopCh:
			return ErrStopped
		case e.tasks <- task:
			return nil
		default:
		}

		log.Warn().
			Str("executor", e.name).
			Int("attempt", attempt+1).
			Msg("Executor mailbox full, retrying post")
		select {
		case <-e.stopCh:
			return ErrStopped
		case <-time.After(postRetryDelay):
		}
	}
	return fmt.Errorf("%s mailbox full after %d attempts", e.name, postRetryAttempts)
}

// Stop terminates the executor. Tasks still queued are dropped.
func (e *SerialExecutor) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}
