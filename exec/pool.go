package exec

import (
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/burrowlabs/burrow/nc"
)

// Worker is a single pool member. Each worker holds its own reference to the
// last configuration it accepted; request handlers running on the worker read
// it without synchronization against the manager.
type Worker struct {
	idx    int
	tasks  chan func(*Worker)
	config atomic.Pointer[nc.NodesConfiguration]
	doneCh chan struct{}
}

// Idx returns the worker's pool index.
func (w *Worker) Idx() int {
	return w.idx
}

// Config returns the configuration this worker last accepted, or nil.
func (w *Worker) Config() *nc.NodesConfiguration {
	return w.config.Load()
}

// SetConfig installs a configuration on the worker. Called from fan-out
// tasks running on the worker itself.
func (w *Worker) SetConfig(config *nc.NodesConfiguration) {
	w.config.Store(config)
}

func (w *Worker) run() {
	defer close(w.doneCh)
	for task := range w.tasks {
		task(w)
	}
}

// Pool is the process's worker pool. The configuration manager fans every
// accepted configuration out to all workers and waits for the last one
// before finalizing.
type Pool struct {
	workers []*Worker

	// Invoked on the worker after its config reference is updated.
	// Workers must not fail to accept a new configuration; the hook has no
	// error return.
	OnConfigUpdated func(*Worker)

	lifecycleMu sync.Mutex
	running     atomic.Bool
}

// NewPool creates a pool of size workers with the given mailbox depth.
func NewPool(size, depth int) *Pool {
	p := &Pool{workers: make([]*Worker, size)}
	for i := range p.workers {
		p.workers[i] = &Worker{
			idx:    i,
			tasks:  make(chan func(*Worker), depth),
			doneCh: make(chan struct{}),
		}
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches all worker goroutines.
func (p *Pool) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		go w.run()
	}
	log.Info().Int("workers", len(p.workers)).Msg("Worker pool started")
}

// Stop closes all worker mailboxes and waits for queued tasks to drain.
func (p *Pool) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	for _, w := range p.workers {
		close(w.tasks)
	}
	for _, w := range p.workers {
		<-w.doneCh
	}
	log.Info().Msg("Worker pool stopped")
}

// FulfillOnAll runs fn on every worker and returns a future that completes
// when the last worker has finished. There is no per-worker timeout: a stuck
// worker stalls the returned future. No further configuration can be
// published to any worker until the current one finishes anyway.
func (p *Pool) FulfillOnAll(fn func(*Worker)) *future.Future[int] {
	promise := future.NewPromise[int]()

	var remaining atomic.Int64
	remaining.Store(int64(len(p.workers)))

	for _, w := range p.workers {
		w := w
		task := func(w *Worker) {
			fn(w)
			if remaining.Add(-1) == 0 {
				// Completes on the last finished worker's goroutine.
				promise.Set(len(p.workers), nil)
			}
		}
		select {
		case w.tasks <- task:
		default:
			// Mailbox full: deliver in a detached goroutine rather than
			// blocking the caller. Fan-outs are serialized upstream, so the
			// late send cannot race a newer configuration.
			go func() {
				defer func() {
					if r := recover(); r != nil {
						// Pool stopped underneath an in-flight fan-out; the
						// future stays unresolved and its waiter bails on
						// its own shutdown check.
						log.Warn().Int("worker", w.idx).Msgf("Dropped fan-out task: %v", r)
					}
				}()
				w.tasks <- task
			}()
		}
	}

	return promise.Future()
}
