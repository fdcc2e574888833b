package ncm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowlabs/burrow/codec"
	"github.com/burrowlabs/burrow/exec"
	"github.com/burrowlabs/burrow/hlc"
	"github.com/burrowlabs/burrow/notify"
	"github.com/burrowlabs/burrow/store"
	"github.com/burrowlabs/burrow/tracer"
)

// Settings are the manager's tunables.
type Settings struct {
	// HeartbeatInterval between store polls and tracker ticks.
	HeartbeatInterval time.Duration

	// IntermediaryTimeout before a proposer forces shards out of
	// intermediary states.
	IntermediaryTimeout time.Duration

	// Server enables the heartbeat consistency self-check.
	Server bool
}

// Dependencies are the manager's external collaborators. The manager owns
// none of their lifecycles except the store subscription and its heartbeat
// ticker; the caller starts and stops the executor and pool.
type Dependencies struct {
	Store    store.Store
	Codec    *codec.Codec
	Executor *exec.SerialExecutor
	Pool     *exec.Pool
	Hub      *notify.Hub
	Tracer   *tracer.Tracer
	Clock    *hlc.Clock
	Settings Settings
}

// latch is a one-shot barrier.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) signal() {
	l.once.Do(func() { close(l.ch) })
}

func (l *latch) wait() {
	<-l.ch
}

func (l *latch) waitTimeout(d time.Duration) bool {
	select {
	case <-l.ch:
		return true
	case <-time.After(d):
		return false
	}
}

// rateGate admits at most one event per interval. Used to keep self-healing
// error paths from flooding the log.
type rateGate struct {
	interval time.Duration
	last     atomic.Int64
}

func newRateGate(interval time.Duration) *rateGate {
	return &rateGate{interval: interval}
}

func (g *rateGate) allow() bool {
	now := time.Now().UnixNano()
	last := g.last.Load()
	if now-last < int64(g.interval) {
		return false
	}
	return g.last.CompareAndSwap(last, now)
}
