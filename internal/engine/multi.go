package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMultiClosed is returned by Add after Close.
var ErrMultiClosed = errors.New("multi is closed")

// MultiOptions bounds how a Multi drives its engines. Zero values mean
// unlimited.
type MultiOptions struct {
	MaxConcurrent int64
	StartRate     rate.Limit
	StartBurst    int
}

// Message reports a finished transfer.
type Message struct {
	Engine *Engine
	Result Errno
}

// Multi runs many engines concurrently and reports completions through a
// message queue.
type Multi struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	running map[*Engine]*job
	queue   []Message
	closed  bool
	notify  chan struct{}
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMulti returns an empty Multi.
func NewMulti(o MultiOptions) *Multi {
	m := &Multi{
		running: make(map[*Engine]*job),
		notify:  make(chan struct{}, 1),
	}
	if o.MaxConcurrent > 0 {
		m.sem = semaphore.NewWeighted(o.MaxConcurrent)
	}
	if o.StartRate > 0 {
		burst := o.StartBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(o.StartRate, burst)
	}
	return m
}

// Add starts e. The transfer stops early when ctx is done or e is removed.
func (m *Multi) Add(ctx context.Context, e *Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMultiClosed
	}
	if _, ok := m.running[e]; ok {
		return fmt.Errorf("engine %d already added", e.ID())
	}
	jctx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.running[e] = j
	go m.run(jctx, e, j)
	return nil
}

func (m *Multi) run(ctx context.Context, e *Engine, j *job) {
	defer close(j.done)
	defer j.cancel()

	code := m.admit(ctx, e)
	if code == OK {
		code = e.Perform(ctx)
		if m.sem != nil {
			m.sem.Release(1)
		}
	}

	m.mu.Lock()
	if m.running[e] == j {
		delete(m.running, e)
		m.queue = append(m.queue, Message{Engine: e, Result: code})
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Multi) admit(ctx context.Context, e *Engine) Errno {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return e.fail(AbortedByCallback, "transfer canceled while queued: %v", err)
		}
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			if m.sem != nil {
				m.sem.Release(1)
			}
			return e.fail(AbortedByCallback, "transfer canceled while queued: %v", err)
		}
	}
	return OK
}

// Remove cancels e if it is still running and waits for it to stop. No
// message is reported for a removed engine.
func (m *Multi) Remove(e *Engine) {
	m.mu.Lock()
	j := m.running[e]
	delete(m.running, e)
	for i := 0; i < len(m.queue); {
		if m.queue[i].Engine == e {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			continue
		}
		i++
	}
	m.mu.Unlock()

	if j != nil {
		j.cancel()
		<-j.done
	}
}

// Running returns how many transfers are still in progress.
func (m *Multi) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Select waits up to timeout for a completion message. It reports whether
// one is available.
func (m *Multi) Select(ctx context.Context, timeout time.Duration) bool {
	if m.pending() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
	return m.pending()
}

func (m *Multi) pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0
}

// InfoRead pops the oldest completion message.
func (m *Multi) InfoRead() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

// Close cancels every running transfer and waits for them to stop.
func (m *Multi) Close() {
	m.mu.Lock()
	m.closed = true
	jobs := make([]*job, 0, len(m.running))
	for e, j := range m.running {
		jobs = append(jobs, j)
		delete(m.running, e)
	}
	m.queue = nil
	m.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
}
