package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xfer/internal/engine"
	"xfer/internal/model"
	"xfer/internal/promise"
)

// DefaultSelectTimeout bounds how long one Tick waits for activity.
const DefaultSelectTimeout = time.Second

// MultiOptions configures a MultiHandler. Zero values pick defaults or mean
// unlimited.
type MultiOptions struct {
	SelectTimeout time.Duration
	MaxConcurrent int64
	StartRate     rate.Limit
	StartBurst    int
}

// MultiHandler runs many transfers concurrently. Send never blocks;
// progress is made by Tick, Execute or by waiting on a returned promise.
type MultiHandler struct {
	factory       *Factory
	multi         *engine.Multi
	selectTimeout time.Duration

	pump sync.Mutex

	mu      sync.Mutex
	running map[*engine.Engine]*transfer
	delayed []*transfer
}

// transfer follows one request across its attempts.
type transfer struct {
	h      *Handle
	cancel context.CancelFunc
	due    time.Time
	p      *promise.Promise[*http.Response]
}

// NewMultiHandler returns a multiplexed handler backed by f.
func NewMultiHandler(f *Factory, o MultiOptions) *MultiHandler {
	timeout := o.SelectTimeout
	if timeout <= 0 {
		timeout = DefaultSelectTimeout
	}
	return &MultiHandler{
		factory: f,
		multi: engine.NewMulti(engine.MultiOptions{
			MaxConcurrent: o.MaxConcurrent,
			StartRate:     o.StartRate,
			StartBurst:    o.StartBurst,
		}),
		selectTimeout: timeout,
		running:       make(map[*engine.Engine]*transfer),
	}
}

// Factory returns the handler's factory.
func (m *MultiHandler) Factory() *Factory { return m.factory }

// Send registers req and returns a pending promise. Cancelling the promise
// aborts the transfer.
func (m *MultiHandler) Send(ctx context.Context, req *http.Request, opts model.RequestOptions) *promise.Promise[*http.Response] {
	tctx, cancel := context.WithCancel(ctx)
	h, err := m.factory.Create(tctx, req, opts)
	if err != nil {
		cancel()
		return promise.Reject[*http.Response](err)
	}

	t := &transfer{h: h, cancel: cancel}
	t.p = promise.New[*http.Response](func(ctx context.Context) { m.waitFor(ctx, t) }, func() { m.remove(t) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.Delay > 0 {
		t.due = time.Now().Add(opts.Delay)
		m.delayed = append(m.delayed, t)
		return t.p
	}
	m.start(t)
	return t.p
}

// start must be called with mu held.
func (m *MultiHandler) start(t *transfer) {
	m.running[t.h.Engine] = t
	m.factory.begin(t.h)
	if err := m.multi.Add(t.h.ctx, t.h.Engine); err != nil {
		delete(m.running, t.h.Engine)
		m.factory.end(t.h, engine.AbortedByCallback, err.Error())
		m.factory.Release(t.h)
		t.cancel()
		t.p.Reject(err)
	}
}

// Tick starts due delayed transfers, waits up to the select timeout for a
// completion and settles every completed transfer.
func (m *MultiHandler) Tick() {
	m.pump.Lock()
	defer m.pump.Unlock()
	m.tick(context.Background())
}

// tick stops waiting once ctx is done.
func (m *MultiHandler) tick(ctx context.Context) {
	now := time.Now()
	wait := m.selectTimeout

	m.mu.Lock()
	kept := m.delayed[:0]
	for _, t := range m.delayed {
		if !now.Before(t.due) {
			t.due = time.Time{}
			m.start(t)
			continue
		}
		if d := t.due.Sub(now); d < wait {
			wait = d
		}
		kept = append(kept, t)
	}
	clear(m.delayed[len(kept):])
	m.delayed = kept
	active := len(m.running) > 0
	m.mu.Unlock()

	switch {
	case active:
		m.multi.Select(ctx, wait)
	case len(kept) > 0:
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	m.processMessages()
}

func (m *MultiHandler) processMessages() {
	for {
		msg, ok := m.multi.InfoRead()
		if !ok {
			return
		}
		m.mu.Lock()
		t := m.running[msg.Engine]
		delete(m.running, msg.Engine)
		m.mu.Unlock()
		if t == nil {
			continue
		}
		m.finish(t, msg)
	}
}

func (m *MultiHandler) finish(t *transfer, msg engine.Message) {
	m.factory.end(t.h, msg.Result, msg.Engine.ErrorMessage())
	resp, next, err := m.factory.Finish(t.h)
	if next == nil {
		t.cancel()
		if err != nil {
			t.p.Reject(err)
		} else {
			t.p.Resolve(resp)
		}
		return
	}

	if t.p.State() != promise.Pending {
		return
	}
	h, err := m.factory.Create(t.h.ctx, next, t.h.Options)
	if err != nil {
		t.cancel()
		t.p.Reject(err)
		return
	}
	h.Retries = t.h.Retries + 1
	m.mu.Lock()
	t.h = h
	m.start(t)
	m.mu.Unlock()
}

// Execute runs until no transfer is left.
func (m *MultiHandler) Execute() {
	m.pump.Lock()
	defer m.pump.Unlock()
	for m.busy() {
		m.tick(context.Background())
	}
}

// waitFor pumps until t settles, nothing is left to run or ctx is done.
func (m *MultiHandler) waitFor(ctx context.Context, t *transfer) {
	for ctx.Err() == nil {
		m.pump.Lock()
		if t.p.State() != promise.Pending || !m.busy() {
			m.pump.Unlock()
			return
		}
		m.tick(ctx)
		m.pump.Unlock()
	}
}

func (m *MultiHandler) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) > 0 || len(m.delayed) > 0
}

// remove drops t whether it is delayed or running.
func (m *MultiHandler) remove(t *transfer) {
	t.cancel()
	m.mu.Lock()
	h := t.h
	owned := false
	for i, d := range m.delayed {
		if d == t {
			m.delayed = append(m.delayed[:i], m.delayed[i+1:]...)
			owned = true
			break
		}
	}
	running := false
	if h.Engine != nil && m.running[h.Engine] == t {
		delete(m.running, h.Engine)
		owned, running = true, true
	}
	m.mu.Unlock()
	if !owned {
		return
	}

	if running {
		m.multi.Remove(h.Engine)
		m.factory.end(h, engine.AbortedByCallback, "transfer canceled")
	}
	m.factory.Release(h)
	h.sink.close()
}

// Close cancels every pending transfer and rejects its promise.
func (m *MultiHandler) Close() {
	m.mu.Lock()
	pending := make([]*transfer, 0, len(m.running)+len(m.delayed))
	for _, t := range m.running {
		pending = append(pending, t)
	}
	pending = append(pending, m.delayed...)
	m.mu.Unlock()

	for _, t := range pending {
		t.p.Cancel()
	}
	m.multi.Close()
}
