package promise

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestPromise_WaitDrivesWork(t *testing.T) {
	var p *Promise[int]
	calls := 0
	p = New[int](func(context.Context) {
		calls++
		p.Resolve(42)
	}, nil)

	for range 2 {
		v, err := p.Wait()
		if err != nil || v != 42 {
			t.Fatalf("Wait() = %d, %v; want 42, nil", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("waitFn called %d times, want 1", calls)
	}
	if p.State() != Fulfilled {
		t.Errorf("State() = %v, want fulfilled", p.State())
	}
}

func TestPromise_SettlesOnce(t *testing.T) {
	p := New[string](nil, nil)
	if !p.Reject(errors.New("first")) {
		t.Fatal("first Reject() = false")
	}
	if p.Resolve("late") {
		t.Error("Resolve() after Reject() = true")
	}
	_, err := p.Wait()
	if err == nil || err.Error() != "first" {
		t.Errorf("Wait() error = %v, want first", err)
	}
}

func TestPromise_ResolvedFromGoroutine(t *testing.T) {
	p := New[int](nil, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve(7)
	}()
	v, err := p.Wait()
	if err != nil || v != 7 {
		t.Errorf("Wait() = %d, %v", v, err)
	}
}

func TestPromise_Cancel(t *testing.T) {
	canceled := false
	p := New[int](nil, func() { canceled = true })
	p.Cancel()

	if !canceled {
		t.Error("cancelFn not called")
	}
	if _, err := p.Wait(); !errors.Is(err, ErrCanceled) {
		t.Errorf("Wait() error = %v, want ErrCanceled", err)
	}

	done := Fulfill(1)
	done.Cancel()
	if done.State() != Fulfilled {
		t.Error("Cancel() changed a settled promise")
	}
}

func TestPromise_WaitContext(t *testing.T) {
	p := New[int](nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.WaitContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitContext() error = %v", err)
	}
	if p.State() != Pending {
		t.Error("WaitContext() timeout settled the promise")
	}
}

func TestPromise_WaitContextBoundsWaitFn(t *testing.T) {
	var p *Promise[int]
	calls := 0
	p = New[int](func(ctx context.Context) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return
		}
		p.Resolve(7)
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.WaitContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitContext() error = %v, want deadline exceeded", err)
	}

	v, err := p.Wait()
	if err != nil || v != 7 {
		t.Errorf("Wait() = %d, %v; want 7, nil", v, err)
	}
	if calls != 2 {
		t.Errorf("waitFn called %d times, want 2", calls)
	}
}

func TestThen(t *testing.T) {
	p := New[int](nil, nil)
	q := Then(p, func(v int) (string, error) { return strconv.Itoa(v * 2), nil }, nil)
	p.Resolve(21)

	got, err := q.Wait()
	if err != nil || got != "42" {
		t.Errorf("Wait() = %q, %v; want 42", got, err)
	}
}

func TestThen_PropagatesRejection(t *testing.T) {
	boom := errors.New("boom")
	q := Then(Reject[int](boom), func(v int) (int, error) { return v, nil }, nil)
	if _, err := q.Wait(); !errors.Is(err, boom) {
		t.Errorf("Wait() error = %v, want boom", err)
	}
}

func TestOtherwise(t *testing.T) {
	q := Otherwise(Reject[int](errors.New("boom")), func(error) (int, error) { return 5, nil })
	v, err := q.Wait()
	if err != nil || v != 5 {
		t.Errorf("Wait() = %d, %v; want 5, nil", v, err)
	}
}

func TestThen_WaitDrivesParent(t *testing.T) {
	var p *Promise[int]
	p = New[int](func(context.Context) { p.Resolve(1) }, nil)
	q := Then(p, func(v int) (int, error) { return v + 1, nil }, nil)
	v, err := q.Wait()
	if err != nil || v != 2 {
		t.Errorf("Wait() = %d, %v; want 2", v, err)
	}
}
