package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4, 16)
	defer p.Stop(time.Second)

	var n atomic.Int64
	for i := 0; i < 50; i++ {
		if err := p.Submit(context.Background(), func() { n.Add(1) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Wait()

	if n.Load() != 50 {
		t.Errorf("expected 50 tasks run, got %d", n.Load())
	}
	completed, panicked := p.Stats()
	if completed != 50 || panicked != 0 {
		t.Errorf("expected 50 completed, 0 panicked; got %d, %d", completed, panicked)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2, 32)
	defer p.Stop(time.Second)

	var active, peak atomic.Int64
	for i := 0; i < 20; i++ {
		p.Submit(context.Background(), func() {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		})
	}
	p.Wait()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	p := New(1, 4)
	defer p.Stop(time.Second)

	p.Submit(context.Background(), func() { panic("boom") })
	p.Submit(context.Background(), func() {})
	p.Wait()

	completed, panicked := p.Stats()
	if panicked != 1 {
		t.Errorf("expected 1 panic recorded, got %d", panicked)
	}
	if completed != 1 {
		t.Errorf("expected the pool to survive and run the next task, got %d completed", completed)
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := New(1, 1)
	p.Stop(time.Second)

	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolSubmitRespectsContext(t *testing.T) {
	p := New(1, 1)
	defer p.Stop(time.Second)

	block := make(chan struct{})
	p.Submit(context.Background(), func() { <-block }) // occupies the worker
	p.Submit(context.Background(), func() {})          // fills the queue

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline, got %v", err)
	}
	close(block)
	p.Wait()
}

func TestPoolStopDrainsInFlight(t *testing.T) {
	p := New(2, 8)

	var n atomic.Int64
	for i := 0; i < 6; i++ {
		p.Submit(context.Background(), func() {
			time.Sleep(10 * time.Millisecond)
			n.Add(1)
		})
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n.Load() != 6 {
		t.Errorf("expected accepted tasks to drain on stop, got %d", n.Load())
	}
}
