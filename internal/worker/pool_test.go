package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, 8)
	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			n.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()
	if n.Load() != 8 {
		t.Fatalf("expected 8 tasks run, got %d", n.Load())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestPoolSaturation(t *testing.T) {
	p := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func() { close(started); <-block }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	// One slot in the queue, then saturation.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	if err := p.Submit(func() {}); err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	p := NewPool(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := p.Submit(func() {}); err == nil {
		t.Fatalf("expected error after shutdown")
	}
}
