package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitReturnsValue(t *testing.T) {
	p := New(2)
	got, err := Submit(context.Background(), p, func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(1)
	wantErr := errors.New("boom")
	_, err := Submit(context.Background(), p, func() (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(1)
	var inFlight int32
	var maxSeen int32

	done := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func() error {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		done <- struct{}{}
	}()
	go func() {
		_ = p.Do(context.Background(), func() error {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		done <- struct{}{}
	}()

	<-done
	<-done

	if got := atomic.LoadInt32(&maxSeen); got != 1 {
		t.Fatalf("expected pool of size 1 to serialize work, saw %d concurrent", got)
	}
}

func TestPoolRespectsContextCancellation(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func() error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Submit(ctx, p, func() (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(block)
}
