package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetGeneratesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c, err := New("test", 10, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "value:" + key, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), "k")
			if err != nil || got != "value:k" {
				t.Errorf("Get = %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("generator ran %d times, want 1", calls.Load())
	}
}

func TestCallerCancellationDoesNotCancelGeneration(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	c, err := New("test", 10, func(ctx context.Context, key string) (int, error) {
		close(started)
		<-release
		return 42, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	// First caller kicks off generation and cancels mid-wait.
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "k")
		errs <- err
	}()
	<-started
	cancel()
	if err := <-errs; err != context.Canceled {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}

	// A second caller still receives the value from the same
	// generation.
	got := make(chan int, 1)
	go func() {
		v, err := c.Get(context.Background(), "k")
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		got <- v
	}()
	close(release)
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("second caller got %d, want 42", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never completed")
	}
}

func TestFailedGenerationRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	boom := errors.New("boom")
	c, err := New("test", 10, func(ctx context.Context, key string) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("first Get err = %v, want boom", err)
	}
	v, err := c.Get(context.Background(), "k")
	if err != nil || v != 7 {
		t.Fatalf("second Get = %d, %v; want 7", v, err)
	}
}

func TestEvictionUnderPressureIsRetryable(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	blocked := make(chan struct{}, 1)
	c, err := New("test", 1, func(ctx context.Context, key string) (string, error) {
		if key == "slow" {
			blocked <- struct{}{}
			<-block
		}
		return key, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "slow")
		errs <- err
	}()
	<-blocked

	// Capacity one: a second key evicts the in-flight entry.
	if _, err := c.Get(context.Background(), "other"); err != nil {
		t.Fatalf("Get(other): %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrEvicted) {
			t.Errorf("evicted waiter got %v, want ErrEvicted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("evicted waiter never woke")
	}
	close(block)
}
