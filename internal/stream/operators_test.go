package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestBufferTimeFlushesOnMaxCount(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	out := BufferTime(ctx, in, time.Hour, 3)

	go func() {
		for i := 0; i < 3; i++ {
			in <- i
		}
		close(in)
	}()

	select {
	case group := <-out:
		if len(group) != 3 {
			t.Fatalf("expected group of 3, got %v", group)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for count-triggered flush")
	}
}

func TestBufferTimeFlushesOnTimeout(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	out := BufferTime(ctx, in, 20*time.Millisecond, 100)

	go func() {
		in <- 1
		in <- 2
	}()

	select {
	case group := <-out:
		if len(group) != 2 {
			t.Fatalf("expected group of 2, got %v", group)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for time-triggered flush")
	}
	close(in)
}

func TestBufferTimeNeverEmitsEmptyGroup(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	out := BufferTime(ctx, in, 10*time.Millisecond, 10)
	close(in)

	select {
	case group, ok := <-out:
		if ok {
			t.Fatalf("expected channel close with no groups, got %v", group)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMapConcurrentProcessesAllItemsUnorderedOK(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		for i := 0; i < 20; i++ {
			in <- i
		}
		close(in)
	}()

	var mu sync.Mutex
	var errs []int
	out := MapConcurrent(ctx, in, 4, func(ctx context.Context, v int) (int, error) {
		return v * 2, nil
	}, func(item int, err error) {
		mu.Lock()
		errs = append(errs, item)
		mu.Unlock()
	})

	var got []int
	for v := range out {
		got = append(got, v)
	}
	sort.Ints(got)
	if len(got) != 20 {
		t.Fatalf("expected 20 outputs, got %d", len(got))
	}
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestMapConcurrentRoutesErrorsToEmitter(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		in <- 1
		in <- 2
		close(in)
	}()

	var mu sync.Mutex
	var errs []int
	out := MapConcurrent(ctx, in, 2, func(ctx context.Context, v int) (int, error) {
		if v == 2 {
			return 0, errors.New("boom")
		}
		return v, nil
	}, func(item int, err error) {
		mu.Lock()
		errs = append(errs, item)
		mu.Unlock()
	})

	var got []int
	for v := range out {
		got = append(got, v)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only item 1 to succeed, got %v", got)
	}
	if len(errs) != 1 || errs[0] != 2 {
		t.Fatalf("expected item 2 routed to emitter, got %v", errs)
	}
}

func TestPartitionSplitsByPredicate(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		for i := 0; i < 10; i++ {
			in <- i
		}
		close(in)
	}()

	evens, odds := Partition(ctx, in, func(v int) bool { return v%2 == 0 })

	var wg sync.WaitGroup
	var evenCount, oddCount int
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range evens {
			evenCount++
		}
	}()
	go func() {
		defer wg.Done()
		for range odds {
			oddCount++
		}
	}()
	wg.Wait()

	if evenCount != 5 || oddCount != 5 {
		t.Fatalf("expected 5/5 split, got even=%d odd=%d", evenCount, oddCount)
	}
}

func TestCacheDeduplicatesConcurrentCallers(t *testing.T) {
	backend := NewMemoryBackend()
	var calls int32
	var mu sync.Mutex

	c := NewCache[int, int](backend, func(v int) string { return "k" }, time.Minute)
	fn := c.Wrap(func(ctx context.Context, v int) (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return v * 10, nil
	})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := fn(context.Background(), 1)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 underlying call, got %d", calls)
	}
	for _, r := range results {
		if r != 10 {
			t.Fatalf("expected all callers to see 10, got %v", results)
		}
	}
}

func TestCacheHitsBackendOnSubsequentCall(t *testing.T) {
	backend := NewMemoryBackend()
	var calls int
	c := NewCache[int, int](backend, func(v int) string { return "k" }, time.Minute)
	fn := c.Wrap(func(ctx context.Context, v int) (int, error) {
		calls++
		return v, nil
	})

	if _, err := fn(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if _, err := fn(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected second call to be served from cache, got %d underlying calls", calls)
	}
}
