// Package stream reimplements the reactive-operator algebra of §4.6 as
// native Go channels and goroutines with explicit bounded buffers
// (§9's "Reactive operators -> native concurrency"): bufferTime becomes
// a timed flush worker, mapConcurrent a bounded worker pool reading
// from a channel, and so on. Every operator is a plain function from
// one channel to another so pipelines compose by wiring return values
// into the next call, the way the teacher wires io.Reader/io.Writer
// chains rather than building a framework type.
package stream

import (
	"context"
	"sync"
	"time"
)

// ErrorEmitter is the per-item failure sink every operator reports
// through: on failure it is called once per upstream item the operator
// could not process, and that item is excluded from downstream
// emission (§4.6's "Error emitter").
type ErrorEmitter[A any] func(item A, err error)

// BufferTime groups items arriving on in into batches, flushing a group
// as soon as either maxCount items have accumulated or maxWait has
// elapsed since the first item of the group arrived. Groups of size 0
// are never emitted. The output channel closes once in closes and any
// partial group has been flushed.
func BufferTime[A any](ctx context.Context, in <-chan A, maxWait time.Duration, maxCount int) <-chan []A {
	out := make(chan []A)

	go func() {
		defer close(out)

		var group []A
		var timer *time.Timer
		var timerC <-chan time.Time

		flush := func() {
			if len(group) == 0 {
				return
			}
			select {
			case out <- group:
			case <-ctx.Done():
			}
			group = nil
			if timer != nil {
				timer.Stop()
				timer = nil
				timerC = nil
			}
		}

		for {
			select {
			case item, ok := <-in:
				if !ok {
					flush()
					return
				}
				group = append(group, item)
				if timer == nil {
					timer = time.NewTimer(maxWait)
					timerC = timer.C
				}
				if maxCount > 0 && len(group) >= maxCount {
					flush()
				}
			case <-timerC:
				flush()
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// MapConcurrent applies fn to each item from in with at most n
// goroutines in flight. Output order is not guaranteed to match input
// order (§4.6). A fn error is routed to emitErrors and that item
// produces no output.
func MapConcurrent[A, B any](ctx context.Context, in <-chan A, n int, fn func(context.Context, A) (B, error), emitErrors ErrorEmitter[A]) <-chan B {
	out := make(chan B)
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup

	go func() {
		defer close(out)
		for {
			select {
			case item, ok := <-in:
				if !ok {
					wg.Wait()
					return
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(item A) {
					defer wg.Done()
					defer func() { <-sem }()

					result, err := fn(ctx, item)
					if err != nil {
						emitErrors(item, err)
						return
					}
					select {
					case out <- result:
					case <-ctx.Done():
					}
				}(item)
			case <-ctx.Done():
				wg.Wait()
				return
			}
		}
	}()

	return out
}

// MapOrdered applies fn sequentially, preserving input order in the
// output stream. A fn error is routed to emitErrors and that item
// produces no output.
func MapOrdered[A, B any](ctx context.Context, in <-chan A, fn func(context.Context, A) (B, error), emitErrors ErrorEmitter[A]) <-chan B {
	out := make(chan B)

	go func() {
		defer close(out)
		for item := range in {
			result, err := fn(ctx, item)
			if err != nil {
				emitErrors(item, err)
				continue
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Partition splits in into two streams by predicate: matched items on
// the first channel, the rest on the second.
func Partition[A any](ctx context.Context, in <-chan A, predicate func(A) bool) (matched <-chan A, rest <-chan A) {
	m := make(chan A)
	r := make(chan A)

	go func() {
		defer close(m)
		defer close(r)
		for item := range in {
			var dst chan A
			if predicate(item) {
				dst = m
			} else {
				dst = r
			}
			select {
			case dst <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return m, r
}

// CatchError wraps fn so a panic or returned error converts into a
// downstream-empty result for that item: the error is passed to
// emitErrors instead of propagating, matching §4.6's contract that a
// single item's failure never poisons the stage.
func CatchError[A, B any](fn func(context.Context, A) (B, error), emitErrors ErrorEmitter[A]) func(context.Context, A) (B, error) {
	return func(ctx context.Context, item A) (result B, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoveredErr(r)
				emitErrors(item, err)
			}
		}()
		result, err = fn(ctx, item)
		if err != nil {
			emitErrors(item, err)
			var zero B
			return zero, err
		}
		return result, nil
	}
}

func recoveredErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "recovered panic in stream stage" }
