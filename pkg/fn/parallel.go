package fn

import "sync"

// parDo runs do(i) for i in [0, n) on at most workers goroutines and waits
// for all of them. workers <= 0 means unbounded.
func parDo(n, workers int, do func(i int)) {
	if n == 0 {
		return
	}
	if workers <= 0 || workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem; wg.Done() }()
			do(i)
		}(i)
	}
	wg.Wait()
}

// ParMap applies f to each item with bounded concurrency, preserving order.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	parDo(len(items), workers, func(i int) {
		out[i] = f(items[i])
	})
	return out
}

// ParMapResult is ParMap for fallible functions; results come back in input
// order, errors and all.
func ParMapResult[T, U any](items []T, workers int, f func(T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	parDo(len(items), workers, func(i int) {
		out[i] = f(items[i])
	})
	return out
}

// FanOut runs the functions concurrently and returns their results in order.
func FanOut[T any](fns ...func() T) []T {
	out := make([]T, len(fns))
	parDo(len(fns), len(fns), func(i int) {
		out[i] = fns[i]()
	})
	return out
}

// FanOutResult runs the functions concurrently and collects: all values on
// success, the first error otherwise.
func FanOutResult[T any](fns ...func() Result[T]) Result[[]T] {
	results := make([]Result[T], len(fns))
	parDo(len(fns), len(fns), func(i int) {
		results[i] = fns[i]()
	})
	return Collect(results)
}
