package fn

import "fmt"

// Result carries either a value or an error through a pipeline. The zero
// value is an errorless failure; construct through Ok, Err or FromPair.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok wraps a value in a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v, ok: true}
}

// Err wraps an error in a failed Result.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Errf is Err with fmt.Errorf formatting.
func Errf[T any](format string, args ...any) Result[T] {
	return Result[T]{err: fmt.Errorf(format, args...)}
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool { return r.ok }

// IsErr reports whether the result holds an error.
func (r Result[T]) IsErr() bool { return !r.ok }

// Unwrap returns the value and error as an ordinary Go pair.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Must returns the value or panics on error. For tests and program setup.
func (r Result[T]) Must() T {
	if !r.ok {
		panic(r.err)
	}
	return r.val
}

// UnwrapOr returns the value, or fallback when the result is an error.
func (r Result[T]) UnwrapOr(fallback T) T {
	if !r.ok {
		return fallback
	}
	return r.val
}

// Map applies f to the value of an ok result. Errors pass through untouched.
func (r Result[T]) Map(f func(T) T) Result[T] {
	if !r.ok {
		return r
	}
	return Ok(f(r.val))
}

// AndThen chains a fallible computation onto an ok result.
func (r Result[T]) AndThen(f func(T) Result[T]) Result[T] {
	if !r.ok {
		return r
	}
	return f(r.val)
}

// MapResult applies f to the value, changing the result type.
func MapResult[T, U any](r Result[T], f func(T) U) Result[U] {
	if !r.ok {
		return Err[U](r.err)
	}
	return Ok(f(r.val))
}

// FromPair lifts a conventional (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

// Collect flattens a slice of results into one: all the values when every
// result is ok, otherwise the first error encountered.
func Collect[T any](results []Result[T]) Result[[]T] {
	out := make([]T, len(results))
	for i, r := range results {
		if !r.ok {
			return Err[[]T](r.err)
		}
		out[i] = r.val
	}
	return Ok(out)
}
