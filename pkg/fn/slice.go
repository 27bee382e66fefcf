package fn

// Map builds a new slice by applying f to each element.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, len(items))
	for i, v := range items {
		out[i] = f(v)
	}
	return out
}

// Filter keeps the elements for which pred returns true.
func Filter[T any](items []T, pred func(T) bool) []T {
	var out []T
	for _, v := range items {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// FilterMap maps and filters in one pass, keeping results where ok is
// true.
func FilterMap[T, U any](items []T, f func(T) (U, bool)) []U {
	var out []U
	for _, v := range items {
		if u, ok := f(v); ok {
			out = append(out, u)
		}
	}
	return out
}

// Reduce folds items left to right into an accumulator seeded with init.
func Reduce[T, Acc any](items []T, init Acc, f func(Acc, T) Acc) Acc {
	acc := init
	for _, v := range items {
		acc = f(acc, v)
	}
	return acc
}

// GroupBy buckets items by the key function. Order within a bucket
// follows the input.
func GroupBy[T any, K comparable](items []T, key func(T) K) map[K][]T {
	out := make(map[K][]T)
	for _, v := range items {
		k := key(v)
		out[k] = append(out[k], v)
	}
	return out
}

// Chunk splits items into runs of at most n elements. n <= 0 yields nil.
func Chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		return nil
	}
	var out [][]T
	for i := 0; i < len(items); i += n {
		end := i + n
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// Unique drops repeated elements, keeping the first occurrence.
func Unique[T comparable](items []T) []T {
	seen := make(map[T]struct{})
	var out []T
	for _, v := range items {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// UniqueBy drops elements whose key was already seen, keeping the first
// occurrence.
func UniqueBy[T any, K comparable](items []T, key func(T) K) []T {
	seen := make(map[K]struct{})
	var out []T
	for _, v := range items {
		k := key(v)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// FlatMap concatenates the slices f produces for each element.
func FlatMap[T, U any](items []T, f func(T) []U) []U {
	var out []U
	for _, v := range items {
		out = append(out, f(v)...)
	}
	return out
}

// MaxBy returns the element with the largest key and true, or the zero value
// and false for an empty slice. Earlier elements win ties.
func MaxBy[T any](items []T, key func(T) float64) (T, bool) {
	var best T
	if len(items) == 0 {
		return best, false
	}
	best = items[0]
	bestKey := key(items[0])
	for _, v := range items[1:] {
		if k := key(v); k > bestKey {
			best, bestKey = v, k
		}
	}
	return best, true
}

// MeanBy averages a numeric key over the slice. Returns 0 for an empty slice.
func MeanBy[T any](items []T, key func(T) float64) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, v := range items {
		sum += key(v)
	}
	return sum / float64(len(items))
}
