package batch

import "iter"

// Partition groups seq into contiguous batches of size items, in order. The
// last batch may be shorter. Every yielded slice is freshly allocated and owned
// by the consumer. Empty input or a non-positive size yields no batches.
func Partition[T any](seq iter.Seq[T], size int) iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		if size <= 0 {
			return
		}
		current := make([]T, 0, size)
		for item := range seq {
			current = append(current, item)
			if len(current) == size {
				if !yield(current) {
					return
				}
				current = make([]T, 0, size)
			}
		}
		if len(current) > 0 {
			yield(current)
		}
	}
}

// Chunk is Partition over a slice.
func Chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for b := range Partition(Values(items), size) {
		out = append(out, b)
	}
	return out
}

func Values[T any](items []T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}

// FromChannel drains ch until it is closed.
func FromChannel[T any](ch <-chan T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range ch {
			if !yield(item) {
				return
			}
		}
	}
}
