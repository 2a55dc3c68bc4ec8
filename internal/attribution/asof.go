package attribution

import "sort"

// AsOf returns the latest point whose timestamp is at or before target.
// points must be sorted by timestamp. ok is false when no such point exists.
func AsOf[T any](target int64, points []T, ts func(T) int64) (point T, ok bool) {
	i := sort.Search(len(points), func(i int) bool { return ts(points[i]) > target })
	if i == 0 {
		return point, false
	}
	return points[i-1], true
}
