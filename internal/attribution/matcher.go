package attribution

import "trade-evidence-lab/internal/domain"

type matchKey struct {
	symbol    string
	direction domain.Direction
}

// Matcher pairs closes with opens LIFO per (symbol, direction).
type Matcher struct {
	stacks map[matchKey][]int64
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{stacks: make(map[matchKey][]int64)}
}

// Push records an open at ts.
func (m *Matcher) Push(symbol string, dir domain.Direction, ts int64) {
	k := matchKey{symbol, dir}
	m.stacks[k] = append(m.stacks[k], ts)
}

// Pop removes and returns the most recent open of the key.
func (m *Matcher) Pop(symbol string, dir domain.Direction) (int64, bool) {
	k := matchKey{symbol, dir}
	stack := m.stacks[k]
	if len(stack) == 0 {
		return 0, false
	}
	ts := stack[len(stack)-1]
	m.stacks[k] = stack[:len(stack)-1]
	return ts, true
}

// Depth returns the number of unmatched opens of the key.
func (m *Matcher) Depth(symbol string, dir domain.Direction) int {
	return len(m.stacks[matchKey{symbol, dir}])
}
