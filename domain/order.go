package domain

// Scope selects which ordered collection a reorder applies to.
type Scope int

const (
	ScopeRow Scope = iota
	ScopeColumn
)

func (s Scope) String() string {
	switch s {
	case ScopeRow:
		return "row"
	case ScopeColumn:
		return "column"
	default:
		return "unknown"
	}
}

// Move removes the element at src and reinserts it at dst, returning a new
// slice. Indices must be in range; callers validate with CheckIndices.
func Move[T any](items []T, src, dst int) []T {
	out := make([]T, 0, len(items))
	out = append(out, items[:src]...)
	out = append(out, items[src+1:]...)
	moved := items[src]
	out = append(out, moved)
	copy(out[dst+1:], out[dst:len(out)-1])
	out[dst] = moved
	return out
}

// CheckIndices validates a reorder against a collection of length n.
func CheckIndices(scope Scope, n, src, dst int) error {
	if src < 0 || src >= n {
		return &ValidationError{Field: "sourceIndex", Reason: outOfRange(scope, src, n)}
	}
	if dst < 0 || dst >= n {
		return &ValidationError{Field: "destIndex", Reason: outOfRange(scope, dst, n)}
	}
	return nil
}

// DenseOrders returns the orders 1..n.
func DenseOrders(n int) []int {
	orders := make([]int, n)
	for i := range orders {
		orders[i] = i + 1
	}
	return orders
}

// IsDense reports whether orders is exactly the sequence 1..len(orders).
func IsDense(orders []int) bool {
	for i, o := range orders {
		if o != i+1 {
			return false
		}
	}
	return true
}

// RenumberTasks assigns each task its 1-based position as order.
func RenumberTasks(tasks []Task) {
	for i := range tasks {
		tasks[i].Order = i + 1
	}
}

// RenumberColumns assigns each column its 1-based position as order.
func RenumberColumns(cols []Column) {
	for i := range cols {
		cols[i].Order = i + 1
	}
}

// PositionDiff lists the ids whose index differs between before and after.
func PositionDiff(before, after []string) []string {
	pos := make(map[string]int, len(before))
	for i, id := range before {
		pos[id] = i
	}
	var moved []string
	for i, id := range after {
		if p, ok := pos[id]; !ok || p != i {
			moved = append(moved, id)
		}
	}
	return moved
}
