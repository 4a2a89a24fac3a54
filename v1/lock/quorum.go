package lock

// Quorum decides whether a number of node responses is a strict majority of
// the registered nodes.
type Quorum struct {
	total int
}

// NewQuorum returns a quorum over total nodes.
func NewQuorum(total int) Quorum {
	return Quorum{total: total}
}

// SetTotal records the number of registered nodes.
func (q *Quorum) SetTotal(n int) {
	q.total = n
}

// Total returns the number of registered nodes.
func (q Quorum) Total() int {
	return q.total
}

// IsApproved reports whether n > total/2 without integer truncation. With no
// registered nodes nothing is approved, not even a positive n.
func (q Quorum) IsApproved(n int) bool {
	return q.total > 0 && 2*n > q.total
}

// Size is the smallest approved count.
func (q Quorum) Size() int {
	return q.total/2 + 1
}
