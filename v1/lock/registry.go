package lock

import (
	"fmt"
	"sort"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
)

// Registry is the compatibility matrix of lock types: for every known type
// it lists the types that may be held on the same resource at the same time.
// A Registry never changes after construction.
type Registry struct {
	allowed map[LockType]map[LockType]struct{}
}

// DefaultRegistry returns the read/write matrix: reads share, writes are
// exclusive.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(map[LockType][]LockType{
		TypeRead:  {TypeRead},
		TypeWrite: nil,
	})
	return r
}

// NewRegistry builds a registry from a type -> concurrently allowed types
// table. Every type referenced on the right hand side must be declared.
func NewRegistry(table map[LockType][]LockType) (*Registry, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty lock type registry", rlerrors.ErrInvalidOption)
	}
	r := &Registry{allowed: make(map[LockType]map[LockType]struct{}, len(table))}
	for t := range table {
		if t == "" || t == Wildcard {
			return nil, fmt.Errorf("%w: lock type %q", rlerrors.ErrInvalidOption, t)
		}
		r.allowed[t] = make(map[LockType]struct{})
	}
	for t, others := range table {
		for _, o := range others {
			if _, ok := table[o]; !ok {
				return nil, fmt.Errorf("%w: %q allows undeclared type %q", rlerrors.ErrInvalidOption, t, o)
			}
			r.allowed[t][o] = struct{}{}
		}
	}
	return r, nil
}

// Types returns every registered type in lexical order.
func (r *Registry) Types() []LockType {
	out := make([]LockType, 0, len(r.allowed))
	for t := range r.allowed {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether t is registered.
func (r *Registry) Has(t LockType) bool {
	_, ok := r.allowed[t]
	return ok
}

// Validate returns ErrInvalidLockType for unknown types.
func (r *Registry) Validate(t LockType) error {
	if !r.Has(t) {
		return fmt.Errorf("%w: %q", rlerrors.ErrInvalidLockType, t)
	}
	return nil
}

// ConcurrentAllowed lists the types that may coexist with a held lock of type t.
func (r *Registry) ConcurrentAllowed(t LockType) []LockType {
	set := r.allowed[t]
	out := make([]LockType, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Allows reports whether a lock of type requested may be granted while a
// lock of type held exists on the same resource.
func (r *Registry) Allows(held, requested LockType) bool {
	_, ok := r.allowed[held][requested]
	return ok
}
