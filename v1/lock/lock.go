package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
)

// LockType tags a lock with the access it grants on its resource.
type LockType string

const (
	// TypeRead is a shared lock, compatible with other read locks.
	TypeRead LockType = "read"
	// TypeWrite is an exclusive lock.
	TypeWrite LockType = "write"
)

// Wildcard matches any value of a key segment in query patterns.
const Wildcard = "*"

// Lock identifies a lock attempt or a held lock. The lock state itself lives
// only in the nodes; a Lock is just the name under which it is stored.
type Lock struct {
	Resource string
	Type     LockType
	Token    string
	// Validity is how long the lock is held once acquired. Zero means the
	// manager default.
	Validity time.Duration
}

// New returns a lock on resource with a freshly generated token.
func New(resource string, typ LockType) Lock {
	return Lock{Resource: resource, Type: typ, Token: NewToken()}
}

// NewToken returns a random token identifying a lock holder.
func NewToken() string {
	return uuid.NewString()
}

// WithValidity returns a copy of l with the given validity time.
func (l Lock) WithValidity(d time.Duration) Lock {
	l.Validity = d
	return l
}

func (l Lock) String() string {
	return fmt.Sprintf("%s/%s/%s", l.Resource, l.Type, l.Token)
}

// illegalChars may not appear in a concrete key segment. The separator would
// break decoding and the glob metacharacters would turn a key into a pattern.
const illegalChars = Separator + `*?[]\`

// Validate reports whether l can be stored as a concrete key.
func (l Lock) Validate() error {
	if l.Resource == "" {
		return fmt.Errorf("%w: empty resource", rlerrors.ErrInvalidLock)
	}
	if l.Type == "" {
		return fmt.Errorf("%w: empty type", rlerrors.ErrInvalidLock)
	}
	if l.Token == "" {
		return fmt.Errorf("%w: empty token", rlerrors.ErrInvalidLock)
	}
	if l.Validity < 0 {
		return fmt.Errorf("%w: negative validity %s", rlerrors.ErrInvalidLock, l.Validity)
	}
	for _, seg := range []string{l.Resource, string(l.Type), l.Token} {
		if strings.ContainsAny(seg, illegalChars) {
			return fmt.Errorf("%w: %q contains one of %q", rlerrors.ErrInvalidLock, seg, illegalChars)
		}
	}
	return nil
}
