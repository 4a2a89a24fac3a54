package lock

import (
	"fmt"
	"strings"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
)

const (
	// Separator joins the segments of an encoded key.
	Separator = "|"
	// DefaultPrefix namespaces lock keys inside each node.
	DefaultPrefix = "redlock"
)

// Codec maps locks to the flat keys stored on every node:
//
//	<prefix>|<resource>|<type>|<token>
//
// The value stored under a key is the lock token.
type Codec struct {
	prefix string
}

// NewCodec returns a codec using prefix. An empty prefix selects DefaultPrefix.
func NewCodec(prefix string) (Codec, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, illegalChars) {
		return Codec{}, fmt.Errorf("%w: key prefix %q contains one of %q", rlerrors.ErrInvalidOption, prefix, illegalChars)
	}
	return Codec{prefix: prefix}, nil
}

// Prefix returns the key namespace.
func (c Codec) Prefix() string {
	if c.prefix == "" {
		return DefaultPrefix
	}
	return c.prefix
}

// Generate encodes a concrete lock.
func (c Codec) Generate(l Lock) (string, error) {
	if err := l.Validate(); err != nil {
		return "", err
	}
	return c.join(l.Resource, string(l.Type), l.Token), nil
}

// Pattern builds a glob pattern for scanning. Any segment may be Wildcard; an
// empty segment is treated as Wildcard. Pattern("*", "*", "*") matches every
// lock under the prefix.
func (c Codec) Pattern(resource string, typ LockType, token string) string {
	if resource == "" || resource == Wildcard {
		return c.Prefix() + Separator + Wildcard
	}
	t := string(typ)
	if t == "" {
		t = Wildcard
	}
	if token == "" {
		token = Wildcard
	}
	return c.join(resource, t, token)
}

// AllPattern matches every key written by this codec.
func (c Codec) AllPattern() string {
	return c.Prefix() + Separator + Wildcard
}

// Decode parses a concrete key back into a lock. Fields not carried by the
// key, such as Validity, are copied from template.
func (c Codec) Decode(key string, template Lock) (Lock, error) {
	parts := strings.Split(key, Separator)
	if len(parts) != 4 || parts[0] != c.Prefix() {
		return Lock{}, fmt.Errorf("%w: %q", rlerrors.ErrMalformedKey, key)
	}
	l := template
	l.Resource = parts[1]
	l.Type = LockType(parts[2])
	l.Token = parts[3]
	if err := l.Validate(); err != nil {
		return Lock{}, fmt.Errorf("%w: %q: %v", rlerrors.ErrMalformedKey, key, err)
	}
	return l, nil
}

func (c Codec) join(resource, typ, token string) string {
	var b strings.Builder
	b.Grow(len(c.Prefix()) + len(resource) + len(typ) + len(token) + 3)
	b.WriteString(c.Prefix())
	b.WriteString(Separator)
	b.WriteString(resource)
	b.WriteString(Separator)
	b.WriteString(typ)
	b.WriteString(Separator)
	b.WriteString(token)
	return b.String()
}
