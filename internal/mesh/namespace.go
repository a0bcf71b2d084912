package mesh

import (
	"errors"
	"strings"
)

var ErrNamespaceMismatch = errors.New("mesh: namespace mismatch")

// Namespace partitions nodes into isolated meshes.
type Namespace string

// Admits reports whether a node announcing other may peer with this one.
// Match is exact; an empty namespace never admits.
func (n Namespace) Admits(other string) bool {
	if strings.TrimSpace(string(n)) == "" || strings.TrimSpace(other) == "" {
		return false
	}
	return string(n) == other
}

func (n Namespace) String() string {
	return string(n)
}
