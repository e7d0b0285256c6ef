package lifecycle

import (
	"fmt"
	"strings"

	"offline0/internal/routing"
)

// Generation is the cache version carried by the running code. Partition
// names are derived from it, never parsed back.
type Generation int

func (g Generation) Partition(role routing.Role) string {
	return fmt.Sprintf("%s-v%d", role, g)
}

// KnownPartitions is the set of partition names this generation owns, sorted.
func (g Generation) KnownPartitions() []string {
	out := make([]string, 0, len(routing.Roles))
	for _, r := range routing.Roles {
		out = append(out, g.Partition(r))
	}
	return out
}

func (g Generation) Known(name string) bool {
	for _, r := range routing.Roles {
		if g.Partition(r) == name {
			return true
		}
	}
	return false
}

// Pinned reports whether partition holds install-time pre-population. Those
// entries are the offline fallbacks and must never be evicted.
func Pinned(partition string) bool {
	return strings.HasPrefix(partition, string(routing.RoleStatic)+"-v")
}
