package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "log-1b4e28ba-...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// UUID returns a bare random (v4) UUID string.
func UUID() string {
	return uuid.NewString()
}
