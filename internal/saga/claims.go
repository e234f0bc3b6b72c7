package saga

import "sync"

// Claims tracks the records a runner in this process is driving right now.
// The journal is owned by one process (Pebble locks its directory), so a
// process-local claim is enough to keep two runners off the same record.
type Claims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewClaims() *Claims {
	return &Claims{held: make(map[string]struct{})}
}

// TryClaim takes id if nobody holds it. The returned release must be called
// exactly once when ok is true.
func (c *Claims) TryClaim(id string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.held[id]; busy {
		return nil, false
	}
	c.held[id] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.held, id)
		c.mu.Unlock()
	}, true
}
