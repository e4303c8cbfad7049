package dwshare

import (
	"fmt"

	"go.uber.org/atomic"
)

// ConnStats keeps track of currently open and total connection counts for an
// entity, along with the number of connections turned away.
type ConnStats struct {
	count    atomic.Int32
	open     atomic.Int32
	rejected atomic.Int32
}

// New adds one to the total connection count and returns the new total
func (c *ConnStats) New() int32 {
	return c.count.Inc()
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Inc()
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Dec()
}

// Reject counts a connection that was refused before it was opened
func (c *ConnStats) Reject() {
	c.rejected.Inc()
}

// Snapshot returns the open, total and rejected counts
func (c *ConnStats) Snapshot() (open, total, rejected int32) {
	return c.open.Load(), c.count.Load(), c.rejected.Load()
}

func (c *ConnStats) String() string {
	open, total, rejected := c.Snapshot()
	if rejected > 0 {
		return fmt.Sprintf("[%d/%d -%d]", open, total, rejected)
	}
	return fmt.Sprintf("[%d/%d]", open, total)
}
