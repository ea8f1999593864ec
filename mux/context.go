package mux

import (
	"tilemux/dcache"
	"tilemux/mcache"
)

// Context is the publish capability handed to callbacks. It is owned by the
// run loop and only valid for the duration of the callback it was passed
// to.
type Context struct {
	e *engine
}

// MCache is the output ring.
func (c *Context) MCache() *mcache.MCache { return c.e.out }

// DCache is the tile's own payload region, nil unless FlagCopy is set.
func (c *Context) DCache() *dcache.DCache { return c.e.dcache }

// Depth is the output ring depth.
func (c *Context) Depth() uint64 { return c.e.depth }

// Seq is the sequence number the next publish will use.
func (c *Context) Seq() uint64 { return c.e.seq }

// CrAvail is the number of credits left. A callback that publishes more
// than Burst fragments per invocation must check it.
func (c *Context) CrAvail() uint64 { return c.e.crAvail }

// Burst is the configured per-fragment publish allowance.
func (c *Context) Burst() uint64 { return c.e.burst }

// Now reads the loop clock.
func (c *Context) Now() int64 { return c.e.clock() }

// Publish writes a fragment at Seq, advances Seq and spends credits.
func (c *Context) Publish(sig uint64, chunk uint32, sz, ctl uint16, tsorig, tspub uint32) {
	c.e.publish(sig, chunk, sz, ctl, tsorig, tspub)
}

// Advance consumes a sequence number and its credits without writing the
// slot, for callers that wrote the slot themselves through MCache.
func (c *Context) Advance() {
	c.e.seq++
	c.e.debit()
}
