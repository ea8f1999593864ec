package mux

import (
	"tilemux/cnc"
	"tilemux/frag"
)

// Booter runs once after a successful configuration check, before the cnc
// is moved to RUN.
type Booter interface {
	OnBoot(mux *Context)
}

// Halter runs once after HALT is observed, before the cnc is moved back to
// BOOT.
type Halter interface {
	OnHalt(mux *Context)
}

// Housekeeper runs at the end of every cnc housekeeping event. Use it for
// periodic work that must not be starved by traffic or backpressure.
type Housekeeper interface {
	DuringHousekeeping()
}

// BeforeCreditHook runs every iteration, backpressured or not. It must not
// publish.
type BeforeCreditHook interface {
	BeforeCredit(mux *Context)
}

// AfterCreditHook runs every iteration that has at least burst credits. It
// may publish, which is how tiles with non-mcache inputs (sockets, timers)
// inject fragments.
type AfterCreditHook interface {
	AfterCredit(mux *Context)
}

// FragFilter sees a fragment's origin, seq and sig before anything else is
// read. Returning true skips the fragment; chunk and sz are never loaded.
type FragFilter interface {
	BeforeFrag(in int, orig uint16, seq, sig uint64) (filter bool)
}

// FragReader is the speculative read point. Anything it copies out of the
// payload may be torn: if the producer overran the slot during the call the
// fragment is discarded after it returns. Returning true filters the
// fragment, honored only when no overrun happened.
type FragReader interface {
	DuringFrag(in int, sig uint64, chunk uint32, sz uint16) (filter bool)
}

// FragFinalizer runs only for fragments that survived the read. It may
// rewrite f.Sig, f.Chunk and f.Sz before the loop republishes f, and may
// publish through mux directly. Returning true suppresses the automatic
// publish.
type FragFinalizer interface {
	AfterFrag(in int, f *frag.Meta, mux *Context) (filter bool)
}

// DiagWriter publishes callback diagnostics during the cnc housekeeping
// event. app index 0 is cnc app word DiagUser.
type DiagWriter interface {
	CncDiagWrite(app cnc.App)
}

// DiagClearer resets any interval counters right after CncDiagWrite.
type DiagClearer interface {
	CncDiagClear()
}

// hooks is the resolved callback set. Resolution happens once so the loop
// pays an indirect call, never a type assertion.
type hooks struct {
	boot         func(*Context)
	halt         func(*Context)
	housekeeping func()
	beforeCredit func(*Context)
	afterCredit  func(*Context)
	beforeFrag   func(int, uint16, uint64, uint64) bool
	duringFrag   func(int, uint64, uint32, uint16) bool
	afterFrag    func(int, *frag.Meta, *Context) bool
	diagWrite    func(cnc.App)
	diagClear    func()
}

func resolveHooks(cb any) hooks {
	h := hooks{
		boot:         func(*Context) {},
		halt:         func(*Context) {},
		housekeeping: func() {},
		beforeCredit: func(*Context) {},
		afterCredit:  func(*Context) {},
		beforeFrag:   func(int, uint16, uint64, uint64) bool { return false },
		duringFrag:   func(int, uint64, uint32, uint16) bool { return false },
		afterFrag:    func(int, *frag.Meta, *Context) bool { return false },
		diagWrite:    func(cnc.App) {},
		diagClear:    func() {},
	}
	if cb == nil {
		return h
	}
	if v, ok := cb.(Booter); ok {
		h.boot = v.OnBoot
	}
	if v, ok := cb.(Halter); ok {
		h.halt = v.OnHalt
	}
	if v, ok := cb.(Housekeeper); ok {
		h.housekeeping = v.DuringHousekeeping
	}
	if v, ok := cb.(BeforeCreditHook); ok {
		h.beforeCredit = v.BeforeCredit
	}
	if v, ok := cb.(AfterCreditHook); ok {
		h.afterCredit = v.AfterCredit
	}
	if v, ok := cb.(FragFilter); ok {
		h.beforeFrag = v.BeforeFrag
	}
	if v, ok := cb.(FragReader); ok {
		h.duringFrag = v.DuringFrag
	}
	if v, ok := cb.(FragFinalizer); ok {
		h.afterFrag = v.AfterFrag
	}
	if v, ok := cb.(DiagWriter); ok {
		h.diagWrite = v.CncDiagWrite
	}
	if v, ok := cb.(DiagClearer); ok {
		h.diagClear = v.CncDiagClear
	}
	return h
}
