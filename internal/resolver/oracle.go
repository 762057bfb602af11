package resolver

import (
	"github.com/zboralski/dewrap/internal/emulator"
	"github.com/zboralski/dewrap/internal/log"
	"github.com/zboralski/dewrap/internal/trace"
)

// SentinelReturn is the fixed, deliberately unmapped synthetic return
// address written at the top of the shadow stack. A wrapper that
// transfers straight to the real API leaves it at the stack pointer
// when the export is entered.
const SentinelReturn = 0xdeadbeef

// StopCondition decides which return address, seen at the stack pointer
// on entry to an export, ends the run. Exactly one per resolution,
// immutable. The sentinel variant relies only on the synthetic return
// address; the expected variant additionally accepts a caller-supplied
// call-site address.
type StopCondition struct {
	expected    uint64
	hasExpected bool
}

// Sentinel returns the stop condition used when the call site is unknown.
func Sentinel() StopCondition {
	return StopCondition{}
}

// Expected returns a stop condition that also accepts ret as proof the
// wrapper reached its real target.
func Expected(ret uint64) StopCondition {
	return StopCondition{expected: ret, hasExpected: true}
}

// Matches reports whether ret ends the run. The sentinel always counts:
// it sits at the stack top even when an expected address is supplied.
func (s StopCondition) Matches(ret uint64) bool {
	if ret == SentinelReturn {
		return true
	}
	return s.hasExpected && ret == s.expected
}

// handleBlock is the termination oracle, invoked on every basic block
// boundary. Export entries happen at block boundaries by construction,
// so block granularity catches every call or jump into exported code
// without instruction-level overhead.
func (c *hookContext) handleBlock(e *emulator.Emulator, addr uint64) {
	exp, ok := c.exports[addr]
	if !ok {
		return
	}

	sp := e.SP()
	ret, err := e.ReadPointer(sp)
	if err != nil {
		c.log.Debug("unreadable return slot at export",
			log.Addr(addr), log.API(exp.Name), log.Ptr("sp", sp))
		return
	}

	c.log.Debug("reached export", log.Addr(addr), log.API(exp.Name), log.Ptr("ret", ret))
	c.rec.Add(trace.NewEvent(addr, trace.Export, exp.Name, "ret="+log.Hex(ret)))

	switch {
	case c.stop.Matches(ret):
		// The wrapper transferred here directly; this export is the
		// real target.
		c.stopped = true
		c.rec.Add(trace.NewEvent(addr, trace.Stop, exp.Name, ""))
		e.Stop()
	case c.noReturn[exp.Name]:
		c.log.Debug("reached noreturn export, stopping", log.API(exp.Name))
		c.stopped = true
		c.rec.Add(trace.NewEvent(addr, trace.NoReturn, exp.Name, ""))
		e.Stop()
	}
	// Otherwise the export was reached as an intermediate call from
	// inside the wrapper; keep going.
}
