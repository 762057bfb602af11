package resolver

import (
	"go.uber.org/zap"

	"github.com/zboralski/dewrap/internal/emulator"
	"github.com/zboralski/dewrap/internal/log"
	"github.com/zboralski/dewrap/internal/process"
	"github.com/zboralski/dewrap/internal/trace"
)

// hookContext carries the per-attempt state the engine hooks share. It
// is owned by one resolution and discarded with it; nothing here is
// visible across attempts.
type hookContext struct {
	ctrl     process.Controller
	exports  map[uint64]process.Export
	stop     StopCondition
	noReturn map[string]bool
	pageSize uint64
	stopped  bool // set when the oracle halted the run
	rec      *trace.Recorder
	log      *log.Logger
}

// handleUnmapped is the memory bridge: on any access to an address with
// no backing page it pulls exactly one page from the target process,
// maps it with full permissions, and lets the engine retry. Returning
// false terminates the run.
func (c *hookContext) handleUnmapped(e *emulator.Emulator, access int, addr uint64, size int) bool {
	c.log.Debug("unmapped access", log.Addr(addr), log.Size(uint64(size)))
	if addr == 0 {
		// A null dereference is a runaway, not demand paging.
		return false
	}

	aligned := addr &^ (c.pageSize - 1)
	if e.IsMapped(aligned) {
		// The engine never re-faults a mapped page; seeing one here
		// means the access straddles into the next page. Let the
		// retry fault again on the missing part.
		return true
	}

	data, err := c.ctrl.ReadMemory(aligned, c.pageSize)
	if err != nil {
		// The page is genuinely inaccessible in the target.
		c.log.Debug("page pull failed", log.Addr(aligned), zap.Error(err))
		return false
	}
	if err := e.MapRegion(aligned, c.pageSize, emulator.ProtAll); err != nil {
		c.log.Error("page map failed", log.Addr(aligned), zap.Error(err))
		return false
	}
	if err := e.MemWrite(aligned, data); err != nil {
		c.log.Error("page write failed", log.Addr(aligned), zap.Error(err))
		return false
	}

	c.log.Debug("mapped page", log.Addr(aligned), log.Size(uint64(len(data))))
	c.rec.Add(trace.NewEvent(aligned, trace.PageIn, "", ""))
	return true
}
