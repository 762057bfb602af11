package resolver

import (
	"fmt"

	"github.com/zboralski/dewrap/internal/emulator"
)

// buildEnvironment prepares the shadow CPU state a wrapper expects on
// entry: a stack whose top holds the synthetic return address, minimal
// TEB/PEB structures with the self-referential pointers the ABI
// dictates, and the segment base register pointing at the TEB.
//
// Any mapping collision or write failure here is fatal for the attempt;
// emulation never starts on a half-built environment.
func buildEnvironment(e *emulator.Emulator, pageSize, stackPages uint64) error {
	p := e.Profile()

	stackSize := stackPages * pageSize
	stackTop := p.StackBase + stackSize - pageSize
	if err := e.MapRegion(p.StackBase, stackSize, emulator.ProtRead|emulator.ProtWrite); err != nil {
		return fmt.Errorf("shadow stack: %w", err)
	}
	if err := e.WritePointer(stackTop, SentinelReturn); err != nil {
		return fmt.Errorf("sentinel return: %w", err)
	}
	if err := e.SetSP(stackTop); err != nil {
		return fmt.Errorf("stack pointer: %w", err)
	}
	if err := e.SetBP(stackTop); err != nil {
		return fmt.Errorf("frame pointer: %w", err)
	}

	if err := e.MapRegion(p.TEBBase, pageSize, emulator.ProtRead|emulator.ProtWrite); err != nil {
		return fmt.Errorf("teb: %w", err)
	}
	if err := e.MapRegion(p.PEBBase, pageSize, emulator.ProtRead|emulator.ProtWrite); err != nil {
		return fmt.Errorf("peb: %w", err)
	}
	// NtTib.Self and the PEB pointer are all most wrapper code ever
	// dereferences through fs:/gs:.
	if err := e.WritePointer(p.TEBBase+p.TEBSelfOffset, p.TEBBase); err != nil {
		return fmt.Errorf("teb self pointer: %w", err)
	}
	if err := e.WritePointer(p.TEBBase+p.TEBPEBOffset, p.PEBBase); err != nil {
		return fmt.Errorf("peb pointer: %w", err)
	}
	if err := e.SetSegmentBase(p.TEBBase); err != nil {
		return fmt.Errorf("segment base: %w", err)
	}

	return nil
}
