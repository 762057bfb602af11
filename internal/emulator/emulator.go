// Package emulator provides x86 shadow execution using Unicorn Engine.
//
// One Emulator backs exactly one resolution attempt: it owns a private
// sparse address space that only ever grows while the attempt runs, and
// is destroyed with Close.
package emulator

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/dewrap/internal/arch"
)

// Memory permissions, re-exported for callers.
const (
	ProtRead  = uc.PROT_READ
	ProtWrite = uc.PROT_WRITE
	ProtExec  = uc.PROT_EXEC
	ProtAll   = uc.PROT_ALL
)

// UnmappedHookFunc is called when an access targets an unmapped address.
// Return true once the page has been mapped so the engine retries the
// access, false to let the run fault.
type UnmappedHookFunc func(e *Emulator, access int, addr uint64, size int) bool

// BlockHookFunc is called at the entry of every executed basic block.
type BlockHookFunc func(e *Emulator, addr uint64)

// Emulator wraps Unicorn for one x86 shadow execution run.
type Emulator struct {
	mu      uc.Unicorn
	profile arch.Profile

	// Page-aligned bases mapped so far. Unicorn will not re-fault a
	// mapped page; the set exists so demand paging stays auditable.
	mapped map[uint64]struct{}
}

// New creates an emulator for the given architecture profile.
func New(profile arch.Profile) (*Emulator, error) {
	mu, err := uc.NewUnicorn(profile.UcArch, profile.UcMode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	return &Emulator{
		mu:      mu,
		profile: profile,
		mapped:  make(map[uint64]struct{}),
	}, nil
}

// Close releases the emulator and its address space.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Profile returns the architecture profile the emulator was built for.
func (e *Emulator) Profile() arch.Profile {
	return e.profile
}

// MapRegion maps size bytes at addr with the given permissions.
// Mapping over an existing region is an error.
func (e *Emulator) MapRegion(addr, size uint64, prot int) error {
	if err := e.mu.MemMapProt(addr, size, prot); err != nil {
		return fmt.Errorf("map 0x%x+0x%x: %w", addr, size, err)
	}
	e.mapped[addr] = struct{}{}
	return nil
}

// IsMapped reports whether a region starting at addr was mapped through
// this emulator.
func (e *Emulator) IsMapped(addr uint64) bool {
	_, ok := e.mapped[addr]
	return ok
}

// MemWrite writes bytes into the emulated address space.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemRead reads bytes from the emulated address space.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// WritePointer writes a pointer-sized value (little endian) at addr.
func (e *Emulator) WritePointer(addr, val uint64) error {
	buf := make([]byte, e.profile.WordSize)
	if e.profile.WordSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
	} else {
		binary.LittleEndian.PutUint64(buf, val)
	}
	return e.mu.MemWrite(addr, buf)
}

// ReadPointer reads a pointer-sized value (little endian) at addr.
func (e *Emulator) ReadPointer(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, uint64(e.profile.WordSize))
	if err != nil {
		return 0, err
	}
	if e.profile.WordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(data)), nil
	}
	return binary.LittleEndian.Uint64(data), nil
}

// RegRead reads a register value.
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value.
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// PC returns the program counter.
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(e.profile.PC)
	return pc
}

// SP returns the stack pointer.
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(e.profile.SP)
	return sp
}

// BP returns the frame pointer.
func (e *Emulator) BP() uint64 {
	bp, _ := e.mu.RegRead(e.profile.BP)
	return bp
}

// SetSP sets the stack pointer.
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(e.profile.SP, val)
}

// SetBP sets the frame pointer.
func (e *Emulator) SetBP(val uint64) error {
	return e.mu.RegWrite(e.profile.BP, val)
}

// SetSegmentBase programs the profile's segment base register (FS base
// on ia32, GS base on x64) so thread-local addressing resolves.
func (e *Emulator) SetSegmentBase(base uint64) error {
	if err := e.mu.RegWrite(e.profile.SegmentBase, base); err != nil {
		return fmt.Errorf("write segment base: %w", err)
	}
	return nil
}

// HookUnmapped installs fn for every unmapped read, write, or fetch.
func (e *Emulator) HookUnmapped(fn UnmappedHookFunc) error {
	_, err := e.mu.HookAdd(uc.HOOK_MEM_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return fn(e, access, addr, size)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook unmapped: %w", err)
	}
	return nil
}

// HookBlock installs fn at the entry of every executed basic block.
func (e *Emulator) HookBlock(fn BlockHookFunc) error {
	_, err := e.mu.HookAdd(uc.HOOK_BLOCK,
		func(mu uc.Unicorn, addr uint64, size uint32) {
			fn(e, addr)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook block: %w", err)
	}
	return nil
}

// Run executes from start until end, a hook-initiated stop, a fault, or
// count executed instructions, whichever comes first. count 0 means no
// instruction bound.
func (e *Emulator) Run(start, end uint64, count uint64) error {
	opt := uc.UcOptions{Timeout: 0, Count: count}
	return e.mu.StartWithOptions(start, end, &opt)
}

// Stop halts the current run. Safe to call from hooks.
func (e *Emulator) Stop() {
	e.mu.Stop()
}
