// Package arch maps target architecture tags to the register set and
// address layout used when shadow-executing wrapper code.
package arch

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Arch identifies a supported target architecture.
type Arch int

const (
	// IA32 is 32-bit x86.
	IA32 Arch = iota
	// X64 is 64-bit x86.
	X64
)

// ErrUnsupported is returned for architecture tags dewrap cannot emulate.
var ErrUnsupported = errors.New("unsupported architecture")

// Parse maps a process controller architecture tag to an Arch.
// Unknown tags are a hard configuration error, never a fallback.
func Parse(tag string) (Arch, error) {
	switch tag {
	case "ia32":
		return IA32, nil
	case "x64":
		return X64, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupported, tag)
}

func (a Arch) String() string {
	switch a {
	case IA32:
		return "ia32"
	case X64:
		return "x64"
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// Profile is the per-architecture emulator configuration: word size,
// logical register ids, and the synthetic address layout for the stack
// and the thread/process environment blocks.
type Profile struct {
	Arch     Arch
	WordSize int // pointer size in bytes

	UcArch int
	UcMode int

	PC int // program counter register
	SP int // stack pointer register
	BP int // frame pointer register

	// Register holding the segment base that thread-local addressing
	// goes through: the IA32_FS_BASE MSR on ia32, IA32_GS_BASE on x64.
	// Unicorn exposes both as writable logical registers.
	SegmentBase int

	StackBase uint64
	TEBBase   uint64
	PEBBase   uint64

	// Offsets of the self-referential TEB pointer and the PEB pointer
	// inside the TEB, as dictated by the Windows ABI.
	TEBSelfOffset uint64
	TEBPEBOffset  uint64
}

// Profile returns the emulator configuration for the architecture.
// Exactly one profile exists per supported tag.
func (a Arch) Profile() Profile {
	switch a {
	case X64:
		return Profile{
			Arch:           X64,
			WordSize:       8,
			UcArch:         uc.ARCH_X86,
			UcMode:         uc.MODE_64,
			PC:             uc.X86_REG_RIP,
			SP:             uc.X86_REG_RSP,
			BP:             uc.X86_REG_RBP,
			SegmentBase:    uc.X86_REG_GS_BASE,
			StackBase:      0xff00000000000000,
			TEBBase:        0xff10000000000000,
			PEBBase:        0xff20000000000000,
			TEBSelfOffset:  0x30,
			TEBPEBOffset:   0x60,
		}
	default: // IA32
		return Profile{
			Arch:           IA32,
			WordSize:       4,
			UcArch:         uc.ARCH_X86,
			UcMode:         uc.MODE_32,
			PC:             uc.X86_REG_EIP,
			SP:             uc.X86_REG_ESP,
			BP:             uc.X86_REG_EBP,
			SegmentBase:    uc.X86_REG_FS_BASE,
			StackBase:      0xff000000,
			TEBBase:        0xff100000,
			PEBBase:        0xff200000,
			TEBSelfOffset:  0x18,
			TEBPEBOffset:   0x30,
		}
	}
}
