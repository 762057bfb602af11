package emulator

import (
	"testing"

	"github.com/zboralski/dewrap/internal/arch"
)

const codeBase = 0x00400000

// x64 test code: mov rax, 5; add rax, 3; ret
var addTestCode = []byte{
	0x48, 0xc7, 0xc0, 0x05, 0x00, 0x00, 0x00, // mov rax, 5
	0x48, 0x83, 0xc0, 0x03, // add rax, 3
	0xc3, // ret
}

func newX64(t *testing.T) *Emulator {
	t.Helper()
	emu, err := New(arch.X64.Profile())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func TestPointerRoundTrip(t *testing.T) {
	for _, a := range []arch.Arch{arch.IA32, arch.X64} {
		t.Run(a.String(), func(t *testing.T) {
			emu, err := New(a.Profile())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer emu.Close()

			if err := emu.MapRegion(codeBase, 0x1000, ProtRead|ProtWrite); err != nil {
				t.Fatalf("MapRegion: %v", err)
			}
			val := uint64(0xdeadbeef)
			if err := emu.WritePointer(codeBase, val); err != nil {
				t.Fatalf("WritePointer: %v", err)
			}
			got, err := emu.ReadPointer(codeBase)
			if err != nil {
				t.Fatalf("ReadPointer: %v", err)
			}
			if got != val {
				t.Errorf("pointer round trip: wrote 0x%x, read 0x%x", val, got)
			}
		})
	}
}

func TestMapRegionCollision(t *testing.T) {
	emu := newX64(t)
	if err := emu.MapRegion(codeBase, 0x1000, ProtAll); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := emu.MapRegion(codeBase, 0x1000, ProtAll); err == nil {
		t.Fatal("remapping the same region should fail")
	}
	if !emu.IsMapped(codeBase) {
		t.Error("IsMapped lost the region")
	}
}

func TestRunAndBlockHook(t *testing.T) {
	emu := newX64(t)
	if err := emu.MapRegion(codeBase, 0x1000, ProtAll); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := emu.MemWrite(codeBase, addTestCode); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}

	// Stack for the final ret.
	stackBase := uint64(0x00600000)
	if err := emu.MapRegion(stackBase, 0x1000, ProtRead|ProtWrite); err != nil {
		t.Fatalf("MapRegion stack: %v", err)
	}
	if err := emu.WritePointer(stackBase+0x800, codeBase+uint64(len(addTestCode))); err != nil {
		t.Fatalf("WritePointer: %v", err)
	}
	if err := emu.SetSP(stackBase + 0x800); err != nil {
		t.Fatalf("SetSP: %v", err)
	}

	blocks := 0
	if err := emu.HookBlock(func(e *Emulator, addr uint64) {
		blocks++
	}); err != nil {
		t.Fatalf("HookBlock: %v", err)
	}

	if err := emu.Run(codeBase, codeBase+uint64(len(addTestCode)), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if blocks == 0 {
		t.Error("block hook never fired")
	}
}

func TestUnmappedHookStops(t *testing.T) {
	emu := newX64(t)
	faulted := uint64(0)
	if err := emu.HookUnmapped(func(e *Emulator, access int, addr uint64, size int) bool {
		faulted = addr
		return false
	}); err != nil {
		t.Fatalf("HookUnmapped: %v", err)
	}

	if err := emu.Run(codeBase, codeBase+0x400, 0); err == nil {
		t.Fatal("running unmapped code should fault")
	}
	if faulted != codeBase {
		t.Errorf("fault at 0x%x, want 0x%x", faulted, uint64(codeBase))
	}
}

func TestSegmentBase(t *testing.T) {
	emu := newX64(t)
	if err := emu.SetSegmentBase(0x7000); err != nil {
		t.Fatalf("SetSegmentBase: %v", err)
	}
	got, err := emu.RegRead(emu.Profile().SegmentBase)
	if err != nil {
		t.Fatalf("RegRead: %v", err)
	}
	if got != 0x7000 {
		t.Errorf("segment base = 0x%x, want 0x7000", got)
	}
}
