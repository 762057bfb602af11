package arch

import "testing"

func TestParse(t *testing.T) {
	for tag, want := range map[string]Arch{"ia32": IA32, "x64": X64} {
		got, err := Parse(tag)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tag, err)
		}
		if got != want {
			t.Errorf("Parse(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestParseUnsupported(t *testing.T) {
	for _, tag := range []string{"", "arm64", "mips", "IA32"} {
		if _, err := Parse(tag); err == nil {
			t.Errorf("Parse(%q) should fail", tag)
		}
	}
}

func TestProfileLayout(t *testing.T) {
	p32 := IA32.Profile()
	if p32.WordSize != 4 {
		t.Errorf("ia32 word size = %d, want 4", p32.WordSize)
	}
	if p32.TEBSelfOffset != 0x18 || p32.TEBPEBOffset != 0x30 {
		t.Errorf("ia32 TEB offsets = 0x%x/0x%x, want 0x18/0x30",
			p32.TEBSelfOffset, p32.TEBPEBOffset)
	}

	p64 := X64.Profile()
	if p64.WordSize != 8 {
		t.Errorf("x64 word size = %d, want 8", p64.WordSize)
	}
	if p64.TEBSelfOffset != 0x30 || p64.TEBPEBOffset != 0x60 {
		t.Errorf("x64 TEB offsets = 0x%x/0x%x, want 0x30/0x60",
			p64.TEBSelfOffset, p64.TEBPEBOffset)
	}

	// The synthetic regions must not collide within an architecture.
	for _, p := range []Profile{p32, p64} {
		if p.StackBase == p.TEBBase || p.TEBBase == p.PEBBase || p.StackBase == p.PEBBase {
			t.Errorf("%s: overlapping region bases", p.Arch)
		}
		if p.PC == p.SP || p.SP == p.BP {
			t.Errorf("%s: duplicate register ids", p.Arch)
		}
	}
}
