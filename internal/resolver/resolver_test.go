package resolver

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/zboralski/dewrap/internal/emulator"
	"github.com/zboralski/dewrap/internal/log"
	"github.com/zboralski/dewrap/internal/process"
	"github.com/zboralski/dewrap/internal/trace"
)

const testPageSize = 0x1000

// fakeProc is an in-memory process.Controller: a sparse set of pages
// plus an export table, standing in for a live protected process.
type fakeProc struct {
	tag     string
	ptrSize int
	pages   map[uint64][]byte
	exports map[uint64]process.Export
	reads   map[uint64]int // page base -> pull count
	failAll bool
}

func newFakeProc(tag string) *fakeProc {
	ptrSize := 8
	if tag == "ia32" {
		ptrSize = 4
	}
	return &fakeProc{
		tag:     tag,
		ptrSize: ptrSize,
		pages:   make(map[uint64][]byte),
		exports: make(map[uint64]process.Export),
		reads:   make(map[uint64]int),
	}
}

func (f *fakeProc) Architecture() string { return f.tag }
func (f *fakeProc) PageSize() uint64     { return testPageSize }
func (f *fakeProc) PointerSize() int     { return f.ptrSize }

func (f *fakeProc) ReadMemory(addr, size uint64) ([]byte, error) {
	if f.failAll {
		return nil, fmt.Errorf("read 0x%x: access denied", addr)
	}
	base := addr &^ (testPageSize - 1)
	page, ok := f.pages[base]
	if !ok || addr+size > base+testPageSize {
		return nil, fmt.Errorf("read 0x%x+%d: not present", addr, size)
	}
	f.reads[base]++
	out := make([]byte, size)
	copy(out, page[addr-base:addr-base+size])
	return out, nil
}

func (f *fakeProc) Exports() (map[uint64]process.Export, error) {
	return f.exports, nil
}

// put writes bytes into the fake process image, creating zero-filled
// pages as needed.
func (f *fakeProc) put(addr uint64, data []byte) {
	for len(data) > 0 {
		base := addr &^ (testPageSize - 1)
		page, ok := f.pages[base]
		if !ok {
			page = make([]byte, testPageSize)
			f.pages[base] = page
		}
		n := copy(page[addr-base:], data)
		data = data[n:]
		addr += uint64(n)
	}
}

func (f *fakeProc) addExport(addr uint64, name string) {
	f.exports[addr] = process.Export{Address: addr, Name: name, Module: "kernel32.dll"}
}

// x86 encoding helpers, identical on ia32 and x64.

func jmpRel32(from, to uint64) []byte {
	buf := []byte{0xe9, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(buf[1:], uint32(to-(from+5)))
	return buf
}

func callRel32(from, to uint64) []byte {
	buf := []byte{0xe8, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(buf[1:], uint32(to-(from+5)))
	return buf
}

const (
	wrapperAddr = 0x00500000
	exportAddr  = 0x00401000
	exportAddr2 = 0x00402000
	exitAddr    = 0x00403000
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxInstructions = 2000
	return opts
}

func newTestResolver(t *testing.T, proc *fakeProc) *Resolver {
	t.Helper()
	r, err := New(proc, testOptions(), log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestResolveDirectForward(t *testing.T) {
	for _, tag := range []string{"ia32", "x64"} {
		t.Run(tag, func(t *testing.T) {
			proc := newFakeProc(tag)
			proc.put(wrapperAddr, jmpRel32(wrapperAddr, exportAddr))
			proc.put(exportAddr, []byte{0xc3}) // ret
			proc.addExport(exportAddr, "GetTickCount")

			r := newTestResolver(t, proc)
			res, err := r.Resolve(wrapperAddr)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !res.Resolved {
				t.Fatal("expected resolution, got no result")
			}
			if res.Target != exportAddr {
				t.Errorf("Target = 0x%x, want 0x%x", res.Target, exportAddr)
			}
			if res.Export.Name != "GetTickCount" {
				t.Errorf("Export.Name = %q, want GetTickCount", res.Export.Name)
			}
		})
	}
}

func TestResolveThroughIntermediateCall(t *testing.T) {
	proc := newFakeProc("x64")
	// The wrapper calls one export as an internal helper, then
	// tail-jumps to its real target.
	code := callRel32(wrapperAddr, exportAddr)
	code = append(code, jmpRel32(wrapperAddr+5, exportAddr2)...)
	proc.put(wrapperAddr, code)
	proc.put(exportAddr, []byte{0xc3})
	proc.put(exportAddr2, []byte{0xc3})
	proc.addExport(exportAddr, "GetCurrentProcess")
	proc.addExport(exportAddr2, "VirtualAlloc")

	r := newTestResolver(t, proc)
	res, err := r.Resolve(wrapperAddr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Resolved {
		t.Fatal("expected resolution, got no result")
	}
	if res.Target != exportAddr2 {
		t.Errorf("Target = 0x%x, want 0x%x (the tail target, not the helper)", res.Target, exportAddr2)
	}
}

func TestResolveNoReturnExport(t *testing.T) {
	proc := newFakeProc("x64")
	// The wrapper exits through ExitProcess instead of returning; the
	// return address on the stack points back into the wrapper.
	proc.put(wrapperAddr, callRel32(wrapperAddr, exitAddr))
	proc.put(exitAddr, []byte{0xeb, 0xfe}) // jmp $
	proc.addExport(exitAddr, "ExitProcess")

	r := newTestResolver(t, proc)
	res, err := r.Resolve(wrapperAddr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Resolved {
		t.Fatal("expected resolution, got no result")
	}
	if res.Target != exitAddr {
		t.Errorf("Target = 0x%x, want 0x%x", res.Target, exitAddr)
	}
	if !res.Trace.Events()[len(res.Trace.Events())-1].Tags.Has(trace.NoReturn) {
		t.Error("expected a noreturn stop event in the trace")
	}
}

func TestResolveUnreadableTarget(t *testing.T) {
	proc := newFakeProc("x64")
	proc.failAll = true

	r := newTestResolver(t, proc)
	res, err := r.Resolve(wrapperAddr)
	if err != nil {
		t.Fatalf("Resolve should not error on unreadable targets: %v", err)
	}
	if res.Resolved {
		t.Errorf("expected no result, resolved to 0x%x", res.Target)
	}
}

func TestResolveBoundExhausted(t *testing.T) {
	proc := newFakeProc("x64")
	// Jump into an export with garbage at the stack slot, so neither
	// the sentinel nor the expected address ever matches; the export
	// then spins until the instruction bound trips.
	code := []byte{0x6a, 0x11} // push 0x11
	code = append(code, jmpRel32(wrapperAddr+2, exportAddr)...)
	proc.put(wrapperAddr, code)
	proc.put(exportAddr, []byte{0xeb, 0xfe}) // jmp $
	proc.addExport(exportAddr, "GetTickCount")

	r := newTestResolver(t, proc)
	res, err := r.ResolveWithReturn(wrapperAddr, 0x12345678)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Resolved {
		t.Errorf("expected no result, resolved to 0x%x", res.Target)
	}
}

func TestResolveExpectedReturn(t *testing.T) {
	proc := newFakeProc("x64")
	// The wrapper replaces the sentinel with the protector's real
	// call-site address before forwarding: pop the sentinel, push the
	// call site, jump to the API.
	callSite := uint64(0x00600010)
	code := []byte{0x58}                                  // pop rax
	code = append(code, 0x68, 0x10, 0x00, 0x60, 0x00)     // push 0x600010
	code = append(code, jmpRel32(wrapperAddr+6, exportAddr)...)
	proc.put(wrapperAddr, code)
	proc.put(exportAddr, []byte{0xc3})
	proc.addExport(exportAddr, "CloseHandle")

	r := newTestResolver(t, proc)
	res, err := r.ResolveWithReturn(wrapperAddr, callSite)
	if err != nil {
		t.Fatalf("ResolveWithReturn: %v", err)
	}
	if !res.Resolved || res.Target != exportAddr {
		t.Fatalf("Resolved=%v Target=0x%x, want export 0x%x", res.Resolved, res.Target, exportAddr)
	}

	// Without the expected address the same wrapper must not resolve.
	res, err = r.Resolve(wrapperAddr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Resolved {
		t.Errorf("expected no result without the call-site address, got 0x%x", res.Target)
	}
}

func TestResolveDeterministic(t *testing.T) {
	proc := newFakeProc("x64")
	proc.put(wrapperAddr, jmpRel32(wrapperAddr, exportAddr))
	proc.put(exportAddr, []byte{0xc3})
	proc.addExport(exportAddr, "GetTickCount")

	r := newTestResolver(t, proc)
	first, err := r.Resolve(wrapperAddr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(wrapperAddr)
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i+2, err)
		}
		if res.Resolved != first.Resolved || res.Target != first.Target {
			t.Fatalf("run %d diverged: (%v, 0x%x) vs (%v, 0x%x)",
				i+2, res.Resolved, res.Target, first.Resolved, first.Target)
		}
	}
}

func TestNewRejectsUnknownArchitecture(t *testing.T) {
	proc := newFakeProc("x64")
	proc.tag = "arm64"
	if _, err := New(proc, Options{}, log.NewNop()); err == nil {
		t.Fatal("expected a configuration error for arm64")
	}
}

func TestBridgeDeclinesNullPage(t *testing.T) {
	proc := newFakeProc("x64")
	proc.put(0, make([]byte, 16)) // even a readable null page must be refused

	r := newTestResolver(t, proc)
	emu, err := emulator.New(r.profile)
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	defer emu.Close()

	hc := &hookContext{
		ctrl:     proc,
		pageSize: testPageSize,
		rec:      trace.NewRecorder("test"),
		log:      log.NewNop(),
	}
	if hc.handleUnmapped(emu, 0, 0, 8) {
		t.Error("bridge mapped the null page")
	}
	if proc.reads[0] != 0 {
		t.Error("bridge read the null page from the target")
	}
}

func TestBridgeMapsOnce(t *testing.T) {
	proc := newFakeProc("x64")
	proc.put(exportAddr, []byte{0xc3})

	r := newTestResolver(t, proc)
	emu, err := emulator.New(r.profile)
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	defer emu.Close()

	hc := &hookContext{
		ctrl:     proc,
		pageSize: testPageSize,
		rec:      trace.NewRecorder("test"),
		log:      log.NewNop(),
	}
	base := uint64(exportAddr) &^ (testPageSize - 1)
	if !hc.handleUnmapped(emu, 0, exportAddr, 8) {
		t.Fatal("bridge failed to map a readable page")
	}
	if !hc.handleUnmapped(emu, 0, exportAddr+8, 8) {
		t.Fatal("bridge refused an already-mapped page")
	}
	if proc.reads[base] != 1 {
		t.Errorf("page pulled %d times, want 1", proc.reads[base])
	}
}

func TestStopCondition(t *testing.T) {
	s := Sentinel()
	if !s.Matches(SentinelReturn) {
		t.Error("sentinel condition must match the sentinel")
	}
	if s.Matches(0x1000) {
		t.Error("sentinel condition matched an arbitrary address")
	}

	e := Expected(0x1000)
	if !e.Matches(0x1000) {
		t.Error("expected condition must match its address")
	}
	if !e.Matches(SentinelReturn) {
		t.Error("the sentinel stays valid alongside an expected address")
	}
	if e.Matches(0x2000) {
		t.Error("expected condition matched an unrelated address")
	}
}
