//go:build windows

package process

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// x86 Windows uses 4 KiB pages on every supported SKU.
const livePageSize = 0x1000

// Live is a Controller over a running process, attached by PID with
// PROCESS_VM_READ|PROCESS_QUERY_INFORMATION rights only. The target is
// never written to.
type Live struct {
	handle  windows.Handle
	pid     uint32
	tag     string
	ptrSize int
	exports map[uint64]Export
}

// OpenLive attaches to a running process for reading.
func OpenLive(pid uint32) (*Live, error) {
	h, err := windows.OpenProcess(
		windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("open pid %d: %w", pid, err)
	}

	var processMachine, nativeMachine uint16
	if err := windows.IsWow64Process2(h, &processMachine, &nativeMachine); err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("query machine of pid %d: %w", pid, err)
	}
	machine := processMachine
	if machine == windows.IMAGE_FILE_MACHINE_UNKNOWN {
		machine = nativeMachine
	}

	l := &Live{handle: h, pid: pid}
	switch machine {
	case windows.IMAGE_FILE_MACHINE_I386:
		l.tag, l.ptrSize = "ia32", 4
	case windows.IMAGE_FILE_MACHINE_AMD64:
		l.tag, l.ptrSize = "x64", 8
	default:
		windows.CloseHandle(h)
		return nil, fmt.Errorf("pid %d: unsupported machine 0x%x", pid, machine)
	}
	return l, nil
}

// Close detaches from the process.
func (l *Live) Close() error {
	return windows.CloseHandle(l.handle)
}

// Architecture returns the target's architecture tag.
func (l *Live) Architecture() string { return l.tag }

// PageSize returns the target's page size.
func (l *Live) PageSize() uint64 { return livePageSize }

// PointerSize returns the target's pointer width in bytes.
func (l *Live) PointerSize() int { return l.ptrSize }

// ReadMemory reads size bytes at addr from the target. Short reads are
// errors: a page the target cannot deliver whole is not delivered at all.
func (l *Live) ReadMemory(addr, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	var done uintptr
	err := windows.ReadProcessMemory(l.handle, uintptr(addr), &buf[0], uintptr(size), &done)
	if err != nil {
		return nil, fmt.Errorf("read 0x%x+%d: %w", addr, size, err)
	}
	if done != uintptr(size) {
		return nil, fmt.Errorf("read 0x%x: short read %d of %d", addr, done, size)
	}
	return buf, nil
}

// Exports enumerates the loaded modules and walks each one's in-memory
// export directory. Parsed once per attachment and cached; protectors do
// not move system module exports after load.
func (l *Live) Exports() (map[uint64]Export, error) {
	if l.exports != nil {
		return l.exports, nil
	}

	modules, err := l.enumModules()
	if err != nil {
		return nil, err
	}

	exports := make(map[uint64]Export)
	for _, m := range modules {
		// A module with no export directory is normal (the main image,
		// most protector-injected ones).
		if err := l.walkExportDirectory(m, exports); err != nil {
			continue
		}
	}

	l.exports = exports
	return exports, nil
}

type liveModule struct {
	name string
	base uint64
}

func (l *Live) enumModules() ([]liveModule, error) {
	handles := make([]windows.Handle, 512)
	handleSize := uint32(unsafe.Sizeof(handles[0]))
	var needed uint32
	cb := uint32(len(handles)) * handleSize
	if err := windows.EnumProcessModulesEx(l.handle, &handles[0], cb, &needed, windows.LIST_MODULES_ALL); err != nil {
		return nil, fmt.Errorf("enumerate modules of pid %d: %w", l.pid, err)
	}
	count := int(needed / handleSize)
	if count > len(handles) {
		count = len(handles)
	}

	modules := make([]liveModule, 0, count)
	for _, h := range handles[:count] {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(l.handle, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		var nameBuf [260]uint16
		if err := windows.GetModuleBaseName(l.handle, h, &nameBuf[0], uint32(len(nameBuf))); err != nil {
			continue
		}
		modules = append(modules, liveModule{
			name: strings.ToLower(windows.UTF16ToString(nameBuf[:])),
			base: uint64(info.BaseOfDll),
		})
	}
	return modules, nil
}

// IMAGE_EXPORT_DIRECTORY field offsets.
const (
	expBase         = 16
	expNumFuncs     = 20
	expNumNames     = 24
	expAddrFuncs    = 28
	expAddrNames    = 32
	expAddrOrdinals = 36
)

// walkExportDirectory reads a module's export table straight out of the
// target's memory. Forwarded entries (RVA pointing back inside the export
// directory) are skipped; they carry no code in this module.
func (l *Live) walkExportDirectory(m liveModule, out map[uint64]Export) error {
	dos, err := l.ReadMemory(m.base, 0x40)
	if err != nil {
		return err
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return fmt.Errorf("%s: no DOS header", m.name)
	}
	peOff := uint64(binary.LittleEndian.Uint32(dos[0x3c:]))

	// Signature + COFF header + enough optional header to reach the
	// export data directory for both PE32 and PE32+.
	hdr, err := l.ReadMemory(m.base+peOff, 24+120)
	if err != nil {
		return err
	}
	if hdr[0] != 'P' || hdr[1] != 'E' {
		return fmt.Errorf("%s: no PE signature", m.name)
	}
	magic := binary.LittleEndian.Uint16(hdr[24:])
	var ddOff int
	switch magic {
	case 0x10b: // PE32
		ddOff = 24 + 96
	case 0x20b: // PE32+
		ddOff = 24 + 112
	default:
		return fmt.Errorf("%s: bad optional header magic 0x%x", m.name, magic)
	}
	exportRVA := uint64(binary.LittleEndian.Uint32(hdr[ddOff:]))
	exportSize := uint64(binary.LittleEndian.Uint32(hdr[ddOff+4:]))
	if exportRVA == 0 || exportSize == 0 {
		return fmt.Errorf("%s: no export directory", m.name)
	}

	dir, err := l.ReadMemory(m.base+exportRVA, 40)
	if err != nil {
		return err
	}
	ordinalBase := binary.LittleEndian.Uint32(dir[expBase:])
	numFuncs := binary.LittleEndian.Uint32(dir[expNumFuncs:])
	numNames := binary.LittleEndian.Uint32(dir[expNumNames:])
	addrFuncs := uint64(binary.LittleEndian.Uint32(dir[expAddrFuncs:]))
	addrNames := uint64(binary.LittleEndian.Uint32(dir[expAddrNames:]))
	addrOrds := uint64(binary.LittleEndian.Uint32(dir[expAddrOrdinals:]))
	if numFuncs == 0 || numFuncs > 0x10000 || numNames > numFuncs {
		return fmt.Errorf("%s: implausible export counts", m.name)
	}

	funcs, err := l.ReadMemory(m.base+addrFuncs, uint64(numFuncs)*4)
	if err != nil {
		return err
	}
	names, err := l.ReadMemory(m.base+addrNames, uint64(numNames)*4)
	if err != nil {
		return err
	}
	ords, err := l.ReadMemory(m.base+addrOrds, uint64(numNames)*2)
	if err != nil {
		return err
	}

	nameByIndex := make(map[uint16]string, numNames)
	for i := uint32(0); i < numNames; i++ {
		nameRVA := binary.LittleEndian.Uint32(names[i*4:])
		ordIndex := binary.LittleEndian.Uint16(ords[i*2:])
		name, err := l.readCString(m.base + uint64(nameRVA))
		if err != nil {
			continue
		}
		nameByIndex[ordIndex] = name
	}

	for i := uint32(0); i < numFuncs; i++ {
		funcRVA := uint64(binary.LittleEndian.Uint32(funcs[i*4:]))
		if funcRVA == 0 {
			continue
		}
		if funcRVA >= exportRVA && funcRVA < exportRVA+exportSize {
			continue // forwarder
		}
		addr := m.base + funcRVA
		out[addr] = Export{
			Address: addr,
			Name:    nameByIndex[uint16(i)],
			Module:  m.name,
			Ordinal: ordinalBase + i,
		}
	}
	return nil
}

// readCString reads an ASCII name one page-safe chunk at a time so a
// string near the end of a readable region does not fail the whole read.
func (l *Live) readCString(addr uint64) (string, error) {
	var out []byte
	for len(out) < 1024 {
		chunk := uint64(64)
		if rem := livePageSize - (addr & (livePageSize - 1)); rem < chunk {
			chunk = rem
		}
		buf, err := l.ReadMemory(addr, chunk)
		if err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		for i, b := range buf {
			if b == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
		addr += chunk
	}
	return string(out), nil
}
