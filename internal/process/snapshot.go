package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	peparser "github.com/saferwall/pe"
	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file expected inside a snapshot directory.
const ManifestName = "snapshot.yaml"

type manifest struct {
	Architecture string        `yaml:"architecture"`
	PageSize     uint64        `yaml:"page_size"`
	PointerSize  int           `yaml:"pointer_size"`
	Regions      []regionEntry `yaml:"regions"`
	Modules      []moduleEntry `yaml:"modules"`
	Exports      []Export      `yaml:"exports"`
}

type regionEntry struct {
	Address uint64 `yaml:"address"`
	File    string `yaml:"file"`
}

type moduleEntry struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	File string `yaml:"file"`
}

type region struct {
	addr uint64
	data []byte
}

// Snapshot is a Controller backed by an on-disk process dump: a
// snapshot.yaml manifest naming memory regions (raw .bin files), the
// modules they came from, and the export table. Exports are either listed
// inline in the manifest or parsed from the module PE files on disk.
type Snapshot struct {
	dir      string
	man      manifest
	regions  []region // sorted by addr, non-overlapping
	exports  map[uint64]Export
}

// OpenSnapshot loads a snapshot directory.
func OpenSnapshot(dir string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	s := &Snapshot{dir: dir}
	if err := yaml.Unmarshal(raw, &s.man); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if s.man.Architecture == "" {
		return nil, fmt.Errorf("manifest: missing architecture")
	}
	if s.man.PageSize == 0 {
		s.man.PageSize = 0x1000
	}
	if s.man.PointerSize == 0 {
		if s.man.Architecture == "ia32" {
			s.man.PointerSize = 4
		} else {
			s.man.PointerSize = 8
		}
	}

	for _, r := range s.man.Regions {
		data, err := os.ReadFile(filepath.Join(dir, r.File))
		if err != nil {
			return nil, fmt.Errorf("read region %s: %w", r.File, err)
		}
		s.regions = append(s.regions, region{addr: r.Address, data: data})
	}
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].addr < s.regions[j].addr
	})

	return s, nil
}

// Architecture returns the manifest's architecture tag.
func (s *Snapshot) Architecture() string { return s.man.Architecture }

// PageSize returns the target's page size.
func (s *Snapshot) PageSize() uint64 { return s.man.PageSize }

// PointerSize returns the target's pointer width in bytes.
func (s *Snapshot) PointerSize() int { return s.man.PointerSize }

// ReadMemory copies size bytes starting at addr out of the snapshot's
// regions. Reads outside any captured region fail.
func (s *Snapshot) ReadMemory(addr, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].addr+uint64(len(s.regions[i].data)) > addr
	})
	if i >= len(s.regions) {
		return nil, fmt.Errorf("read 0x%x+%d: not captured", addr, size)
	}
	r := s.regions[i]
	if addr < r.addr || addr+size > r.addr+uint64(len(r.data)) {
		return nil, fmt.Errorf("read 0x%x+%d: not captured", addr, size)
	}
	off := addr - r.addr
	out := make([]byte, size)
	copy(out, r.data[off:off+size])
	return out, nil
}

// Exports returns the export snapshot: inline manifest entries plus the
// export tables of any module PE files named in the manifest. Parsed once
// and cached; the map is shared, callers must not mutate it.
func (s *Snapshot) Exports() (map[uint64]Export, error) {
	if s.exports != nil {
		return s.exports, nil
	}

	exports := make(map[uint64]Export, len(s.man.Exports))
	for _, e := range s.man.Exports {
		exports[e.Address] = e
	}
	for _, m := range s.man.Modules {
		if m.File == "" {
			continue
		}
		if err := parseModuleExports(filepath.Join(s.dir, m.File), m, exports); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Name, err)
		}
	}

	s.exports = exports
	return exports, nil
}

func parseModuleExports(path string, m moduleEntry, out map[uint64]Export) error {
	f, err := peparser.New(path, &peparser.Options{})
	if err != nil {
		return fmt.Errorf("open pe: %w", err)
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return fmt.Errorf("parse pe: %w", err)
	}

	for _, fn := range f.Export.Functions {
		// Forwarded entries have no code in this module.
		if fn.Forwarder != "" {
			continue
		}
		addr := m.Base + uint64(fn.FunctionRVA)
		out[addr] = Export{
			Address: addr,
			Name:    fn.Name,
			Module:  m.Name,
			Ordinal: fn.Ordinal,
		}
	}
	return nil
}
