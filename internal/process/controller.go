// Package process defines the read-only view of a target process that the
// resolver consumes: architecture discovery, demand reads of process
// memory, and the snapshot of exported functions.
package process

// Export describes one exported function of the target process.
type Export struct {
	Address uint64 `yaml:"address"`
	Name    string `yaml:"name"`
	Module  string `yaml:"module,omitempty"`
	Ordinal uint32 `yaml:"ordinal,omitempty"`
}

// Controller exposes a target process to the resolver. Implementations
// never mutate the target; every method is a read.
//
// Architecture returns one of the tags understood by arch.Parse.
// ReadMemory returns exactly size bytes or an error; short reads are
// reported as errors, not truncated slices.
type Controller interface {
	Architecture() string
	PageSize() uint64
	PointerSize() int
	ReadMemory(addr, size uint64) ([]byte, error)
	Exports() (map[uint64]Export, error)
}
