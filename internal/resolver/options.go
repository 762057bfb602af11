package resolver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options is the resolution policy. The zero value is usable; zero
// fields take the defaults below. A policy file can override any of it,
// which is how protector-specific non-returning sets are supplied
// without touching the oracle.
type Options struct {
	// StackPages is the size of the shadow stack in pages.
	StackPages uint64 `yaml:"stack_pages"`

	// WindowBytes bounds the address window executed from the wrapper
	// entry. A coarse circuit breaker, not a timeout.
	WindowBytes uint64 `yaml:"window_bytes"`

	// MaxInstructions bounds the executed instruction count.
	MaxInstructions uint64 `yaml:"max_instructions"`

	// NoReturnAPIs are export names treated as process-terminating:
	// reaching one halts the run even when the return address on the
	// stack matches nothing. Some protector builds route wrapper exit
	// through ExitProcess-style calls instead of returning.
	NoReturnAPIs []string `yaml:"no_return_apis"`
}

// DefaultOptions returns the stock policy.
func DefaultOptions() Options {
	return Options{
		StackPages:      3,
		WindowBytes:     1024,
		MaxInstructions: 0x10000,
		NoReturnAPIs:    []string{"ExitProcess", "FatalExit", "ExitThread"},
	}
}

// LoadOptions reads a yaml policy file over the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse policy: %w", err)
	}
	return opts.withDefaults(), nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.StackPages == 0 {
		o.StackPages = def.StackPages
	}
	if o.WindowBytes == 0 {
		o.WindowBytes = def.WindowBytes
	}
	if o.MaxInstructions == 0 {
		o.MaxInstructions = def.MaxInstructions
	}
	if o.NoReturnAPIs == nil {
		o.NoReturnAPIs = def.NoReturnAPIs
	}
	return o
}
