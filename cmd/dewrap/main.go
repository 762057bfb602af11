package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zboralski/dewrap/internal/log"
	"github.com/zboralski/dewrap/internal/process"
	"github.com/zboralski/dewrap/internal/resolver"
	"github.com/zboralski/dewrap/internal/ui/render"
)

var (
	verbose     bool
	quiet       bool
	snapshotDir string
	pid         uint32
	policyPath  string
	expectedRet string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dewrap [wrapper address...]",
		Short: "Resolve obfuscated API wrappers through shadow execution",
		Long: `dewrap resolves the real exported function hidden behind protector
wrapper stubs. It mirrors just enough of the target process into a
Unicorn-based shadow environment, executes the wrapper there, and stops
the moment control lands on a genuine export.

The target is either a live process (--pid, Windows only) or an offline
snapshot directory (--snapshot). The target is never written to.

Examples:
  dewrap --pid 4242 0x1400a3c10 0x1400a3d40
  dewrap --snapshot dump/ 0x4012f0
  dewrap --snapshot dump/ --ret 0x40a811 0x4012f0   # known call site
  dewrap exports --snapshot dump/`,
		Args:                  cobra.ArbitraryArgs,
		DisableFlagsInUseLine: true,
		RunE:                  runResolve,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (resolved pairs only)")
	rootCmd.PersistentFlags().StringVarP(&snapshotDir, "snapshot", "s", "", "process snapshot directory")
	rootCmd.PersistentFlags().Uint32VarP(&pid, "pid", "p", 0, "attach to a running process")
	rootCmd.Flags().StringVar(&policyPath, "policy", "", "resolution policy yaml")
	rootCmd.Flags().StringVar(&expectedRet, "ret", "", "expected return address (known call site)")

	exportsCmd := &cobra.Command{
		Use:   "exports",
		Short: "List the target's export snapshot",
		Args:  cobra.NoArgs,
		RunE:  runExports,
	}
	rootCmd.AddCommand(exportsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openController() (process.Controller, func() error, error) {
	switch {
	case snapshotDir != "" && pid != 0:
		return nil, nil, fmt.Errorf("--snapshot and --pid are mutually exclusive")
	case snapshotDir != "":
		s, err := process.OpenSnapshot(snapshotDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	case pid != 0:
		return attachPid(pid)
	default:
		return nil, nil, fmt.Errorf("a target is required: --snapshot dir or --pid n")
	}
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return addr, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	log.Init(verbose)
	if len(args) == 0 {
		return fmt.Errorf("no wrapper addresses given")
	}

	ctrl, closeCtrl, err := openController()
	if err != nil {
		return err
	}
	defer closeCtrl()

	opts := resolver.DefaultOptions()
	if policyPath != "" {
		if opts, err = resolver.LoadOptions(policyPath); err != nil {
			return err
		}
	}

	r, err := resolver.New(ctrl, opts, log.L)
	if err != nil {
		return err
	}

	var ret uint64
	if expectedRet != "" {
		if ret, err = parseAddr(expectedRet); err != nil {
			return err
		}
	}

	unresolved := 0
	for _, a := range args {
		wrapper, err := parseAddr(a)
		if err != nil {
			return err
		}

		var res resolver.Result
		if expectedRet != "" {
			res, err = r.ResolveWithReturn(wrapper, ret)
		} else {
			res, err = r.Resolve(wrapper)
		}
		if err != nil {
			// Configuration and construction failures abort the whole
			// batch; a mere unresolved wrapper does not.
			return err
		}

		switch {
		case quiet && res.Resolved:
			fmt.Printf("%#x %#x %s\n", wrapper, res.Target, res.Export.Name)
		case quiet:
			// Quiet mode stays silent about failures; the exit code
			// carries them.
		default:
			fmt.Println(render.Result(wrapper, res))
			if verbose {
				for _, e := range res.Trace.Events() {
					fmt.Println(render.Event(e))
				}
			}
		}
		if !res.Resolved {
			unresolved++
		}
	}

	if unresolved > 0 {
		return fmt.Errorf("%d of %d wrappers unresolved", unresolved, len(args))
	}
	return nil
}

func runExports(cmd *cobra.Command, args []string) error {
	log.Init(verbose)

	ctrl, closeCtrl, err := openController()
	if err != nil {
		return err
	}
	defer closeCtrl()

	exports, err := ctrl.Exports()
	if err != nil {
		return err
	}

	addrs := make([]uint64, 0, len(exports))
	for addr := range exports {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		fmt.Println(render.Export(exports[addr]))
	}
	return nil
}
