// Package resolver shadow-executes protector wrapper stubs to find the
// genuine exported function they forward to.
//
// A Resolver is bound to one target process and may resolve many
// wrapper addresses. Each attempt owns a fresh emulator and a private
// address space, demand-paged from the target; nothing survives across
// attempts and the target is only ever read.
package resolver

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/dewrap/internal/arch"
	"github.com/zboralski/dewrap/internal/emulator"
	"github.com/zboralski/dewrap/internal/log"
	"github.com/zboralski/dewrap/internal/process"
	"github.com/zboralski/dewrap/internal/trace"
)

// ErrEnvironment marks a fatal failure while constructing the shadow
// environment, before emulation starts.
var ErrEnvironment = errors.New("environment construction failed")

// Resolver resolves wrapper stubs against one target process.
type Resolver struct {
	ctrl     process.Controller
	opts     Options
	profile  arch.Profile
	noReturn map[string]bool
	log      *log.Logger
}

// Result is the outcome of one resolution attempt. Resolved is false
// for the expected negative outcomes: an engine fault, an unreadable
// page, or an exhausted execution window.
type Result struct {
	Attempt  string // attempt id, also present on the attempt's log lines
	Resolved bool
	Target   uint64          // program counter at the stop point
	Export   process.Export  // metadata when Target is a known export
	Trace    *trace.Recorder // per-attempt event log
}

// New builds a Resolver for the controller's target. An architecture
// tag the emulator does not support is a configuration error, surfaced
// here before any emulator resource exists.
func New(ctrl process.Controller, opts Options, logger *log.Logger) (*Resolver, error) {
	a, err := arch.Parse(ctrl.Architecture())
	if err != nil {
		return nil, err
	}
	pageSize := ctrl.PageSize()
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	opts = opts.withDefaults()
	noReturn := make(map[string]bool, len(opts.NoReturnAPIs))
	for _, name := range opts.NoReturnAPIs {
		noReturn[name] = true
	}

	return &Resolver{
		ctrl:     ctrl,
		opts:     opts,
		profile:  a.Profile(),
		noReturn: noReturn,
		log:      logger,
	}, nil
}

// Resolve shadow-executes the wrapper at wrapperAddr and reports the
// export it forwards to. Used when the wrapper's call site is unknown;
// the sentinel return address alone identifies the stop point.
func (r *Resolver) Resolve(wrapperAddr uint64) (Result, error) {
	return r.resolve(wrapperAddr, Sentinel())
}

// ResolveWithReturn is Resolve for a known call site: expectedRet is
// the address the wrapper would resume at, accepted as an additional
// stop condition.
func (r *Resolver) ResolveWithReturn(wrapperAddr, expectedRet uint64) (Result, error) {
	return r.resolve(wrapperAddr, Expected(expectedRet))
}

func (r *Resolver) resolve(wrapperAddr uint64, stop StopCondition) (Result, error) {
	id := uuid.NewString()
	lg := r.log.WithAttempt(id)
	rec := trace.NewRecorder(id)
	res := Result{Attempt: id, Trace: rec}

	exports, err := r.ctrl.Exports()
	if err != nil {
		return res, fmt.Errorf("export snapshot: %w", err)
	}

	emu, err := emulator.New(r.profile)
	if err != nil {
		return res, err
	}
	defer emu.Close()

	if err := buildEnvironment(emu, r.ctrl.PageSize(), r.opts.StackPages); err != nil {
		return res, fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	rec.Add(trace.NewEvent(wrapperAddr, trace.Env, "", r.profile.Arch.String()))

	hc := &hookContext{
		ctrl:     r.ctrl,
		exports:  exports,
		stop:     stop,
		noReturn: r.noReturn,
		pageSize: r.ctrl.PageSize(),
		rec:      rec,
		log:      lg,
	}
	if err := emu.HookUnmapped(hc.handleUnmapped); err != nil {
		return res, fmt.Errorf("%w: %v", ErrEnvironment, err)
	}
	if err := emu.HookBlock(hc.handleBlock); err != nil {
		return res, fmt.Errorf("%w: %v", ErrEnvironment, err)
	}

	rec.Add(trace.NewEvent(wrapperAddr, trace.Start, "", ""))
	runErr := emu.Run(wrapperAddr, wrapperAddr+r.opts.WindowBytes, r.opts.MaxInstructions)

	pc := emu.PC()
	switch {
	case hc.stopped:
		// Oracle-triggered halt: the program counter is the real API.
		res.Resolved = true
		res.Target = pc
		if exp, ok := exports[pc]; ok {
			res.Export = exp
		}
		lg.Debug("resolved", log.Addr(wrapperAddr), log.Ptr("target", pc), log.API(res.Export.Name))
	case runErr != nil:
		// Faults during the run are an expected negative outcome for
		// bulk resolution, not a crash. Keep the register state for
		// diagnostics and report no result.
		lg.Debug("emulation fault",
			zap.Error(runErr),
			log.Ptr("pc", pc),
			log.Ptr("sp", emu.SP()),
			log.Ptr("bp", emu.BP()))
		rec.Add(trace.NewEvent(pc, trace.Fault, "", runErr.Error()))
	default:
		// The run ended without the oracle firing: the execution
		// window or instruction bound was exhausted.
		lg.Debug("bound exhausted", log.Addr(wrapperAddr), log.Ptr("pc", pc))
		rec.Add(trace.NewEvent(pc, trace.Fault, "", "bound exhausted"))
	}

	return res, nil
}
