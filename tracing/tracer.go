// Package tracing collects information about the faults a fault engine
// handles.
package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/sim"
)

// A Tracer observes faults. EndFault is called once for every StartFault,
// whether the fault was resolved or not.
type Tracer interface {
	StartFault(ctx *fault.Info)
	EndFault(ctx *fault.Info)
}

// A FaultFilter selects the faults a tracer cares about.
type FaultFilter func(ctx *fault.Info) bool

// AllFaults accepts every fault.
func AllFaults(*fault.Info) bool { return true }

// UserFaults accepts faults raised by user-mode accesses.
func UserFaults(ctx *fault.Info) bool { return !ctx.KernelAccess }

// CollectTrace lets the tracer observe the faults of a domain.
func CollectTrace(domain sim.Hookable, tracer Tracer) {
	for _, hook := range domain.Hooks() {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(&traceHook{t: tracer})
}

type traceHook struct {
	t Tracer
}

// Func dispatches engine hook positions to the tracer.
func (h *traceHook) Func(ctx sim.HookCtx) {
	fctx, ok := ctx.Item.(*fault.Info)
	if !ok {
		return
	}

	switch ctx.Pos {
	case fault.HookPosFaultStart:
		h.t.StartFault(fctx)
	case fault.HookPosFaultResolved, fault.HookPosFaultFailed:
		h.t.EndFault(fctx)
	}
}
