package tracing

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm/fault"
)

// LogTracer writes every resolved fault to a logger at debug level. Failed
// faults are already reported by the engine.
type LogTracer struct {
	log logrus.FieldLogger
}

// NewLogTracer creates a LogTracer. A nil logger means the standard one.
func NewLogTracer(log logrus.FieldLogger) *LogTracer {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &LogTracer{log: log}
}

// StartFault does nothing.
func (t *LogTracer) StartFault(*fault.Info) {}

// EndFault logs resolved faults.
func (t *LogTracer) EndFault(ctx *fault.Info) {
	if !ctx.IsResolved() {
		return
	}

	fields := logrus.Fields{
		"fault": ctx.ID,
		"pid":   ctx.PID(),
		"va":    fmt.Sprintf("0x%08x", ctx.FaultVA),
		"path":  ctx.Path,
		"depth": ctx.Trap.Depth,
	}

	if ctx.PtepFault {
		fields["ref"] = fmt.Sprintf("0x%08x", ctx.RefVA)
		fields["remote"] = ctx.RemoteFault
	}

	t.log.WithFields(fields).Debug("page fault resolved")
}
