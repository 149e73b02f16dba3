package fault

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/sim"
)

// A Builder can build fault engines.
type Builder struct {
	cpu       CPU
	mounts    *mount.Manager
	frames    pmm.FrameAllocator
	scheduler Scheduler
	signaler  Signaler
	halter    Halter
	log       logrus.FieldLogger
	maxDepth  int
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		halter:   PanicHalter{},
		maxDepth: MaxNestedFaults,
	}
}

// WithCPU sets the processor the engine serves.
func (b Builder) WithCPU(cpu CPU) Builder {
	b.cpu = cpu
	return b
}

// WithMounts sets the mount manager.
func (b Builder) WithMounts(mounts *mount.Manager) Builder {
	b.mounts = mounts
	return b
}

// WithFrames sets the frame allocator.
func (b Builder) WithFrames(frames pmm.FrameAllocator) Builder {
	b.frames = frames
	return b
}

// WithScheduler sets the scheduler.
func (b Builder) WithScheduler(s Scheduler) Builder {
	b.scheduler = s
	return b
}

// WithSignaler sets who delivers SIGSEGV.
func (b Builder) WithSignaler(s Signaler) Builder {
	b.signaler = s
	return b
}

// WithHalter sets what happens on a fatal kernel fault.
func (b Builder) WithHalter(h Halter) Builder {
	b.halter = h
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// WithMaxNestedFaults sets the deepest tolerated fault nesting.
func (b Builder) WithMaxNestedFaults(n int) Builder {
	b.maxDepth = n
	return b
}

// Build creates the engine.
func (b Builder) Build(name string) *Engine {
	if b.cpu == nil || b.mounts == nil || b.frames == nil {
		panic("fault engine requires a CPU, mounts and frames")
	}

	if b.scheduler == nil || b.signaler == nil {
		panic("fault engine requires a scheduler and a signaler")
	}

	e := &Engine{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		cpu:          b.cpu,
		mounts:       b.mounts,
		frames:       b.frames,
		scheduler:    b.scheduler,
		signaler:     b.signaler,
		halter:       b.halter,
		log:          b.log,
		maxDepth:     b.maxDepth,
	}

	if e.log == nil {
		e.log = logrus.StandardLogger()
	}

	return e
}
