package mm

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
)

// A Builder can build address-space managers.
type Builder struct {
	storage *physmem.Storage
	cpu     CPU
	mounts  *mount.Manager
	frames  pmm.FrameAllocator
	log     logrus.FieldLogger
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithStorage sets the physical memory used to initialize new roots.
func (b Builder) WithStorage(s *physmem.Storage) Builder {
	b.storage = s
	return b
}

// WithCPU sets the processor whose active tree is managed.
func (b Builder) WithCPU(cpu CPU) Builder {
	b.cpu = cpu
	return b
}

// WithMounts sets the mount manager used to reach inactive trees.
func (b Builder) WithMounts(mounts *mount.Manager) Builder {
	b.mounts = mounts
	return b
}

// WithFrames sets the frame allocator.
func (b Builder) WithFrames(frames pmm.FrameAllocator) Builder {
	b.frames = frames
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates the manager.
func (b Builder) Build() *Manager {
	if b.storage == nil || b.cpu == nil || b.mounts == nil || b.frames == nil {
		panic("mm manager requires a storage, a CPU, mounts and frames")
	}

	m := &Manager{
		storage: b.storage,
		cpu:     b.cpu,
		mounts:  b.mounts,
		frames:  b.frames,
		log:     b.log,
	}

	if m.log == nil {
		m.log = logrus.StandardLogger()
	}

	return m
}
