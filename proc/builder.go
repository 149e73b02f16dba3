package proc

import (
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
)

// A Builder can build process tables.
type Builder struct {
	spaces *mm.Manager
	frames Disowner
	log    logrus.FieldLogger
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithSpaces sets the address-space manager.
func (b Builder) WithSpaces(spaces *mm.Manager) Builder {
	b.spaces = spaces
	return b
}

// WithFrames sets the frame allocator that inherits the frames of dead
// processes.
func (b Builder) WithFrames(frames Disowner) Builder {
	b.frames = frames
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates the table and activates the idle address space.
func (b Builder) Build() (*Table, error) {
	if b.spaces == nil || b.frames == nil {
		panic("process table requires spaces and frames")
	}

	t := &Table{
		spaces: b.spaces,
		frames: b.frames,
		log:    b.log,
		procs:  btree.NewG(8, byPID),
	}

	if t.log == nil {
		t.log = logrus.StandardLogger()
	}

	idle, err := t.spaces.New(vm.KernelPID)
	if err != nil {
		return nil, err
	}

	t.idle = idle
	t.mustActivate(idle)

	return t, nil
}
