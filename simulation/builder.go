package simulation

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/monitoring"
	"github.com/sarchlab/vmcore/proc"
	"github.com/sarchlab/vmcore/sim"
	"github.com/sarchlab/vmcore/tracing"
)

// Builder can be used to build a simulation.
type Builder struct {
	numFrames     int
	tlbEntries    int
	maxFaultDepth int
	recordOn      bool
	recordPath    string
	monitorOn     bool
	monitorPort   int
	log           logrus.FieldLogger
	ids           sim.IDGenerator
	halter        fault.Halter
}

// MakeBuilder creates a new builder with the default configuration and
// neither recording nor monitoring.
func MakeBuilder() Builder {
	return Builder{}.WithConfig(config.Default())
}

// WithConfig applies a configuration.
func (b Builder) WithConfig(c config.Config) Builder {
	b.numFrames = c.Frames
	b.tlbEntries = c.TLBEntries
	b.maxFaultDepth = c.MaxFaultDepth
	b.monitorOn = c.Monitor
	b.monitorPort = c.MonitorPort

	b.recordOn = c.RecordPath != ""
	b.recordPath = c.RecordPath

	return b
}

// WithNumFrames sets the size of physical memory in frames.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithTLBEntries sets the number of TLB entries.
func (b Builder) WithTLBEntries(n int) Builder {
	b.tlbEntries = n
	return b
}

// WithMaxFaultDepth sets the deepest tolerated fault nesting.
func (b Builder) WithMaxFaultDepth(n int) Builder {
	b.maxFaultDepth = n
	return b
}

// WithRecording records every fault into path.sqlite3. An empty path picks
// a unique name.
func (b Builder) WithRecording(path string) Builder {
	b.recordOn = true
	b.recordPath = path

	return b
}

// WithoutRecording turns fault recording off.
func (b Builder) WithoutRecording() Builder {
	b.recordOn = false
	b.recordPath = ""

	return b
}

// WithMonitor starts the monitoring server on a port. Zero picks one.
func (b Builder) WithMonitor(port int) Builder {
	b.monitorOn = true
	b.monitorPort = port

	return b
}

// WithoutMonitoring turns the monitoring server off.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	b.monitorPort = 0

	return b
}

// WithLogger sets the logger shared by all the components.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// WithIDGenerator sets how fault IDs are generated. Machines that run
// concurrently should share a parallel generator.
func (b Builder) WithIDGenerator(g sim.IDGenerator) Builder {
	b.ids = g
	return b
}

// WithHalter sets what happens on a fatal kernel fault.
func (b Builder) WithHalter(h fault.Halter) Builder {
	b.halter = h
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.numFrames < 16 {
		panic("a machine needs at least 16 frames")
	}

	if b.tlbEntries < 1 {
		panic("a machine needs at least one TLB entry")
	}
}

// Build assembles the machine and starts the idle address space.
func (b Builder) Build() (*Simulation, error) {
	b.parametersMustBeValid()

	s := &Simulation{
		id:            xid.New().String(),
		log:           b.log,
		compNameIndex: make(map[string]int),
	}

	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	s.storage = physmem.NewStorage(uint64(b.numFrames) * vm.PageSize)
	s.frames = pmm.MakeBuilder().WithStorage(s.storage).Build()
	s.tlb = tlb.MakeBuilder().WithNumWays(b.tlbEntries).Build("CPU.TLB")
	s.mmu = mmu.MakeBuilder().
		WithStorage(s.storage).
		WithTLB(s.tlb).
		WithIDGenerator(b.ids).
		Build("CPU")
	s.mounts = mount.NewManager(s.mmu)
	s.spaces = mm.MakeBuilder().
		WithStorage(s.storage).
		WithCPU(s.mmu).
		WithMounts(s.mounts).
		WithFrames(s.frames).
		WithLogger(s.log).
		Build()

	procs, err := proc.MakeBuilder().
		WithSpaces(s.spaces).
		WithFrames(s.frames).
		WithLogger(s.log).
		Build()
	if err != nil {
		return nil, err
	}

	s.procs = procs

	engineBuilder := fault.MakeBuilder().
		WithCPU(s.mmu).
		WithMounts(s.mounts).
		WithFrames(s.frames).
		WithScheduler(s.procs).
		WithSignaler(s.procs).
		WithLogger(s.log).
		WithMaxNestedFaults(b.maxFaultDepth)
	if b.halter != nil {
		engineBuilder = engineBuilder.WithHalter(b.halter)
	}

	s.engine = engineBuilder.Build("PageFault")
	s.mmu.RegisterFaultHandler(s.engine)
	s.mmu.RegisterTimerHandler(s.procs)

	s.counter = tracing.NewPathCountTracer(tracing.AllFaults)
	tracing.CollectTrace(s.engine, s.counter)
	tracing.CollectTrace(s.engine, tracing.NewLogTracer(s.log))

	s.RegisterComponent(s.mmu)
	s.RegisterComponent(s.tlb)
	s.RegisterComponent(s.engine)

	if b.recordOn {
		err = b.buildRecording(s)
		if err != nil {
			return nil, err
		}
	}

	if b.monitorOn {
		err = b.buildMonitor(s)
		if err != nil {
			s.Terminate()
			return nil, err
		}
	}

	return s, nil
}

func (b Builder) buildRecording(s *Simulation) error {
	recorder, err := datarecording.New(b.recordPath)
	if err != nil {
		return err
	}

	tracer, err := tracing.NewDBTracer(recorder, s.log)
	if err != nil {
		_ = recorder.Close()
		return err
	}

	tracing.CollectTrace(s.engine, tracer)

	s.recorder = recorder
	s.dbTracer = tracer

	return nil
}

func (b Builder) buildMonitor(s *Simulation) error {
	s.monitor = monitoring.NewMonitor().WithLogger(s.log)
	if b.monitorPort > 0 {
		s.monitor.WithPortNumber(b.monitorPort)
	}

	s.monitor.RegisterMachine(s)

	for _, c := range s.components {
		s.monitor.RegisterComponent(c)
	}

	url, err := s.monitor.StartServer()
	if err != nil {
		return err
	}

	s.monitorURL = url

	return nil
}
