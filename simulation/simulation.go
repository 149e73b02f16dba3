// Package simulation assembles a complete machine: physical memory, the
// frame allocator, the MMU with its TLB, the address-space manager, the
// process table and the fault engine, plus the optional fault recorder and
// monitoring server.
package simulation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/physmem"
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

// A Simulation is one machine. The machine is single-core: whoever drives
// it holds the lock, which the monitor also takes before reading.
type Simulation struct {
	mu  sync.Mutex
	id  string
	log logrus.FieldLogger

	storage *physmem.Storage
	frames  *pmm.Allocator
	tlb     *tlb.Comp
	mmu     *mmu.Comp
	mounts  *mount.Manager
	spaces  *mm.Manager
	procs   *proc.Table
	engine  *fault.Engine
	counter *tracing.PathCountTracer

	recorder   *datarecording.SQLiteRecorder
	dbTracer   *tracing.DBTracer
	monitor    *monitoring.Monitor
	monitorURL string

	components    []sim.Named
	compNameIndex map[string]int
	terminated    bool
}

// ID returns the unique ID of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// Lock takes the machine.
func (s *Simulation) Lock() {
	s.mu.Lock()
}

// Unlock releases the machine.
func (s *Simulation) Unlock() {
	s.mu.Unlock()
}

// Run calls fn with the machine locked.
func (s *Simulation) Run(fn func(s *Simulation) error) error {
	s.Lock()
	defer s.Unlock()

	return fn(s)
}

// Storage returns the physical memory.
func (s *Simulation) Storage() *physmem.Storage {
	return s.storage
}

// Frames returns the frame allocator.
func (s *Simulation) Frames() *pmm.Allocator {
	return s.frames
}

// MMU returns the processor.
func (s *Simulation) MMU() *mmu.Comp {
	return s.mmu
}

// Mounts returns the page-table mount manager.
func (s *Simulation) Mounts() *mount.Manager {
	return s.mounts
}

// Spaces returns the address-space manager.
func (s *Simulation) Spaces() *mm.Manager {
	return s.spaces
}

// Procs returns the process table.
func (s *Simulation) Procs() *proc.Table {
	return s.procs
}

// Processes lists the processes of the machine.
func (s *Simulation) Processes() []*proc.Process {
	return s.procs.Processes()
}

// Engine returns the fault engine.
func (s *Simulation) Engine() *fault.Engine {
	return s.engine
}

// FaultCounter returns the tracer counting faults per path.
func (s *Simulation) FaultCounter() *tracing.PathCountTracer {
	return s.counter
}

// FaultCounts returns the fault counts per path.
func (s *Simulation) FaultCounts() []tracing.PathCount {
	return s.counter.Counts()
}

// MMUStats returns the counters of the MMU.
func (s *Simulation) MMUStats() mmu.Stats {
	return s.mmu.Stats()
}

// TLBStats returns the counters of the TLB.
func (s *Simulation) TLBStats() tlb.Stats {
	return s.tlb.Stats()
}

// DataRecorder returns the fault recorder, or nil if recording is off.
func (s *Simulation) DataRecorder() *datarecording.SQLiteRecorder {
	return s.recorder
}

// DBTracer returns the tracer writing fault records, or nil if recording
// is off.
func (s *Simulation) DBTracer() *tracing.DBTracer {
	return s.dbTracer
}

// Monitor returns the monitor, or nil if monitoring is off.
func (s *Simulation) Monitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorURL returns where the monitor listens.
func (s *Simulation) MonitorURL() string {
	return s.monitorURL
}

// RegisterComponent registers a component with the simulation.
func (s *Simulation) RegisterComponent(c sim.Named) {
	name := c.Name()
	if _, found := s.compNameIndex[name]; found {
		panic("component " + name + " already registered")
	}

	s.components = append(s.components, c)
	s.compNameIndex[name] = len(s.components) - 1

	if s.monitor != nil {
		s.monitor.RegisterComponent(c)
	}
}

// GetComponentByName returns the component with the given name.
func (s *Simulation) GetComponentByName(name string) (sim.Named, bool) {
	i, found := s.compNameIndex[name]
	if !found {
		return nil, false
	}

	return s.components[i], true
}

// Components returns all the registered components.
func (s *Simulation) Components() []sim.Named {
	return append([]sim.Named(nil), s.components...)
}

// Terminate stops the monitor and closes the recorder.
func (s *Simulation) Terminate() error {
	if s.terminated {
		return nil
	}

	s.terminated = true

	var errs []error

	if s.monitor != nil {
		if err := s.monitor.StopServer(); err != nil {
			errs = append(errs, fmt.Errorf("stopping monitor: %w", err))
		}
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing recorder: %w", err))
		}
	}

	return errors.Join(errs...)
}
