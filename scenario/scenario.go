// Package scenario holds small programs that drive a machine through the
// paths of the fault engine and check what they observe.
package scenario

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/proc"
	"github.com/sarchlab/vmcore/simulation"
)

// ErrUnexpected is returned when a scenario observes something it should
// not.
var ErrUnexpected = errors.New("unexpected machine state")

// A Result summarizes one run.
type Result struct {
	Scenario   string
	Processes  int
	Resolved   uint64
	Failed     uint64
	FramesUsed int
	Halted     bool
	Notes      []string
}

func (r *Result) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// A Scenario is a named program for a machine.
type Scenario struct {
	Name        string
	Description string
	run         func(e *env) error
}

// Run executes the scenario on s with the machine locked.
func (sc Scenario) Run(s *simulation.Simulation) (Result, error) {
	res := Result{Scenario: sc.Name}

	err := s.Run(func(s *simulation.Simulation) error {
		return sc.run(&env{s: s, res: &res})
	})

	s.Lock()
	res.Resolved, res.Failed = s.FaultCounter().Totals()
	res.FramesUsed = s.Frames().NumUsed()
	res.Processes = len(s.Processes())
	s.Unlock()

	if err != nil {
		return res, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	return res, nil
}

var registry = map[string]Scenario{}

func register(sc Scenario) {
	if _, found := registry[sc.Name]; found {
		panic("scenario " + sc.Name + " registered twice")
	}

	registry[sc.Name] = sc
}

// All returns every scenario ordered by name.
func All() []Scenario {
	list := make([]Scenario, 0, len(registry))
	for _, sc := range registry {
		list = append(list, sc)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	return list
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	sc, ok := registry[name]
	return sc, ok
}

type env struct {
	s   *simulation.Simulation
	res *Result
}

func (e *env) spawn() (*proc.Process, error) {
	p, err := e.s.Procs().Spawn()
	if err != nil {
		return nil, err
	}

	return p, e.s.Procs().SwitchTo(p)
}

func (e *env) switchTo(p *proc.Process) error {
	return e.s.Procs().SwitchTo(p)
}

func (e *env) mapPages(
	p *proc.Process,
	pages int,
	perm vm.Perm,
	sharing vm.Sharing,
) (uint32, error) {
	return e.s.Spaces().Map(p.Space(), mm.MapOpts{
		Length:  uint32(pages) * vm.PageSize,
		Perm:    perm,
		Sharing: sharing,
	})
}

func (e *env) store(va, v uint32) error {
	return e.s.MMU().WriteU32(mmu.ModeUser, va, v)
}

func (e *env) load(va uint32) (uint32, error) {
	return e.s.MMU().ReadU32(mmu.ModeUser, va)
}

func (e *env) expectLoad(va, want uint32) error {
	got, err := e.load(va)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: 0x%08x holds %d, want %d",
			ErrUnexpected, va, got, want)
	}

	return nil
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnexpected, fmt.Sprintf(format, args...))
}
