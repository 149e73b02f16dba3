package mm

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/mem/vm/region"
)

// Errors of address-space management.
var (
	ErrNoActiveSpace = errors.New("no address space is active")
	ErrActiveSpace   = errors.New("cannot tear down the active address space")
	ErrDestroyed     = errors.New("address space already destroyed")
)

// CPU is the part of the processor that address-space management drives.
type CPU interface {
	Root() vm.Frame
	SwitchRoot(root vm.Frame)
}

// A Manager creates, switches, duplicates and tears down address spaces.
type Manager struct {
	storage *physmem.Storage
	cpu     CPU
	mounts  *mount.Manager
	frames  pmm.FrameAllocator
	log     logrus.FieldLogger

	active *AddressSpace
}

// Active returns the address space whose tree is loaded.
func (m *Manager) Active() *AddressSpace {
	return m.active
}

// New creates an empty address space owned by pid. The root is initialized
// through physical memory because no window can show it before its self
// entry exists.
func (m *Manager) New(pid vm.PID) (*AddressSpace, error) {
	root, err := m.frames.Allocate(pid, pmm.AttrPersistent)
	if err != nil {
		return nil, fmt.Errorf("allocating root of pid %d: %w", pid, err)
	}

	self := pagetable.Make(root, pagetable.SelfRef)
	err = m.storage.Write32(
		root.Addr()+pagetable.SelfIndex*pagetable.EntrySize, uint32(self))
	if err != nil {
		m.frames.Free(root)
		return nil, err
	}

	as := &AddressSpace{
		pid:     pid,
		root:    root,
		regions: region.NewSet(),
	}

	m.log.WithFields(logrus.Fields{
		"pid":  pid,
		"root": root,
	}).Debug("address space created")

	return as, nil
}

// Activate loads the tree of as into the CPU.
func (m *Manager) Activate(as *AddressSpace) error {
	if as.Destroyed() {
		return ErrDestroyed
	}

	if m.active != nil && m.active != as && m.active.guest != nil {
		panic("switching address space with a tree still mounted")
	}

	m.active = as
	m.cpu.SwitchRoot(as.root)

	return nil
}

// withTree runs fn with a handle on the tree of as: SELF when as is active,
// otherwise window w mounted for the duration of fn.
func (m *Manager) withTree(
	as *AddressSpace,
	w mount.Window,
	fn func(h *mount.Handle) error,
) (err error) {
	if as.Destroyed() {
		return ErrDestroyed
	}

	if as == m.active {
		return fn(m.mounts.Self())
	}

	if m.active == nil {
		return ErrNoActiveSpace
	}

	h, err := m.mounts.Mount(w, as.root)
	if err != nil {
		return err
	}

	host := m.active
	prevGuest := host.guest
	host.guest = as

	defer func() {
		host.guest = prevGuest

		unmountErr := m.mounts.Unmount(h)
		if err == nil {
			err = unmountErr
		}
	}()

	return fn(h)
}

// Guard turns the page holding va into a guard page. Touching it is fatal
// to the process.
func (m *Manager) Guard(as *AddressSpace, va uint32) error {
	return m.withTree(as, mount.Mount1, func(h *mount.Handle) error {
		pte, ok, err := h.Lookup(va)
		if err != nil {
			return err
		}

		if ok && pte.Present() {
			m.frames.Free(pte.Frame())
		}

		return h.WritePTE(va, pagetable.LeafLevel, pagetable.Guardian)
	})
}

// Resident counts the present user pages of as.
func (m *Manager) Resident(as *AddressSpace) (int, error) {
	n := 0

	err := m.withTree(as, mount.Mount1, func(h *mount.Handle) error {
		return forEachLeaf(h, 0, pagetable.UserEnd,
			func(va uint32, pte pagetable.PTE) error {
				if pte.Present() {
					n++
				}
				return nil
			})
	})

	return n, err
}

// Translate returns the leaf entry mapping va in as, without faulting.
func (m *Manager) Translate(as *AddressSpace, va uint32) (pagetable.PTE, error) {
	var pte pagetable.PTE

	err := m.withTree(as, mount.Mount1, func(h *mount.Handle) error {
		var err error
		pte, _, err = h.Lookup(va)
		return err
	})

	return pte, err
}

// forEachLeaf calls fn for every non-null leaf entry translating an address
// in [lo, hi). Absent tables are skipped without being touched.
func forEachLeaf(
	h *mount.Handle,
	lo, hi uint32,
	fn func(va uint32, pte pagetable.PTE) error,
) error {
	span := uint64(pagetable.Span(0))

	for dir := uint64(lo) &^ (span - 1); dir < uint64(hi); dir += span {
		pde, err := h.ReadPTE(uint32(dir), 0)
		if err != nil {
			return err
		}

		if !pde.Present() {
			continue
		}

		first := max(dir, uint64(lo))
		last := min(dir+span, uint64(hi))

		for va := first; va < last; va += vm.PageSize {
			pte, err := h.ReadPTE(uint32(va), pagetable.LeafLevel)
			if err != nil {
				return err
			}

			if pte == 0 {
				continue
			}

			err = fn(uint32(va), pte)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
