package mount

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
)

// Errors returned by the mount manager.
var (
	ErrWindowBusy  = errors.New("mount window already in use")
	ErrSelfMount   = errors.New("the self window always shows the active tree")
	ErrNoRoot      = errors.New("cannot mount frame 0")
	ErrStaleHandle = errors.New("mount handle used after unmount or tree switch")
)

// Memory is the view of the CPU the mount manager works through. Every
// access is a virtual access with kernel privilege, so touching a missing
// table raises a page fault like any other access would.
type Memory interface {
	Root() vm.Frame
	ReadU32(mode mmu.Mode, va uint32) (uint32, error)
	WriteU32(mode mmu.Mode, va uint32, v uint32) error
	InvalidatePage(va uint32)
	InvalidateRange(va, size uint32)
}

// A Manager hands out the mount windows of the active tree.
type Manager struct {
	mem     Memory
	self    *Handle
	mounted [numWindows]*Handle
}

// NewManager creates a manager over mem.
func NewManager(mem Memory) *Manager {
	m := &Manager{mem: mem}
	m.self = &Handle{m: m, w: Self, valid: true}
	m.mounted[Self] = m.self

	return m
}

// Self returns the handle of the active tree.
func (m *Manager) Self() *Handle {
	return m.self
}

// Mounted returns the handle bound to w, if any.
func (m *Manager) Mounted(w Window) (*Handle, bool) {
	h := m.mounted[w]
	if h == nil || !h.valid {
		return nil, false
	}

	return h, true
}

// Mount binds a scratch window to the tree rooted at root. The root must
// already carry its self entry.
func (m *Manager) Mount(w Window, root vm.Frame) (*Handle, error) {
	if w == Self {
		return nil, ErrSelfMount
	}

	if w >= numWindows {
		panic(fmt.Sprintf("unknown mount window %d", w))
	}

	if !root.Valid() {
		return nil, ErrNoRoot
	}

	if h, busy := m.Mounted(w); busy {
		return nil, fmt.Errorf("%w: %s holds %s", ErrWindowBusy, w, h.root)
	}

	err := m.self.WritePTE(w.Base(), 0, pagetable.Make(root, pagetable.KernelData))
	if err != nil {
		return nil, err
	}

	m.mem.InvalidateRange(w.Base(), pagetable.WindowSize)

	h := &Handle{m: m, w: w, root: root, host: m.mem.Root(), valid: true}
	m.mounted[w] = h

	return h, nil
}

// Unmount releases the window of h. The handle cannot be used afterwards.
func (m *Manager) Unmount(h *Handle) error {
	if h.w == Self {
		return ErrSelfMount
	}

	if err := h.check(); err != nil {
		return err
	}

	err := m.self.WritePTE(h.w.Base(), 0, 0)
	if err != nil {
		return err
	}

	m.mem.InvalidateRange(h.w.Base(), pagetable.WindowSize)

	h.valid = false
	m.mounted[h.w] = nil

	return nil
}

// A Handle gives access to the tree bound to one window.
type Handle struct {
	m     *Manager
	w     Window
	root  vm.Frame
	host  vm.Frame
	valid bool
}

// Window returns the window of the handle.
func (h *Handle) Window() Window {
	return h.w
}

// Root returns the root frame of the tree behind the handle.
func (h *Handle) Root() vm.Frame {
	if h.w == Self {
		return h.m.mem.Root()
	}

	return h.root
}

// Valid tells whether the handle can still be used.
func (h *Handle) Valid() bool {
	return h.check() == nil
}

func (h *Handle) check() error {
	if !h.valid {
		return ErrStaleHandle
	}

	if h.w != Self && h.m.mem.Root() != h.host {
		return ErrStaleHandle
	}

	return nil
}

// SlotVA returns where the entry translating va at level is visible.
func (h *Handle) SlotVA(va uint32, level int) uint32 {
	return SlotVA(h.w, va, level)
}

// ReadPTE reads the entry translating va at level.
func (h *Handle) ReadPTE(va uint32, level int) (pagetable.PTE, error) {
	if err := h.check(); err != nil {
		return 0, err
	}

	raw, err := h.m.mem.ReadU32(mmu.ModeKernel, h.SlotVA(va, level))
	if err != nil {
		return 0, err
	}

	return pagetable.PTE(raw), nil
}

// WritePTE stores the entry translating va at level and invalidates the
// translations the write changes: va itself when the tree is active, and the
// window page showing the next level table.
func (h *Handle) WritePTE(va uint32, level int, pte pagetable.PTE) error {
	if err := h.check(); err != nil {
		return err
	}

	err := h.m.mem.WriteU32(mmu.ModeKernel, h.SlotVA(va, level), uint32(pte))
	if err != nil {
		return err
	}

	if h.w == Self {
		h.m.mem.InvalidatePage(va)
	}

	if level < pagetable.LeafLevel {
		h.m.mem.InvalidatePage(h.SlotVA(va, level+1))
	}

	return nil
}

// Lookup returns the leaf entry translating va. It walks from the root and
// reports false, without touching the missing table, when an upper level
// is absent.
func (h *Handle) Lookup(va uint32) (pagetable.PTE, bool, error) {
	for level := 0; level < pagetable.LeafLevel; level++ {
		pte, err := h.ReadPTE(va, level)
		if err != nil {
			return 0, false, err
		}

		if !pte.Present() {
			return 0, false, nil
		}
	}

	pte, err := h.ReadPTE(va, pagetable.LeafLevel)
	if err != nil {
		return 0, false, err
	}

	return pte, true, nil
}
