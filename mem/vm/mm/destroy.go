package mm

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
)

// Destroy releases every frame the tree of as references: data frames,
// tables and the root. The space must not be active.
func (m *Manager) Destroy(as *AddressSpace) error {
	if as.Destroyed() {
		return ErrDestroyed
	}

	if as == m.active {
		return ErrActiveSpace
	}

	released := 0
	err := m.withTree(as, mount.Mount1, func(h *mount.Handle) error {
		span := uint32(pagetable.Span(0))

		for i := uint32(0); i < mount.Mount3.RootIndex(); i++ {
			dir := i * span

			pde, err := h.ReadPTE(dir, 0)
			if err != nil {
				return err
			}

			if !pde.Present() {
				continue
			}

			err = forEachLeaf(h, dir, dir+span,
				func(va uint32, pte pagetable.PTE) error {
					if pte.Present() {
						m.frames.Free(pte.Frame())
						released++
					}
					return nil
				})
			if err != nil {
				return err
			}

			err = h.WritePTE(dir, 0, 0)
			if err != nil {
				return err
			}

			m.frames.Free(pde.Frame())
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.frames.Free(as.root)
	as.root = vm.NoFrame
	as.regions.Clear()

	m.log.WithFields(logrus.Fields{
		"pid":    as.pid,
		"frames": released,
	}).Debug("address space destroyed")

	return nil
}
