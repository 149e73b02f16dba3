package mm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/mem/vm/region"
)

// Duplicate builds the address space of a child of parent. Every populated
// table of the parent is copied, data frames are shared by reference, and
// then each region decides what the child really keeps:
//
//   - write-shared regions stay shared and writable;
//   - read-shared regions become copy-on-write on both sides;
//   - private regions are dropped from the child's tree, so the child
//     populates them again on first touch.
func (m *Manager) Duplicate(parent *AddressSpace, pid vm.PID) (*AddressSpace, error) {
	child, err := m.New(pid)
	if err != nil {
		return nil, err
	}

	err = m.withTree(parent, mount.Mount1, func(src *mount.Handle) error {
		return m.withTree(child, mount.Mount2, func(dst *mount.Handle) error {
			err := m.copyTree(src, dst, pid)
			if err != nil {
				return err
			}

			return m.applySharing(parent, child, src, dst)
		})
	})
	if err != nil {
		if destroyErr := m.Destroy(child); destroyErr != nil {
			m.log.WithError(destroyErr).Error("cleaning up a failed duplication")
		}

		return nil, fmt.Errorf("duplicating pid %d: %w", parent.pid, err)
	}

	m.log.WithFields(logrus.Fields{
		"parent": parent.pid,
		"child":  pid,
		"root":   child.root,
	}).Debug("address space duplicated")

	return child, nil
}

// copyTree gives dst a private copy of every present table of src below
// the mount windows. Leaf entries are copied as they are and every present
// data frame gains one reference.
func (m *Manager) copyTree(src, dst *mount.Handle, owner vm.PID) error {
	span := uint32(pagetable.Span(0))
	limit := mount.Mount3.RootIndex()

	for i := uint32(0); i < limit; i++ {
		dir := i * span

		pde, err := src.ReadPTE(dir, 0)
		if err != nil {
			return err
		}

		if !pde.Present() {
			continue
		}

		table, err := m.frames.Allocate(owner, pmm.AttrPersistent)
		if err != nil {
			return err
		}

		err = dst.WritePTE(dir, 0, pagetable.Make(table, pde.Prot()))
		if err != nil {
			m.frames.Free(table)
			return err
		}

		for j := uint32(0); j < pagetable.EntriesPerTable; j++ {
			va := dir + j<<vm.PageShift

			pte, err := src.ReadPTE(va, pagetable.LeafLevel)
			if err != nil {
				return err
			}

			if pte == 0 {
				continue
			}

			err = dst.WritePTE(va, pagetable.LeafLevel, pte)
			if err != nil {
				return err
			}

			if pte.Present() {
				m.frames.Ref(pte.Frame())
			}
		}
	}

	return nil
}

func (m *Manager) applySharing(
	parent, child *AddressSpace,
	src, dst *mount.Handle,
) error {
	for _, r := range parent.regions.Regions() {
		err := child.regions.Add(r.Clone())
		if err != nil {
			return err
		}

		switch r.Sharing {
		case vm.WriteShared:
			continue
		case vm.ReadShared:
			err = m.shareCopyOnWrite(r, src, dst)
		case vm.Private:
			err = m.dropPrivate(r, dst)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) shareCopyOnWrite(r *region.Region, src, dst *mount.Handle) error {
	protect := func(h *mount.Handle, va uint32) error {
		pte, ok, err := h.Lookup(va)
		if err != nil || !ok || pte == 0 || pte.IsGuardian() {
			return err
		}

		return h.WritePTE(va, pagetable.LeafLevel, pte.MkReadonly().MkCOW())
	}

	for va := r.Start; va < r.End; va += vm.PageSize {
		if err := protect(src, va); err != nil {
			return err
		}

		if err := protect(dst, va); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) dropPrivate(r *region.Region, dst *mount.Handle) error {
	for va := r.Start; va < r.End; va += vm.PageSize {
		pte, ok, err := dst.Lookup(va)
		if err != nil {
			return err
		}

		if !ok || pte == 0 || pte.IsGuardian() {
			continue
		}

		if pte.Present() {
			m.frames.Free(pte.Frame())
		}

		err = dst.WritePTE(va, pagetable.LeafLevel, 0)
		if err != nil {
			return err
		}
	}

	return nil
}
