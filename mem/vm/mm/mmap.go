package mm

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mount"
	"github.com/sarchlab/vmcore/mem/vm/pagetable"
	"github.com/sarchlab/vmcore/mem/vm/region"
)

// Errors of the mapping services. They are the errno values user space
// receives.
var (
	ErrInvalidArgument error = unix.EINVAL
	ErrNoDevice        error = unix.ENODEV
	ErrNoMemory        error = unix.ENOMEM
)

// MapOpts describes a mapping request.
type MapOpts struct {
	// Addr is a hint. The mapping is placed at the lowest free address at
	// or above it.
	Addr    uint32
	Length  uint32
	Perm    vm.Perm
	Sharing vm.Sharing
	// File backs the mapping. It must be a vm.PageReader. Nil maps
	// anonymous memory.
	File   vm.File
	Offset uint64
}

// Map creates a region in as and reserves its pages. Nothing is populated:
// every page gets its frame from the fault engine on first touch.
func (m *Manager) Map(as *AddressSpace, opts MapOpts) (uint32, error) {
	if as.Destroyed() {
		return 0, ErrDestroyed
	}

	if opts.Length == 0 ||
		!vm.IsAligned(uint64(opts.Length)) ||
		!vm.IsAligned(opts.Offset) {
		return 0, fmt.Errorf("mmap length 0x%x offset 0x%x: %w",
			opts.Length, opts.Offset, ErrInvalidArgument)
	}

	if opts.File != nil {
		if _, ok := opts.File.(vm.PageReader); !ok {
			return 0, fmt.Errorf("mmap %s: %w", opts.File.Name(), ErrNoDevice)
		}
	}

	addr, ok := as.regions.FindGap(
		opts.Addr, opts.Length, pagetable.UserStart, pagetable.UserEnd)
	if !ok {
		return 0, fmt.Errorf("mmap 0x%x bytes: %w", opts.Length, ErrNoMemory)
	}

	r := &region.Region{
		Start:   addr,
		End:     addr + opts.Length,
		Perm:    opts.Perm,
		Sharing: opts.Sharing,
		File:    opts.File,
		Offset:  opts.Offset,
	}

	err := as.regions.Add(r)
	if err != nil {
		return 0, err
	}

	err = m.withTree(as, mount.Mount1, func(h *mount.Handle) error {
		reservation := r.ReservationProt()
		for va := r.Start; va < r.End; va += vm.PageSize {
			err := h.WritePTE(va, pagetable.LeafLevel, reservation)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if unmapErr := m.Unmap(as, r.Start, opts.Length); unmapErr != nil {
			m.log.WithError(unmapErr).Error("rolling back a failed mmap")
		}

		return 0, err
	}

	m.log.WithFields(logrus.Fields{
		"pid":    as.pid,
		"region": r.String(),
	}).Debug("mmap")

	return addr, nil
}

// Unmap removes [addr, addr+length), rounded out to whole pages, from as.
// Regions are shrunk or split as needed, and every page of the removed
// ranges loses its frame reference and its entry.
func (m *Manager) Unmap(as *AddressSpace, addr, length uint32) error {
	if as.Destroyed() {
		return ErrDestroyed
	}

	if length == 0 {
		return fmt.Errorf("munmap length 0: %w", ErrInvalidArgument)
	}

	start := vm.AlignDown(addr)
	end := uint64(addr) + uint64(length)
	end = (end + vm.PageMask) &^ vm.PageMask
	if end > uint64(pagetable.UserEnd) {
		return fmt.Errorf("munmap beyond user space: %w", ErrInvalidArgument)
	}

	removed := as.regions.RemoveRange(start, uint32(end))
	if len(removed) == 0 {
		return nil
	}

	err := m.withTree(as, mount.Mount1, func(h *mount.Handle) error {
		for _, rng := range removed {
			err := forEachLeaf(h, rng.Start, rng.End,
				func(va uint32, pte pagetable.PTE) error {
					if pte.Present() {
						m.frames.Free(pte.Frame())
					}
					return h.WritePTE(va, pagetable.LeafLevel, 0)
				})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"pid":   as.pid,
		"start": fmt.Sprintf("0x%08x", start),
		"end":   fmt.Sprintf("0x%08x", end),
	}).Debug("munmap")

	return nil
}
