package pagetable

import "github.com/sarchlab/vmcore/mem/vm"

// Virtual memory layout.
const (
	// UserStart is the lowest address user mappings may use. Everything
	// below, including the null page, is never mapped.
	UserStart uint32 = 0x00400000
	// KernelBase splits user space from kernel space.
	KernelBase uint32 = 0xC0000000
	// UserEnd is the first address past user space.
	UserEnd = KernelBase

	// MountBase is the start of the page-table mount windows. Every window
	// covers what one root entry translates.
	MountBase uint32 = 0xFF000000
	// WindowSize is the span of one mount window.
	WindowSize uint32 = 1 << (vm.PageShift + LevelBits*(Levels-1))

	// SelfIndex is the root slot that points back at the root itself.
	SelfIndex = EntriesPerTable - 1
)

// IsKernel tells whether va belongs to kernel space.
func IsKernel(va uint32) bool {
	return va >= KernelBase
}

// IsUser tells whether va belongs to user space.
func IsUser(va uint32) bool {
	return va >= UserStart && va < UserEnd
}

// InMountRange tells whether va lies in the mount windows.
func InMountRange(va uint32) bool {
	return va >= MountBase
}

// IsNullPage tells whether va falls in page 0.
func IsNullPage(va uint32) bool {
	return va < 1<<vm.PageShift
}
