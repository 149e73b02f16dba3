// Package vm provides the shared vocabulary of the virtual-memory core:
// process IDs, frame handles, page geometry, and region attributes.
package vm

import "fmt"

// PID stands for Process ID.
type PID uint32

// KernelPID owns the frames that belong to no user process.
const KernelPID PID = 0

// Page geometry of the simulated machine.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// A Frame identifies one physical page. Frame 0 is never handed out by the
// allocator and doubles as "no frame".
type Frame uint32

// NoFrame is the zero frame.
const NoFrame Frame = 0

// FrameOf returns the frame that holds the physical address.
func FrameOf(paddr uint64) Frame {
	return Frame(paddr >> PageShift)
}

// Addr returns the physical address of the first byte of the frame.
func (f Frame) Addr() uint64 {
	return uint64(f) << PageShift
}

// Valid tells whether the handle refers to a real frame.
func (f Frame) Valid() bool {
	return f != NoFrame
}

func (f Frame) String() string {
	return fmt.Sprintf("frame#%d", uint32(f))
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint32) uint32 {
	return addr &^ PageMask
}

// AlignUp rounds addr up to a page boundary.
func AlignUp(addr uint32) uint32 {
	return (addr + PageMask) &^ PageMask
}

// IsAligned tells if addr sits on a page boundary.
func IsAligned(addr uint64) bool {
	return addr&PageMask == 0
}

// Perm is the access permission of a region.
type Perm uint8

// Permission bits.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// PermRW is read and write.
const PermRW = PermRead | PermWrite

// Readable tells whether reads are allowed.
func (p Perm) Readable() bool { return p&PermRead != 0 }

// Writable tells whether writes are allowed.
func (p Perm) Writable() bool { return p&PermWrite != 0 }

// Executable tells whether instruction fetches are allowed.
func (p Perm) Executable() bool { return p&PermExec != 0 }

func (p Perm) String() string {
	b := []byte("---")
	if p.Readable() {
		b[0] = 'r'
	}
	if p.Writable() {
		b[1] = 'w'
	}
	if p.Executable() {
		b[2] = 'x'
	}
	return string(b)
}

// Sharing decides what a child address space gets from its parent when the
// parent is duplicated.
type Sharing uint8

// Sharing modes.
const (
	// Private regions are not inherited; the child populates them again on
	// first touch.
	Private Sharing = iota
	// ReadShared regions share frames copy-on-write.
	ReadShared
	// WriteShared regions share frames writable.
	WriteShared
)

func (s Sharing) String() string {
	switch s {
	case Private:
		return "private"
	case ReadShared:
		return "read-shared"
	case WriteShared:
		return "write-shared"
	}
	return fmt.Sprintf("sharing(%d)", uint8(s))
}
