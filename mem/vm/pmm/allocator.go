// Package pmm implements the physical frame allocator.
package pmm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/vmcore/mem/physmem"
	"github.com/sarchlab/vmcore/mem/vm"
)

// ErrOutOfFrames is returned when no free frame is left.
var ErrOutOfFrames = errors.New("out of physical frames")

// Attr is the attribute set of a frame.
type Attr uint8

// AttrPersistent marks frames that must never be swept when their owner
// dies, such as page-table pages.
const AttrPersistent Attr = 1 << 0

// A FrameAllocator hands out reference-counted physical frames.
type FrameAllocator interface {
	// Allocate returns a zero-filled frame with one reference.
	Allocate(owner vm.PID, attr Attr) (vm.Frame, error)
	// Ref adds one reference to an allocated frame.
	Ref(f vm.Frame)
	// Free drops one reference and reports whether the frame went back to
	// the free list.
	Free(f vm.Frame) bool
	// SetAttr replaces the attributes of an allocated frame.
	SetAttr(f vm.Frame, attr Attr)
	// RefCount returns the number of references held on f.
	RefCount(f vm.Frame) uint32
	// Copy duplicates the content of src into dst.
	Copy(dst, src vm.Frame) error
}

type frameInfo struct {
	used  bool
	refs  uint32
	attr  Attr
	owner vm.PID
}

// FrameInfo is a snapshot of the metadata of one allocated frame.
type FrameInfo struct {
	Frame vm.Frame
	Refs  uint32
	Attr  Attr
	Owner vm.PID
}

// Allocator is the default FrameAllocator. It keeps a free stack and a
// metadata entry for every frame of the storage.
type Allocator struct {
	mu       sync.Mutex
	storage  *physmem.Storage
	frames   []frameInfo
	free     []vm.Frame
	reserved int
}

// Allocate returns a zeroed frame owned by owner.
func (a *Allocator) Allocate(owner vm.PID, attr Attr) (vm.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return vm.NoFrame, ErrOutOfFrames
	}

	f := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	info := &a.frames[f]
	if info.used {
		panic(fmt.Sprintf("%s is on the free list but in use", f))
	}

	*info = frameInfo{used: true, refs: 1, attr: attr, owner: owner}

	err := a.storage.ZeroFrame(f)
	if err != nil {
		panic(err)
	}

	return f, nil
}

// Ref adds a reference.
func (a *Allocator) Ref(f vm.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := a.mustBeUsed(f, "ref")
	info.refs++
}

// Free drops a reference. The frame returns to the free list, and its
// host memory is released, when the count reaches zero.
func (a *Allocator) Free(f vm.Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := a.mustBeUsed(f, "free")
	info.refs--
	if info.refs > 0 {
		return false
	}

	*info = frameInfo{}
	a.free = append(a.free, f)
	a.storage.Release(f)

	return true
}

// SetAttr replaces the attributes.
func (a *Allocator) SetAttr(f vm.Frame, attr Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mustBeUsed(f, "set attribute on").attr = attr
}

// RefCount returns the reference count, 0 for a free frame.
func (a *Allocator) RefCount(f vm.Frame) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(f) >= len(a.frames) {
		return 0
	}

	return a.frames[f].refs
}

// Attr returns the attributes of a frame.
func (a *Allocator) Attr(f vm.Frame) Attr {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.mustBeUsed(f, "query").attr
}

// Owner returns the PID the frame was allocated for.
func (a *Allocator) Owner(f vm.Frame) vm.PID {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.mustBeUsed(f, "query").owner
}

// Copy duplicates frame content.
func (a *Allocator) Copy(dst, src vm.Frame) error {
	return a.storage.CopyFrame(dst, src)
}

// Disown hands every frame still owned by owner to the kernel and returns
// how many there were. Frames of a dead process can outlive it when a
// descendant still shares them.
func (a *Allocator) Disown(owner vm.PID) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for i := range a.frames {
		info := &a.frames[i]
		if info.used && info.owner == owner {
			info.owner = vm.KernelPID
			n++
		}
	}

	return n
}

// NumFree returns how many frames can still be allocated.
func (a *Allocator) NumFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.free)
}

// NumUsed returns how many frames are allocated.
func (a *Allocator) NumUsed() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.frames) - a.reserved - len(a.free)
}

// NumReserved returns how many frames at the bottom of memory are never
// handed out.
func (a *Allocator) NumReserved() int {
	return a.reserved
}

// NumFrames returns the number of frames managed, reserved ones included.
func (a *Allocator) NumFrames() int {
	return len(a.frames)
}

// InUse lists the allocated frames, optionally filtered by owner.
func (a *Allocator) InUse(filter func(FrameInfo) bool) []FrameInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	var list []FrameInfo
	for i, info := range a.frames {
		if !info.used {
			continue
		}

		fi := FrameInfo{
			Frame: vm.Frame(i),
			Refs:  info.refs,
			Attr:  info.attr,
			Owner: info.owner,
		}
		if filter == nil || filter(fi) {
			list = append(list, fi)
		}
	}

	return list
}

func (a *Allocator) mustBeUsed(f vm.Frame, op string) *frameInfo {
	if int(f) < a.reserved || int(f) >= len(a.frames) {
		panic(fmt.Sprintf("cannot %s reserved or invalid %s", op, f))
	}

	info := &a.frames[f]
	if !info.used {
		panic(fmt.Sprintf("cannot %s %s, frame is free", op, f))
	}

	return info
}
