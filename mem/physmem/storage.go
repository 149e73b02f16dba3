// Package physmem models the physical RAM of the simulated machine.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
)

// ErrBeyondCapacity is returned when accessing an address that the storage
// does not have.
var ErrBeyondCapacity = errors.New(
	"accessing physical address beyond the storage capacity")

// A Storage keeps the content of the physical memory.
//
// The storage manages the memory in units of one page. A unit that is never
// touched by Read or Write does not take host memory, so a machine with a
// large physical address space only pays for the frames it uses.
type Storage struct {
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity in bytes.
func NewStorage(capacity uint64) *Storage {
	storage := new(Storage)

	storage.unitSize = vm.PageSize
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the size of the storage in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// NumFrames returns how many frames fit in the storage.
func (s *Storage) NumFrames() int {
	return int(s.capacity / s.unitSize)
}

// ResidentUnits returns the number of units that are backed by host memory.
func (s *Storage) ResidentUnits() int {
	return len(s.data)
}

func (s *Storage) createOrGetStorageUnit(address uint64) ([]byte, error) {
	if address >= s.capacity {
		return nil, fmt.Errorf("%w: 0x%x", ErrBeyondCapacity, address)
	}

	baseAddr, _ := s.parseAddress(address)
	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit, nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read copies length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	currAddr := address
	lenLeft := length
	dataOffset := uint64(0)
	res := make([]byte, length)

	for currAddr < address+length {
		unit, err := s.createOrGetStorageUnit(currAddr)
		if err != nil {
			return nil, err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToRead := min(lenLeft, lenLeftInUnit)

		copy(res[dataOffset:dataOffset+lenToRead],
			unit[inUnitAddr:inUnitAddr+lenToRead])
		lenLeft -= lenToRead
		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < uint64(len(data)) {
		unit, err := s.createOrGetStorageUnit(currAddr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInData := uint64(len(data)) - dataOffset
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToWrite := min(lenLeftInData, lenLeftInUnit)

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])
		dataOffset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}

// Read32 reads a little-endian 32-bit word. Page-table entries are read
// this way.
func (s *Storage) Read32(address uint64) (uint32, error) {
	buf, err := s.Read(address, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// Write32 writes a little-endian 32-bit word.
func (s *Storage) Write32(address uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)

	return s.Write(address, buf[:])
}

// ZeroFrame clears a whole frame.
func (s *Storage) ZeroFrame(f vm.Frame) error {
	unit, err := s.createOrGetStorageUnit(f.Addr())
	if err != nil {
		return err
	}

	clear(unit)

	return nil
}

// CopyFrame copies the content of src into dst.
func (s *Storage) CopyFrame(dst, src vm.Frame) error {
	from, err := s.createOrGetStorageUnit(src.Addr())
	if err != nil {
		return err
	}

	to, err := s.createOrGetStorageUnit(dst.Addr())
	if err != nil {
		return err
	}

	copy(to, from)

	return nil
}

// Release drops the host memory behind a frame. The frame reads as zero
// afterwards.
func (s *Storage) Release(f vm.Frame) {
	delete(s.data, f.Addr())
}
