// Package fs provides files that can back memory regions.
package fs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/vmcore/mem/vm"
)

// ErrOutOfRange is returned for a page that starts at or past the end of a
// file.
var ErrOutOfRange = errors.New("page offset beyond end of file")

// A MemFile is a file held in memory.
type MemFile struct {
	name string
	data []byte
}

// NewMemFile creates a file named name with the given content.
func NewMemFile(name string, data []byte) *MemFile {
	return &MemFile{name: name, data: data}
}

// Name returns the name of the file.
func (f *MemFile) Name() string {
	return f.name
}

// Size returns the length of the content.
func (f *MemFile) Size() int64 {
	return int64(len(f.data))
}

// ReadPage writes the page at offset to va. The part past the end of the
// file reads as zeros.
func (f *MemFile) ReadPage(w vm.PageWriter, va uint32, offset uint64) error {
	if offset >= uint64(len(f.data)) {
		return fmt.Errorf("%s at 0x%x: %w", f.name, offset, ErrOutOfRange)
	}

	page := make([]byte, vm.PageSize)
	copy(page, f.data[offset:])

	return w.Write(va, page)
}

// A HostFile backs regions with a file of the host.
type HostFile struct {
	f *os.File
}

// OpenHostFile opens path read-only.
func OpenHostFile(path string) (*HostFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &HostFile{f: f}, nil
}

// Name returns the path of the file.
func (h *HostFile) Name() string {
	return h.f.Name()
}

// ReadPage writes the page at offset to va, zero-filling a short last page.
func (h *HostFile) ReadPage(w vm.PageWriter, va uint32, offset uint64) error {
	page := make([]byte, vm.PageSize)

	n, err := h.f.ReadAt(page, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%s at 0x%x: %w", h.Name(), offset, ErrOutOfRange)
	}

	return w.Write(va, page)
}

// Close closes the host file.
func (h *HostFile) Close() error {
	return h.f.Close()
}
