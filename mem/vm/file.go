package vm

// A File is anything that can back a region.
type File interface {
	Name() string
}

// A PageWriter stores data at a virtual address of the faulting address
// space. Writes are done with kernel privilege.
type PageWriter interface {
	Write(va uint32, data []byte) error
}

// A PageReader is a File that can populate one page of a mapping.
//
// ReadPage must write exactly one page at va, taken from the file at offset,
// or return an error without a partial page being considered valid.
type PageReader interface {
	File
	ReadPage(w PageWriter, va uint32, offset uint64) error
}
