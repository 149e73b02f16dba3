package sim

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// An IDGenerator names traps and faults. Every trap the MMU raises gets the
// next ID, and the fault engine and tracers refer to the fault by it.
type IDGenerator interface {
	Generate() string
}

// NewSequentialIDGenerator numbers traps 1, 2, 3, ... so two runs of the
// same scenario produce the same fault records.
func NewSequentialIDGenerator() IDGenerator {
	return &counterIDs{}
}

// NewParallelIDGenerator returns globally unique trap IDs. Machines that
// run side by side and write into one recording share it.
func NewParallelIDGenerator() IDGenerator {
	return xidIDs{}
}

type counterIDs struct {
	last atomic.Uint64
}

func (g *counterIDs) Generate() string {
	return strconv.FormatUint(g.last.Add(1), 10)
}

type xidIDs struct{}

func (xidIDs) Generate() string {
	return xid.New().String()
}
