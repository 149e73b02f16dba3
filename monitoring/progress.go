package monitoring

import (
	"sync"
	"time"
)

// A ProgressBar tracks a batch of machine runs.
type ProgressBar struct {
	mu sync.Mutex

	id         string
	name       string
	startTime  time.Time
	total      uint64
	inProgress uint64
	finished   uint64
	halted     uint64
}

// Progress is a point-in-time copy of a progress bar.
type Progress struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	InProgress uint64    `json:"in_progress"`
	Finished   uint64    `json:"finished"`
	Halted     uint64    `json:"halted"`
}

// Start marks n runs as started.
func (b *ProgressBar) Start(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inProgress += n
}

// Finish marks n started runs as completed.
func (b *ProgressBar) Finish(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inProgress -= n
	b.finished += n
}

// Halt marks n started runs as stopped by a kernel panic. Halted runs count
// as finished.
func (b *ProgressBar) Halt(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inProgress -= n
	b.finished += n
	b.halted += n
}

// Remaining returns how many runs have not finished.
func (b *ProgressBar) Remaining() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.total - b.finished
}

// Snapshot copies the state of the bar.
func (b *ProgressBar) Snapshot() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Progress{
		ID:         b.id,
		Name:       b.name,
		StartTime:  b.startTime,
		Total:      b.total,
		InProgress: b.inProgress,
		Finished:   b.finished,
		Halted:     b.halted,
	}
}
